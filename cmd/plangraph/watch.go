package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/plangraph/internal/events"
	"github.com/alfredjeanlab/plangraph/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:               "watch [topic]",
	Short:             "Print engine events published on NATS",
	GroupID:           "system",
	Args:              cobra.MaximumNArgs(1),
	PersistentPreRunE: noClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		natsURL, _ := cmd.Flags().GetString("nats-url")
		if natsURL == "" {
			return fmt.Errorf("--nats-url or PLANGRAPH_NATS_URL is required")
		}
		topic := events.TopicAll
		if len(args) == 1 {
			topic = args[0]
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		sub, err := events.NewNATSSubscriber(natsURL,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Printf("nats: disconnected: %v", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				log.Printf("nats: reconnected")
			}),
		)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer sub.Close()

		ch, cancel, err := sub.Subscribe(topic)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return nil
			case data, ok := <-ch:
				if !ok {
					return nil
				}
				printEvent(data)
			}
		}
	},
}

// printEvent prints one payload. The subscriber delivers payloads without
// their subject, so the event kind is inferred from its fields.
func printEvent(data []byte) {
	if jsonOutput {
		fmt.Println(string(data))
		return
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Printf("%s %s %s\n", ui.RenderMuted(time.Now().Format("15:04:05")), ui.RenderAccent(eventKind(ev)), string(data))
}

func eventKind(ev map[string]any) string {
	switch {
	case ev["event"] != nil:
		return "node.updated"
	case ev["child_id"] != nil:
		return "hierarchy.changed"
	case ev["destination"] != nil:
		return "backup.completed"
	case ev["session_id"] != nil && ev["at"] != nil:
		return "session.opened"
	case ev["session_id"] != nil:
		return "session.closed"
	}
	return "event"
}

func init() {
	watchCmd.Flags().String("nats-url", os.Getenv("PLANGRAPH_NATS_URL"), "NATS server URL")
}

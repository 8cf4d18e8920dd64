package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// Subscriber receives events from the event bus.
type Subscriber interface {
	// Subscribe delivers raw event payloads on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}

// Decode subscribes to topic and decodes every payload as T before handing
// it to fn. Payloads that fail to decode are passed to onErr (when set) and
// skipped. Decode returns when ctx is done or the subscription is closed.
func Decode[T any](ctx context.Context, s Subscriber, topic string, fn func(T), onErr func(error)) error {
	ch, cancel, err := s.Subscribe(topic)
	if err != nil {
		return err
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
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				if onErr != nil {
					onErr(fmt.Errorf("decoding %s event: %w", topic, err))
				}
				continue
			}
			fn(v)
		}
	}
}

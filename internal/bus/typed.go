package bus

import (
	"encoding/json"
	"fmt"
)

// PublishTyped publishes payload after converting it to the map form the bus
// diffs on. Field names follow payload's json tags.
func PublishTyped[T any](b *Bus, publisherID string, payload T, meta Metadata) (UpdateEvent, bool, error) {
	data, err := toData(payload)
	if err != nil {
		return UpdateEvent{}, false, fmt.Errorf("publish %s: %w", publisherID, err)
	}
	ev, ok := b.Publish(publisherID, data, meta)
	return ev, ok, nil
}

// SubscribeTyped is SubscribeToConnected with the event data decoded into T.
// Events whose data cannot be decoded into T are logged and skipped.
func SubscribeTyped[T any](b *Bus, subscriberID string, connected func() []string, callback func(UpdateEvent, T), opts ...SubscribeOption) func() {
	return b.SubscribeToConnected(subscriberID, connected, func(ev UpdateEvent) {
		var payload T
		if err := fromData(ev.Data, &payload); err != nil {
			b.logger.Warn("dropping undecodable event", "subscriber", subscriberID, "publisher", ev.PublisherID, "err", err)
			return
		}
		callback(ev, payload)
	}, opts...)
}

func toData(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return out, nil
}

func fromData(data map[string]any, dst any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

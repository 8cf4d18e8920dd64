package bus

import (
	"testing"
)

type estimatePayload struct {
	Title            string  `json:"title"`
	OriginalEstimate float64 `json:"originalEstimate"`
}

func TestTypedHelpers(t *testing.T) {
	b := newBus()
	var got []estimatePayload
	unsub := SubscribeTyped(b, "parent", connectedTo("f1"), func(_ UpdateEvent, p estimatePayload) {
		got = append(got, p)
	})
	defer unsub()

	_, ok, err := PublishTyped(b, "f1", estimatePayload{Title: "A", OriginalEstimate: 3}, featureMeta)
	if err != nil || !ok {
		t.Fatalf("PublishTyped = %v, %v", ok, err)
	}
	if len(got) != 1 || got[0].OriginalEstimate != 3 || got[0].Title != "A" {
		t.Errorf("decoded = %+v", got)
	}

	if _, _, err := PublishTyped(b, "f1", []int{1}, featureMeta); err == nil {
		t.Error("expected error for non-object payload")
	}
}

func TestSubscribeTyped_SkipsUndecodable(t *testing.T) {
	b := newBus()
	calls := 0
	SubscribeTyped(b, "parent", connectedTo("f1"), func(UpdateEvent, estimatePayload) { calls++ })
	b.Publish("f1", map[string]any{"title": 42.0}, featureMeta)
	if calls != 0 {
		t.Errorf("callback ran %d times for undecodable data", calls)
	}
}

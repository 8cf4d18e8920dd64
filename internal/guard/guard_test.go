package guard

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func newGuard(clock Clock) *Guard {
	return New("f1", Options{Clock: clock, RecencyBuffer: 150 * time.Millisecond, GraceWindow: 200 * time.Millisecond})
}

func TestIsUpdateTooRecent(t *testing.T) {
	clock := NewManualClock(epoch)
	g := newGuard(clock)

	if g.IsUpdateTooRecent("rollupEstimate", 0) {
		t.Fatal("first write should not be too recent")
	}
	clock.Advance(100 * time.Millisecond)
	if !g.IsUpdateTooRecent("rollupEstimate", 0) {
		t.Fatal("second write inside the buffer should be too recent")
	}
	// A rejected attempt does not move the window.
	clock.Advance(60 * time.Millisecond)
	if g.IsUpdateTooRecent("rollupEstimate", 0) {
		t.Fatal("write after the buffer should be allowed")
	}
	if g.IsUpdateTooRecent("totalCost", 0) {
		t.Error("fields are tracked independently")
	}
	if got := g.State().LastWriteAt["rollupEstimate"]; !got.Equal(epoch.Add(160 * time.Millisecond)) {
		t.Errorf("lastWriteAt = %v", got)
	}
}

func TestIsUpdateTooRecent_CustomBuffer(t *testing.T) {
	clock := NewManualClock(epoch)
	g := newGuard(clock)
	g.IsUpdateTooRecent("x", 0)
	clock.Advance(400 * time.Millisecond)
	if !g.IsUpdateTooRecent("x", time.Second) {
		t.Error("expected too recent with a 1s buffer")
	}
}

func TestShouldProcessUpdate(t *testing.T) {
	clock := NewManualClock(epoch)
	g := newGuard(clock)

	if g.ShouldProcessUpdate("f1", []string{"title"}) {
		t.Error("own events must be rejected")
	}
	if g.ShouldProcessUpdate("c1", nil) {
		t.Error("events without fields must be rejected")
	}
	if !g.ShouldProcessUpdate("c1", []string{"originalEstimate"}) {
		t.Fatal("first event from a child should be processed")
	}
	if g.ShouldProcessUpdate("c1", []string{"originalEstimate"}) {
		t.Error("repeat inside the buffer should be suppressed")
	}
	if !g.ShouldProcessUpdate("c1", []string{"originalEstimate", "title"}) {
		t.Error("an event with at least one fresh field should be processed")
	}
	if !g.ShouldProcessUpdate("c2", []string{"originalEstimate"}) {
		t.Error("recency is tracked per publisher")
	}
	// Receiving a field never blocks the node's own write of that field.
	if g.IsUpdateTooRecent("originalEstimate", 0) {
		t.Error("incoming recency leaked into own-write recency")
	}
	clock.Advance(200 * time.Millisecond)
	if !g.ShouldProcessUpdate("c1", []string{"originalEstimate"}) {
		t.Error("event after the buffer should be processed")
	}
}

func TestShouldProcessUpdate_InFlight(t *testing.T) {
	clock := NewManualClock(epoch)
	g := newGuard(clock)

	g.Begin("rollupEstimate")
	if g.ShouldProcessUpdate("c1", []string{"rollupEstimate"}) {
		t.Error("overlapping event during in-flight update should be rejected")
	}
	if !g.ShouldProcessUpdate("c1", []string{"title"}) {
		t.Error("non-overlapping event should be processed")
	}

	g.Reset()
	g.Begin()
	if g.ShouldProcessUpdate("c2", []string{"anything"}) {
		t.Error("in-flight without a field set overlaps everything")
	}
}

func TestBeginEnd_GraceWindow(t *testing.T) {
	clock := NewManualClock(epoch)
	g := newGuard(clock)

	if !g.Begin("totalCost") {
		t.Fatal("Begin should succeed")
	}
	if g.Begin("totalCost") {
		t.Fatal("Begin must not be reentrant")
	}
	g.End()
	if !g.InFlight() {
		t.Fatal("in-flight should hold through the grace window")
	}
	clock.Advance(199 * time.Millisecond)
	if !g.InFlight() {
		t.Fatal("cleared before grace window elapsed")
	}
	clock.Advance(time.Millisecond)
	if g.InFlight() {
		t.Fatal("in-flight should clear after the grace window")
	}
}

func TestBegin_CancelsPendingGrace(t *testing.T) {
	clock := NewManualClock(epoch)
	g := newGuard(clock)

	g.Begin("a")
	g.End()
	clock.Advance(300 * time.Millisecond)
	g.Begin("b")
	g.End()
	clock.Advance(100 * time.Millisecond)
	g.Begin("c") // rejected, still in grace of "b"
	clock.Advance(100 * time.Millisecond)
	if g.InFlight() {
		t.Error("grace timer of the latest End should clear the flag")
	}
	if clock.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", clock.Pending())
	}
}

func TestEnd_WithoutBegin(t *testing.T) {
	clock := NewManualClock(epoch)
	g := newGuard(clock)
	g.End()
	if clock.Pending() != 0 || g.InFlight() {
		t.Error("End without Begin should be a no-op")
	}
}

func TestNew_Defaults(t *testing.T) {
	g := New("n", Options{})
	if g.buffer != DefaultRecencyBuffer || g.grace != DefaultGraceWindow || g.clock == nil {
		t.Errorf("defaults not applied: %+v", g)
	}
	if g.NodeID() != "n" {
		t.Errorf("NodeID() = %q", g.NodeID())
	}
	if g.RecencyBuffer() != DefaultRecencyBuffer {
		t.Errorf("RecencyBuffer() = %v, want %v", g.RecencyBuffer(), DefaultRecencyBuffer)
	}
}

func TestRecord(t *testing.T) {
	clock := NewManualClock(epoch)
	g := newGuard(clock)

	g.Record("title")
	if !g.IsUpdateTooRecent("title", 0) {
		t.Fatal("recorded key should be too recent")
	}
	clock.Advance(100 * time.Millisecond)
	g.Record("title")
	clock.Advance(100 * time.Millisecond)
	if !g.IsUpdateTooRecent("title", 0) {
		t.Error("Record should move the window even inside the buffer")
	}
}

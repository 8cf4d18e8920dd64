package presence

import (
	"testing"
	"time"
)

func TestRecord_BasicTracking(t *testing.T) {
	tr := New()

	tr.Record(Activity{SessionID: "s-1", Client: "canvas", Action: "mount", NodeID: "ft-1"})

	roster := tr.Roster(0)
	if len(roster) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(roster))
	}

	e := roster[0]
	if e.SessionID != "s-1" {
		t.Errorf("expected session s-1, got %s", e.SessionID)
	}
	if e.Client != "canvas" {
		t.Errorf("expected client canvas, got %s", e.Client)
	}
	if e.LastAction != "mount" || e.NodeID != "ft-1" {
		t.Errorf("expected mount of ft-1, got %s of %s", e.LastAction, e.NodeID)
	}
	if e.ActionCount != 1 {
		t.Errorf("expected action_count 1, got %d", e.ActionCount)
	}
}

func TestRecord_UpdatesExistingSession(t *testing.T) {
	tr := New()

	tr.Record(Activity{SessionID: "s-1", Client: "canvas", Action: "mount", NodeID: "ft-1"})
	tr.Record(Activity{SessionID: "s-1", Action: "edit", NodeID: "ft-2"})
	tr.Record(Activity{SessionID: "s-1", Action: "flush"})

	roster := tr.Roster(0)
	if len(roster) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(roster))
	}

	e := roster[0]
	if e.ActionCount != 3 {
		t.Errorf("expected 3 actions, got %d", e.ActionCount)
	}
	if e.NodeID != "ft-2" {
		t.Errorf("expected last node ft-2, got %s", e.NodeID)
	}
	if e.Client != "canvas" {
		t.Errorf("client should be kept, got %q", e.Client)
	}
	if e.LastAction != "flush" {
		t.Errorf("expected last_action flush, got %s", e.LastAction)
	}
}

func TestRecord_IgnoresEmptySession(t *testing.T) {
	tr := New()

	tr.Record(Activity{Action: "mount"})

	if roster := tr.Roster(0); len(roster) != 0 {
		t.Fatalf("expected 0 entries for empty session, got %d", len(roster))
	}
}

func TestRemove(t *testing.T) {
	tr := New()
	tr.Record(Activity{SessionID: "s-1", Action: "mount"})
	if !tr.Active("s-1") {
		t.Fatal("expected s-1 to be active")
	}

	tr.Remove("s-1")
	if tr.Active("s-1") || len(tr.Roster(0)) != 0 {
		t.Error("expected s-1 to be gone")
	}
}

func TestRoster_StaleThreshold(t *testing.T) {
	tr := New()

	tr.Record(Activity{SessionID: "old", Action: "mount"})
	tr.Record(Activity{SessionID: "new", Action: "mount"})

	tr.mu.Lock()
	tr.sessions["old"].lastSeen = time.Now().Add(-20 * time.Minute)
	tr.mu.Unlock()

	roster := tr.Roster(10 * time.Minute)
	if len(roster) != 1 {
		t.Fatalf("expected 1 entry with threshold, got %d", len(roster))
	}
	if roster[0].SessionID != "new" {
		t.Errorf("expected new, got %s", roster[0].SessionID)
	}

	if all := tr.Roster(0); len(all) != 2 {
		t.Fatalf("expected 2 entries without threshold, got %d", len(all))
	}
}

func TestRoster_SortedByMostRecent(t *testing.T) {
	tr := New()
	now := time.Now()
	tick := now
	tr.now = func() time.Time { return tick }

	tr.Record(Activity{SessionID: "first", Action: "mount"})
	tick = now.Add(time.Second)
	tr.Record(Activity{SessionID: "second", Action: "mount"})
	tick = now.Add(2 * time.Second)
	tr.Record(Activity{SessionID: "third", Action: "mount"})

	roster := tr.Roster(0)
	if len(roster) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(roster))
	}
	if roster[0].SessionID != "third" {
		t.Errorf("expected third first, got %s", roster[0].SessionID)
	}
	if roster[2].SessionID != "first" {
		t.Errorf("expected first last, got %s", roster[2].SessionID)
	}
}

func TestSweep_ClosesIdleSessions(t *testing.T) {
	tr := New()

	tr.Record(Activity{SessionID: "idle", Action: "mount"})
	tr.Record(Activity{SessionID: "busy", Action: "mount"})

	tr.mu.Lock()
	tr.sessions["idle"].lastSeen = time.Now().Add(-40 * time.Minute)
	tr.mu.Unlock()

	var closed []string
	cfg := &ReaperConfig{
		IdleThreshold: 30 * time.Minute,
		EvictAfter:    10 * time.Minute,
		OnIdle: func(id string) {
			closed = append(closed, id)
		},
	}

	tr.sweep(cfg)
	tr.sweep(cfg)

	if len(closed) != 1 || closed[0] != "idle" {
		t.Errorf("expected idle to be closed once, got %v", closed)
	}
	if tr.Active("idle") {
		t.Error("expected idle to be inactive")
	}
	if !tr.Active("busy") {
		t.Error("expected busy to stay active")
	}

	// A reaped session does not come back.
	tr.Record(Activity{SessionID: "idle", Action: "edit"})
	if tr.Active("idle") {
		t.Error("reaped session was revived")
	}
}

func TestSweep_EvictsReapedSessions(t *testing.T) {
	tr := New()

	tr.Record(Activity{SessionID: "gone", Action: "mount"})
	tr.mu.Lock()
	state := tr.sessions["gone"]
	state.reaped = true
	state.reapedAt = time.Now().Add(-15 * time.Minute)
	tr.mu.Unlock()

	tr.sweep(&ReaperConfig{IdleThreshold: 30 * time.Minute, EvictAfter: 10 * time.Minute})

	tr.mu.RLock()
	_, exists := tr.sessions["gone"]
	tr.mu.RUnlock()

	if exists {
		t.Error("expected reaped session to be evicted")
	}
}

func TestStartReaper_StopsCleanly(t *testing.T) {
	tr := New()

	tr.StartReaper(&ReaperConfig{
		SweepInterval: 50 * time.Millisecond,
	})

	time.Sleep(150 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		tr.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return within 2 seconds")
	}
}

// Package presence tracks client session activity.
//
// The Tracker keeps an in-memory map of open engine sessions, updated by
// the server on every session request. A background reaper closes sessions
// whose client has gone quiet: the reaper marks them idle and hands them
// to OnIdle, which flushes and closes the engine session.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entry represents a single session's live presence state.
type Entry struct {
	SessionID           string    `json:"session_id"`
	Client              string    `json:"client,omitempty"` // caller-supplied client name
	LastSeen            time.Time `json:"last_seen"`
	FirstSeen           time.Time `json:"first_seen"`
	LastAction          string    `json:"last_action"`           // e.g. "mount", "edit", "unmount"
	NodeID              string    `json:"node_id,omitempty"`     // node of the last action
	IdleSecs            float64   `json:"idle_secs"`             // seconds since last action
	ActionCount         int64     `json:"action_count"`          // total actions seen
	SessionDurationSecs float64   `json:"session_duration_secs"` // seconds since first action
	Reaped              bool      `json:"reaped,omitempty"`      // true if the reaper closed it
	ReapedAt            time.Time `json:"reaped_at,omitempty"`
}

// Activity is one request against a session.
type Activity struct {
	SessionID string
	Client    string
	Action    string
	NodeID    string
}

// ReaperConfig configures the background idle-session reaper.
type ReaperConfig struct {
	// IdleThreshold is how long a session must be quiet before it is closed.
	// Default: 30 minutes.
	IdleThreshold time.Duration

	// EvictAfter is how long a reaped session stays visible in the roster.
	// Default: 10 minutes.
	EvictAfter time.Duration

	// SweepInterval is how often the reaper scans for idle sessions.
	// Default: 60 seconds.
	SweepInterval time.Duration

	// OnIdle is called for each session newly marked idle, outside the lock.
	OnIdle func(sessionID string)
}

// Tracker maintains an in-memory roster of open sessions.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	started  time.Time
	now      func() time.Time

	reaperStop chan struct{}
	reaperDone chan struct{}
}

type sessionState struct {
	client      string
	firstSeen   time.Time
	lastSeen    time.Time
	lastAction  string
	nodeID      string
	actionCount int64
	reaped      bool
	reapedAt    time.Time
}

// New creates a new presence tracker.
func New() *Tracker {
	return &Tracker{
		sessions: make(map[string]*sessionState),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Record updates the presence state of a session.
func (t *Tracker) Record(a Activity) {
	if a.SessionID == "" {
		return
	}

	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.sessions[a.SessionID]
	if !ok {
		state = &sessionState{firstSeen: now}
		t.sessions[a.SessionID] = state
	}
	if state.reaped {
		return
	}

	state.lastSeen = now
	state.lastAction = a.Action
	state.actionCount++

	if a.Client != "" {
		state.client = a.Client
	}
	if a.NodeID != "" {
		state.nodeID = a.NodeID
	}
}

// Remove forgets a session closed by its client.
func (t *Tracker) Remove(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// Active reports whether sessionID is tracked and not reaped.
func (t *Tracker) Active(sessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[sessionID]
	return ok && !s.reaped
}

// Roster returns a snapshot of all tracked sessions, most recently active
// first. Sessions idle longer than staleThreshold are excluded; pass 0 to
// include every session.
func (t *Tracker) Roster(staleThreshold time.Duration) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	entries := make([]Entry, 0, len(t.sessions))

	for id, state := range t.sessions {
		idle := now.Sub(state.lastSeen)
		if staleThreshold > 0 && idle > staleThreshold {
			continue
		}

		firstSeen := state.firstSeen
		if firstSeen.IsZero() {
			firstSeen = t.started
		}

		entries = append(entries, Entry{
			SessionID:           id,
			Client:              state.client,
			LastSeen:            state.lastSeen,
			FirstSeen:           firstSeen,
			LastAction:          state.lastAction,
			NodeID:              state.nodeID,
			IdleSecs:            idle.Seconds(),
			ActionCount:         state.actionCount,
			SessionDurationSecs: now.Sub(firstSeen).Seconds(),
			Reaped:              state.reaped,
			ReapedAt:            state.reapedAt,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})

	return entries
}

// StartReaper launches a background goroutine that periodically closes
// idle sessions. Call Stop() to shut it down.
func (t *Tracker) StartReaper(cfg *ReaperConfig) {
	if cfg == nil {
		cfg = &ReaperConfig{}
	}
	if cfg.IdleThreshold == 0 {
		cfg.IdleThreshold = 30 * time.Minute
	}
	if cfg.EvictAfter == 0 {
		cfg.EvictAfter = 10 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 60 * time.Second
	}

	t.reaperStop = make(chan struct{})
	t.reaperDone = make(chan struct{})

	go t.reapLoop(cfg)
	slog.Info("presence: reaper started",
		"idle_threshold", cfg.IdleThreshold,
		"sweep_interval", cfg.SweepInterval)
}

// Stop shuts down the reaper goroutine.
func (t *Tracker) Stop() {
	if t.reaperStop != nil {
		close(t.reaperStop)
		<-t.reaperDone
		t.reaperStop = nil
		t.reaperDone = nil
	}
}

func (t *Tracker) reapLoop(cfg *ReaperConfig) {
	defer close(t.reaperDone)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.reaperStop:
			return
		case <-ticker.C:
			t.sweep(cfg)
		}
	}
}

func (t *Tracker) sweep(cfg *ReaperConfig) {
	now := t.now()
	var idle []string

	t.mu.Lock()
	for id, state := range t.sessions {
		if state.reaped {
			if now.Sub(state.reapedAt) > cfg.EvictAfter {
				delete(t.sessions, id)
			}
			continue
		}
		if now.Sub(state.lastSeen) > cfg.IdleThreshold {
			state.reaped = true
			state.reapedAt = now
			idle = append(idle, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(idle)
	for _, id := range idle {
		slog.Info("presence: reaper closing idle session",
			"session", id,
			"threshold", cfg.IdleThreshold)
		if cfg.OnIdle != nil {
			cfg.OnIdle(id)
		}
	}
}

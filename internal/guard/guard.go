// Package guard keeps per-node update state: the in-flight flag and field
// write timestamps that suppress circular updates, and the debounced task
// scheduler that collapses bursts of edits into one backend write.
package guard

import (
	"maps"
	"slices"
	"sync"
	"time"
)

const (
	DefaultRecencyBuffer = 150 * time.Millisecond
	DefaultGraceWindow   = 200 * time.Millisecond
)

// UpdateState is the explicit per-node update state. It is a value so it can
// be inspected and serialised for debugging.
type UpdateState struct {
	InFlight       bool                 `json:"inFlight"`
	InFlightFields []string             `json:"inFlightFields,omitempty"`
	LastWriteAt    map[string]time.Time `json:"lastWriteAt"`
}

// Options configures a Guard.
type Options struct {
	Clock         Clock
	RecencyBuffer time.Duration
	GraceWindow   time.Duration
}

// Guard is the update guard of one node.
type Guard struct {
	nodeID string
	clock  Clock
	buffer time.Duration
	grace  time.Duration

	mu         sync.Mutex
	state      UpdateState
	graceTimer Timer
}

// New returns a Guard for nodeID. Zero options take package defaults.
func New(nodeID string, opts Options) *Guard {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.RecencyBuffer <= 0 {
		opts.RecencyBuffer = DefaultRecencyBuffer
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	return &Guard{
		nodeID: nodeID,
		clock:  opts.Clock,
		buffer: opts.RecencyBuffer,
		grace:  opts.GraceWindow,
		state:  UpdateState{LastWriteAt: make(map[string]time.Time)},
	}
}

// NodeID returns the id of the guarded node.
func (g *Guard) NodeID() string { return g.nodeID }

// RecencyBuffer returns the window used when IsUpdateTooRecent is called
// with a non-positive buffer.
func (g *Guard) RecencyBuffer() time.Duration { return g.buffer }

// IsUpdateTooRecent reports whether key was written less than buffer ago.
// When it returns false the current time is recorded for key. A
// non-positive buffer uses the guard's default.
func (g *Guard) IsUpdateTooRecent(key string, buffer time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tooRecentLocked(key, buffer)
}

func (g *Guard) tooRecentLocked(key string, buffer time.Duration) bool {
	if buffer <= 0 {
		buffer = g.buffer
	}
	now := g.clock.Now()
	if last, ok := g.state.LastWriteAt[key]; ok && now.Sub(last) < buffer {
		return true
	}
	g.state.LastWriteAt[key] = now
	return false
}

// Record marks key as written now, regardless of when it was last written.
func (g *Guard) Record(key string) {
	g.mu.Lock()
	g.state.LastWriteAt[key] = g.clock.Now()
	g.mu.Unlock()
}

// ShouldProcessUpdate decides whether an incoming event from publisherID
// touching fields should be handled. It rejects the node's own events,
// events overlapping an in-flight update, and events whose fields were all
// received within the recency buffer. Recency of incoming fields is tracked
// per publisher so it never blocks the node's own writes.
func (g *Guard) ShouldProcessUpdate(publisherID string, fields []string) bool {
	if publisherID == g.nodeID || len(fields) == 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.InFlight && g.overlapsLocked(fields) {
		return false
	}
	fresh := false
	for _, f := range fields {
		if !g.tooRecentLocked(incomingKey(publisherID, f), 0) {
			fresh = true
		}
	}
	return fresh
}

func incomingKey(publisherID, field string) string {
	return publisherID + "." + field
}

func (g *Guard) overlapsLocked(fields []string) bool {
	if len(g.state.InFlightFields) == 0 {
		return true
	}
	for _, f := range fields {
		if slices.Contains(g.state.InFlightFields, f) {
			return true
		}
	}
	return false
}

// Begin marks the node as updating fields. Begin is not reentrant: it
// returns false when an update is already in flight.
func (g *Guard) Begin(fields ...string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.InFlight {
		return false
	}
	if g.graceTimer != nil {
		g.graceTimer.Stop()
		g.graceTimer = nil
	}
	g.state.InFlight = true
	g.state.InFlightFields = slices.Clone(fields)
	return true
}

// End clears the in-flight flag once the grace window has elapsed after the
// backend write completed.
func (g *Guard) End() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.state.InFlight {
		return
	}
	if g.graceTimer != nil {
		g.graceTimer.Stop()
	}
	var t Timer
	t = g.clock.AfterFunc(g.grace, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.graceTimer != t {
			return
		}
		g.graceTimer = nil
		g.state.InFlight = false
		g.state.InFlightFields = nil
	})
	g.graceTimer = t
}

// InFlight reports whether an update is in flight.
func (g *Guard) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.InFlight
}

// State returns a copy of the guard's update state.
func (g *Guard) State() UpdateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return UpdateState{
		InFlight:       g.state.InFlight,
		InFlightFields: slices.Clone(g.state.InFlightFields),
		LastWriteAt:    maps.Clone(g.state.LastWriteAt),
	}
}

// Reset drops all recorded timestamps and clears the in-flight flag.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.graceTimer != nil {
		g.graceTimer.Stop()
		g.graceTimer = nil
	}
	g.state = UpdateState{LastWriteAt: make(map[string]time.Time)}
}

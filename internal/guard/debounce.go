package guard

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

const (
	DefaultDebounce          = time.Second
	DefaultAggregateDebounce = 2 * time.Second
)

// AggregateFields are derived fields that are expensive to recompute and
// persist on the longer debounce.
var AggregateFields = []string{"rollupEstimate", "rollupCost", "totalCost", "teamAllocations"}

// Delays picks the debounce delay for a field.
type Delays struct {
	Default   time.Duration
	Aggregate time.Duration
}

// DefaultDelays returns the 1s / 2s policy.
func DefaultDelays() Delays {
	return Delays{Default: DefaultDebounce, Aggregate: DefaultAggregateDebounce}
}

// For returns the delay for field.
func (d Delays) For(field string) time.Duration {
	if slices.Contains(AggregateFields, field) {
		if d.Aggregate > 0 {
			return d.Aggregate
		}
		return DefaultAggregateDebounce
	}
	if d.Default > 0 {
		return d.Default
	}
	return DefaultDebounce
}

// Key identifies one debounced task.
type Key struct {
	NodeID string
	Field  string
}

type task struct {
	timer Timer
	fn    func()
	gen   uint64
}

// Debouncer runs trailing-edge debounced tasks keyed by (node, field). A new
// Schedule for a key replaces the pending task and restarts its timer.
type Debouncer struct {
	clock Clock

	mu      sync.Mutex
	gen     uint64
	pending map[Key]*task
	stopped bool
}

// NewDebouncer returns a Debouncer using clock; nil means the wall clock.
func NewDebouncer(clock Clock) *Debouncer {
	if clock == nil {
		clock = RealClock()
	}
	return &Debouncer{clock: clock, pending: make(map[Key]*task)}
}

// Schedule arranges for fn to run after delay unless another Schedule,
// Cancel or Flush for key happens first.
func (d *Debouncer) Schedule(key Key, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if old, ok := d.pending[key]; ok {
		old.timer.Stop()
	}
	d.gen++
	t := &task{fn: fn, gen: d.gen}
	gen := d.gen
	t.timer = d.clock.AfterFunc(delay, func() { d.fire(key, gen) })
	d.pending[key] = t
}

func (d *Debouncer) fire(key Key, gen uint64) {
	d.mu.Lock()
	t, ok := d.pending[key]
	if !ok || t.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()
	t.fn()
}

// Cancel discards the pending task for key.
func (d *Debouncer) Cancel(key Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.pending[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(d.pending, key)
	return true
}

// CancelNode discards every pending task of nodeID.
func (d *Debouncer) CancelNode(nodeID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, t := range d.pending {
		if k.NodeID == nodeID {
			t.timer.Stop()
			delete(d.pending, k)
			n++
		}
	}
	return n
}

// Flush runs the pending task for key now.
func (d *Debouncer) Flush(key Key) bool {
	d.mu.Lock()
	t, ok := d.pending[key]
	if ok {
		t.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		t.fn()
	}
	return ok
}

// FlushNode runs every pending task of nodeID now, ordered by field.
func (d *Debouncer) FlushNode(nodeID string) int {
	d.mu.Lock()
	var keys []Key
	var tasks []*task
	for k := range d.pending {
		if k.NodeID == nodeID {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b Key) int { return cmp.Compare(a.Field, b.Field) })
	for _, k := range keys {
		t := d.pending[k]
		t.timer.Stop()
		delete(d.pending, k)
		tasks = append(tasks, t)
	}
	d.mu.Unlock()
	for _, t := range tasks {
		t.fn()
	}
	return len(tasks)
}

// Pending returns the number of scheduled tasks.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// PendingKeys returns the keys of scheduled tasks for nodeID.
func (d *Debouncer) PendingKeys(nodeID string) []Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Key
	for k := range d.pending {
		if k.NodeID == nodeID {
			out = append(out, k)
		}
	}
	return out
}

// Stop cancels every pending task and rejects future schedules.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, t := range d.pending {
		t.timer.Stop()
		delete(d.pending, k)
	}
	d.stopped = true
}

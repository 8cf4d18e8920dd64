// Package bus is the in-process event bus. Nodes publish their data keyed by
// publisher id; the bus diffs it against the last snapshot, classifies the
// change with the manifest catalog and delivers it synchronously to every
// interested subscription.
package bus

import (
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/alfredjeanlab/plangraph/internal/manifest"
	"github.com/alfredjeanlab/plangraph/internal/model"
)

// UpdateType classifies an event by the importance of the fields it touched.
type UpdateType string

const (
	UpdateContent UpdateType = "CONTENT"
	UpdateMinor   UpdateType = "MINOR"
)

// Metadata describes the publisher of an event.
type Metadata struct {
	NodeType model.NodeType `json:"nodeType"`
	// Source names what caused the publish ("edit", "rollup", "remote", ...).
	Source string `json:"source,omitempty"`
	// Origin is the id of the session or process the change came from.
	Origin string `json:"origin,omitempty"`
	// Remote is set for events replayed from another process.
	Remote bool `json:"remote,omitempty"`
}

// UpdateEvent is delivered to subscribers for every effective publish.
type UpdateEvent struct {
	PublisherID    string         `json:"publisherId"`
	NodeType       model.NodeType `json:"nodeType"`
	UpdateType     UpdateType     `json:"updateType"`
	AffectedFields []string       `json:"affectedFields"`
	Data           map[string]any `json:"data"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       Metadata       `json:"metadata"`
}

// Affects reports whether any of fields is among the event's affected fields.
func (e UpdateEvent) Affects(fields ...string) bool {
	for _, f := range fields {
		if slices.Contains(e.AffectedFields, f) {
			return true
		}
	}
	return false
}

// Callback receives events. It runs on the publisher's goroutine and must
// not block on I/O it does not own.
type Callback func(UpdateEvent)

type subscription struct {
	id             uint64
	subscriberID   string
	subscriberType model.NodeType
	connected      func() []string
	callback       Callback
	filter         UpdateType
	active         atomic.Bool
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscription)

// WithUpdateTypeFilter restricts delivery to events of type t.
func WithUpdateTypeFilter(t UpdateType) SubscribeOption {
	return func(s *subscription) { s.filter = t }
}

// WithSubscriberType enables manifest filtering: events are only delivered
// when the subscriber type subscribes to the publisher's type and at least
// one subscribed field is affected.
func WithSubscriberType(t model.NodeType) SubscribeOption {
	return func(s *subscription) { s.subscriberType = t }
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithNow overrides the event timestamp source.
func WithNow(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// Bus routes update events between nodes of one session.
type Bus struct {
	catalog *manifest.Catalog
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	nextID    uint64
	subs      []*subscription
	observers []*subscription
	snapshots map[string]map[string]fieldValue // publisher -> field -> value
}

// New creates a Bus that classifies events with catalog.
func New(catalog *manifest.Catalog, opts ...Option) *Bus {
	b := &Bus{
		catalog:   catalog,
		logger:    slog.Default(),
		now:       time.Now,
		snapshots: make(map[string]map[string]fieldValue),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Catalog returns the manifest catalog used for classification.
func (b *Bus) Catalog() *manifest.Catalog { return b.catalog }

// Publish diffs data against the last snapshot for publisherID and delivers
// the resulting event. It returns false when nothing was delivered because
// no published field changed or the node type has no manifest. The first
// publish for an id marks every declared field as affected.
func (b *Bus) Publish(publisherID string, data map[string]any, meta Metadata) (UpdateEvent, bool) {
	m := b.catalog.Manifest(meta.NodeType)
	if m == nil {
		b.logger.Debug("no manifest for publisher, not propagating", "node", publisherID, "type", meta.NodeType)
		return UpdateEvent{}, false
	}

	b.mu.Lock()
	prev, seen := b.snapshots[publisherID]
	next := make(map[string]fieldValue, len(m.Publishes))
	var affected []string
	critical := false
	for _, f := range m.Publishes {
		fv, present := fingerprint(f, data)
		if present {
			next[f.ID] = fv
		}
		old, had := prev[f.ID]
		if seen && had == present && old.equal(fv) {
			continue
		}
		affected = append(affected, f.ID)
		critical = critical || f.Critical
	}
	if len(affected) == 0 {
		b.mu.Unlock()
		return UpdateEvent{}, false
	}
	b.snapshots[publisherID] = next

	ev := UpdateEvent{
		PublisherID:    publisherID,
		NodeType:       meta.NodeType,
		UpdateType:     UpdateMinor,
		AffectedFields: affected,
		Data:           cloneData(data),
		Timestamp:      b.now(),
		Metadata:       meta,
	}
	if critical {
		ev.UpdateType = UpdateContent
	}
	subs := slices.Clone(b.subs)
	observers := slices.Clone(b.observers)
	b.mu.Unlock()

	// Delivery happens outside the lock so callbacks may publish or
	// unsubscribe re-entrantly.
	for _, s := range subs {
		if !s.active.Load() || !b.wants(s, ev) {
			continue
		}
		s.callback(ev)
	}
	for _, o := range observers {
		if o.active.Load() {
			o.callback(ev)
		}
	}
	return ev, true
}

func (b *Bus) wants(s *subscription, ev UpdateEvent) bool {
	if s.subscriberID == ev.PublisherID {
		return false
	}
	if s.filter != "" && s.filter != ev.UpdateType {
		return false
	}
	if s.connected != nil {
		if !slices.Contains(s.connected(), ev.PublisherID) {
			return false
		}
	} else if !b.catalog.DoesSubscribe(s.subscriberType, ev.NodeType) {
		return false
	}
	if s.subscriberType != "" {
		return ev.Affects(b.catalog.SubscribedFields(s.subscriberType, ev.NodeType)...)
	}
	return true
}

func (b *Bus) add(s *subscription, list *[]*subscription) func() {
	s.active.Store(true)
	b.mu.Lock()
	b.nextID++
	s.id = b.nextID
	*list = append(*list, s)
	b.mu.Unlock()
	return func() { b.remove(s.id) }
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	drop := func(list []*subscription) []*subscription {
		return slices.DeleteFunc(list, func(s *subscription) bool {
			if s.id == id {
				s.active.Store(false)
				return true
			}
			return false
		})
	}
	b.subs = drop(b.subs)
	b.observers = drop(b.observers)
}

// SubscribeToConnected registers callback for events from any publisher in
// the set returned by connected, which is re-evaluated on every publish.
// The returned function removes the subscription.
func (b *Bus) SubscribeToConnected(subscriberID string, connected func() []string, callback Callback, opts ...SubscribeOption) func() {
	s := &subscription{subscriberID: subscriberID, connected: connected, callback: callback}
	for _, o := range opts {
		o(s)
	}
	return b.add(s, &b.subs)
}

// SubscribeToType registers callback for events from every publisher whose
// type subscriberType subscribes to in the manifest catalog.
func (b *Bus) SubscribeToType(subscriberID string, subscriberType model.NodeType, callback Callback, opts ...SubscribeOption) func() {
	s := &subscription{subscriberID: subscriberID, subscriberType: subscriberType, callback: callback}
	for _, o := range opts {
		o(s)
	}
	return b.add(s, &b.subs)
}

// Observe registers callback for every delivered event regardless of
// subscriptions. Observers run after subscribers.
func (b *Bus) Observe(callback Callback) func() {
	return b.add(&subscription{callback: callback}, &b.observers)
}

// UnsubscribeAll removes every subscription owned by subscriberID and
// returns how many were removed.
func (b *Bus) UnsubscribeAll(subscriberID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool {
		if s.subscriberID == subscriberID {
			s.active.Store(false)
			n++
			return true
		}
		return false
	})
	return n
}

// Prime records data as the last published state of publisherID without
// delivering anything, so that the next Publish reports only real changes.
// It is a no-op for node types without a manifest.
func (b *Bus) Prime(publisherID string, nodeType model.NodeType, data map[string]any) {
	m := b.catalog.Manifest(nodeType)
	if m == nil {
		return
	}
	snap := make(map[string]fieldValue, len(m.Publishes))
	for _, f := range m.Publishes {
		if fv, present := fingerprint(f, data); present {
			snap[f.ID] = fv
		}
	}
	b.mu.Lock()
	b.snapshots[publisherID] = snap
	b.mu.Unlock()
}

// Forget drops the cached snapshot for publisherID so its next publish is
// treated as a first publish.
func (b *Bus) Forget(publisherID string) {
	b.mu.Lock()
	delete(b.snapshots, publisherID)
	b.mu.Unlock()
}

// Subscriptions returns the number of live subscriptions.
func (b *Bus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// fieldValue is the last published state of one field: its structure hash,
// or the value itself when it cannot be hashed.
type fieldValue struct {
	hash   uint64
	raw    any
	hashed bool
}

func (a fieldValue) equal(b fieldValue) bool {
	if a.hashed != b.hashed {
		return false
	}
	if a.hashed {
		return a.hash == b.hash
	}
	return reflect.DeepEqual(a.raw, b.raw)
}

func fingerprint(f manifest.Field, data map[string]any) (fieldValue, bool) {
	v, ok := f.Extract(data)
	if !ok {
		return fieldValue{}, false
	}
	h, err := hashstructure.Hash(v, hashstructure.FormatV2, nil)
	if err != nil {
		return fieldValue{raw: v}, true
	}
	return fieldValue{hash: h, hashed: true}, true
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Package session runs the planning engine for one client. A Session owns
// the event bus, the debounced writer and the rollup engine, and mounts a
// controller per node the client is looking at. Every entry point takes the
// session lock, so handlers and in-memory state changes run as if on a
// single thread; only backend writes happen outside it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alfredjeanlab/plangraph/internal/bus"
	"github.com/alfredjeanlab/plangraph/internal/events"
	"github.com/alfredjeanlab/plangraph/internal/guard"
	"github.com/alfredjeanlab/plangraph/internal/manifest"
	"github.com/alfredjeanlab/plangraph/internal/metrics"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/rollup"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Publish sources recorded in bus.Metadata.Source.
const (
	SourceEdit      = "edit"
	SourceDerived   = "derived"
	SourceHierarchy = "hierarchy"
	SourceRemote    = "remote"
)

// flushConcurrency bounds parallel backend writes in FlushAll and Close.
const flushConcurrency = 8

// Options configures a Session. Zero values select the defaults.
type Options struct {
	Logger        *slog.Logger
	Clock         guard.Clock
	Delays        guard.Delays
	RecencyBuffer time.Duration
	GraceWindow   time.Duration

	// Publisher relays locally originated bus events to other processes.
	Publisher events.Publisher

	// OnError is called after a backend write fails. Failed writes are not
	// retried until the node is edited again.
	OnError func(nodeID string, err error)

	// Reactions replaces DefaultReactions when non-nil.
	Reactions []Reaction
}

// Session is the engine state of one client.
type Session struct {
	id        string
	store     store.Store
	bus       *bus.Bus
	debounce  *guard.Debouncer
	engine    *rollup.Engine
	logger    *slog.Logger
	clock     guard.Clock
	opts      Options
	reactions []Reaction

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	controllers map[string]*controller
	closed      bool
}

// controller is the mounted state of one node.
type controller struct {
	node      *model.Node
	guard     *guard.Guard
	connected []string
	// dirty holds fields edited locally and not yet persisted.
	dirty map[string]any
	// derived marks fields whose last write came from a reaction rather
	// than a local edit.
	derived     map[string]bool
	unsubscribe func()
	unmounting  bool
}

// New returns a Session backed by s. A nil catalog uses the embedded one.
func New(id string, s store.Store, catalog *manifest.Catalog, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", id)
	clock := opts.Clock
	if clock == nil {
		clock = guard.RealClock()
	}
	if catalog == nil {
		catalog = manifest.Default()
	}
	reactions := opts.Reactions
	if reactions == nil {
		reactions = DefaultReactions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		id:          id,
		store:       s,
		bus:         bus.New(catalog, bus.WithLogger(logger), bus.WithNow(clock.Now)),
		debounce:    guard.NewDebouncer(clock),
		engine:      rollup.New(s, logger),
		logger:      logger,
		clock:       clock,
		opts:        opts,
		reactions:   reactions,
		ctx:         ctx,
		cancel:      cancel,
		controllers: make(map[string]*controller),
	}
	sess.bus.Observe(sess.observe)
	metrics.SessionsActive.Inc()
	return sess
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Bus returns the session's event bus. Observers registered on it run
// under the session lock and must not block.
func (s *Session) Bus() *bus.Bus { return s.bus }

// Engine returns the session's rollup engine.
func (s *Session) Engine() *rollup.Engine { return s.engine }

// Mount loads nodeID and subscribes it to its connected nodes. Mounting a
// mounted node returns its current in-memory state.
func (s *Session) Mount(ctx context.Context, nodeID string) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, err := s.mountLocked(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return c.node.Clone(), nil
}

func (s *Session) mountLocked(ctx context.Context, nodeID string) (*controller, error) {
	if c, ok := s.controllers[nodeID]; ok {
		if c.unmounting {
			return nil, fmt.Errorf("node %s is unmounting", nodeID)
		}
		return c, nil
	}
	n, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	if n.Data == nil {
		n.Data = make(map[string]any)
	}
	c := &controller{
		node: n,
		guard: guard.New(nodeID, guard.Options{
			Clock:         s.clock,
			RecencyBuffer: s.opts.RecencyBuffer,
			GraceWindow:   s.opts.GraceWindow,
		}),
		dirty:   make(map[string]any),
		derived: make(map[string]bool),
	}
	if c.connected, err = s.resolveConnected(ctx, n); err != nil {
		return nil, err
	}
	c.unsubscribe = s.bus.SubscribeToConnected(nodeID,
		func() []string { return c.connected },
		func(ev bus.UpdateEvent) { s.handle(c, ev) },
		bus.WithSubscriberType(n.Type),
	)
	s.bus.Prime(nodeID, n.Type, n.Data)
	s.controllers[nodeID] = c
	metrics.MountedNodes.Inc()
	s.logger.Debug("node mounted", "node", nodeID, "type", n.Type, "connected", len(c.connected))
	return c, nil
}

// resolveConnected returns the ids n listens to: its edge neighbours plus
// the teams and members referenced by its own data.
func (s *Session) resolveConnected(ctx context.Context, n *model.Node) ([]string, error) {
	edges, err := s.store.GetEdges(ctx, n.ID)
	if err != nil {
		return nil, fmt.Errorf("get edges of %s: %w", n.ID, err)
	}
	seen := map[string]bool{n.ID: true}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, e := range edges {
		add(e.Other(n.ID))
	}
	switch n.Type {
	case model.TypeFeature:
		tas, _ := model.RepairTeamAllocations(n.Data[model.FieldTeamAllocations])
		for _, ta := range tas {
			add(ta.TeamID)
			for _, ma := range ta.AllocatedMembers {
				add(ma.MemberID)
			}
		}
	case model.TypeTeam:
		for _, id := range n.RosterIDs() {
			add(id)
		}
	}
	return ids, nil
}

// RefreshConnections re-resolves the nodes nodeID listens to.
func (s *Session) RefreshConnections(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controllers[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, store.ErrNotFound)
	}
	return s.refreshLocked(ctx, c)
}

func (s *Session) refreshLocked(ctx context.Context, c *controller) error {
	ids, err := s.resolveConnected(ctx, c.node)
	if err != nil {
		return err
	}
	c.connected = ids
	return nil
}

// Unmount writes the node's pending edits and removes its subscriptions.
func (s *Session) Unmount(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	c, ok := s.controllers[nodeID]
	if !ok || c.unmounting {
		s.mu.Unlock()
		return nil
	}
	c.unmounting = true
	c.unsubscribe()
	s.mu.Unlock()

	s.debounce.CancelNode(nodeID)
	err := s.persist(ctx, nodeID, true)

	s.mu.Lock()
	delete(s.controllers, nodeID)
	s.bus.Forget(nodeID)
	s.mu.Unlock()
	c.guard.Reset()
	metrics.MountedNodes.Dec()
	s.logger.Debug("node unmounted", "node", nodeID)
	return err
}

// FlushAll writes every pending edit now. A failing node does not stop
// the others; the first error is returned.
func (s *Session) FlushAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(flushConcurrency)
	for _, id := range s.Mounted() {
		g.Go(func() error {
			return s.flushNode(ctx, id)
		})
	}
	return g.Wait()
}

func (s *Session) flushNode(ctx context.Context, nodeID string) error {
	s.debounce.CancelNode(nodeID)
	return s.persist(ctx, nodeID, true)
}

// Close unmounts every node, writing pending edits, and stops the session.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := slices.Sorted(maps.Keys(s.controllers))
	s.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(flushConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			return s.Unmount(ctx, id)
		})
	}
	err := g.Wait()
	s.debounce.Stop()
	s.cancel()
	metrics.SessionsActive.Dec()
	s.logger.Debug("session closed", "nodes", len(ids))
	return err
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Mounted returns the ids of mounted nodes in sorted order.
func (s *Session) Mounted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.controllers))
	for id, c := range s.controllers {
		if !c.unmounting {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Node returns a copy of a mounted node's in-memory state.
func (s *Session) Node(nodeID string) (*model.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controllers[nodeID]
	if !ok {
		return nil, false
	}
	return c.node.Clone(), true
}

// Dirty returns the fields of nodeID that have not been persisted yet.
func (s *Session) Dirty(nodeID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controllers[nodeID]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(c.dirty))
}

// UpdateState returns the guard state of a mounted node.
func (s *Session) UpdateState(nodeID string) (guard.UpdateState, bool) {
	s.mu.Lock()
	c, ok := s.controllers[nodeID]
	s.mu.Unlock()
	if !ok {
		return guard.UpdateState{}, false
	}
	return c.guard.State(), true
}

// Connected returns the ids a mounted node listens to.
func (s *Session) Connected(nodeID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controllers[nodeID]
	if !ok {
		return nil
	}
	return slices.Clone(c.connected)
}

func (s *Session) publishLocked(c *controller, source string) (bus.UpdateEvent, bool) {
	return s.bus.Publish(c.node.ID, c.node.Data, bus.Metadata{
		NodeType: c.node.Type,
		Source:   source,
		Origin:   s.id,
	})
}

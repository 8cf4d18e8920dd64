// Package memory implements store.Store in process memory. It backs offline
// mode, where edits are kept without persistence, and the engine's tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

// Store is an in-memory graph store.
type Store struct {
	mu    sync.RWMutex
	now   func() time.Time
	seq   int
	nodes map[string]*model.Node
	edges map[string]*edgeEntry

	// FailWrites, when set, is returned by every mutating call. Tests use
	// it to simulate an unavailable backend.
	FailWrites error
}

type edgeEntry struct {
	edge *model.Edge
	seq  int
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		now:   func() time.Time { return time.Now().UTC() },
		nodes: make(map[string]*model.Node),
		edges: make(map[string]*edgeEntry),
	}
}

func (s *Store) writeErr() error {
	if s.FailWrites != nil {
		return s.FailWrites
	}
	return nil
}

func (s *Store) CreateNode(_ context.Context, n *model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	if _, ok := s.nodes[n.ID]; ok {
		return fmt.Errorf("node %s: %w", n.ID, store.ErrConflict)
	}
	c := cloneNode(n)
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	s.nodes[n.ID] = c
	return nil
}

func (s *Store) GetNode(_ context.Context, id string) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneNode(n), nil
}

func (s *Store) ListNodes(_ context.Context, filter model.NodeFilter) ([]*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if len(filter.Type) > 0 && !slices.Contains(filter.Type, n.Type) {
			continue
		}
		out = append(out, cloneNode(n))
	}
	slices.SortFunc(out, func(a, b *model.Node) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateNode(_ context.Context, id string, fields map[string]any) (*model.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return nil, err
	}
	n, ok := s.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	for k, v := range fields {
		if v == nil {
			delete(n.Data, k)
			continue
		}
		n.Data[k] = deepCopy(v)
	}
	n.UpdatedAt = s.now()
	return cloneNode(n), nil
}

func (s *Store) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	if _, ok := s.nodes[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.nodes, id)
	for eid, e := range s.edges {
		if e.edge.From == id || e.edge.To == id {
			delete(s.edges, eid)
		}
	}
	return nil
}

func (s *Store) CreateEdge(_ context.Context, e *model.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	if _, ok := s.edges[e.ID]; ok {
		return fmt.Errorf("edge %s: %w", e.ID, store.ErrConflict)
	}
	c := cloneEdge(e)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.seq++
	s.edges[e.ID] = &edgeEntry{edge: c, seq: s.seq}
	return nil
}

func (s *Store) GetEdge(_ context.Context, id string) (*model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneEdge(e.edge), nil
}

func (s *Store) GetEdges(_ context.Context, nodeID string, types ...model.EdgeType) ([]*model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(e *model.Edge) bool {
		return (e.From == nodeID || e.To == nodeID) && (len(types) == 0 || slices.Contains(types, e.Type))
	}), nil
}

func (s *Store) ListEdges(_ context.Context, types ...model.EdgeType) ([]*model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(e *model.Edge) bool {
		return len(types) == 0 || slices.Contains(types, e.Type)
	}), nil
}

func (s *Store) collect(match func(*model.Edge) bool) []*model.Edge {
	var entries []*edgeEntry
	for _, e := range s.edges {
		if match(e.edge) {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b *edgeEntry) int { return a.seq - b.seq })
	out := make([]*model.Edge, len(entries))
	for i, e := range entries {
		out[i] = cloneEdge(e.edge)
	}
	return out
}

func (s *Store) UpdateEdge(_ context.Context, id string, props map[string]any) (*model.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return nil, err
	}
	e, ok := s.edges[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if e.edge.Properties == nil {
		e.edge.Properties = map[string]any{}
	}
	for k, v := range props {
		if v == nil {
			delete(e.edge.Properties, k)
			continue
		}
		e.edge.Properties[k] = deepCopy(v)
	}
	return cloneEdge(e.edge), nil
}

func (s *Store) DeleteEdge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr(); err != nil {
		return err
	}
	if _, ok := s.edges[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.edges, id)
	return nil
}

// RunInTransaction runs fn against the store itself. Writes are applied as
// they happen; there is no rollback.
func (s *Store) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneNode(n *model.Node) *model.Node {
	c := *n
	c.Data = make(map[string]any, len(n.Data))
	for k, v := range n.Data {
		c.Data[k] = deepCopy(v)
	}
	return &c
}

func cloneEdge(e *model.Edge) *model.Edge {
	c := *e
	c.Properties = maps.Clone(e.Properties)
	return &c
}

func deepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = deepCopy(vv)
		}
		return out
	case []string:
		return slices.Clone(x)
	}
	return v
}

// Package store defines the persistence interfaces for the planning graph.
package store

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/plangraph/internal/model"
)

// ErrNotFound is returned when a referenced node or edge does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when creating a node or edge whose id is taken.
var ErrConflict = errors.New("already exists")

// NodeStore persists nodes.
type NodeStore interface {
	CreateNode(ctx context.Context, node *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	ListNodes(ctx context.Context, filter model.NodeFilter) ([]*model.Node, error)
	// UpdateNode merges fields into the node's data, last write wins per
	// field. A nil value removes the field. It returns the updated node.
	UpdateNode(ctx context.Context, id string, fields map[string]any) (*model.Node, error)
	DeleteNode(ctx context.Context, id string) error
}

// EdgeStore persists typed edges.
type EdgeStore interface {
	CreateEdge(ctx context.Context, edge *model.Edge) error
	GetEdge(ctx context.Context, id string) (*model.Edge, error)
	// GetEdges returns the edges touching nodeID in either direction,
	// optionally restricted to types, in creation order.
	GetEdges(ctx context.Context, nodeID string, types ...model.EdgeType) ([]*model.Edge, error)
	ListEdges(ctx context.Context, types ...model.EdgeType) ([]*model.Edge, error)
	// UpdateEdge merges props into the edge's properties.
	UpdateEdge(ctx context.Context, id string, props map[string]any) (*model.Edge, error)
	DeleteEdge(ctx context.Context, id string) error
}

// Store is the graph store consumed by the engine.
type Store interface {
	NodeStore
	EdgeStore

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}

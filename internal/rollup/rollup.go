// Package rollup maintains the PARENT_CHILD hierarchy and the aggregate
// estimate and cost of rollup nodes. Edges are the source of truth; the
// childIds, parentId and isRollup fields on nodes are a derived read model
// rewritten on every mutation.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cast"

	"github.com/alfredjeanlab/plangraph/internal/idgen"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

// Aggregate field selectors for RecalculateRollup.
const (
	FieldEstimate = model.FieldRollupEstimate
	FieldCost     = model.FieldRollupCost
)

// InconsistentReference reports an edge whose endpoint node is missing.
type InconsistentReference struct {
	EdgeID   string `json:"edgeId"`
	TargetID string `json:"targetId"`
}

func (r InconsistentReference) Error() string {
	return fmt.Sprintf("edge %s references missing node %s", r.EdgeID, r.TargetID)
}

// Child is a resolved child of a rollup node.
type Child struct {
	Node   *model.Node
	Edge   *model.Edge
	Weight float64
	// Contributes is false when the edge opts the child out of rollups.
	Contributes bool
}

// Estimate is the child's weighted contribution to its parent's
// rollupEstimate: its direct estimate plus its own rollup when it has
// children.
func (c Child) Estimate() float64 {
	if !c.Contributes {
		return 0
	}
	v := c.Node.Float(model.FieldOriginalEstimate)
	if c.Node.Bool(model.FieldIsRollup) {
		v += c.Node.Float(model.FieldRollupEstimate)
	}
	return v * c.Weight
}

// Cost is the child's weighted contribution to its parent's rollupCost.
func (c Child) Cost() float64 {
	if !c.Contributes {
		return 0
	}
	v := c.Node.Float(model.FieldTotalCost)
	if c.Node.Bool(model.FieldIsRollup) {
		v += c.Node.Float(model.FieldRollupCost)
	}
	return v * c.Weight
}

// Aggregate is the derived hierarchy state of one node.
type Aggregate struct {
	NodeID         string
	ChildIDs       []string
	IsRollup       bool
	RollupEstimate float64
	RollupCost     float64
	Warnings       []InconsistentReference
}

// Result describes one RecalculateRollup pass.
type Result struct {
	NodeID         string   `json:"nodeId"`
	ChildIDs       []string `json:"childIds"`
	IsRollup       bool     `json:"isRollup"`
	RollupEstimate float64  `json:"rollupEstimate"`
	RollupCost     float64  `json:"rollupCost"`
	// Updated holds every node rewritten by the pass, starting with NodeID
	// and followed by its ancestors.
	Updated  []*model.Node           `json:"updated"`
	Warnings []InconsistentReference `json:"warnings,omitempty"`
}

// Change describes a hierarchy mutation.
type Change struct {
	ChildID     string                  `json:"childId"`
	ParentID    string                  `json:"parentId,omitempty"`
	OldParentID string                  `json:"oldParentId,omitempty"`
	Edge        *model.Edge             `json:"edge,omitempty"`
	Updated     []*model.Node           `json:"updated"`
	Warnings    []InconsistentReference `json:"warnings,omitempty"`
}

// EdgeOptions are the PARENT_CHILD edge properties set by SetParent.
type EdgeOptions struct {
	Weight             float64
	RollupContribution bool
}

// DefaultEdgeOptions returns weight 1 with rollup contribution enabled.
func DefaultEdgeOptions() EdgeOptions {
	return EdgeOptions{Weight: 1, RollupContribution: true}
}

// Engine runs hierarchy operations against a store.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	newID  func() (string, error)
}

// New returns an Engine. A nil logger uses slog.Default().
func New(s store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, logger: logger, newID: idgen.EdgeID}
}

// ParentEdges returns the PARENT_CHILD edges pointing at childID.
func (e *Engine) ParentEdges(ctx context.Context, s store.Store, childID string) ([]*model.Edge, error) {
	edges, err := s.GetEdges(ctx, childID, model.EdgeParentChild)
	if err != nil {
		return nil, fmt.Errorf("get edges of %s: %w", childID, err)
	}
	return slices.DeleteFunc(edges, func(ed *model.Edge) bool { return ed.To != childID }), nil
}

// ChildEdges returns the PARENT_CHILD edges out of parentID.
func (e *Engine) ChildEdges(ctx context.Context, s store.Store, parentID string) ([]*model.Edge, error) {
	edges, err := s.GetEdges(ctx, parentID, model.EdgeParentChild)
	if err != nil {
		return nil, fmt.Errorf("get edges of %s: %w", parentID, err)
	}
	return slices.DeleteFunc(edges, func(ed *model.Edge) bool { return ed.From != parentID }), nil
}

// Parent returns the parent id of childID, or "" for a root.
func (e *Engine) Parent(ctx context.Context, childID string) (string, error) {
	edges, err := e.ParentEdges(ctx, e.store, childID)
	if err != nil || len(edges) == 0 {
		return "", err
	}
	return edges[0].From, nil
}

// Children resolves the children of parentID. Edges to missing nodes are
// returned as warnings and skipped.
func (e *Engine) Children(ctx context.Context, parentID string) ([]Child, []InconsistentReference, error) {
	children, _, warnings, err := e.children(ctx, e.store, parentID)
	return children, warnings, err
}

// children also returns the ids of every PARENT_CHILD target in edge order,
// including missing ones, since edges are authoritative for childIds.
func (e *Engine) children(ctx context.Context, s store.Store, parentID string) ([]Child, []string, []InconsistentReference, error) {
	edges, err := e.ChildEdges(ctx, s, parentID)
	if err != nil {
		return nil, nil, nil, err
	}
	var (
		out      []Child
		warnings []InconsistentReference
	)
	ids := make([]string, 0, len(edges))
	for _, ed := range edges {
		ids = append(ids, ed.To)
		n, err := s.GetNode(ctx, ed.To)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("inconsistent hierarchy reference", "edge", ed.ID, "target", ed.To, "parent", parentID)
			warnings = append(warnings, InconsistentReference{EdgeID: ed.ID, TargetID: ed.To})
			continue
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("get child %s: %w", ed.To, err)
		}
		out = append(out, Child{
			Node:        n,
			Edge:        ed,
			Weight:      edgeWeight(ed),
			Contributes: edgeContributes(ed),
		})
	}
	return out, ids, warnings, nil
}

func edgeWeight(ed *model.Edge) float64 {
	raw, ok := ed.Properties[model.PropWeight]
	if !ok {
		return 1
	}
	w, err := cast.ToFloat64E(raw)
	if err != nil || w < 0 {
		return 1
	}
	return w
}

func edgeContributes(ed *model.Edge) bool {
	raw, ok := ed.Properties[model.PropRollupContribution]
	if !ok || raw == nil {
		return true
	}
	b, err := cast.ToBoolE(raw)
	if err != nil {
		return true
	}
	return b
}

// Hierarchy returns the derived hierarchy read model for nodeID.
func (e *Engine) Hierarchy(ctx context.Context, nodeID string) (model.HierarchyRelationship, error) {
	rel := model.HierarchyRelationship{NodeID: nodeID, ChildIDs: []string{}}
	parent, err := e.Parent(ctx, nodeID)
	if err != nil {
		return rel, err
	}
	rel.ParentID = parent
	edges, err := e.ChildEdges(ctx, e.store, nodeID)
	if err != nil {
		return rel, err
	}
	for _, ed := range edges {
		rel.ChildIDs = append(rel.ChildIDs, ed.To)
	}
	rel.IsRollup = len(rel.ChildIDs) > 0
	return rel, nil
}

// CheckInvariant verifies that the node's childIds and isRollup fields match
// its PARENT_CHILD edges and that its parentId matches its single incoming
// PARENT_CHILD edge.
func (e *Engine) CheckInvariant(ctx context.Context, nodeID string) error {
	n, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("get node %s: %w", nodeID, err)
	}
	rel, err := e.Hierarchy(ctx, nodeID)
	if err != nil {
		return err
	}
	parents, err := e.ParentEdges(ctx, e.store, nodeID)
	if err != nil {
		return err
	}
	if len(parents) > 1 {
		return fmt.Errorf("node %s has %d parents", nodeID, len(parents))
	}
	if got := n.Strings(model.FieldChildIDs); !slices.Equal(got, rel.ChildIDs) {
		return fmt.Errorf("node %s childIds %v do not match edges %v", nodeID, got, rel.ChildIDs)
	}
	if got := n.Bool(model.FieldIsRollup); got != rel.IsRollup {
		return fmt.Errorf("node %s isRollup %v, want %v", nodeID, got, rel.IsRollup)
	}
	if got := n.String(model.FieldParentID); got != rel.ParentID {
		return fmt.Errorf("node %s parentId %q, want %q", nodeID, got, rel.ParentID)
	}
	return nil
}

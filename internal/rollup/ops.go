package rollup

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

// RecalculateRollup recomputes nodeID's derived hierarchy fields from its
// children and then walks up the tree recomputing every ancestor. fields
// selects which aggregates to rewrite (FieldEstimate, FieldCost); none means
// both. A node left with no children keeps its last rollup values but is no
// longer a rollup.
func (e *Engine) RecalculateRollup(ctx context.Context, nodeID string, fields ...string) (*Result, error) {
	var res *Result
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		res, err = e.recalculate(ctx, tx, nodeID, fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Aggregate computes nodeID's hierarchy fields from the children visible
// through s without writing anything. Callers that hold fresher copies of
// some nodes than the store can pass a store that overlays them.
func (e *Engine) Aggregate(ctx context.Context, s store.Store, nodeID string) (*Aggregate, error) {
	if _, err := s.GetNode(ctx, nodeID); err != nil {
		return nil, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	children, ids, warnings, err := e.children(ctx, s, nodeID)
	if err != nil {
		return nil, err
	}
	agg := &Aggregate{NodeID: nodeID, ChildIDs: ids, IsRollup: len(ids) > 0, Warnings: warnings}
	for _, c := range children {
		agg.RollupEstimate += c.Estimate()
		agg.RollupCost += c.Cost()
	}
	return agg, nil
}

// Fields returns the aggregate as node data. Rollup totals are omitted for
// a node without children so it keeps its last values.
func (a *Aggregate) Fields() map[string]any {
	out := map[string]any{
		model.FieldChildIDs: toAnySlice(a.ChildIDs),
		model.FieldIsRollup: a.IsRollup,
	}
	if a.IsRollup {
		out[model.FieldRollupEstimate] = a.RollupEstimate
		out[model.FieldRollupCost] = a.RollupCost
	}
	return out
}

func (e *Engine) recalculate(ctx context.Context, s store.Store, nodeID string, fields []string) (*Result, error) {
	wantEstimate := len(fields) == 0 || slices.Contains(fields, FieldEstimate)
	wantCost := len(fields) == 0 || slices.Contains(fields, FieldCost)

	res := &Result{NodeID: nodeID}
	visited := make(map[string]bool)
	cur := nodeID
	for cur != "" && !visited[cur] {
		visited[cur] = true

		agg, err := e.Aggregate(ctx, s, cur)
		if err != nil {
			return nil, err
		}
		res.Warnings = append(res.Warnings, agg.Warnings...)
		ids := agg.ChildIDs

		update := map[string]any{
			model.FieldChildIDs: toAnySlice(ids),
			model.FieldIsRollup: agg.IsRollup,
		}
		if agg.IsRollup {
			if wantEstimate {
				update[model.FieldRollupEstimate] = agg.RollupEstimate
			}
			if wantCost {
				update[model.FieldRollupCost] = agg.RollupCost
			}
		}
		n, err := s.UpdateNode(ctx, cur, update)
		if err != nil {
			return nil, fmt.Errorf("update node %s: %w", cur, err)
		}
		res.Updated = append(res.Updated, n)
		if cur == nodeID {
			res.ChildIDs = ids
			res.IsRollup = len(ids) > 0
			res.RollupEstimate = n.Float(model.FieldRollupEstimate)
			res.RollupCost = n.Float(model.FieldRollupCost)
		}

		parents, err := e.ParentEdges(ctx, s, cur)
		if err != nil {
			return nil, err
		}
		if len(parents) == 0 {
			break
		}
		next := parents[0]
		if _, err := s.GetNode(ctx, next.From); errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("inconsistent hierarchy reference", "edge", next.ID, "target", next.From, "child", cur)
			res.Warnings = append(res.Warnings, InconsistentReference{EdgeID: next.ID, TargetID: next.From})
			break
		}
		cur = next.From
	}
	return res, nil
}

// SetParent makes parentID the parent of childID. An existing different
// parent is detached first. When childID already points at parentID only
// the edge properties are updated.
func (e *Engine) SetParent(ctx context.Context, childID, parentID string, opts EdgeOptions) (*Change, error) {
	if parentID == "" {
		return nil, model.NewValidationError("parentId", "is required")
	}
	if childID == parentID {
		return nil, model.NewValidationError("parentId", "a node cannot be its own parent")
	}
	if opts.Weight < 0 {
		return nil, model.NewValidationError(model.PropWeight, "must not be negative")
	}

	ch := &Change{ChildID: childID, ParentID: parentID}
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		if _, err := tx.GetNode(ctx, childID); err != nil {
			return fmt.Errorf("get child %s: %w", childID, err)
		}
		if _, err := tx.GetNode(ctx, parentID); err != nil {
			return fmt.Errorf("get parent %s: %w", parentID, err)
		}
		if err := e.checkCycle(ctx, tx, childID, parentID); err != nil {
			return err
		}

		existing, err := e.ParentEdges(ctx, tx, childID)
		if err != nil {
			return err
		}
		props := map[string]any{
			model.PropWeight:             opts.Weight,
			model.PropRollupContribution: opts.RollupContribution,
		}
		var (
			kept       *model.Edge
			oldParents []string
		)
		for _, ed := range existing {
			if ed.From == parentID && kept == nil {
				kept = ed
				continue
			}
			if err := tx.DeleteEdge(ctx, ed.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("delete edge %s: %w", ed.ID, err)
			}
			oldParents = append(oldParents, ed.From)
		}
		if len(oldParents) > 0 {
			ch.OldParentID = oldParents[0]
		}

		if kept != nil {
			ch.Edge, err = tx.UpdateEdge(ctx, kept.ID, props)
			if err != nil {
				return fmt.Errorf("update edge %s: %w", kept.ID, err)
			}
		} else {
			id, err := e.newID()
			if err != nil {
				return err
			}
			ed := &model.Edge{ID: id, From: parentID, To: childID, Type: model.EdgeParentChild, Properties: props}
			if err := tx.CreateEdge(ctx, ed); err != nil {
				return fmt.Errorf("create edge: %w", err)
			}
			ch.Edge = ed
		}

		child, err := tx.UpdateNode(ctx, childID, map[string]any{model.FieldParentID: parentID})
		if err != nil {
			return fmt.Errorf("update child %s: %w", childID, err)
		}
		ch.Updated = append(ch.Updated, child)

		for _, old := range append(oldParents, parentID) {
			res, err := e.recalculate(ctx, tx, old, nil)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) && old != parentID {
					ch.Warnings = append(ch.Warnings, InconsistentReference{TargetID: old})
					continue
				}
				return err
			}
			ch.Updated = append(ch.Updated, res.Updated...)
			ch.Warnings = append(ch.Warnings, res.Warnings...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ch.Updated = latestByID(ch.Updated)
	e.logger.Debug("parent set", "child", childID, "parent", parentID, "old_parent", ch.OldParentID)
	return ch, nil
}

// checkCycle rejects parentID when childID is one of its ancestors.
func (e *Engine) checkCycle(ctx context.Context, s store.Store, childID, parentID string) error {
	visited := map[string]bool{}
	cur := parentID
	for cur != "" && !visited[cur] {
		if cur == childID {
			return model.NewValidationError("parentId", fmt.Sprintf("%s is a descendant of %s", parentID, childID))
		}
		visited[cur] = true
		edges, err := e.ParentEdges(ctx, s, cur)
		if err != nil {
			return err
		}
		if len(edges) == 0 {
			return nil
		}
		cur = edges[0].From
	}
	return nil
}

// RemoveParent detaches childID from its parent. It succeeds without
// changes when the child has no parent.
func (e *Engine) RemoveParent(ctx context.Context, childID string) (*Change, error) {
	ch := &Change{ChildID: childID}
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		if _, err := tx.GetNode(ctx, childID); err != nil {
			return fmt.Errorf("get child %s: %w", childID, err)
		}
		edges, err := e.ParentEdges(ctx, tx, childID)
		if err != nil {
			return err
		}
		if len(edges) == 0 {
			return nil
		}
		ch.OldParentID = edges[0].From
		for _, ed := range edges {
			if err := tx.DeleteEdge(ctx, ed.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("delete edge %s: %w", ed.ID, err)
			}
		}
		child, err := tx.UpdateNode(ctx, childID, map[string]any{model.FieldParentID: nil})
		if err != nil {
			return fmt.Errorf("update child %s: %w", childID, err)
		}
		ch.Updated = append(ch.Updated, child)
		for _, ed := range edges {
			res, err := e.recalculate(ctx, tx, ed.From, nil)
			if errors.Is(err, store.ErrNotFound) {
				ch.Warnings = append(ch.Warnings, InconsistentReference{EdgeID: ed.ID, TargetID: ed.From})
				continue
			}
			if err != nil {
				return err
			}
			ch.Updated = append(ch.Updated, res.Updated...)
			ch.Warnings = append(ch.Warnings, res.Warnings...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ch.Updated = latestByID(ch.Updated)
	return ch, nil
}

// latestByID keeps the last version of each node, in order of first
// appearance.
func latestByID(nodes []*model.Node) []*model.Node {
	idx := make(map[string]int, len(nodes))
	out := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if i, ok := idx[n.ID]; ok {
			out[i] = n
			continue
		}
		idx[n.ID] = len(out)
		out = append(out, n)
	}
	return out
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

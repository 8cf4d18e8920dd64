package session

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/plangraph/internal/events"
	"github.com/alfredjeanlab/plangraph/internal/guard"
	"github.com/alfredjeanlab/plangraph/internal/metrics"
	"github.com/alfredjeanlab/plangraph/internal/model"
	"github.com/alfredjeanlab/plangraph/internal/rollup"
)

// SetParent attaches childID under parentID. Pending edits of both nodes
// are written first so the recomputed rollups see them.
func (s *Session) SetParent(ctx context.Context, childID, parentID string, opts rollup.EdgeOptions) (*rollup.Change, error) {
	if s.Closed() {
		return nil, ErrClosed
	}
	if err := errors.Join(s.flushNode(ctx, childID), s.flushNode(ctx, parentID)); err != nil {
		return nil, err
	}
	ch, err := s.engine.SetParent(ctx, childID, parentID, opts)
	if err != nil {
		return nil, err
	}
	metrics.RollupRecalculations.WithLabelValues("hierarchy").Inc()
	s.mu.Lock()
	s.mergeStoredLocked(ctx, ch.Updated, childID, parentID, ch.OldParentID)
	s.mu.Unlock()
	s.announce(ctx, ch)
	return ch, nil
}

// RemoveParent detaches childID from its parent.
func (s *Session) RemoveParent(ctx context.Context, childID string) (*rollup.Change, error) {
	if s.Closed() {
		return nil, ErrClosed
	}
	if err := s.flushNode(ctx, childID); err != nil {
		return nil, err
	}
	ch, err := s.engine.RemoveParent(ctx, childID)
	if err != nil {
		return nil, err
	}
	if ch.OldParentID == "" {
		return ch, nil
	}
	metrics.RollupRecalculations.WithLabelValues("hierarchy").Inc()
	s.mu.Lock()
	s.mergeStoredLocked(ctx, ch.Updated, childID, ch.OldParentID)
	s.mu.Unlock()
	s.announce(ctx, ch)
	return ch, nil
}

// Recalculate recomputes nodeID's rollup and its ancestors' from the store.
// Every pending edit of the session is written first.
func (s *Session) Recalculate(ctx context.Context, nodeID string, fields ...string) (*rollup.Result, error) {
	if s.Closed() {
		return nil, ErrClosed
	}
	if err := s.FlushAll(ctx); err != nil {
		return nil, err
	}
	res, err := s.engine.RecalculateRollup(ctx, nodeID, fields...)
	if err != nil {
		return nil, err
	}
	metrics.RollupRecalculations.WithLabelValues("manual").Inc()
	s.mu.Lock()
	s.mergeStoredLocked(ctx, res.Updated, nodeID)
	s.mu.Unlock()
	return res, nil
}

// mergeStoredLocked copies the hierarchy fields of nodes written by the
// rollup engine into their mounted controllers, refreshes the connections
// of refresh, and republishes every changed controller.
func (s *Session) mergeStoredLocked(ctx context.Context, nodes []*model.Node, refresh ...string) {
	var touched []*controller
	for _, n := range nodes {
		c, ok := s.controllers[n.ID]
		if !ok || c.unmounting {
			continue
		}
		for _, f := range hierarchyFields {
			delete(c.dirty, f)
			s.debounce.Cancel(guard.Key{NodeID: n.ID, Field: f})
			if v, ok := n.Data[f]; ok && v != nil {
				c.node.Data[f] = v
			} else {
				delete(c.node.Data, f)
			}
		}
		c.node.UpdatedAt = n.UpdatedAt
		touched = append(touched, c)
	}
	for _, id := range refresh {
		c, ok := s.controllers[id]
		if !ok || id == "" {
			continue
		}
		if err := s.refreshLocked(ctx, c); err != nil {
			s.logger.Warn("refresh connections", "node", id, "err", err)
		}
	}
	for _, c := range touched {
		s.publishLocked(c, SourceHierarchy)
	}
}

func (s *Session) announce(ctx context.Context, ch *rollup.Change) {
	if s.opts.Publisher == nil {
		return
	}
	err := s.opts.Publisher.Publish(ctx, events.TopicHierarchyChanged, events.HierarchyChanged{
		Origin:      s.id,
		ChildID:     ch.ChildID,
		ParentID:    ch.ParentID,
		OldParentID: ch.OldParentID,
		Updated:     ch.Updated,
	})
	if err != nil {
		s.logger.Warn("publish hierarchy change", "child", ch.ChildID, "err", err)
	}
}

package session

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/spf13/cast"

	"github.com/alfredjeanlab/plangraph/internal/bus"
	"github.com/alfredjeanlab/plangraph/internal/guard"
	"github.com/alfredjeanlab/plangraph/internal/metrics"
	"github.com/alfredjeanlab/plangraph/internal/model"
)

// hierarchyFields are owned by the rollup engine and cannot be edited.
var hierarchyFields = []string{
	model.FieldChildIDs,
	model.FieldIsRollup,
	model.FieldParentID,
	model.FieldRollupEstimate,
	model.FieldRollupCost,
}

// requeuePrefix keys deferred reaction runs in the debouncer apart from
// field persists.
const requeuePrefix = "requeue:"

// rollupInputs are the fields a parent's rollup is computed from.
var rollupInputs = []string{
	model.FieldOriginalEstimate,
	model.FieldRollupEstimate,
	model.FieldTotalCost,
	model.FieldRollupCost,
	model.FieldIsRollup,
}

// Edit applies a local change to nodeID, mounting it if needed. The change
// is published immediately and persisted after the field's debounce delay.
// A nil value removes the field.
func (s *Session) Edit(ctx context.Context, nodeID string, changes map[string]any) (*model.Node, error) {
	if len(changes) == 0 {
		return nil, model.NewValidationError("changes", "must not be empty")
	}
	for f := range changes {
		if slices.Contains(hierarchyFields, f) {
			return nil, model.NewValidationError(f, "is maintained by the hierarchy and cannot be edited")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, err := s.mountLocked(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	changes = maps.Clone(changes)
	if raw, ok := changes[model.FieldTeamAllocations]; ok && raw != nil {
		tas, err := model.RepairTeamAllocations(raw)
		if err != nil {
			return nil, err
		}
		changes[model.FieldTeamAllocations] = model.TeamAllocationsToData(tas)
	}
	candidate := c.node.Clone()
	applyData(candidate.Data, changes)
	if err := model.ValidateNode(candidate); err != nil {
		return nil, err
	}

	for f, v := range changes {
		if changesValue(c.node.Data, f, v) {
			c.guard.Record(f)
		}
		delete(c.derived, f)
	}
	s.applyLocked(c, changes)

	_, allocs := changes[model.FieldTeamAllocations]
	_, roster := changes[model.FieldRoster]
	if allocs || roster {
		if err := s.refreshLocked(ctx, c); err != nil {
			s.logger.Warn("refresh connections", "node", nodeID, "err", err)
		}
	}
	derived, err := s.deriveLocked(ctx, c, slices.Collect(maps.Keys(changes)))
	if err != nil {
		s.logger.Warn("derive fields after edit", "node", nodeID, "err", err)
	}
	if len(derived) > 0 {
		for f := range derived {
			c.guard.Record(f)
			c.derived[f] = true
		}
		s.applyLocked(c, derived)
	}

	s.publishLocked(c, SourceEdit)
	return c.node.Clone(), nil
}

// deriveLocked recomputes fields of c that depend on its own edited fields.
func (s *Session) deriveLocked(ctx context.Context, c *controller, changed []string) (map[string]any, error) {
	g := s.graphLocked(nil)
	out := make(map[string]any)
	switch c.node.Type {
	case model.TypeFeature:
		if !slices.Contains(changed, model.FieldTeamAllocations) {
			break
		}
		cost, ok, err := featureCost(ctx, g, c.node)
		if err != nil {
			return nil, err
		}
		if ok && !sameValue(c.node.Data[model.FieldTotalCost], cost) {
			out[model.FieldTotalCost] = cost
		}
	case model.TypeTeam:
		if !slices.Contains(changed, model.FieldRoster) {
			break
		}
		bw, err := teamBandwidth(ctx, g, c.node)
		if err != nil {
			return nil, err
		}
		if !sameValue(c.node.Data[model.FieldBandwidth], bw) {
			out[model.FieldBandwidth] = bw
		}
	}
	return out, nil
}

// applyLocked writes fields into c's data, marks them dirty and schedules
// their persistence.
func (s *Session) applyLocked(c *controller, fields map[string]any) {
	applyData(c.node.Data, fields)
	id := c.node.ID
	for f, v := range fields {
		c.dirty[f] = v
		s.debounce.Schedule(guard.Key{NodeID: id, Field: f}, s.opts.Delays.For(f), func() {
			_ = s.persist(s.ctx, id, false)
		})
	}
}

func applyData(data map[string]any, fields map[string]any) {
	for f, v := range fields {
		if v == nil {
			delete(data, f)
			continue
		}
		data[f] = v
	}
}

// handle is the bus callback of a mounted node.
func (s *Session) handle(c *controller, ev bus.UpdateEvent) {
	if c.unmounting {
		return
	}
	if !c.guard.ShouldProcessUpdate(ev.PublisherID, ev.AffectedFields) {
		metrics.CircularUpdatesSuppressed.Inc()
		s.logger.Debug("circular update suppressed", "node", c.node.ID, "publisher", ev.PublisherID, "fields", ev.AffectedFields)
		return
	}
	s.reactLocked(c, ev)
}

// reactLocked runs the reactions of c for ev and applies the fields that
// changed. A derived field written within the recency buffer is not applied
// now: if its last write was itself derived, the reactions run again once
// the buffer has passed; if it was a local edit, the edit wins.
func (s *Session) reactLocked(c *controller, ev bus.UpdateEvent) {
	id := c.node.ID
	g := s.graphLocked(&ev)
	view := c.node.Clone()
	derived := make(map[string]any)
	for _, react := range s.reactions {
		out, err := react(s.ctx, g, view, ev)
		if err != nil {
			s.logger.Warn("reaction failed", "node", id, "publisher", ev.PublisherID, "err", err)
			continue
		}
		for f, v := range out {
			derived[f] = v
			view.Data[f] = v
		}
	}

	changed := make(map[string]any)
	for f, v := range derived {
		if sameValue(c.node.Data[f], v) {
			continue
		}
		if c.guard.IsUpdateTooRecent(f, 0) {
			metrics.DerivedWritesDropped.Inc()
			if c.derived[f] {
				s.logger.Debug("derived write deferred", "node", id, "field", f, "publisher", ev.PublisherID)
				s.requeueLocked(c, f, ev)
				continue
			}
			s.logger.Debug("derived write dropped", "node", id, "field", f, "publisher", ev.PublisherID)
			continue
		}
		changed[f] = v
	}
	if len(changed) == 0 {
		return
	}
	for f := range changed {
		c.derived[f] = true
	}
	s.applyLocked(c, changed)
	s.publishLocked(c, SourceDerived)
}

// requeueLocked runs the reactions of c for ev again after the recency
// buffer. One task is kept per node and field; a later deferral replaces
// the earlier one.
func (s *Session) requeueLocked(c *controller, field string, ev bus.UpdateEvent) {
	id := c.node.ID
	s.debounce.Schedule(guard.Key{NodeID: id, Field: requeuePrefix + field}, c.guard.RecencyBuffer(), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		cur, ok := s.controllers[id]
		if !ok || cur != c || c.unmounting {
			return
		}
		metrics.RollupRecalculations.WithLabelValues("deferred").Inc()
		s.reactLocked(c, ev)
	})
}

// persist writes the dirty fields of nodeID in one backend call. Unless
// final is set, the write is skipped when one is already in flight for the
// node; the fields stay dirty until the next edit or flush.
func (s *Session) persist(ctx context.Context, nodeID string, final bool) error {
	s.mu.Lock()
	c, ok := s.controllers[nodeID]
	if !ok || len(c.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	final = final || c.unmounting
	fields := slices.Sorted(maps.Keys(c.dirty))
	began := c.guard.Begin(fields...)
	if !began && !final {
		s.mu.Unlock()
		metrics.Persists.WithLabelValues(metrics.ResultSkipped).Inc()
		s.logger.Debug("write in flight, skipping persist", "node", nodeID, "fields", fields)
		return nil
	}
	snapshot := maps.Clone(c.dirty)
	for _, f := range fields {
		s.debounce.Cancel(guard.Key{NodeID: nodeID, Field: f})
	}
	s.mu.Unlock()

	start := time.Now()
	n, err := s.store.UpdateNode(ctx, nodeID, snapshot)
	metrics.PersistDuration.Observe(time.Since(start).Seconds())

	s.mu.Lock()
	if began {
		c.guard.End()
	}
	if err != nil {
		s.mu.Unlock()
		metrics.Persists.WithLabelValues(metrics.ResultError).Inc()
		s.logger.Error("persist node", "node", nodeID, "fields", fields, "err", err)
		if s.opts.OnError != nil {
			s.opts.OnError(nodeID, err)
		}
		return fmt.Errorf("persist node %s: %w", nodeID, err)
	}
	for f, v := range snapshot {
		if cur, ok := c.dirty[f]; ok && sameValue(cur, v) {
			delete(c.dirty, f)
		}
	}
	c.node.UpdatedAt = n.UpdatedAt
	parentID := c.node.String(model.FieldParentID)
	recalc := parentID != "" && s.controllers[parentID] == nil && hasAny(fields, rollupInputs)
	s.mu.Unlock()

	metrics.Persists.WithLabelValues(metrics.ResultOK).Inc()
	s.logger.Debug("node persisted", "node", nodeID, "fields", fields)
	if recalc {
		s.recalculateStored(ctx, parentID)
	}
	return nil
}

// recalculateStored recomputes an unmounted parent from the store after
// one of its mounted children was persisted.
func (s *Session) recalculateStored(ctx context.Context, parentID string) {
	res, err := s.engine.RecalculateRollup(ctx, parentID)
	if err != nil {
		s.logger.Warn("recalculate parent", "node", parentID, "err", err)
		return
	}
	metrics.RollupRecalculations.WithLabelValues("persist").Inc()
	s.mu.Lock()
	s.mergeStoredLocked(ctx, res.Updated)
	s.mu.Unlock()
}

// changesValue reports whether writing v to field f alters data. A nil v
// removes the field.
func changesValue(data map[string]any, f string, v any) bool {
	cur, ok := data[f]
	if v == nil {
		return ok
	}
	return !ok || !sameValue(cur, v)
}

func hasAny(fields, want []string) bool {
	for _, f := range fields {
		if slices.Contains(want, f) {
			return true
		}
	}
	return false
}

// sameValue compares field values, treating numbers of different Go types
// as equal when their values are.
func sameValue(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		return cast.ToFloat64(a) == cast.ToFloat64(b)
	}
	return reflect.DeepEqual(a, b)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

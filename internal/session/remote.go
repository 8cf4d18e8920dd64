package session

import (
	"context"
	"slices"

	"github.com/alfredjeanlab/plangraph/internal/bus"
	"github.com/alfredjeanlab/plangraph/internal/events"
	"github.com/alfredjeanlab/plangraph/internal/metrics"
	"github.com/alfredjeanlab/plangraph/internal/model"
)

// observe sees every effective publish on the session bus. Events that
// originated in this session are relayed to other processes.
func (s *Session) observe(ev bus.UpdateEvent) {
	metrics.BusEvents.WithLabelValues(string(ev.UpdateType)).Inc()
	if s.opts.Publisher == nil || ev.Metadata.Remote || ev.Metadata.Origin != s.id {
		return
	}
	err := s.opts.Publisher.Publish(s.ctx, events.TopicNodeUpdated, events.NodeUpdated{Origin: s.id, Event: ev})
	if err != nil {
		metrics.RemoteEvents.WithLabelValues("out", metrics.ResultError).Inc()
		s.logger.Warn("relay update", "node", ev.PublisherID, "err", err)
		return
	}
	metrics.RemoteEvents.WithLabelValues("out", metrics.ResultOK).Inc()
}

// ConsumeRemote feeds node updates published by other sessions into this
// session's bus until ctx is done or the subscription ends.
func (s *Session) ConsumeRemote(ctx context.Context, sub events.Subscriber) error {
	return events.Decode(ctx, sub, events.TopicNodeUpdated, s.ApplyRemote, func(err error) {
		metrics.RemoteEvents.WithLabelValues("in", metrics.ResultError).Inc()
		s.logger.Warn("drop remote update", "err", err)
	})
}

// ApplyRemote replays an update from another session. A mounted copy of
// the publisher takes the remote values except for fields it has not
// persisted yet, which will overwrite the store when they are.
func (s *Session) ApplyRemote(msg events.NodeUpdated) {
	if msg.Origin == s.id {
		return
	}
	ev := msg.Event
	if ev.PublisherID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	metrics.RemoteEvents.WithLabelValues("in", metrics.ResultOK).Inc()

	meta := bus.Metadata{NodeType: ev.NodeType, Source: SourceRemote, Origin: msg.Origin, Remote: true}
	c, ok := s.controllers[ev.PublisherID]
	if !ok || c.unmounting {
		s.bus.Publish(ev.PublisherID, ev.Data, meta)
		return
	}
	for f, v := range ev.Data {
		if _, dirty := c.dirty[f]; dirty {
			continue
		}
		c.node.Data[f] = v
	}
	if slices.Contains(ev.AffectedFields, model.FieldChildIDs) || slices.Contains(ev.AffectedFields, model.FieldTeamAllocations) {
		if err := s.refreshLocked(s.ctx, c); err != nil {
			s.logger.Warn("refresh connections", "node", c.node.ID, "err", err)
		}
	}
	s.bus.Publish(ev.PublisherID, c.node.Data, meta)
}

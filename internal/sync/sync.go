// Package sync periodically exports the planning graph as JSONL to backup
// destinations (S3, git).
package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/plangraph/internal/events"
	"github.com/alfredjeanlab/plangraph/internal/metrics"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

// Snapshot is one export of the graph handed to every destination.
type Snapshot struct {
	Data  []byte // JSONL payload
	Stats Stats
	Taken time.Time
}

// Destination is the interface for a sync target (S3, git, etc.).
type Destination interface {
	// Name labels the destination in logs and metrics.
	Name() string
	// Write stores the snapshot at the destination.
	Write(ctx context.Context, snap Snapshot) error
}

// Scheduler runs periodic syncs to one or more destinations.
type Scheduler struct {
	store        store.Store
	destinations []Destination
	interval     time.Duration
	publisher    events.Publisher
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that exports from the store to the given
// destinations at the specified interval. A nil publisher disables
// completion events.
func NewScheduler(s store.Store, destinations []Destination, interval time.Duration, publisher events.Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = &events.NoopPublisher{}
	}
	return &Scheduler{
		store:        s,
		destinations: destinations,
		interval:     interval,
		publisher:    publisher,
		logger:       logger,
	}
}

// Start begins periodic sync. It runs an initial sync immediately, then
// on each tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for the current sync (if any) to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	// Run once immediately at startup.
	_ = s.SyncNow(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.SyncNow(ctx)
		}
	}
}

// SyncNow exports the graph once and writes it to every destination. A
// failing destination does not stop the others; their errors are joined.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	var buf bytes.Buffer
	st, err := ExportJSONL(ctx, s.store, &buf)
	if err != nil {
		s.logger.Error("sync export failed", "err", err)
		return fmt.Errorf("export: %w", err)
	}
	snap := Snapshot{Data: buf.Bytes(), Stats: st, Taken: time.Now().UTC()}

	var errs []error
	for _, dest := range s.destinations {
		if err := dest.Write(ctx, snap); err != nil {
			metrics.BackupRuns.WithLabelValues(dest.Name(), metrics.ResultError).Inc()
			s.logger.Error("sync destination write failed", "destination", dest.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", dest.Name(), err))
			continue
		}
		metrics.BackupRuns.WithLabelValues(dest.Name(), metrics.ResultOK).Inc()
		err := s.publisher.Publish(ctx, events.TopicBackupCompleted, events.BackupCompleted{
			Destination: dest.Name(),
			Nodes:       st.Nodes,
			Edges:       st.Edges,
			At:          snap.Taken,
		})
		if err != nil {
			s.logger.Warn("publish backup event", "destination", dest.Name(), "err", err)
		}
	}

	s.logger.Info("sync completed", "destinations", len(s.destinations), "nodes", st.Nodes, "edges", st.Edges, "bytes", len(snap.Data))
	return errors.Join(errs...)
}

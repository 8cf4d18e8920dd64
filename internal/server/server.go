package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/alfredjeanlab/plangraph/internal/bus"
	"github.com/alfredjeanlab/plangraph/internal/events"
	"github.com/alfredjeanlab/plangraph/internal/manifest"
	"github.com/alfredjeanlab/plangraph/internal/presence"
	"github.com/alfredjeanlab/plangraph/internal/rollup"
	"github.com/alfredjeanlab/plangraph/internal/session"
	"github.com/alfredjeanlab/plangraph/internal/store"
)

// errSessionNotFound is returned for unknown or closed session ids.
var errSessionNotFound = errors.New("session not found")

// Options configures a Server.
type Options struct {
	Store   store.Store
	Catalog *manifest.Catalog

	// Publisher relays session events to other processes and receives
	// lifecycle events. Nil disables publishing.
	Publisher events.Publisher
	// Subscriber feeds remote node updates into every open session. Nil
	// disables the relay.
	Subscriber events.Subscriber

	// Session is the template for new sessions. Logger, Publisher and
	// OnError are set by the server.
	Session session.Options

	// Ping reports backend health for GET /v1/health.
	Ping func(ctx context.Context) error

	Logger *slog.Logger
}

// Server hosts engine sessions behind the HTTP API.
type Server struct {
	store      store.Store
	catalog    *manifest.Catalog
	publisher  events.Publisher
	subscriber events.Subscriber
	template   session.Options
	ping       func(ctx context.Context) error
	logger     *slog.Logger

	engine   *rollup.Engine
	sseHub   *sseHub
	Presence *presence.Tracker

	// recalc collapses concurrent recalculations of the same node.
	recalc singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*liveSession
	closed   bool
}

// liveSession is an open session and its remote relay.
type liveSession struct {
	*session.Session
	client      string
	stopRemote  context.CancelFunc
	remoteDone  chan struct{}
	stopObserve func()
}

// New returns a Server. A nil catalog uses the embedded one.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = &events.NoopPublisher{}
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = manifest.Default()
	}
	return &Server{
		store:      opts.Store,
		catalog:    catalog,
		publisher:  publisher,
		subscriber: opts.Subscriber,
		template:   opts.Session,
		ping:       opts.Ping,
		logger:     logger,
		engine:     rollup.New(opts.Store, logger),
		sseHub:     newSSEHub(),
		Presence:   presence.New(),
		sessions:   make(map[string]*liveSession),
	}
}

// OpenSession starts a new engine session for client.
func (s *Server) OpenSession(client string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("server is shutting down")
	}

	id := uuid.NewString()
	opts := s.template
	opts.Logger = s.logger
	opts.Publisher = s.publisher
	opts.OnError = func(nodeID string, err error) {
		s.broadcastEvent(sessionTopic(id, "error"), writeFailure{NodeID: nodeID, Error: err.Error()})
	}
	sess := session.New(id, s.store, s.catalog, opts)

	ls := &liveSession{Session: sess, client: client}
	ls.stopObserve = sess.Bus().Observe(func(ev bus.UpdateEvent) {
		s.broadcastEvent(sessionTopic(id, "node.updated"), ev)
	})
	if s.subscriber != nil {
		ctx, cancel := context.WithCancel(context.Background())
		ls.stopRemote = cancel
		ls.remoteDone = make(chan struct{})
		go func() {
			defer close(ls.remoteDone)
			if err := sess.ConsumeRemote(ctx, s.subscriber); err != nil && ctx.Err() == nil {
				s.logger.Error("remote relay stopped", "session", id, "err", err)
			}
		}()
	}
	s.sessions[id] = ls

	s.Presence.Record(presence.Activity{SessionID: id, Client: client, Action: "open"})
	if err := s.publisher.Publish(context.Background(), events.TopicSessionOpened, events.SessionOpened{
		SessionID: id,
		At:        time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("publish session opened", "session", id, "err", err)
	}
	s.logger.Info("session opened", "session", id, "client", client)
	return sess, nil
}

// Session returns an open session.
func (s *Server) Session(id string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ls, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return ls.Session, true
}

// Sessions returns the ids of open sessions, sorted.
func (s *Server) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.sessions))
}

// CloseSession flushes and closes a session. Closing an unknown session
// returns errSessionNotFound.
func (s *Server) CloseSession(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	ls, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return errSessionNotFound
	}

	if ls.stopRemote != nil {
		ls.stopRemote()
		<-ls.remoteDone
	}
	err := ls.Close(ctx)
	ls.stopObserve()
	if reason != "idle" {
		s.Presence.Remove(id)
	}

	s.broadcastEvent(sessionTopic(id, "closed"), events.SessionClosed{SessionID: id, Reason: reason})
	s.sseHub.endSession(id)
	if perr := s.publisher.Publish(ctx, events.TopicSessionClosed, events.SessionClosed{
		SessionID: id,
		Reason:    reason,
	}); perr != nil {
		s.logger.Warn("publish session closed", "session", id, "err", perr)
	}
	if err != nil {
		s.logger.Error("session closed with pending write errors", "session", id, "reason", reason, "err", err)
		return fmt.Errorf("close session %s: %w", id, err)
	}
	s.logger.Info("session closed", "session", id, "reason", reason)
	return nil
}

// ReapIdle closes a session the presence reaper found idle. It is meant to
// be used as presence.ReaperConfig.OnIdle.
func (s *Server) ReapIdle(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.CloseSession(ctx, id, "idle"); err != nil && !errors.Is(err, errSessionNotFound) {
		s.logger.Warn("reap idle session", "session", id, "err", err)
	}
}

// Shutdown closes every open session, writing pending edits. New sessions
// are refused afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := slices.Sorted(maps.Keys(s.sessions))
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := s.CloseSession(ctx, id, "shutdown"); err != nil && !errors.Is(err, errSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// touch records session activity for the presence roster.
func (s *Server) touch(sessionID, action, nodeID string) {
	s.Presence.Record(presence.Activity{SessionID: sessionID, Action: action, NodeID: nodeID})
}

// writeFailure is the SSE payload of a failed backend write.
type writeFailure struct {
	NodeID string `json:"nodeId"`
	Error  string `json:"error"`
}

// sessionTopic names a per-session SSE topic.
func sessionTopic(sessionID, suffix string) string {
	return "session." + sessionID + "." + suffix
}

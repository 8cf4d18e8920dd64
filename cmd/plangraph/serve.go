package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/plangraph/internal/config"
	"github.com/alfredjeanlab/plangraph/internal/events"
	"github.com/alfredjeanlab/plangraph/internal/guard"
	"github.com/alfredjeanlab/plangraph/internal/manifest"
	"github.com/alfredjeanlab/plangraph/internal/presence"
	"github.com/alfredjeanlab/plangraph/internal/server"
	"github.com/alfredjeanlab/plangraph/internal/session"
	"github.com/alfredjeanlab/plangraph/internal/store"
	"github.com/alfredjeanlab/plangraph/internal/store/memory"
	"github.com/alfredjeanlab/plangraph/internal/store/postgres"
	plansync "github.com/alfredjeanlab/plangraph/internal/sync"
)

// openStore connects to Postgres, or returns an in-memory store when no
// database is configured. ping is nil for the memory store.
func openStore(cfg *config.Config) (s store.Store, ping func(context.Context) error, err error) {
	if cfg.Offline() {
		return memory.New(), nil, nil
	}
	pg, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Ping, nil
}

// syncDestinations builds the configured backup destinations.
func syncDestinations(ctx context.Context, cfg *config.Config, logger *slog.Logger) []plansync.Destination {
	var dests []plansync.Destination
	if cfg.SyncS3Bucket != "" {
		d, err := plansync.NewS3Destination(ctx, cfg.SyncS3Bucket, cfg.SyncS3Prefix, cfg.SyncS3Region, cfg.SyncS3Endpoint)
		if err != nil {
			logger.Error("failed to create S3 sync destination", "err", err)
		} else {
			dests = append(dests, d)
			logger.Info("sync S3 destination enabled", "bucket", cfg.SyncS3Bucket, "prefix", cfg.SyncS3Prefix)
		}
	}
	if cfg.SyncGitRepo != "" {
		dests = append(dests, plansync.NewGitDestination(cfg.SyncGitRepo, cfg.SyncGitFile, cfg.SyncGitBranch))
		logger.Info("sync git destination enabled", "repo", cfg.SyncGitRepo, "file", cfg.SyncGitFile)
	}
	return dests
}

var serveCmd = &cobra.Command{
	Use:               "serve",
	Short:             "Run the planning engine server",
	GroupID:           "system",
	PersistentPreRunE: noClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		catalog, err := manifest.Load(cfg.ManifestFile)
		if err != nil {
			return err
		}

		st, ping, err := openStore(cfg)
		if err != nil {
			return err
		}
		if cfg.Offline() {
			logger.Warn("PLANGRAPH_DATABASE_URL not set, edits are kept in memory only")
		}

		var (
			publisher  events.Publisher
			subscriber events.Subscriber
		)
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				st.Close()
				return err
			}
			sub, err := events.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				pub.Close()
				st.Close()
				return err
			}
			publisher, subscriber = pub, sub
			defer sub.Close()
			logger.Info("events enabled", "nats_url", cfg.NATSURL)
		} else {
			local := events.NewLocal()
			publisher, subscriber = local, local
			logger.Info("events relayed in process (PLANGRAPH_NATS_URL not set)")
		}

		srv := server.New(server.Options{
			Store:      st,
			Catalog:    catalog,
			Publisher:  publisher,
			Subscriber: subscriber,
			Session: session.Options{
				Delays:        guard.Delays{Default: cfg.Debounce, Aggregate: cfg.AggregateDebounce},
				RecencyBuffer: cfg.RecencyBuffer,
				GraceWindow:   cfg.GraceWindow,
			},
			Ping:   ping,
			Logger: logger,
		})

		if cfg.SessionIdle > 0 {
			srv.Presence.StartReaper(&presence.ReaperConfig{
				IdleThreshold: cfg.SessionIdle,
				OnIdle:        srv.ReapIdle,
			})
		}

		httpServer := &http.Server{
			Addr: cfg.HTTPAddr,
			Handler: srv.NewHTTPHandler(server.HTTPOptions{
				AuthToken: cfg.AuthToken,
				Limiter:   server.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		var scheduler *plansync.Scheduler
		if cfg.SyncInterval > 0 {
			if dests := syncDestinations(context.Background(), cfg, logger); len(dests) > 0 {
				scheduler = plansync.NewScheduler(st, dests, cfg.SyncInterval, publisher, logger)
				scheduler.Start()
				logger.Info("sync scheduler started", "interval", cfg.SyncInterval)
			}
		}

		logger.Info("plangraph server started", "http_addr", cfg.HTTPAddr, "offline", cfg.Offline())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		var runErr error
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
		case runErr = <-errCh:
			logger.Error("HTTP server error", "err", runErr)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		srv.Presence.Stop()
		if scheduler != nil {
			scheduler.Stop()
			logger.Info("sync scheduler stopped")
		}
		// Sessions write their pending edits before the listener goes away.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("session shutdown error", "err", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		if err := publisher.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}
		logger.Info("shutdown complete")
		if runErr != nil {
			return fmt.Errorf("http server: %w", runErr)
		}
		return nil
	},
}

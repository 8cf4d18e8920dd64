package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
)

type Config struct {
	DatabaseURL  string // PLANGRAPH_DATABASE_URL (empty = in-memory store)
	HTTPAddr     string // PLANGRAPH_HTTP_ADDR (default ":8080")
	NATSURL      string // PLANGRAPH_NATS_URL (optional, empty = in-process relay only)
	AuthToken    string // PLANGRAPH_AUTH_TOKEN (optional, empty = auth disabled)
	ManifestFile string // PLANGRAPH_MANIFEST_FILE (optional, replaces the embedded catalog)

	// Engine timing
	Debounce          time.Duration // PLANGRAPH_DEBOUNCE (default 1s)
	AggregateDebounce time.Duration // PLANGRAPH_AGGREGATE_DEBOUNCE (default 2s)
	RecencyBuffer     time.Duration // PLANGRAPH_RECENCY_BUFFER (default 150ms)
	GraceWindow       time.Duration // PLANGRAPH_GRACE_WINDOW (default 200ms)
	SessionIdle       time.Duration // PLANGRAPH_SESSION_IDLE (default 30m; 0 = never reap)

	// HTTP rate limiting
	RateLimit float64 // PLANGRAPH_RATE_LIMIT requests per second per client (default 50; 0 = disabled)
	RateBurst int     // PLANGRAPH_RATE_BURST (default 100)

	// Sync settings
	SyncInterval   time.Duration // PLANGRAPH_SYNC_INTERVAL (default 3m; 0 = disabled)
	SyncS3Bucket   string        // PLANGRAPH_SYNC_S3_BUCKET (enables S3 when set)
	SyncS3Endpoint string        // PLANGRAPH_SYNC_S3_ENDPOINT (custom endpoint for MinIO)
	SyncS3Region   string        // PLANGRAPH_SYNC_S3_REGION (default "us-east-1")
	SyncS3Prefix   string        // PLANGRAPH_SYNC_S3_PREFIX (default "plangraph")
	SyncGitRepo    string        // PLANGRAPH_SYNC_GIT_REPO (enables git when set; path to clone)
	SyncGitFile    string        // PLANGRAPH_SYNC_GIT_FILE (default "plangraph.jsonl")
	SyncGitBranch  string        // PLANGRAPH_SYNC_GIT_BRANCH (default "main")
}

// Offline reports whether no database is configured. Edits are then kept
// in process memory only.
func (c *Config) Offline() bool {
	return c.DatabaseURL == ""
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:    os.Getenv("PLANGRAPH_DATABASE_URL"),
		HTTPAddr:       envOrDefault("PLANGRAPH_HTTP_ADDR", ":8080"),
		NATSURL:        os.Getenv("PLANGRAPH_NATS_URL"),
		AuthToken:      os.Getenv("PLANGRAPH_AUTH_TOKEN"),
		ManifestFile:   os.Getenv("PLANGRAPH_MANIFEST_FILE"),
		SyncS3Bucket:   os.Getenv("PLANGRAPH_SYNC_S3_BUCKET"),
		SyncS3Endpoint: os.Getenv("PLANGRAPH_SYNC_S3_ENDPOINT"),
		SyncS3Region:   envOrDefault("PLANGRAPH_SYNC_S3_REGION", "us-east-1"),
		SyncS3Prefix:   envOrDefault("PLANGRAPH_SYNC_S3_PREFIX", "plangraph"),
		SyncGitRepo:    os.Getenv("PLANGRAPH_SYNC_GIT_REPO"),
		SyncGitFile:    envOrDefault("PLANGRAPH_SYNC_GIT_FILE", "plangraph.jsonl"),
		SyncGitBranch:  envOrDefault("PLANGRAPH_SYNC_GIT_BRANCH", "main"),
	}

	for _, d := range []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"PLANGRAPH_DEBOUNCE", "1s", &c.Debounce},
		{"PLANGRAPH_AGGREGATE_DEBOUNCE", "2s", &c.AggregateDebounce},
		{"PLANGRAPH_RECENCY_BUFFER", "150ms", &c.RecencyBuffer},
		{"PLANGRAPH_GRACE_WINDOW", "200ms", &c.GraceWindow},
		{"PLANGRAPH_SESSION_IDLE", "30m", &c.SessionIdle},
		{"PLANGRAPH_SYNC_INTERVAL", "3m", &c.SyncInterval},
	} {
		v, err := time.ParseDuration(envOrDefault(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("%s: must not be negative", d.key)
		}
		*d.dst = v
	}

	rate, err := cast.ToFloat64E(envOrDefault("PLANGRAPH_RATE_LIMIT", "50"))
	if err != nil || rate < 0 {
		return nil, fmt.Errorf("PLANGRAPH_RATE_LIMIT: invalid value %q", os.Getenv("PLANGRAPH_RATE_LIMIT"))
	}
	c.RateLimit = rate

	burst, err := cast.ToIntE(envOrDefault("PLANGRAPH_RATE_BURST", "100"))
	if err != nil || burst < 1 {
		return nil, fmt.Errorf("PLANGRAPH_RATE_BURST: invalid value %q", os.Getenv("PLANGRAPH_RATE_BURST"))
	}
	c.RateBurst = burst

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

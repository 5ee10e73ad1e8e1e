// Package config handles environment variable loading for the worker
// daemon and CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// Number of concurrent queue worker loops
	WorkerConcurrency int

	// Base poll interval for worker loops
	WorkerPollInterval time.Duration

	// Cap for the empty-queue poll backoff
	WorkerMaxBackoff time.Duration

	// Claim attempts per second per worker (0 = unlimited)
	ClaimRate float64

	// Burst for the claim limiter
	ClaimBurst int

	// Heartbeat staleness after which a run is reaped
	HeartbeatTimeout time.Duration

	// Interval between reaper passes
	ReaperInterval time.Duration

	// Also reap runs stuck in terminating
	ReapTerminating bool

	// Root directory for the local object store
	ObjectStoreRoot string

	// OTLP collector endpoint for traces
	OTELEndpoint string

	// Port for the Prometheus /metrics endpoint
	MetricsPort int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		WorkerConcurrency:  1,
		WorkerPollInterval: 1 * time.Second,
		WorkerMaxBackoff:   30 * time.Second,
		ClaimBurst:         1,
		HeartbeatTimeout:   5 * time.Minute,
		ReaperInterval:     30 * time.Second,
		ObjectStoreRoot:    "./data",
		OTELEndpoint:       "localhost:4317",
		MetricsPort:        6162,
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = c
	}

	if v := os.Getenv("WORKER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_POLL_INTERVAL: %w", err)
		}
		cfg.WorkerPollInterval = d
	}

	if v := os.Getenv("WORKER_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid WORKER_MAX_BACKOFF: %w", err)
		}
		cfg.WorkerMaxBackoff = d
	}

	if v := os.Getenv("CLAIM_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid CLAIM_RATE: %w", err)
		}
		cfg.ClaimRate = r
	}

	if v := os.Getenv("CLAIM_BURST"); v != "" {
		b, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid CLAIM_BURST: %w", err)
		}
		cfg.ClaimBurst = b
	}

	if v := os.Getenv("HEARTBEAT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid HEARTBEAT_TIMEOUT: %w", err)
		}
		cfg.HeartbeatTimeout = d
	}

	if v := os.Getenv("REAPER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REAPER_INTERVAL: %w", err)
		}
		cfg.ReaperInterval = d
	}

	if v := os.Getenv("REAP_TERMINATING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REAP_TERMINATING: %w", err)
		}
		cfg.ReapTerminating = b
	}

	if v := os.Getenv("OBJECTSTORE_ROOT"); v != "" {
		cfg.ObjectStoreRoot = v
	}

	if v := os.Getenv("OTEL_ENDPOINT"); v != "" {
		cfg.OTELEndpoint = v
	}

	if v := os.Getenv("METRICS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = p
	}

	return cfg, nil
}

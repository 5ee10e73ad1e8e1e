package run

import (
	"context"
	"log/slog"
	"time"

	"github.com/BLSQ/openhexa-app-sub000/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ReaperConfig holds configuration for the heartbeat reaper.
type ReaperConfig struct {
	// Interval between scans (default: 30s).
	Interval time.Duration

	// Timeout after which a silent run is considered orphaned
	// (default: 5m).
	Timeout time.Duration

	// IncludeTerminating also reaps runs stuck in terminating whose
	// executor died before confirming the stop.
	IncludeTerminating bool
}

// Reaper periodically fails runs whose executor stopped heartbeating. The
// store-side state guard makes passes idempotent, so any number of reaper
// instances can run concurrently.
type Reaper struct {
	store  store.RunStore
	cfg    ReaperConfig
	logger *slog.Logger
	reaped metric.Int64Counter
	done   chan struct{}
}

// NewReaper creates a heartbeat reaper.
func NewReaper(s store.RunStore, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	reaped, _ := otel.Meter("hexaq").Int64Counter("hexaq.runs.reaped",
		metric.WithDescription("Runs failed because their heartbeat went stale"))

	return &Reaper{
		store:  s,
		cfg:    cfg,
		logger: logger,
		reaped: reaped,
		done:   make(chan struct{}),
	}
}

// Run starts the reap loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	defer close(r.done)

	r.logger.Info("reaper started", "interval", r.cfg.Interval, "timeout", r.cfg.Timeout)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := r.ReapOnce(ctx); err != nil {
				r.logger.Error("reap pass failed", "error", err)
			}
		}
	}
}

// ReapOnce performs a single reap pass.
func (r *Reaper) ReapOnce(ctx context.Context) error {
	ids, err := r.store.ReapStaleRuns(ctx, r.cfg.Timeout, r.cfg.IncludeTerminating)
	if err != nil {
		return err
	}

	for _, id := range ids {
		r.logger.Warn("reaped orphaned run", "run_id", id, "timeout", r.cfg.Timeout)
	}
	if len(ids) > 0 {
		r.reaped.Add(ctx, int64(len(ids)))
	}
	return nil
}

// Done returns a channel closed when the reap loop has fully stopped.
func (r *Reaper) Done() <-chan struct{} {
	return r.done
}

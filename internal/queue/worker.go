package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// WorkerConfig holds configuration for one worker loop.
type WorkerConfig struct {
	ID           string
	PollInterval time.Duration // Base poll interval (default: 1s)
	MaxBackoff   time.Duration // Cap for the empty-queue backoff (default: 30s)
	ClaimRate    rate.Limit    // Max claim attempts per second (0 = unlimited)
	ClaimBurst   int
}

// Worker repeatedly claims and runs jobs from a queue. Multiple workers may
// poll the same queue from independent processes; the store's row locking
// keeps claims mutually exclusive.
type Worker struct {
	queue   *Queue
	cfg     WorkerConfig
	wake    <-chan struct{}
	limiter *rate.Limiter
	logger  *slog.Logger
	done    chan struct{}
}

// NewWorker creates a worker loop. wake may be nil; when set, a receive
// triggers an immediate poll (fed from the store's LISTEN channel).
func NewWorker(q *Queue, cfg WorkerConfig, wake <-chan struct{}, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.ClaimRate > 0 {
		burst := cfg.ClaimBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.ClaimRate, burst)
	}

	return &Worker{
		queue:   q,
		cfg:     cfg,
		wake:    wake,
		limiter: limiter,
		logger:  logger.With("worker", cfg.ID),
		done:    make(chan struct{}),
	}
}

// Run starts the poll loop. It blocks until the context is cancelled. Jobs
// execute synchronously inside the loop, so cancellation between jobs never
// abandons a half-recorded outcome.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval)

	// Backoff grows while the queue is empty and resets on work found.
	currentBackoff := w.cfg.PollInterval

	// Exhausted jobs seen this cycle. Excluding them keeps the claim loop
	// from re-locking jobs it will never run; the list resets once the
	// queue drains.
	var exclude []uuid.UUID

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return ctx.Err()
		case <-time.After(currentBackoff):
		case <-w.wake:
			currentBackoff = w.cfg.PollInterval
		}

		for {
			if w.limiter != nil {
				if err := w.limiter.Wait(ctx); err != nil {
					w.logger.Info("worker stopping")
					return err
				}
			}

			res, err := w.queue.ClaimAndRun(ctx, exclude)
			if err != nil {
				if ctx.Err() != nil {
					w.logger.Info("worker stopping")
					return ctx.Err()
				}
				w.logger.Error("claim failed", "error", err)
				break
			}
			if res == nil {
				// Queue drained. Back off and forget exclusions so
				// operator-requeued jobs become claimable again.
				exclude = exclude[:0]
				currentBackoff = min(currentBackoff*2, w.cfg.MaxBackoff)
				break
			}

			currentBackoff = w.cfg.PollInterval
			if res.Outcome == OutcomeExhausted {
				exclude = append(exclude, res.Job.ID)
			}
		}
	}
}

// Done returns a channel closed when the worker loop has fully stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

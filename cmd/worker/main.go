// Package main is the entry point for the background worker daemon. It
// runs the metadata queue workers and the run heartbeat reaper against a
// shared PostgreSQL store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/BLSQ/openhexa-app-sub000/internal/config"
	"github.com/BLSQ/openhexa-app-sub000/internal/logger"
	"github.com/BLSQ/openhexa-app-sub000/internal/metadata"
	"github.com/BLSQ/openhexa-app-sub000/internal/observability"
	"github.com/BLSQ/openhexa-app-sub000/internal/queue"
	"github.com/BLSQ/openhexa-app-sub000/internal/run"
	"github.com/BLSQ/openhexa-app-sub000/internal/store/postgres"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// MetadataQueue is the queue the metadata extraction workers poll.
const MetadataQueue = "metadata"

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New(slog.LevelInfo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pg.Close()

	if *migrateFlag {
		slogger.Info("running database migrations")
		if err := postgres.Migrate(pg.DB()); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		slogger.Info("migrations completed")
	}

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "hexaq-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slogger.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			slogger.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	// Observable gauges query the DB only when scraped.
	meter := otel.Meter("hexaq-worker")
	_, err = meter.Int64ObservableGauge("hexaq.queue.depth",
		metric.WithDescription("Claimable jobs on the metadata queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := pg.CountPendingJobs(ctx, MetadataQueue)
			if err != nil {
				return nil // Don't fail the scrape on a DB error
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		slogger.Warn("failed to register queue depth gauge", "error", err)
	}
	_, err = meter.Int64ObservableGauge("hexaq.runs.running",
		metric.WithDescription("Runs currently in the running state"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			count, err := pg.CountRunningRuns(ctx)
			if err != nil {
				return nil
			}
			obs.Observe(count)
			return nil
		}),
	)
	if err != nil {
		slogger.Warn("failed to register running runs gauge", "error", err)
	}

	// Task registry: explicit, one per process.
	registry := queue.NewRegistry()
	extractor := metadata.NewExtractor(pg, metadata.NewLocalObjectStore(cfg.ObjectStoreRoot), slogger)
	if err := extractor.Register(registry); err != nil {
		log.Fatalf("Failed to register metadata task: %v", err)
	}

	// The metadata queue is at-most-once: a crashed extraction is dropped
	// rather than re-run against non-idempotent sample writes.
	metadataQueue := queue.New(pg, registry, queue.Config{
		Name:   MetadataQueue,
		Policy: queue.AtMostOnce,
	}, slogger)

	// LISTEN wake-ups so idle workers poll right after an enqueue.
	wake := make(chan struct{}, 1)
	listener, err := postgres.NewListener(cfg.DatabaseURL, slogger)
	if err != nil {
		slogger.Warn("jobs listener unavailable, falling back to polling", "error", err)
	} else {
		defer listener.Close()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case n := <-listener.Notifications():
					if n != nil && n.Extra != MetadataQueue {
						continue
					}
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		worker := queue.NewWorker(metadataQueue, queue.WorkerConfig{
			ID:           fmt.Sprintf("worker-%d", i),
			PollInterval: cfg.WorkerPollInterval,
			MaxBackoff:   cfg.WorkerMaxBackoff,
			ClaimRate:    rate.Limit(cfg.ClaimRate),
			ClaimBurst:   cfg.ClaimBurst,
		}, wake, slogger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}

	reaper := run.NewReaper(pg, run.ReaperConfig{
		Interval:           cfg.ReaperInterval,
		Timeout:            cfg.HeartbeatTimeout,
		IncludeTerminating: cfg.ReapTerminating,
	}, slogger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		slogger.Info("metrics listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slogger.Warn("metrics server error", "error", err)
		}
	}()

	slogger.Info("worker daemon started", "concurrency", cfg.WorkerConcurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slogger.Info("shutting down")
	cancel()
	wg.Wait()
}

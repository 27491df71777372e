// Command collector runs the ticker-monitor collection pipeline:
// one process owning the broker connection, the Fetch Engine, the
// Persistence Layer, and a side-channel health/metrics HTTP server.
// There is no API surface here; the scheduler is driven entirely off
// the queue, and this process is the broker connection's only owner.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	config "github.com/rpsouza441/ticker-monitor/configs"
	"github.com/rpsouza441/ticker-monitor/pkg/broker"
	"github.com/rpsouza441/ticker-monitor/pkg/fetcher"
	"github.com/rpsouza441/ticker-monitor/pkg/health"
	"github.com/rpsouza441/ticker-monitor/pkg/logger"
	"github.com/rpsouza441/ticker-monitor/pkg/metrics"
	"github.com/rpsouza441/ticker-monitor/pkg/models"
	tracing "github.com/rpsouza441/ticker-monitor/pkg/observability"
	"github.com/rpsouza441/ticker-monitor/pkg/quotesource"
	"github.com/rpsouza441/ticker-monitor/pkg/ratelimit"
	"github.com/rpsouza441/ticker-monitor/pkg/resilience"
	"github.com/rpsouza441/ticker-monitor/pkg/scheduler"
	"github.com/rpsouza441/ticker-monitor/pkg/storage"
	"github.com/rpsouza441/ticker-monitor/pkg/storage/archive"
	"github.com/rpsouza441/ticker-monitor/pkg/storage/postgres"
	"github.com/rpsouza441/ticker-monitor/pkg/storage/rediscache"
)

// shutdownGrace bounds how long the process waits for an in-flight
// job to finish before forcing the broker connection closed.
const shutdownGrace = 30 * time.Second

const quoteSourceCircuitName = "quote_source"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogFormat,
		OutputPath: "stdout",
		Service:    "ticker-monitor-collector",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := tracing.DefaultConfig("ticker-monitor-collector")
	tracingCfg.Endpoint = cfg.OTLPEndpoint
	tracingCfg.Enabled = cfg.TracingEnabled
	tracer, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer tracer.Shutdown(context.Background())

	store, err := postgres.New(cfg.DBURL)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer store.CloseDB()
	log.Info("postgres connected")

	cache, err := rediscache.New(cfg.RedisURL)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer cache.Close()
	log.Info("redis connected")

	amqpBroker, err := broker.New(cfg.QueueURL, log)
	if err != nil {
		log.Fatal("failed to connect to broker", zap.Error(err))
	}
	defer amqpBroker.Close()
	log.Info("broker connected")

	archiveStore := buildArchiveStore(ctx, cfg, log)

	breaker := resilience.NewCircuitBreaker(quoteSourceCircuitName, resilience.DefaultCircuitBreakerConfig())
	metrics.WireCircuitBreaker(breaker, quoteSourceCircuitName)

	source := quotesource.NewHTTPClient(cfg.QuoteSourceURL, cfg.QuoteSourceTimeout)
	tracker := ratelimit.New(store, cache, log)
	resolver := symbolResolver{store: store}

	engine := fetcher.New(source, breaker, tracker, archiveStore, resolver, fetcher.Config{
		BatchSize:         cfg.BatchSize,
		InterBatchDelay:   cfg.InterBatchDelay,
		BackoffBase:       cfg.BackoffBase,
		BackoffMaxSeconds: cfg.BackoffMaxSeconds,
		MaxRetries:        cfg.MaxRetries,
	}, log)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal("invalid timezone", zap.Error(err))
	}
	hour, minute := cfg.ExecutionHourMinute()

	if n, err := store.ResetStuckRunning(ctx); err != nil {
		log.Error("failed to reset stuck RUNNING jobs", zap.Error(err))
	} else if n > 0 {
		log.Warn("reset jobs stuck RUNNING from a previous crash", zap.Int64("count", n))
	}

	sched := scheduler.New(amqpBroker, engine, store, store, nil, scheduler.Config{
		ExecutionHour:   hour,
		ExecutionMinute: minute,
		Timezone:        loc,
		MaxRetries:      cfg.MaxRetries,
		PollDelay:       30 * time.Second,
	}, log)

	healthServer := health.New(health.Config{
		Port:     cfg.HealthPort,
		Database: store.Ping,
		Queue:    amqpBroker.Ping,
		Cache:    cache.Ping,
		Breaker:  breaker,
		Log:      log,
	})

	seeded, err := seedInitialJob(ctx, amqpBroker, store, cfg.MonitoredSymbols, hour, minute, loc)
	switch {
	case err != nil:
		log.Error("failed to seed initial job message", zap.Error(err))
	case seeded:
		log.Info("seeded initial job for the daily cycle")
	default:
		log.Info("daily cycle already in flight, seed skipped")
	}

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- sched.Run(ctx)
	}()

	go func() {
		if err := healthServer.Start(); err != nil {
			log.Error("health server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight job")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Error("health server shutdown error", zap.Error(err))
	}

	select {
	case err := <-schedulerDone:
		if err != nil {
			log.Error("scheduler loop exited with error", zap.Error(err))
		}
	case <-time.After(shutdownGrace):
		log.Warn("scheduler did not drain within the grace period, forcing broker closed")
	}

	log.Info("shutdown complete")
}

// symbolResolver adapts the Persistence Layer's symbol upsert into
// the Fetch Engine's SymbolResolver contract. Asset type and currency
// are not yet known at rate-limit-tracking time; the placeholder
// values here are corrected by the real upsert once a batch actually
// succeeds for the symbol (upsertSymbolTx updates both columns on
// conflict).
type symbolResolver struct {
	store *postgres.Store
}

func (r symbolResolver) ResolveRef(ctx context.Context, symbol string) (*uint, error) {
	ref, err := r.store.UpsertSymbol(ctx, symbol, models.AssetStock, "USD")
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// buildArchiveStore wires the optional batch archive: S3-compatible
// if ARCHIVE_BUCKET is set, local filesystem if only LOCAL_ARCHIVE_DIR
// is set, disabled (nil) otherwise.
func buildArchiveStore(ctx context.Context, cfg *config.Config, log *zap.Logger) archive.Store {
	switch {
	case cfg.ArchiveBucket != "":
		s3Store, err := archive.NewS3Store(ctx, archive.S3Config{
			Bucket:   cfg.ArchiveBucket,
			Prefix:   "batches/",
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
		})
		if err != nil {
			log.Warn("failed to initialize S3 archive store, archival disabled", zap.Error(err))
			return nil
		}
		log.Info("archival enabled", zap.String("backend", "s3"), zap.String("bucket", cfg.ArchiveBucket))
		return s3Store
	case cfg.LocalArchiveDir != "":
		localStore, err := archive.NewLocalStore(cfg.LocalArchiveDir)
		if err != nil {
			log.Warn("failed to initialize local archive store, archival disabled", zap.Error(err))
			return nil
		}
		log.Info("archival enabled", zap.String("backend", "local"), zap.String("dir", cfg.LocalArchiveDir))
		return localStore
	default:
		log.Info("archival disabled, no ARCHIVE_BUCKET or LOCAL_ARCHIVE_DIR configured")
		return nil
	}
}

// seedInitialJob publishes the first job message for the daily cycle,
// but only when the audit trail shows no live (PENDING or RUNNING)
// job: once seeded, the cycle sustains itself through the scheduler's
// successor enqueue, and seeding again on every restart would fork it
// into a second run per day. The audit row is created before the
// publish so the marker survives even if the process dies between the
// two; a row without a message is recoverable by an operator reseed,
// a duplicate message is not. The first execution lands on today's
// execution_time if that is still ahead, otherwise on the next
// business day's.
func seedInitialJob(ctx context.Context, b *broker.Broker, jobs storage.JobStore, symbols []string, hour, minute int, loc *time.Location) (bool, error) {
	live, err := jobs.HasLiveJob(ctx)
	if err != nil {
		return false, fmt.Errorf("check for live jobs: %w", err)
	}
	if live {
		return false, nil
	}

	now := time.Now().In(loc)
	execTime := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, loc)
	predicate := scheduler.WeekdayPredicate{}
	if !predicate.IsBusinessDay(now) || now.After(execTime) {
		next := predicate.NextBusinessDay(now)
		execTime = time.Date(next.Year(), next.Month(), next.Day(), hour, minute, 0, 0, loc)
	}

	msg := models.JobMessage{
		JobID:         uuid.New(),
		TickerList:    symbols,
		ExecutionTime: execTime,
		RetryCount:    0,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	job := &models.Job{
		ID:          msg.JobID,
		SymbolRefs:  models.StringSlice(symbols),
		ScheduledAt: execTime,
		Status:      models.JobPending,
	}
	if err := jobs.CreateJob(ctx, job); err != nil {
		return false, fmt.Errorf("create seed job audit row: %w", err)
	}
	if err := b.Publish(ctx, msg); err != nil {
		return false, fmt.Errorf("publish seed job: %w", err)
	}
	return true, nil
}

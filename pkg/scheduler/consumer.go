// Package scheduler is the Scheduler/Consumer: the sole driver of
// work. It consumes job messages from the broker, gates them on the
// configured daily wall-clock, orchestrates Fetch Engine ->
// Persistence -> next-job enqueue, and survives restarts by keeping
// every in-flight decision recorded in the Job audit row before it
// acts on the queue.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/rpsouza441/ticker-monitor/pkg/broker"
	"github.com/rpsouza441/ticker-monitor/pkg/metrics"
	"github.com/rpsouza441/ticker-monitor/pkg/models"
	tracing "github.com/rpsouza441/ticker-monitor/pkg/observability"
	"github.com/rpsouza441/ticker-monitor/pkg/storage"
)

// Config holds the scheduler's gating knobs.
type Config struct {
	ExecutionHour   int
	ExecutionMinute int
	Timezone        *time.Location
	MaxRetries      int
	// PollDelay is how long the consumer waits before re-announcing a
	// job that isn't due yet (default 30s).
	PollDelay time.Duration
}

// MessageBroker is the subset of *broker.Broker the scheduler needs.
// Narrowed to an interface so tests can drive Scheduler.handle without
// a live AMQP connection.
type MessageBroker interface {
	Publish(ctx context.Context, msg models.JobMessage) error
	Consume(ctx context.Context, handler func(context.Context, broker.Delivery)) error
}

// FetchEngine is the subset of *fetcher.Engine the scheduler needs.
// The interface reservation for a whole-run error (see fetcher.Engine
// doc comment) is otherwise unreachable in tests built on the real
// engine, so tests inject a fake to exercise that path.
type FetchEngine interface {
	Fetch(ctx context.Context, symbols []string) (successes []models.QuoteRecord, permanentFailures []string, err error)
}

// Scheduler orchestrates one message at a time against a single
// broker connection; jobs never run in parallel.
type Scheduler struct {
	broker  MessageBroker
	engine  FetchEngine
	quotes  storage.QuoteStore
	jobs    storage.JobStore
	predict BusinessDayPredicate
	cfg     Config
	log     *zap.Logger

	cronParser cron.Parser
}

// New builds a Scheduler. predicate may be nil, in which case
// WeekdayPredicate{} is used; a zero PollDelay becomes 30s.
func New(b MessageBroker, engine FetchEngine, quotes storage.QuoteStore, jobs storage.JobStore, predicate BusinessDayPredicate, cfg Config, log *zap.Logger) *Scheduler {
	if predicate == nil {
		predicate = WeekdayPredicate{}
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 30 * time.Second
	}
	return &Scheduler{
		broker:     b,
		engine:     engine,
		quotes:     quotes,
		jobs:       jobs,
		predict:    predicate,
		cfg:        cfg,
		log:        log,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Run consumes from the broker until ctx is cancelled. Every
// suspension point inside message handling is cancellable by ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	return s.broker.Consume(ctx, s.handle)
}

func (s *Scheduler) handle(ctx context.Context, d broker.Delivery) {
	msg := d.Message

	job, err := s.ensureJobRow(ctx, msg)
	if err != nil {
		s.log.Error("failed to load/create job audit row, dropping delivery", zap.String("job_id", msg.JobID.String()), zap.Error(err))
		_ = d.Nack(false)
		return
	}

	now := time.Now().In(s.cfg.Timezone)

	if !s.predict.IsBusinessDay(now) {
		metrics.JobGatingDecisions.WithLabelValues("non_business_day").Inc()
		s.rescheduleToNextBusinessDay(ctx, d, msg, now)
		return
	}

	executionAt := msg.ExecutionTime.In(s.cfg.Timezone)
	if now.Before(executionAt) {
		metrics.JobGatingDecisions.WithLabelValues("not_due").Inc()
		s.requeueWithDelay(ctx, d, msg)
		return
	}

	metrics.JobGatingDecisions.WithLabelValues("run").Inc()
	metrics.SchedulerLag.Observe(now.Sub(executionAt).Seconds())
	s.runJob(ctx, d, job, msg, now)
}

// ensureJobRow loads the audit row for msg, creating a PENDING one if
// this is the first delivery to ever see it (at-least-once delivery
// means a redelivered message may already have a row).
func (s *Scheduler) ensureJobRow(ctx context.Context, msg models.JobMessage) (*models.Job, error) {
	job, err := s.jobs.GetJob(ctx, msg.JobID)
	if err == nil {
		return job, nil
	}
	if err != storage.ErrNotFound {
		return nil, err
	}

	job = &models.Job{
		ID:          msg.JobID,
		SymbolRefs:  models.StringSlice(msg.TickerList),
		ScheduledAt: msg.ExecutionTime,
		RetryCount:  msg.RetryCount,
		Status:      models.JobPending,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job audit row: %w", err)
	}
	return job, nil
}

// rescheduleToNextBusinessDay republishes msg with scheduled_at
// advanced past the weekend/holiday, mirrors the new time into the
// audit row, then acks the original delivery.
func (s *Scheduler) rescheduleToNextBusinessDay(ctx context.Context, d broker.Delivery, msg models.JobMessage, now time.Time) {
	next := s.predict.NextBusinessDay(now)
	updated := msg
	updated.ExecutionTime = atExecutionTime(next, s.cfg.ExecutionHour, s.cfg.ExecutionMinute, s.cfg.Timezone)
	updated.UpdatedAt = time.Now()

	if err := s.broker.Publish(ctx, updated); err != nil {
		s.log.Error("failed to republish non-business-day job", zap.Error(err))
		_ = d.Nack(true)
		return
	}
	if err := s.jobs.UpdateScheduledAt(ctx, msg.JobID, updated.ExecutionTime); err != nil {
		// Audit-only drift; the republished message carries the
		// authoritative time.
		s.log.Warn("failed to mirror rescheduled time into job audit row", zap.String("job_id", msg.JobID.String()), zap.Error(err))
	}
	_ = d.Ack()
}

// requeueWithDelay implements the "not due yet" cooperative poll: the
// consumer sleeps PollDelay (cancellable by shutdown), republishes
// the unmodified message, and acks the current delivery.
func (s *Scheduler) requeueWithDelay(ctx context.Context, d broker.Delivery, msg models.JobMessage) {
	if err := sleepCancellable(ctx, s.cfg.PollDelay); err != nil {
		return // shutdown mid-wait: leave delivery unacked for redelivery
	}
	if err := s.broker.Publish(ctx, msg); err != nil {
		s.log.Error("failed to republish not-yet-due job", zap.Error(err))
		_ = d.Nack(true)
		return
	}
	_ = d.Ack()
}

// runJob executes the due job: Fetch Engine -> Persistence -> enqueue
// tomorrow's job -> ack, or the failure path on a catastrophic
// error.
func (s *Scheduler) runJob(ctx context.Context, d broker.Delivery, job *models.Job, msg models.JobMessage, now time.Time) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.run_job")
	defer span.End()

	if err := s.jobs.Transition(ctx, job.ID, models.JobRunning, &now); err != nil {
		s.log.Error("illegal transition to RUNNING, dropping delivery", zap.String("job_id", job.ID.String()), zap.Error(err))
		_ = d.Nack(false)
		return
	}

	successes, permanentFailures, err := s.engine.Fetch(ctx, msg.TickerList)
	if err != nil {
		s.handleFailure(ctx, d, job, msg, fmt.Errorf("fetch engine: %w", err))
		return
	}
	if len(permanentFailures) > 0 {
		s.log.Warn("symbols permanently failed this run", zap.String("job_id", job.ID.String()), zap.Strings("symbols", permanentFailures))
	}

	if ctx.Err() != nil {
		s.abortForShutdown(job)
		return
	}

	saved, failedToSave, err := s.quotes.SaveAll(ctx, successes)
	if err != nil {
		s.handleFailure(ctx, d, job, msg, fmt.Errorf("persistence: %w", err))
		return
	}
	if len(failedToSave) > 0 {
		s.log.Warn("records failed to persist", zap.String("job_id", job.ID.String()), zap.Strings("symbols", failedToSave))
	}
	s.log.Info("job run complete", zap.String("job_id", job.ID.String()), zap.Int("saved", saved), zap.Int("permanent_failures", len(permanentFailures)))

	if err := s.enqueueNextRun(ctx, msg); err != nil {
		s.handleFailure(ctx, d, job, msg, fmt.Errorf("enqueue next run: %w", err))
		return
	}

	finishedAt := time.Now()
	if err := s.jobs.Transition(ctx, job.ID, models.JobSuccess, &finishedAt); err != nil {
		s.log.Error("failed to mark job SUCCESS", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	metrics.JobsTotal.WithLabelValues("success").Inc()
	_ = d.Ack()
}

// enqueueNextRun publishes the same symbol set for the next business
// day's execution_time, with retry_count reset to 0. A per-job
// cron_override, when present, replaces the default daily gate.
func (s *Scheduler) enqueueNextRun(ctx context.Context, msg models.JobMessage) error {
	var nextExecution time.Time
	if msg.CronOverride != "" {
		schedule, err := s.cronParser.Parse(msg.CronOverride)
		if err != nil {
			return fmt.Errorf("invalid cron_override %q: %w", msg.CronOverride, err)
		}
		nextExecution = schedule.Next(time.Now().In(s.cfg.Timezone))
	} else {
		today := time.Now().In(s.cfg.Timezone)
		next := s.predict.NextBusinessDay(today)
		nextExecution = atExecutionTime(next, s.cfg.ExecutionHour, s.cfg.ExecutionMinute, s.cfg.Timezone)
	}

	nextMsg := models.JobMessage{
		JobID:         uuid.New(),
		TickerList:    msg.TickerList,
		ExecutionTime: nextExecution,
		RetryCount:    0,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
		CronOverride:  msg.CronOverride,
	}

	nextJob := &models.Job{
		ID:          nextMsg.JobID,
		SymbolRefs:  models.StringSlice(nextMsg.TickerList),
		ScheduledAt: nextMsg.ExecutionTime,
		Status:      models.JobPending,
	}
	if err := s.jobs.CreateJob(ctx, nextJob); err != nil {
		return fmt.Errorf("create next job audit row: %w", err)
	}
	return s.broker.Publish(ctx, nextMsg)
}

// handleFailure is the bounded-retry path: nack with requeue while
// under the ceiling, falling through to the dead-letter queue once it
// is hit. The ceiling is judged against the audit row's RetryCount,
// not the message's: a nack-requeued delivery carries the original
// body unchanged, so only the row advances between attempts.
func (s *Scheduler) handleFailure(ctx context.Context, d broker.Delivery, job *models.Job, msg models.JobMessage, cause error) {
	if ctx.Err() != nil {
		s.abortForShutdown(job)
		return
	}

	s.log.Error("job run failed", zap.String("job_id", job.ID.String()), zap.Error(cause))
	tracing.SetError(ctx, cause)

	nextRetry := job.RetryCount + 1
	if err := s.jobs.IncrementRetry(ctx, job.ID, time.Now()); err != nil {
		s.log.Error("failed to record retry increment", zap.Error(err))
	}

	if nextRetry < s.cfg.MaxRetries {
		_ = d.Nack(true)
		return
	}

	finishedAt := time.Now()
	if err := s.jobs.Transition(ctx, job.ID, models.JobFailed, &finishedAt); err != nil {
		s.log.Error("failed to mark job FAILED", zap.Error(err))
	}
	metrics.JobsTotal.WithLabelValues("failed").Inc()
	_ = d.Nack(false) // retry ceiling exhausted: routes to the dead-letter queue
}

// abortForShutdown resets the Job row to PENDING (not FAILED) on a
// mid-job shutdown, so a restarted consumer is free to reprocess the
// redelivered message. The in-flight delivery is deliberately left
// un-acked.
func (s *Scheduler) abortForShutdown(job *models.Job) {
	detached, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.jobs.Transition(detached, job.ID, models.JobPending, nil); err != nil {
		s.log.Error("failed to reset job to PENDING on shutdown", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

// atExecutionTime returns date at the configured hour:minute in loc.
func atExecutionTime(date time.Time, hour, minute int, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, loc)
}

func sleepCancellable(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

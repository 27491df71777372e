package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rpsouza441/ticker-monitor/pkg/broker"
	"github.com/rpsouza441/ticker-monitor/pkg/fetcher"
	"github.com/rpsouza441/ticker-monitor/pkg/models"
	"github.com/rpsouza441/ticker-monitor/pkg/quotesource"
	"github.com/rpsouza441/ticker-monitor/pkg/ratelimit"
	"github.com/rpsouza441/ticker-monitor/pkg/resilience"
	"github.com/rpsouza441/ticker-monitor/pkg/storage"
)

var errCatastrophic = errors.New("quote source misconfigured")

// fakeBroker records publishes and lets tests fabricate deliveries
// directly via handle(), so no live AMQP connection is needed.
type fakeBroker struct {
	mu        sync.Mutex
	published []models.JobMessage
}

func (f *fakeBroker) Publish(_ context.Context, msg models.JobMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeBroker) Consume(ctx context.Context, handler func(context.Context, broker.Delivery)) error {
	<-ctx.Done()
	return nil
}

func (f *fakeBroker) lastPublished() (models.JobMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return models.JobMessage{}, false
	}
	return f.published[len(f.published)-1], true
}

// fakeJobStore is an in-memory storage.JobStore.
type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[uuid.UUID]*models.Job{}}
}

func (f *fakeJobStore) CreateJob(_ context.Context, job *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobStore) Transition(_ context.Context, id uuid.UUID, next models.JobStatus, lastAttemptedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !job.Status.CanTransitionTo(next) {
		return storage.ErrConflict
	}
	job.Status = next
	if lastAttemptedAt != nil {
		job.LastAttemptedAt = lastAttemptedAt
	}
	return nil
}

func (f *fakeJobStore) IncrementRetry(_ context.Context, id uuid.UUID, lastAttemptedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	job.RetryCount++
	job.LastAttemptedAt = &lastAttemptedAt
	return nil
}

func (f *fakeJobStore) UpdateScheduledAt(_ context.Context, id uuid.UUID, scheduledAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	job.ScheduledAt = scheduledAt
	return nil
}

func (f *fakeJobStore) HasLiveJob(_ context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if job.Status == models.JobPending || job.Status == models.JobRunning {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeJobStore) ResetStuckRunning(_ context.Context) (int64, error) { return 0, nil }

// fakeQuoteStore is an in-memory storage.QuoteStore.
type fakeQuoteStore struct {
	mu    sync.Mutex
	saved []models.QuoteRecord
}

func (f *fakeQuoteStore) SaveAll(_ context.Context, records []models.QuoteRecord) (int, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, records...)
	return len(records), nil, nil
}

// fakeSource is a quotesource.Source test double.
type fakeSource struct {
	fn func(symbols []string) ([]quotesource.SymbolOutcome, error)
}

func (s *fakeSource) FetchBatch(_ context.Context, symbols []string) ([]quotesource.SymbolOutcome, error) {
	return s.fn(symbols)
}

func successSource() *fakeSource {
	return &fakeSource{fn: func(symbols []string) ([]quotesource.SymbolOutcome, error) {
		var out []quotesource.SymbolOutcome
		for _, s := range symbols {
			out = append(out, quotesource.SymbolOutcome{Symbol: s, Quote: &models.QuoteRecord{Symbol: s, Price: "1.0000"}})
		}
		return out, nil
	}}
}

type fakeRateLimitStore struct{}

func (f *fakeRateLimitStore) Open(_ context.Context, _ *uint, _ int) (uint, error) { return 1, nil }
func (f *fakeRateLimitStore) Close(_ context.Context, _ uint) error                { return nil }
func (f *fakeRateLimitStore) Active(_ context.Context, _ *uint) ([]models.RateLimitEvent, error) {
	return nil, nil
}
func (f *fakeRateLimitStore) Stats(_ context.Context, _ uint, _ string) (models.RateLimitStats, error) {
	return models.RateLimitStats{}, nil
}

// fakeEngine drives the scheduler's catastrophic-failure path, which
// the real fetcher.Engine never takes (per-symbol failures there are
// reported, not surfaced as a whole-run error).
type fakeEngine struct {
	err error
}

func (f *fakeEngine) Fetch(_ context.Context, _ []string) ([]models.QuoteRecord, []string, error) {
	return nil, nil, f.err
}

func newEngine(source quotesource.Source) *fetcher.Engine {
	breaker := resilience.NewCircuitBreaker("test", resilience.DefaultCircuitBreakerConfig())
	tracker := ratelimit.New(&fakeRateLimitStore{}, nil, zap.NewNop())
	cfg := fetcher.Config{
		BatchSize:         10,
		InterBatchDelay:   time.Millisecond,
		BackoffBase:       1.0,
		BackoffMaxSeconds: time.Millisecond,
		MaxRetries:        2,
	}
	return fetcher.New(source, breaker, tracker, nil, nil, cfg, zap.NewNop())
}

func testConfig() Config {
	return Config{
		ExecutionHour:   9,
		ExecutionMinute: 0,
		Timezone:        time.UTC,
		MaxRetries:      3,
		PollDelay:       time.Millisecond,
	}
}

// alwaysBusinessDay is a BusinessDayPredicate stub that keeps the
// business-day gate open regardless of the real wall-clock date, so
// the tests below exercise the due/not-due paths on any day.
type alwaysBusinessDay struct{}

func (alwaysBusinessDay) IsBusinessDay(time.Time) bool { return true }
func (alwaysBusinessDay) NextBusinessDay(after time.Time) time.Time {
	return after.AddDate(0, 0, 1)
}

func TestHandle_NotYetDue_RequeuesAndAcks(t *testing.T) {
	b := &fakeBroker{}
	jobs := newFakeJobStore()
	quotes := &fakeQuoteStore{}
	sched := New(b, newEngine(successSource()), quotes, jobs, alwaysBusinessDay{}, testConfig(), zap.NewNop())

	future := time.Now().Add(time.Hour)
	msg := models.JobMessage{JobID: uuid.New(), TickerList: []string{"AAA"}, ExecutionTime: future}

	acked := false
	require.NoError(t, jobs.CreateJob(context.Background(), &models.Job{ID: msg.JobID, ScheduledAt: future, Status: models.JobPending}))
	sched.handle(context.Background(), broker.Delivery{
		Message: msg,
		Ack:     func() error { acked = true; return nil },
		Nack:    func(bool) error { return nil },
	})

	assert.True(t, acked)
	published, ok := b.lastPublished()
	require.True(t, ok)
	assert.Equal(t, msg.JobID, published.JobID)
	assert.Empty(t, quotes.saved)
}

func TestHandle_DueJob_RunsFetchAndPersistsAndEnqueuesNext(t *testing.T) {
	b := &fakeBroker{}
	jobs := newFakeJobStore()
	quotes := &fakeQuoteStore{}
	sched := New(b, newEngine(successSource()), quotes, jobs, alwaysBusinessDay{}, testConfig(), zap.NewNop())

	past := time.Now().Add(-time.Minute)
	msg := models.JobMessage{JobID: uuid.New(), TickerList: []string{"AAA", "BBB"}, ExecutionTime: past}
	require.NoError(t, jobs.CreateJob(context.Background(), &models.Job{ID: msg.JobID, ScheduledAt: past, Status: models.JobPending}))

	acked := false
	sched.handle(context.Background(), broker.Delivery{
		Message: msg,
		Ack:     func() error { acked = true; return nil },
		Nack:    func(bool) error { t.Fatal("unexpected nack"); return nil },
	})

	assert.True(t, acked)
	assert.Len(t, quotes.saved, 2)

	job, err := jobs.GetJob(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSuccess, job.Status)

	next, ok := b.lastPublished()
	require.True(t, ok)
	assert.NotEqual(t, msg.JobID, next.JobID)
	assert.Equal(t, 0, next.RetryCount)
	assert.Equal(t, msg.TickerList, next.TickerList)
}

func TestHandle_FetchFailure_RequeuesUnderRetryCeiling(t *testing.T) {
	b := &fakeBroker{}
	jobs := newFakeJobStore()
	quotes := &fakeQuoteStore{}
	cfg := testConfig()
	cfg.MaxRetries = 5
	sched := New(b, &fakeEngine{err: errCatastrophic}, quotes, jobs, alwaysBusinessDay{}, cfg, zap.NewNop())

	past := time.Now().Add(-time.Minute)
	msg := models.JobMessage{JobID: uuid.New(), TickerList: []string{"AAA"}, ExecutionTime: past, RetryCount: 0}
	require.NoError(t, jobs.CreateJob(context.Background(), &models.Job{ID: msg.JobID, ScheduledAt: past, Status: models.JobPending}))

	var nackedRequeue bool
	var nackCalled bool
	sched.handle(context.Background(), broker.Delivery{
		Message: msg,
		Ack:     func() error { t.Fatal("unexpected ack"); return nil },
		Nack:    func(requeue bool) error { nackCalled = true; nackedRequeue = requeue; return nil },
	})

	assert.True(t, nackCalled)
	assert.True(t, nackedRequeue)
	job, err := jobs.GetJob(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, models.JobRunning, job.Status) // not yet terminal
}

func TestHandle_FetchFailure_ExhaustsRetriesToDLQ(t *testing.T) {
	b := &fakeBroker{}
	jobs := newFakeJobStore()
	quotes := &fakeQuoteStore{}
	cfg := testConfig()
	cfg.MaxRetries = 1
	sched := New(b, &fakeEngine{err: errCatastrophic}, quotes, jobs, alwaysBusinessDay{}, cfg, zap.NewNop())

	past := time.Now().Add(-time.Minute)
	msg := models.JobMessage{JobID: uuid.New(), TickerList: []string{"AAA"}, ExecutionTime: past, RetryCount: 0}
	require.NoError(t, jobs.CreateJob(context.Background(), &models.Job{ID: msg.JobID, ScheduledAt: past, Status: models.JobPending}))

	var nackedRequeue bool
	sched.handle(context.Background(), broker.Delivery{
		Message: msg,
		Ack:     func() error { t.Fatal("unexpected ack"); return nil },
		Nack:    func(requeue bool) error { nackedRequeue = requeue; return nil },
	})

	assert.False(t, nackedRequeue)
	job, err := jobs.GetJob(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
}

// alwaysWeekend is a BusinessDayPredicate stub that forces the
// non-business-day branch regardless of the real wall-clock date.
type alwaysWeekend struct {
	next time.Time
}

func (alwaysWeekend) IsBusinessDay(time.Time) bool { return false }
func (p alwaysWeekend) NextBusinessDay(time.Time) time.Time { return p.next }

func TestHandle_NonBusinessDay_AdvancesAndAcksWithoutRunning(t *testing.T) {
	b := &fakeBroker{}
	jobs := newFakeJobStore()
	quotes := &fakeQuoteStore{}
	nextMonday := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	predicate := alwaysWeekend{next: nextMonday}
	sched := New(b, newEngine(successSource()), quotes, jobs, predicate, testConfig(), zap.NewNop())

	now := time.Now()
	msg := models.JobMessage{JobID: uuid.New(), TickerList: []string{"AAA"}, ExecutionTime: now}
	require.NoError(t, jobs.CreateJob(context.Background(), &models.Job{ID: msg.JobID, ScheduledAt: now, Status: models.JobPending}))

	acked := false
	sched.handle(context.Background(), broker.Delivery{
		Message: msg,
		Ack:     func() error { acked = true; return nil },
		Nack:    func(bool) error { t.Fatal("unexpected nack"); return nil },
	})

	assert.True(t, acked)
	assert.Empty(t, quotes.saved) // never ran the job itself

	published, ok := b.lastPublished()
	require.True(t, ok)
	assert.Equal(t, msg.JobID, published.JobID) // same job, rescheduled
	assert.Equal(t, 9, published.ExecutionTime.Hour())
	assert.Equal(t, nextMonday.Year(), published.ExecutionTime.Year())
	assert.Equal(t, nextMonday.YearDay(), published.ExecutionTime.YearDay())

	job, err := jobs.GetJob(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status) // RUNNING never entered
	// The audit row tracks the republished time, not the original.
	assert.Equal(t, published.ExecutionTime, job.ScheduledAt)
}

package fetcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rpsouza441/ticker-monitor/pkg/fetcher"
	"github.com/rpsouza441/ticker-monitor/pkg/models"
	"github.com/rpsouza441/ticker-monitor/pkg/quotesource"
	"github.com/rpsouza441/ticker-monitor/pkg/ratelimit"
	"github.com/rpsouza441/ticker-monitor/pkg/resilience"
)

type scriptedSource struct {
	calls     int
	responses []func(symbols []string) ([]quotesource.SymbolOutcome, error)
}

func (s *scriptedSource) FetchBatch(ctx context.Context, symbols []string) ([]quotesource.SymbolOutcome, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx](symbols)
}

func successOutcomes(symbols []string) ([]quotesource.SymbolOutcome, error) {
	out := make([]quotesource.SymbolOutcome, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, quotesource.SymbolOutcome{
			Symbol: s,
			Quote:  &models.QuoteRecord{Symbol: s, Price: "10.0000", ObservedAt: time.Now()},
		})
	}
	return out, nil
}

func noopTracker() *ratelimit.Tracker {
	return ratelimit.New(&fakeRateLimitStore{}, nil, zap.NewNop())
}

type fakeRateLimitStore struct{}

func (f *fakeRateLimitStore) Open(ctx context.Context, symbolRef *uint, retryCount int) (uint, error) {
	return 1, nil
}
func (f *fakeRateLimitStore) Close(ctx context.Context, eventID uint) error { return nil }
func (f *fakeRateLimitStore) Active(ctx context.Context, symbolRef *uint) ([]models.RateLimitEvent, error) {
	return nil, nil
}
func (f *fakeRateLimitStore) Stats(ctx context.Context, symbolRef uint, symbol string) (models.RateLimitStats, error) {
	return models.RateLimitStats{}, nil
}

// recordingRateLimitStore records every Open/Close call so tests can
// assert on how many events a throttled batch opens and resolves.
type recordingRateLimitStore struct {
	nextID uint
	opens  []int // retryCount passed to each Open call, in order
	closed []uint
}

func (r *recordingRateLimitStore) Open(ctx context.Context, symbolRef *uint, retryCount int) (uint, error) {
	r.nextID++
	r.opens = append(r.opens, retryCount)
	return r.nextID, nil
}
func (r *recordingRateLimitStore) Close(ctx context.Context, eventID uint) error {
	r.closed = append(r.closed, eventID)
	return nil
}
func (r *recordingRateLimitStore) Active(ctx context.Context, symbolRef *uint) ([]models.RateLimitEvent, error) {
	return nil, nil
}
func (r *recordingRateLimitStore) Stats(ctx context.Context, symbolRef uint, symbol string) (models.RateLimitStats, error) {
	return models.RateLimitStats{}, nil
}

func fastConfig() fetcher.Config {
	return fetcher.Config{
		BatchSize:         2,
		InterBatchDelay:   time.Millisecond,
		BackoffBase:       1.0, // constant ~1s waits would be slow; use sub-second via max cap
		BackoffMaxSeconds: time.Millisecond,
		MaxRetries:        3,
	}
}

func TestFetch_AllSuccessAcrossBatches(t *testing.T) {
	source := &scriptedSource{responses: []func([]string) ([]quotesource.SymbolOutcome, error){successOutcomes}}
	breaker := resilience.NewCircuitBreaker("test", resilience.DefaultCircuitBreakerConfig())
	engine := fetcher.New(source, breaker, noopTracker(), nil, nil, fastConfig(), zap.NewNop())

	successes, failures, err := engine.Fetch(context.Background(), []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Len(t, successes, 3)
}

func TestFetch_PermanentFailureIsolatedPerSymbol(t *testing.T) {
	source := &scriptedSource{responses: []func([]string) ([]quotesource.SymbolOutcome, error){
		func(symbols []string) ([]quotesource.SymbolOutcome, error) {
			var out []quotesource.SymbolOutcome
			for _, s := range symbols {
				if s == "BAD" {
					out = append(out, quotesource.SymbolOutcome{Symbol: s, Err: quotesource.ErrPermanent})
					continue
				}
				out = append(out, quotesource.SymbolOutcome{Symbol: s, Quote: &models.QuoteRecord{Symbol: s, Price: "1.0000"}})
			}
			return out, nil
		},
	}}
	breaker := resilience.NewCircuitBreaker("test", resilience.DefaultCircuitBreakerConfig())
	engine := fetcher.New(source, breaker, noopTracker(), nil, nil, fastConfig(), zap.NewNop())

	successes, failures, err := engine.Fetch(context.Background(), []string{"GOOD", "BAD"})
	require.NoError(t, err)
	assert.Len(t, successes, 1)
	assert.Equal(t, []string{"BAD"}, failures)
}

func TestFetch_TransientThenSuccessRetries(t *testing.T) {
	source := &scriptedSource{responses: []func([]string) ([]quotesource.SymbolOutcome, error){
		func(symbols []string) ([]quotesource.SymbolOutcome, error) {
			return nil, quotesource.ErrTransient
		},
		successOutcomes,
	}}
	breaker := resilience.NewCircuitBreaker("test", resilience.DefaultCircuitBreakerConfig())
	cfg := fastConfig()
	cfg.MaxRetries = 5
	engine := fetcher.New(source, breaker, noopTracker(), nil, nil, cfg, zap.NewNop())

	successes, failures, err := engine.Fetch(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Len(t, successes, 1)
	assert.Equal(t, 2, source.calls)
}

// TestFetch_ThrottleThenRecoveryOpensAndClosesPerAttempt: two
// throttle signals before an eventual success must open two
// RateLimitEvent rows per symbol (one per attempt) and close both
// once the batch succeeds.
func TestFetch_ThrottleThenRecoveryOpensAndClosesPerAttempt(t *testing.T) {
	source := &scriptedSource{responses: []func([]string) ([]quotesource.SymbolOutcome, error){
		func(symbols []string) ([]quotesource.SymbolOutcome, error) { return nil, quotesource.ErrThrottled },
		func(symbols []string) ([]quotesource.SymbolOutcome, error) { return nil, quotesource.ErrThrottled },
		successOutcomes,
	}}
	breaker := resilience.NewCircuitBreaker("test", resilience.DefaultCircuitBreakerConfig())
	store := &recordingRateLimitStore{}
	tracker := ratelimit.New(store, nil, zap.NewNop())
	cfg := fastConfig()
	cfg.MaxRetries = 5
	engine := fetcher.New(source, breaker, tracker, nil, nil, cfg, zap.NewNop())

	successes, failures, err := engine.Fetch(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Len(t, successes, 1)
	assert.Equal(t, 3, source.calls)

	// One event opened per throttled attempt, attempts 1 and 2.
	require.Len(t, store.opens, 2)
	assert.Equal(t, []int{1, 2}, store.opens)
	// Both opened events are closed once the batch succeeds on attempt 3.
	require.Len(t, store.closed, 2)
	assert.ElementsMatch(t, []uint{1, 2}, store.closed)
}

func TestFetch_ExhaustionMarksBatchPermanentFailure(t *testing.T) {
	source := &scriptedSource{responses: []func([]string) ([]quotesource.SymbolOutcome, error){
		func(symbols []string) ([]quotesource.SymbolOutcome, error) {
			return nil, quotesource.ErrTransient
		},
	}}
	breaker := resilience.NewCircuitBreaker("test", resilience.DefaultCircuitBreakerConfig())
	cfg := fastConfig()
	cfg.MaxRetries = 2
	engine := fetcher.New(source, breaker, noopTracker(), nil, nil, cfg, zap.NewNop())

	successes, failures, err := engine.Fetch(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Empty(t, successes)
	assert.ElementsMatch(t, []string{"A", "B"}, failures)
}

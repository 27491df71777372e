// Package fetcher implements the Fetch Engine: batched
// calls to the Quote Source with exponential-backoff retry and
// per-symbol rate-limit tracking. Every call goes through a circuit
// breaker; while it is open, calls are rejected without reaching the
// provider, and the engine counts each rejection as a transient
// failure, backing off within the same per-batch retry ceiling.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rpsouza441/ticker-monitor/pkg/metrics"
	"github.com/rpsouza441/ticker-monitor/pkg/models"
	tracing "github.com/rpsouza441/ticker-monitor/pkg/observability"
	"github.com/rpsouza441/ticker-monitor/pkg/quotesource"
	"github.com/rpsouza441/ticker-monitor/pkg/ratelimit"
	"github.com/rpsouza441/ticker-monitor/pkg/resilience"
	"github.com/rpsouza441/ticker-monitor/pkg/storage/archive"
)

// Config holds the Fetch Engine's pacing and retry knobs (defaults:
// batch_size=10, inter_batch_delay=300ms, backoff_base=2,
// backoff_max=3600s, max_retries=10).
type Config struct {
	BatchSize         int
	InterBatchDelay   time.Duration
	BackoffBase       float64
	BackoffMaxSeconds time.Duration
	MaxRetries        int
}

// SymbolResolver maps a symbol string to the surrogate id the Rate-
// Limit Tracker keys events by. Nil ref means "batch-wide event" for
// providers that throttle from IP/key rather than per-symbol.
type SymbolResolver interface {
	ResolveRef(ctx context.Context, symbol string) (*uint, error)
}

// Engine runs the batched fetch loop against a Source.
type Engine struct {
	source  quotesource.Source
	breaker *resilience.CircuitBreaker
	tracker *ratelimit.Tracker
	archive archive.Store // nil disables archival
	symbols SymbolResolver
	cfg     Config
	log     *zap.Logger
}

// New builds an Engine. archiveStore and symbolResolver may be nil;
// archival becomes a no-op and rate-limit events become batch-wide
// (SymbolRef nil) respectively.
func New(source quotesource.Source, breaker *resilience.CircuitBreaker, tracker *ratelimit.Tracker, archiveStore archive.Store, resolver SymbolResolver, cfg Config, log *zap.Logger) *Engine {
	return &Engine{
		source:  source,
		breaker: breaker,
		tracker: tracker,
		archive: archiveStore,
		symbols: resolver,
		cfg:     cfg,
		log:     log,
	}
}

// Fetch batches symbols and runs the per-batch retry loop. It never
// returns an error for per-symbol failures, only for conditions that
// make the whole run unsalvageable (none currently defined; reserved
// for future catastrophic Quote Source misconfiguration).
func (e *Engine) Fetch(ctx context.Context, symbols []string) (successes []models.QuoteRecord, permanentFailures []string, err error) {
	batches := chunk(symbols, e.cfg.BatchSize)

	for i, batch := range batches {
		batchSuccesses, batchFailures := e.fetchBatch(ctx, batch)
		successes = append(successes, batchSuccesses...)
		permanentFailures = append(permanentFailures, batchFailures...)

		if i < len(batches)-1 {
			if err := sleepCancellable(ctx, e.cfg.InterBatchDelay); err != nil {
				return successes, permanentFailures, nil
			}
		}
	}
	return successes, permanentFailures, nil
}

// fetchBatch runs one batch through the retry loop until it succeeds,
// permanently fails every symbol (exhaustion), or ctx is cancelled.
func (e *Engine) fetchBatch(ctx context.Context, batch []string) (successes []models.QuoteRecord, permanentFailures []string) {
	ctx, span := tracing.StartSpan(ctx, "fetcher.fetch_batch")
	defer span.End()

	// symbol -> ids of rate-limit events opened so far for this batch,
	// still unresolved. A new throttle signal opens another event
	// rather than reusing the last one: two throttle signals before
	// success yield two event rows, both resolved together once the
	// batch finally succeeds.
	activeEvents := map[string][]uint{}
	start := time.Now()
	defer func() { metrics.FetchBatchDuration.Observe(time.Since(start).Seconds()) }()

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		var outcomes []quotesource.SymbolOutcome
		callErr := e.breaker.Execute(ctx, func() error {
			var fetchErr error
			outcomes, fetchErr = e.source.FetchBatch(ctx, batch)
			return fetchErr
		})

		switch {
		case callErr == nil:
			e.closeActiveEvents(ctx, batch, activeEvents)
			succ, perm := e.classify(outcomes)
			e.archiveBatch(ctx, batch, outcomes)
			metrics.BatchesTotal.WithLabelValues("success").Inc()
			return succ, perm

		case errors.Is(callErr, quotesource.ErrThrottled):
			metrics.BatchRetries.WithLabelValues("throttled").Inc()
			e.openActiveEvents(ctx, batch, attempt, activeEvents)
			if !e.waitBackoff(ctx, attempt) {
				metrics.BatchesTotal.WithLabelValues("exhausted").Inc()
				return nil, batch
			}
			continue

		case errors.Is(callErr, quotesource.ErrTransient), errors.Is(callErr, resilience.ErrCircuitOpen):
			reason := "transient"
			if errors.Is(callErr, resilience.ErrCircuitOpen) {
				reason = "circuit_open"
			}
			metrics.BatchRetries.WithLabelValues(reason).Inc()
			e.log.Warn("quote source call failed, retrying", zap.Int("attempt", attempt), zap.Error(callErr))
			if !e.waitBackoff(ctx, attempt) {
				metrics.BatchesTotal.WithLabelValues("exhausted").Inc()
				return nil, batch
			}
			continue

		default:
			// Unrecognized error: treat conservatively as transient.
			metrics.BatchRetries.WithLabelValues("transient").Inc()
			e.log.Warn("quote source call failed with unclassified error", zap.Error(callErr))
			if !e.waitBackoff(ctx, attempt) {
				metrics.BatchesTotal.WithLabelValues("exhausted").Inc()
				return nil, batch
			}
			continue
		}
	}

	// Retry ceiling exhausted: every symbol in the batch is a
	// permanent failure for this run. Any rate-limit events opened
	// along the way stay ACTIVE: they describe a throttle that was
	// never actually resolved, and there is no background sweeper.
	tracing.AddEvent(ctx, "fetch_batch.retries_exhausted")
	metrics.BatchesTotal.WithLabelValues("exhausted").Inc()
	return nil, batch
}

// classify splits a successful call's per-symbol outcomes into
// successes and permanent failures.
func (e *Engine) classify(outcomes []quotesource.SymbolOutcome) (successes []models.QuoteRecord, permanentFailures []string) {
	for _, o := range outcomes {
		if o.Err != nil {
			permanentFailures = append(permanentFailures, o.Symbol)
			metrics.SymbolsFetched.WithLabelValues("permanent_failure").Inc()
			continue
		}
		if o.Quote != nil {
			successes = append(successes, *o.Quote)
			metrics.SymbolsFetched.WithLabelValues("success").Inc()
		}
	}
	return successes, permanentFailures
}

// waitBackoff sleeps min(backoff_max, backoff_base^attempt) seconds,
// cancellable by ctx. Returns false if the wait was cut short by
// cancellation or the retry ceiling is reached.
func (e *Engine) waitBackoff(ctx context.Context, attempt int) bool {
	if attempt >= e.cfg.MaxRetries {
		return false
	}
	delay := backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffMaxSeconds, attempt)
	return sleepCancellable(ctx, delay) == nil
}

// backoffDelay implements min(backoff_max, backoff_base^attempt).
func backoffDelay(base float64, max time.Duration, attempt int) time.Duration {
	seconds := math.Pow(base, float64(attempt))
	delay := time.Duration(seconds * float64(time.Second))
	if delay > max {
		return max
	}
	return delay
}

// openActiveEvents opens one new RateLimitEvent per symbol for this
// throttle signal, on top of any still-unresolved events from earlier
// attempts in the same batch.
func (e *Engine) openActiveEvents(ctx context.Context, batch []string, attempt int, active map[string][]uint) {
	for _, symbol := range batch {
		ref := e.resolveRef(ctx, symbol)
		eventID, err := e.tracker.Open(ctx, ref, attempt)
		if err != nil {
			e.log.Warn("failed to open rate-limit event", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		active[symbol] = append(active[symbol], eventID)
	}
}

// closeActiveEvents resolves every event opened across all throttled
// attempts of this batch, once it finally succeeds.
func (e *Engine) closeActiveEvents(ctx context.Context, batch []string, active map[string][]uint) {
	for _, symbol := range batch {
		ids, ok := active[symbol]
		if !ok {
			continue
		}
		ref := e.resolveRef(ctx, symbol)
		for _, eventID := range ids {
			if err := e.tracker.Close(ctx, eventID, ref); err != nil {
				e.log.Warn("failed to close rate-limit event", zap.String("symbol", symbol), zap.Uint("event_id", eventID), zap.Error(err))
			}
		}
		delete(active, symbol)
	}
}

func (e *Engine) resolveRef(ctx context.Context, symbol string) *uint {
	if e.symbols == nil {
		return nil
	}
	ref, err := e.symbols.ResolveRef(ctx, symbol)
	if err != nil {
		return nil
	}
	return ref
}

// archiveBatch is best-effort: a failure to archive never fails the
// batch it describes.
func (e *Engine) archiveBatch(ctx context.Context, batch []string, outcomes []quotesource.SymbolOutcome) {
	if e.archive == nil {
		return
	}
	payload, err := json.Marshal(outcomes)
	if err != nil {
		e.log.Warn("failed to marshal batch for archival", zap.Error(err))
		return
	}
	batchID := time.Now().UTC().Format("20060102T150405.000000000")
	if _, err := e.archive.Store(ctx, batchID, payload); err != nil {
		e.log.Warn("failed to archive successful batch", zap.Strings("symbols", batch), zap.Error(err))
	}
}

func chunk(symbols []string, size int) [][]string {
	if size <= 0 {
		size = 10
	}
	var batches [][]string
	for i := 0; i < len(symbols); i += size {
		end := i + size
		if end > len(symbols) {
			end = len(symbols)
		}
		batches = append(batches, symbols[i:end])
	}
	return batches
}

// sleepCancellable sleeps for d or returns ctx.Err() if ctx is
// cancelled first.
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

// Package ratelimit implements the Rate-Limit Tracker:
// recording throttling episodes against the Persistence Layer and
// mirroring the ACTIVE set into a cache for low-latency lookups.
package ratelimit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rpsouza441/ticker-monitor/pkg/metrics"
	"github.com/rpsouza441/ticker-monitor/pkg/models"
	"github.com/rpsouza441/ticker-monitor/pkg/storage"
)

// Cache is the subset of rediscache.Cache the tracker depends on.
// Kept as an interface so tests can substitute a fake without
// spinning up miniredis.
type Cache interface {
	SetActive(ctx context.Context, symbolRef uint, event models.RateLimitEvent) error
	ClearActive(ctx context.Context, symbolRef uint) error
}

// Tracker implements storage-backed rate-limit bookkeeping, with an
// optional write-through cache for the ACTIVE set.
type Tracker struct {
	store storage.RateLimitStore
	cache Cache // nil disables caching
	log   *zap.Logger
}

// New builds a Tracker. cache may be nil.
func New(store storage.RateLimitStore, cache Cache, log *zap.Logger) *Tracker {
	return &Tracker{store: store, cache: cache, log: log}
}

// Open records a new ACTIVE throttling episode. The Fetch Engine opens
// one event per throttle signal it observes, so a symbol may briefly
// carry more than one ACTIVE event across the retries of a single
// batch; it is the caller's responsibility to eventually close every
// event it opened.
func (t *Tracker) Open(ctx context.Context, symbolRef *uint, retryCount int) (uint, error) {
	eventID, err := t.store.Open(ctx, symbolRef, retryCount)
	if err != nil {
		return 0, fmt.Errorf("open rate-limit event: %w", err)
	}
	metrics.RateLimitEventsOpened.Inc()
	metrics.RateLimitEventsActive.Inc()

	if t.cache != nil && symbolRef != nil {
		event := models.RateLimitEvent{ID: eventID, SymbolRef: symbolRef, RetryCount: retryCount, Status: models.RateLimitActive}
		if err := t.cache.SetActive(ctx, *symbolRef, event); err != nil {
			t.log.Warn("rate-limit cache write-through failed", zap.Error(err), zap.Uint("event_id", eventID))
		}
	}
	return eventID, nil
}

// Close resolves an ACTIVE event. Idempotent: closing an already
// resolved event is a no-op.
func (t *Tracker) Close(ctx context.Context, eventID uint, symbolRef *uint) error {
	if err := t.store.Close(ctx, eventID); err != nil {
		return fmt.Errorf("close rate-limit event: %w", err)
	}
	metrics.RateLimitEventsActive.Dec()
	if t.cache != nil && symbolRef != nil {
		if err := t.cache.ClearActive(ctx, *symbolRef); err != nil {
			t.log.Warn("rate-limit cache clear failed", zap.Error(err), zap.Uint("event_id", eventID))
		}
	}
	return nil
}

// Active returns ACTIVE events, optionally filtered by symbol.
func (t *Tracker) Active(ctx context.Context, symbolRef *uint) ([]models.RateLimitEvent, error) {
	events, err := t.store.Active(ctx, symbolRef)
	if err != nil {
		return nil, fmt.Errorf("list active rate-limit events: %w", err)
	}
	return events, nil
}

// Stats computes the per-symbol aggregate view: total blocks,
// resolved vs active counts, duration aggregates, peak retry count.
func (t *Tracker) Stats(ctx context.Context, symbolRef uint, symbol string) (models.RateLimitStats, error) {
	stats, err := t.store.Stats(ctx, symbolRef, symbol)
	if err != nil {
		return models.RateLimitStats{}, fmt.Errorf("rate-limit stats for %s: %w", symbol, err)
	}
	return stats, nil
}

// Package quotesource defines the external contract the core
// collection pipeline consumes and an HTTP adapter for it. The
// core never inspects provider-specific HTTP details; the
// adapter maps everything into four outcomes: per-symbol success,
// per-symbol permanent failure, or a whole-call ThrottleSignal /
// TransientError.
package quotesource

import (
	"context"
	"errors"

	"github.com/rpsouza441/ticker-monitor/pkg/models"
)

var (
	// ErrTransient signals a whole-batch-call failure worth retrying
	// (network error, timeout, 5xx).
	ErrTransient = errors.New("quote source: transient failure")
	// ErrThrottled signals a whole-batch-call rate-limit response.
	// The Fetch Engine opens a Rate-Limit Tracker event before it
	// waits out the backoff for this outcome.
	ErrThrottled = errors.New("quote source: throttled")
	// ErrPermanent marks a single symbol as definitively unresolvable
	// within an otherwise successful batch call (symbol not found,
	// malformed response for that symbol).
	ErrPermanent = errors.New("quote source: permanent failure")
)

// SymbolOutcome is one symbol's result from a successful batch call.
// Exactly one of Quote or Err is set; Err, when set, wraps
// ErrPermanent.
type SymbolOutcome struct {
	Symbol string
	Quote  *models.QuoteRecord
	Err    error
}

// Source is the capability the Fetch Engine depends on. A call either
// returns per-symbol outcomes (err == nil, even if some symbols carry
// ErrPermanent) or fails wholesale with an error wrapping ErrTransient
// or ErrThrottled.
type Source interface {
	FetchBatch(ctx context.Context, symbols []string) ([]SymbolOutcome, error)
}

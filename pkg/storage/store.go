package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rpsouza441/ticker-monitor/pkg/models"
)

// QuoteStore is the transactional persistence layer: one commit per
// quote record, upserting master rows and appending time-series rows
// under ACID.
type QuoteStore interface {
	// SaveAll commits one quote record per transaction. A commit
	// failure rolls back only that record; saved reports how many
	// committed and failed lists the symbols whose commit rolled
	// back.
	SaveAll(ctx context.Context, records []models.QuoteRecord) (saved int, failed []string, err error)
}

// JobStore is the data access layer backing the scheduler's audit
// trail of queue messages.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// Transition moves a job to next, rejecting illegal transitions
	// with ErrConflict. lastAttemptedAt, when non-nil, is recorded.
	Transition(ctx context.Context, id uuid.UUID, next models.JobStatus, lastAttemptedAt *time.Time) error

	// IncrementRetry bumps RetryCount and records lastAttemptedAt.
	IncrementRetry(ctx context.Context, id uuid.UUID, lastAttemptedAt time.Time) error

	// UpdateScheduledAt records a reschedule (weekend/holiday
	// advance), keeping the audit row in step with the republished
	// message's execution time.
	UpdateScheduledAt(ctx context.Context, id uuid.UUID, scheduledAt time.Time) error

	// HasLiveJob reports whether any job row is still non-terminal
	// (PENDING or RUNNING). Used at startup to decide whether the
	// daily cycle needs seeding: a live row means a message is
	// already in flight and seeding again would fork the cycle.
	HasLiveJob(ctx context.Context) (bool, error)

	// ResetStuckRunning resets every job still RUNNING back to PENDING.
	// Called once at startup: a process that died mid-job leaves no
	// in-memory trace, only this row.
	ResetStuckRunning(ctx context.Context) (int64, error)
}

// RateLimitStore is the persistence side of the Rate-Limit Tracker.
type RateLimitStore interface {
	Open(ctx context.Context, symbolRef *uint, retryCount int) (eventID uint, err error)
	Close(ctx context.Context, eventID uint) error
	Active(ctx context.Context, symbolRef *uint) ([]models.RateLimitEvent, error)
	Stats(ctx context.Context, symbolRef uint, symbol string) (models.RateLimitStats, error)
}

// SymbolStore resolves symbol strings to surrogate ids, upserting new
// symbols on first sight.
type SymbolStore interface {
	UpsertSymbol(ctx context.Context, symbol string, assetType models.AssetType, currency string) (uint, error)
}

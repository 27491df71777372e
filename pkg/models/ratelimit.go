package models

import "time"

// RateLimitStatus tracks whether a throttling episode is still in
// effect.
type RateLimitStatus string

const (
	RateLimitActive   RateLimitStatus = "ACTIVE"
	RateLimitResolved RateLimitStatus = "RESOLVED"
)

// RateLimitEvent records one throttling episode for a symbol (or,
// when SymbolRef is nil, for an entire batch). Created ACTIVE when a
// throttle signal is observed, transitions to RESOLVED once the
// retried call succeeds.
type RateLimitEvent struct {
	ID              uint             `gorm:"primaryKey"`
	SymbolRef       *uint            `gorm:"index"`
	BlockedAt       time.Time        `gorm:"not null"`
	DurationSeconds *int64
	RetryCount      int             `gorm:"not null"`
	ResolvedAt      *time.Time
	Status          RateLimitStatus `gorm:"type:varchar(16);not null;default:'ACTIVE'"`
}

// RateLimitStats is the aggregate view returned by Tracker.Stats.
type RateLimitStats struct {
	Symbol          string
	TotalBlocks     int64
	ActiveCount     int64
	ResolvedCount   int64
	AverageDuration float64 // seconds
	MaxDuration     int64   // seconds
	MostRecentBlock *time.Time
	PeakRetryCount  int
}

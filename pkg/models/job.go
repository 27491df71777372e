package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus is the lifecycle state of one scheduled collection job.
// Illegal transitions (e.g. SUCCESS -> RUNNING) are rejected by the
// store layer.
type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobSuccess JobStatus = "SUCCESS"
	JobFailed  JobStatus = "FAILED"
)

// Job is the audit row backing one queue message: a symbol list plus
// the wall-clock time at which it is due. Jobs own no rows but
// reference symbols by value so a queue message survives symbol
// deletion.
type Job struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	SymbolRefs       StringSlice `gorm:"type:jsonb;not null"`
	ScheduledAt      time.Time   `gorm:"not null;index"`
	RetryCount       int         `gorm:"not null;default:0"`
	Status           JobStatus   `gorm:"type:varchar(16);not null;default:'PENDING'"`
	LastAttemptedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// CanTransitionTo enforces the Job state machine:
// PENDING -> RUNNING -> SUCCESS | FAILED, plus RUNNING -> PENDING for
// a job reset on shutdown so it can be redelivered.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobRunning
	case JobRunning:
		return next == JobSuccess || next == JobFailed || next == JobPending
	default:
		return false // SUCCESS and FAILED are terminal
	}
}

// JobMessage is the wire format exchanged on the ticker_updates /
// ticker_updates_dlq queues. JSON round-trips exactly, including
// RetryCount.
type JobMessage struct {
	JobID         uuid.UUID `json:"job_id"`
	TickerList    []string  `json:"ticker_list"`
	ExecutionTime time.Time `json:"execution_time"`
	RetryCount    int       `json:"retry_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	// CronOverride optionally carries a cron expression (robfig/cron
	// syntax) that replaces the configured daily execution_time when
	// the successor job's execution time is computed. The business-day
	// gate still applies: a delivery on a non-business day is moved to
	// the next business day's configured execution_time. Empty means
	// "use the default daily gate".
	CronOverride string `json:"cron_override,omitempty"`
}

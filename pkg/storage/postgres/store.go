// Package postgres is the relational Persistence Layer: symbol
// master, latest-price and fundamentals snapshots, daily history,
// rate-limit events, and the job audit trail, all behind GORM.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/rpsouza441/ticker-monitor/pkg/metrics"
	"github.com/rpsouza441/ticker-monitor/pkg/models"
	"github.com/rpsouza441/ticker-monitor/pkg/storage"
)

// Store implements storage.QuoteStore, storage.JobStore,
// storage.RateLimitStore and storage.SymbolStore over a single GORM
// connection pool.
type Store struct {
	db *gorm.DB
}

// New opens a GORM connection and AutoMigrates every table the
// collection pipeline owns.
func New(connString string) (*Store, error) {
	cfg := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// Default 10 connections + 20 overflow per the persistence
	// layer's connection discipline.
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(30)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&models.Symbol{},
		&models.PriceSample{},
		&models.Fundamentals{},
		&models.HistoryBar{},
		&models.RateLimitEvent{},
		&models.Job{},
	); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an already-opened, already-migrated *gorm.DB.
// Used by tests to inject a sqlmock-backed connection.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CloseDB closes the underlying connection pool. Named to avoid
// colliding with the storage.RateLimitStore Close(ctx, eventID) method.
func (s *Store) CloseDB() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the connection pool can still reach the database, for
// the health probe.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// UpsertSymbol inserts the symbol if new, otherwise returns the
// existing surrogate id. On conflict the row's asset_type and currency
// are overwritten with the given values, which keeps this a single
// round trip instead of check-then-insert.
func (s *Store) UpsertSymbol(ctx context.Context, symbol string, assetType models.AssetType, currency string) (uint, error) {
	row := models.Symbol{Symbol: symbol, AssetType: assetType, Currency: currency}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "symbol"}},
			DoUpdates: clause.AssignmentColumns([]string{"asset_type", "currency"}),
		}).
		Create(&row)
	if result.Error != nil {
		return 0, fmt.Errorf("upsert symbol %s: %w", symbol, result.Error)
	}
	if row.ID != 0 {
		return row.ID, nil
	}
	// Some drivers don't populate the struct on a DO UPDATE path;
	// fall back to a lookup.
	var existing models.Symbol
	if err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&existing).Error; err != nil {
		return 0, fmt.Errorf("lookup symbol %s after upsert: %w", symbol, err)
	}
	return existing.ID, nil
}

// SaveAll commits one transaction per quote record. A failing
// transaction rolls back only that record; siblings are unaffected.
func (s *Store) SaveAll(ctx context.Context, records []models.QuoteRecord) (int, []string, error) {
	saved := 0
	var failed []string

	for _, rec := range records {
		if err := s.saveOne(ctx, rec); err != nil {
			failed = append(failed, rec.Symbol)
			metrics.RecordsFailed.Inc()
			continue
		}
		saved++
		metrics.RecordsSaved.Inc()
	}
	return saved, failed, nil
}

// saveOne appends a new PriceSample (and Fundamentals, if present) for
// every run, deliberately without deduplication: price_samples is
// append-only, one row per symbol per run. Point-in-time uniqueness for
// callers that only want the latest observation per symbol should come
// from a database view created alongside the schema migration, e.g.:
//
//	CREATE VIEW latest_price_per_symbol AS
//	SELECT DISTINCT ON (symbol_ref) *
//	FROM price_samples
//	ORDER BY symbol_ref, observed_at DESC;
func (s *Store) saveOne(ctx context.Context, rec models.QuoteRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		symbolRef, err := s.upsertSymbolTx(tx, rec.Symbol, rec.AssetType, rec.Currency)
		if err != nil {
			return err
		}

		sample := models.PriceSample{
			SymbolRef:  symbolRef,
			Price:      rec.Price,
			Volume:     rec.Volume,
			ObservedAt: rec.ObservedAt,
		}
		if err := tx.Create(&sample).Error; err != nil {
			return fmt.Errorf("insert price sample: %w", err)
		}

		if rec.Fundamentals.HasFundamentals() {
			f := models.Fundamentals{
				SymbolRef:     symbolRef,
				PERatio:       rec.Fundamentals.PERatio,
				EPS:           rec.Fundamentals.EPS,
				DividendYield: rec.Fundamentals.DividendYield,
				MarketCap:     rec.Fundamentals.MarketCap,
				CollectedAt:   rec.ObservedAt,
			}
			if err := tx.Create(&f).Error; err != nil {
				return fmt.Errorf("insert fundamentals: %w", err)
			}
		}

		for _, bar := range rec.History {
			row := models.HistoryBar{
				SymbolRef: symbolRef,
				Date:      bar.Date,
				Open:      bar.Open,
				High:      bar.High,
				Low:       bar.Low,
				Close:     bar.Close,
				Volume:    bar.Volume,
			}
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "symbol_ref"}, {Name: "date"}},
				DoNothing: true,
			}).Create(&row)
			if result.Error != nil {
				return fmt.Errorf("upsert history bar %s: %w", bar.Date, result.Error)
			}
		}

		return nil
	})
}

// upsertSymbolTx is UpsertSymbol scoped to an in-flight transaction
// so the symbol resolution shares the record's commit/rollback.
func (s *Store) upsertSymbolTx(tx *gorm.DB, symbol string, assetType models.AssetType, currency string) (uint, error) {
	row := models.Symbol{Symbol: symbol, AssetType: assetType, Currency: currency}
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"asset_type", "currency"}),
	}).Create(&row)
	if result.Error != nil {
		return 0, fmt.Errorf("upsert symbol %s: %w", symbol, result.Error)
	}
	if row.ID != 0 {
		return row.ID, nil
	}
	var existing models.Symbol
	if err := tx.Where("symbol = ?", symbol).First(&existing).Error; err != nil {
		return 0, fmt.Errorf("lookup symbol %s after upsert: %w", symbol, err)
	}
	return existing.ID, nil
}

// CreateJob persists a new audit row.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// Transition moves a job to next, rejecting illegal transitions
// before ever issuing a write.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, next models.JobStatus, lastAttemptedAt *time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", id).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		if !job.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: job %s cannot move %s -> %s", storage.ErrConflict, id, job.Status, next)
		}
		updates := map[string]interface{}{"status": next}
		if lastAttemptedAt != nil {
			updates["last_attempted_at"] = *lastAttemptedAt
		}
		return tx.Model(&models.Job{}).Where("id = ?", id).Updates(updates).Error
	})
}

// IncrementRetry bumps RetryCount and stamps the attempt time.
func (s *Store) IncrementRetry(ctx context.Context, id uuid.UUID, lastAttemptedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count":       gorm.Expr("retry_count + 1"),
			"last_attempted_at": lastAttemptedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateScheduledAt keeps the audit row's ScheduledAt in step with a
// rescheduled message.
func (s *Store) UpdateScheduledAt(ctx context.Context, id uuid.UUID, scheduledAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Update("scheduled_at", scheduledAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// HasLiveJob reports whether any job row is still PENDING or RUNNING.
func (s *Store) HasLiveJob(ctx context.Context) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("status IN ?", []models.JobStatus{models.JobPending, models.JobRunning}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count live jobs: %w", err)
	}
	return count > 0, nil
}

// ResetStuckRunning resets every RUNNING job back to PENDING. Run
// once at startup: a process that dies mid-job leaves the row as the
// only evidence work was in flight.
func (s *Store) ResetStuckRunning(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("status = ?", models.JobRunning).
		Update("status", models.JobPending)
	return result.RowsAffected, result.Error
}

// Open inserts an ACTIVE rate-limit event.
func (s *Store) Open(ctx context.Context, symbolRef *uint, retryCount int) (uint, error) {
	event := models.RateLimitEvent{
		SymbolRef:  symbolRef,
		BlockedAt:  time.Now(),
		RetryCount: retryCount,
		Status:     models.RateLimitActive,
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		return 0, fmt.Errorf("open rate-limit event: %w", err)
	}
	return event.ID, nil
}

// Close resolves an ACTIVE event. A no-op if already resolved.
func (s *Store) Close(ctx context.Context, eventID uint) error {
	var event models.RateLimitEvent
	if err := s.db.WithContext(ctx).First(&event, eventID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return storage.ErrNotFound
		}
		return err
	}
	if event.Status == models.RateLimitResolved {
		return nil
	}
	now := time.Now()
	duration := int64(now.Sub(event.BlockedAt).Seconds())
	return s.db.WithContext(ctx).
		Model(&models.RateLimitEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]interface{}{
			"resolved_at":      now,
			"duration_seconds": duration,
			"status":           models.RateLimitResolved,
		}).Error
}

// Active returns ACTIVE events, optionally filtered by symbol.
func (s *Store) Active(ctx context.Context, symbolRef *uint) ([]models.RateLimitEvent, error) {
	var events []models.RateLimitEvent
	query := s.db.WithContext(ctx).Where("status = ?", models.RateLimitActive)
	if symbolRef != nil {
		query = query.Where("symbol_ref = ?", *symbolRef)
	}
	if err := query.Order("blocked_at desc").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list active rate-limit events: %w", err)
	}
	return events, nil
}

// Stats computes the per-symbol aggregate view.
func (s *Store) Stats(ctx context.Context, symbolRef uint, symbol string) (models.RateLimitStats, error) {
	stats := models.RateLimitStats{Symbol: symbol}

	var events []models.RateLimitEvent
	if err := s.db.WithContext(ctx).Where("symbol_ref = ?", symbolRef).Find(&events).Error; err != nil {
		return stats, fmt.Errorf("load rate-limit events for %s: %w", symbol, err)
	}

	var totalDuration int64
	var durationCount int64
	for _, e := range events {
		stats.TotalBlocks++
		switch e.Status {
		case models.RateLimitActive:
			stats.ActiveCount++
		case models.RateLimitResolved:
			stats.ResolvedCount++
		}
		if e.DurationSeconds != nil {
			totalDuration += *e.DurationSeconds
			durationCount++
			if *e.DurationSeconds > stats.MaxDuration {
				stats.MaxDuration = *e.DurationSeconds
			}
		}
		if stats.MostRecentBlock == nil || e.BlockedAt.After(*stats.MostRecentBlock) {
			blockedAt := e.BlockedAt
			stats.MostRecentBlock = &blockedAt
		}
		if e.RetryCount > stats.PeakRetryCount {
			stats.PeakRetryCount = e.RetryCount
		}
	}
	if durationCount > 0 {
		stats.AverageDuration = float64(totalDuration) / float64(durationCount)
	}
	return stats, nil
}

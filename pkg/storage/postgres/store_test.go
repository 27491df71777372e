package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/rpsouza441/ticker-monitor/pkg/models"
	"github.com/rpsouza441/ticker-monitor/pkg/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return NewWithDB(gdb), mock
}

func TestResetStuckRunning(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET "status"=.* WHERE status = .*`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := s.ResetStuckRunning(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementRetry(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET .* WHERE id = .*`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.IncrementRetry(context.Background(), id, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementRetry_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET .* WHERE id = .*`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.IncrementRetry(context.Background(), id, time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateScheduledAt(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET "scheduled_at"=.* WHERE id = .*`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.UpdateScheduledAt(context.Background(), id, time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScheduledAt_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET "scheduled_at"=.* WHERE id = .*`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.UpdateScheduledAt(context.Background(), id, time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHasLiveJob(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "jobs" WHERE status IN .*`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	live, err := s.HasLiveJob(context.Background())
	require.NoError(t, err)
	assert.True(t, live)
}

func TestHasLiveJob_AllTerminal(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "jobs" WHERE status IN .*`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	live, err := s.HasLiveJob(context.Background())
	require.NoError(t, err)
	assert.False(t, live)
}

func TestGetJob_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "jobs" WHERE id = .*`).
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := s.GetJob(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransition_RejectsIllegalMove(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "symbol_refs", "scheduled_at", "retry_count", "status", "created_at", "updated_at"}).
		AddRow(id, []byte(`["AAPL"]`), time.Now(), 0, models.JobSuccess, time.Now(), time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "jobs" WHERE id = .*`).WillReturnRows(rows)
	mock.ExpectRollback()

	err := s.Transition(context.Background(), id, models.JobRunning, nil)
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestSaveAll_HistoryBarIdempotentOnConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	barDate := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	record := models.QuoteRecord{
		Symbol:     "PETR4.SA",
		AssetType:  models.AssetStock,
		Currency:   "BRL",
		Price:      "32.1500",
		ObservedAt: time.Now(),
		History: []models.HistoryBarData{
			{Date: barDate, Open: "10.0000", High: "11.0000", Low: "9.0000", Close: "10.5000"},
		},
	}

	// First run: symbol upsert, a new price sample, a new history bar.
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "symbols".*ON CONFLICT.*RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO "price_samples".*RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO "history_bars".*ON CONFLICT.*RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	saved, failed, err := s.SaveAll(ctx, []models.QuoteRecord{record})
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	assert.Empty(t, failed)

	// Second run with the identical record (e.g. a redelivered job):
	// the symbol upsert and price sample insert happen again
	// (append-only), but the history bar's (symbol_ref, date) unique
	// index conflicts, so ON CONFLICT DO NOTHING returns zero rows
	// instead of a duplicate or an error.
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "symbols".*ON CONFLICT.*RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO "price_samples".*RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectQuery(`INSERT INTO "history_bars".*ON CONFLICT.*RETURNING "id"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	saved, failed, err = s.SaveAll(ctx, []models.QuoteRecord{record})
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	assert.Empty(t, failed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitStats_Empty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "rate_limit_events" WHERE symbol_ref = .*`).
		WillReturnRows(sqlmock.NewRows(nil))

	stats, err := s.Stats(context.Background(), 1, "PETR4.SA")
	require.NoError(t, err)
	assert.Equal(t, "PETR4.SA", stats.Symbol)
	assert.Zero(t, stats.TotalBlocks)
}

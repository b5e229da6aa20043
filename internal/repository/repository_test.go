package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
)

// setupMockDB 创建模拟数据库
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		Conn:       db,
		DriverName: "postgres",
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open gorm db: %v", err)
	}

	return gormDB, mock, func() { db.Close() }
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(&pgconn.PgError{Code: pgErrSerializationFailure}))
	assert.True(t, isRetryableError(&pgconn.PgError{Code: pgErrDeadlockDetected}))
	assert.False(t, isRetryableError(&pgconn.PgError{Code: pgErrUniqueViolation}))
	assert.False(t, isRetryableError(errors.New("plain")))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
}

func TestPagination(t *testing.T) {
	p := &Pagination{Page: 3, PageSize: 500}
	assert.Equal(t, 100, p.Limit())
	assert.Equal(t, 200, p.Offset())

	p = &Pagination{}
	assert.Equal(t, 0, p.Offset())
	assert.Equal(t, 20, p.Limit())
}

func TestStore_Transaction_Commit(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	store := NewStore(db)
	bet := &model.Bet{BetID: "bet-1", Status: model.BetStatusResolved, Winner: "bob"}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "bets" SET .* WHERE bet_id = \$\d+ AND version = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO "processed_events"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	err := store.Transaction(context.Background(), func(ctx context.Context) error {
		if err := store.Bets().CompareAndSwap(ctx, bet, 3); err != nil {
			return err
		}
		return store.Events().MarkProcessed(ctx, &model.ProcessedEvent{
			EventKey:  "0xaa:BET_RESOLVED",
			TxHash:    "0xaa",
			EventType: string(model.EventBetResolved),
			Subject:   "bet:bet-1",
		})
	})

	require.NoError(t, err)
	assert.Equal(t, int64(4), bet.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Transaction_RollbackOnConflict(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	store := NewStore(db)
	bet := &model.Bet{BetID: "bet-1"}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "bets" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Transaction(context.Background(), func(ctx context.Context) error {
		return store.Bets().CompareAndSwap(ctx, bet, 3)
	})

	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(3), bet.Version, "版本冲突时不能修改内存中的版本")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Transaction_RetriesSerializationFailure(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	store := NewStore(db)
	bet := &model.Bet{BetID: "bet-1", Status: model.BetStatusActive}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "bets" SET`).
		WillReturnError(&pgconn.PgError{Code: pgErrSerializationFailure})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "bets" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	attempts := 0
	err := store.Transaction(context.Background(), func(ctx context.Context) error {
		attempts++
		return store.Bets().CompareAndSwap(ctx, bet, 1)
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(2), bet.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

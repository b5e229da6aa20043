package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
)

func TestChannelRepository_GetByAddress_Success(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewChannelRepository(db)

	rows := sqlmock.NewRows([]string{
		"id", "channel_id", "user_id", "channel_address", "initial_balance",
		"current_balance_a", "current_balance_b", "seqno", "status", "version",
	}).AddRow(1, "ch-1", "alice", "0xch", "1000", "600", "400", 3, model.ChannelStatusOpen, 4)

	mock.ExpectQuery(`SELECT \* FROM "payment_channels" WHERE channel_address = \$1 ORDER BY "payment_channels"\."id" LIMIT \$2`).
		WithArgs("0xch", 1).
		WillReturnRows(rows)

	ch, err := repo.GetByAddress(context.Background(), "0xch")

	require.NoError(t, err)
	assert.Equal(t, "ch-1", ch.ChannelID)
	assert.Equal(t, uint64(3), ch.Seqno)
	assert.True(t, ch.CurrentBalanceA.Add(ch.CurrentBalanceB).Equal(ch.InitialBalance))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChannelRepository_GetByChannelID_NotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewChannelRepository(db)

	mock.ExpectQuery(`SELECT \* FROM "payment_channels" WHERE channel_id = \$1`).
		WithArgs("missing", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ch, err := repo.GetByChannelID(context.Background(), "missing")

	assert.Nil(t, ch)
	assert.ErrorIs(t, err, ErrChannelNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChannelRepository_CompareAndSwap_Conflict(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewChannelRepository(db)
	ch := &model.PaymentChannel{ChannelID: "ch-1", Seqno: 2, Version: 5}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "payment_channels" SET .* WHERE channel_id = \$\d+ AND version = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.CompareAndSwap(context.Background(), ch, 5)

	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(5), ch.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChannelRepository_AppendDispute(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewChannelRepository(db)
	dispute := &model.ChannelDispute{
		ChannelID:         "ch-1",
		Initiator:         "0xB",
		DisputedStateHash: "0xhash",
		Seqno:             7,
		BalanceA:          decimal.NewFromInt(300),
		BalanceB:          decimal.NewFromInt(700),
	}

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM "channel_disputes" WHERE channel_id = \$1`).
		WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "channel_disputes"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	require.NoError(t, repo.AppendDispute(context.Background(), dispute))
	assert.Equal(t, 1, dispute.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChannelRepository_ResolveDisputes(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewChannelRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "channel_disputes" SET "resolution"=\$1,"resolved_at"=\$2 WHERE channel_id = \$3 AND \(resolution IS NULL OR resolution = ''\)`).
		WithArgs("UPHELD", int64(99), "ch-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := repo.ResolveDisputes(context.Background(), "ch-1", model.DisputeResolutionUpheld, 99)

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChannelRepository_CountUnresolvedDisputes(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewChannelRepository(db)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "channel_disputes" WHERE channel_id = \$1`).
		WithArgs("ch-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	n, err := repo.CountUnresolvedDisputes(context.Background(), "ch-1")

	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

package policy

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerMock(t *testing.T) (*PostgresSpendLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresSpendLedger(db), mock
}

func TestPostgresSpendLedger_TrySpendAllows(t *testing.T) {
	l, mock := ledgerMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM policy_spend WHERE ledger_key = $1 AND ts_ms <= $2`)).
		WithArgs("spend", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(amount_lamports), 0) FROM policy_spend WHERE ledger_key = $1`)).
		WithArgs("spend").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(60))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO policy_spend (ledger_key, amount_lamports, ts_ms) VALUES ($1, $2, $3)`)).
		WithArgs("spend", int64(30), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	allowed, remaining, err := l.TrySpend(context.Background(), "spend", 30, 60_000, 100)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, uint64(10), remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSpendLedger_TrySpendRejectsWithoutRecording(t *testing.T) {
	l, mock := ledgerMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM policy_spend`)).
		WithArgs("spend", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(amount_lamports), 0)`)).
		WithArgs("spend").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(80))
	// No INSERT: the rejected amount must not consume budget. The prune
	// still commits.
	mock.ExpectCommit()

	allowed, remaining, err := l.TrySpend(context.Background(), "spend", 30, 60_000, 100)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, uint64(20), remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSpendLedger_TrySpendSumError(t *testing.T) {
	l, mock := ledgerMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM policy_spend`)).
		WithArgs("spend", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE`)).
		WithArgs("spend").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, _, err := l.TrySpend(context.Background(), "spend", 30, 60_000, 100)
	assert.ErrorContains(t, err, "sum spend window")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSpendLedger_Reset(t *testing.T) {
	l, mock := ledgerMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM policy_spend`)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, l.Reset(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

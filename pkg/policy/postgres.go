package policy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresLedgerSchema = `
CREATE TABLE IF NOT EXISTS policy_spend (
	id BIGSERIAL PRIMARY KEY,
	ledger_key TEXT NOT NULL,
	amount_lamports BIGINT NOT NULL,
	ts_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policy_spend_key_ts ON policy_spend (ledger_key, ts_ms);
`

// PostgresSpendLedger is a SpendLedger backed by Postgres, for fleets that
// share one spend budget across agent processes.
type PostgresSpendLedger struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgresSpendLedger wraps an open database handle. The caller owns
// the handle's lifecycle.
func NewPostgresSpendLedger(db *sql.DB) *PostgresSpendLedger {
	return &PostgresSpendLedger{db: db, clock: time.Now}
}

// OpenPostgresSpendLedger connects via DSN and applies the schema.
func OpenPostgresSpendLedger(dsn string) (*PostgresSpendLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("policy: open postgres ledger: %w", err)
	}
	if _, err := db.Exec(postgresLedgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("policy: apply ledger schema: %w", err)
	}
	return NewPostgresSpendLedger(db), nil
}

func (l *PostgresSpendLedger) TrySpend(ctx context.Context, key string, amount uint64, windowMs int64, limit uint64) (bool, uint64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("policy: begin spend: %w", err)
	}
	defer tx.Rollback()

	now := l.clock().UnixMilli()
	cutoff := now - windowMs
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM policy_spend WHERE ledger_key = $1 AND ts_ms <= $2`, key, cutoff); err != nil {
		return false, 0, fmt.Errorf("policy: prune spend window: %w", err)
	}

	var total int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_lamports), 0) FROM policy_spend WHERE ledger_key = $1`, key).Scan(&total)
	if err != nil {
		return false, 0, fmt.Errorf("policy: sum spend window: %w", err)
	}

	spent := uint64(total)
	if spent+amount > limit {
		remaining := uint64(0)
		if limit > spent {
			remaining = limit - spent
		}
		return false, remaining, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policy_spend (ledger_key, amount_lamports, ts_ms) VALUES ($1, $2, $3)`,
		key, int64(amount), now); err != nil {
		return false, 0, fmt.Errorf("policy: record spend: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("policy: commit spend: %w", err)
	}
	return true, limit - spent - amount, nil
}

func (l *PostgresSpendLedger) Reset(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM policy_spend`); err != nil {
		return fmt.Errorf("policy: reset ledger: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (l *PostgresSpendLedger) Close() error { return l.db.Close() }

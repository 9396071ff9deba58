package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresLedger implements CaseLedger using PostgreSQL.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS case_counters (
			identity TEXT PRIMARY KEY,
			cases BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate case ledger: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Increment(ctx context.Context, identity string) (int64, error) {
	query := `
		INSERT INTO case_counters (identity, cases, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (identity) DO UPDATE SET
			cases = case_counters.cases + 1,
			updated_at = NOW()
		RETURNING cases
	`
	var n int64
	if err := l.db.QueryRowContext(ctx, query, identity).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to increment case count: %w", err)
	}
	return n, nil
}

func (l *PostgresLedger) Count(ctx context.Context, identity string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, "SELECT cases FROM case_counters WHERE identity = $1", identity).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get case count: %w", err)
	}
	return n, nil
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

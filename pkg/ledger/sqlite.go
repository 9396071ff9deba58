package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	l := &SQLiteLedger{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS case_counters (
        identity TEXT PRIMARY KEY,
        cases INTEGER NOT NULL DEFAULT 0,
        updated_at DATETIME
    );`
	if _, err := l.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Increment(ctx context.Context, identity string) (int64, error) {
	query := `
        INSERT INTO case_counters (identity, cases, updated_at)
        VALUES (?, 1, ?)
        ON CONFLICT(identity) DO UPDATE SET
            cases = cases + 1,
            updated_at = excluded.updated_at
        RETURNING cases
    `
	var n int64
	if err := l.db.QueryRowContext(ctx, query, identity, time.Now().UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: increment: %w", err)
	}
	return n, nil
}

func (l *SQLiteLedger) Count(ctx context.Context, identity string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, "SELECT cases FROM case_counters WHERE identity = ?", identity).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

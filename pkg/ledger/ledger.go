// Package ledger keeps the durable per-identity count of filed cases.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CaseLedger counts filed cases per identity.
type CaseLedger interface {
	// Increment adds one case and returns the new total.
	Increment(ctx context.Context, identity string) (int64, error)
	Count(ctx context.Context, identity string) (int64, error)
}

// Ledger is a CaseLedger that owns a connection.
type Ledger interface {
	CaseLedger
	Close() error
}

// Open connects the ledger backend: Postgres when databaseURL is set,
// otherwise a SQLite file at sqlitePath.
func Open(ctx context.Context, databaseURL, sqlitePath string) (Ledger, error) {
	if databaseURL != "" {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("ledger: open postgres: %w", err)
		}
		l := NewPostgresLedger(db)
		if err := l.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o750); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	l, err := NewSQLiteLedger(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// MemoryLedger is an in-process ledger for tests and ephemeral runs.
type MemoryLedger struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{counts: make(map[string]int64)}
}

func (m *MemoryLedger) Increment(_ context.Context, identity string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[identity]++
	return m.counts[identity], nil
}

func (m *MemoryLedger) Count(_ context.Context, identity string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[identity], nil
}

func (m *MemoryLedger) Close() error { return nil }

package ledger

import (
	"context"
	"database/sql"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLedger(t *testing.T, l CaseLedger) {
	t.Helper()
	ctx := context.Background()

	n, err := l.Count(ctx, "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	for want := int64(1); want <= 3; want++ {
		n, err = l.Increment(ctx, "agent")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err = l.Count(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemoryLedger(t *testing.T) {
	exerciseLedger(t, NewMemoryLedger())
}

func TestSQLiteLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "courtroom.db")
	l, err := Open(context.Background(), "", path)
	require.NoError(t, err)
	exerciseLedger(t, l)
	require.NoError(t, l.Close())

	// Count survives a reopen.
	l, err = Open(context.Background(), "", path)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	n, err := l.Count(context.Background(), "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSQLiteLedger_ConcurrentIncrements(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	l, err := NewSQLiteLedger(db)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Increment(context.Background(), "agent")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := l.Count(context.Background(), "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}

func TestPostgresLedger_Increment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresLedger(db)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO case_counters")).
		WithArgs("agent").
		WillReturnRows(sqlmock.NewRows([]string{"cases"}).AddRow(4))

	n, err := l.Increment(context.Background(), "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_Count(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPostgresLedger(db)
	query := regexp.QuoteMeta("SELECT cases FROM case_counters WHERE identity = $1")

	mock.ExpectQuery(query).WithArgs("agent").
		WillReturnRows(sqlmock.NewRows([]string{"cases"}).AddRow(7))
	mock.ExpectQuery(query).WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"cases"}))

	n, err := l.Count(context.Background(), "agent")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	n, err = l.Count(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS case_counters")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewPostgresLedger(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_IncrementError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO case_counters")).
		WithArgs("agent").
		WillReturnError(sql.ErrConnDone)

	_, err = NewPostgresLedger(db).Increment(context.Background(), "agent")
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

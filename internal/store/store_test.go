package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), SQLite, filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_Migrates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, table := range []string{"blobs", "files", "blob_text", "kv"} {
		var n int
		err := db.Querier().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
		require.NoError(t, err, table)
		assert.Zero(t, n)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	db, err := Open(ctx, SQLite, path)
	require.NoError(t, err)
	require.NoError(t, db.SetMeta(ctx, "k", "v"))
	require.NoError(t, db.Close())

	db, err = Open(ctx, SQLite, path)
	require.NoError(t, err)
	defer db.Close()
	v, err := db.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"", SQLite, false},
		{"sqlite", SQLite, false},
		{"SQLite3", SQLite, false},
		{"postgres", Postgres, false},
		{"pgx", Postgres, false},
		{"mysql", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDialect(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := SQLiteDSN("/var/lib/filevault/catalog.db")
	assert.Contains(t, dsn, "file:/var/lib/filevault/catalog.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "busy_timeout")
	assert.Contains(t, dsn, "foreign_keys")

	custom := "file:x.db?mode=memory"
	assert.Equal(t, custom, SQLiteDSN(custom))
}

func TestRebind(t *testing.T) {
	q := `SELECT * FROM files WHERE a = ? AND b LIKE '?%' AND c IN (?, ?)`
	assert.Equal(t, q, Rebind(SQLite, q))
	assert.Equal(t,
		`SELECT * FROM files WHERE a = $1 AND b LIKE '?%' AND c IN ($2, $3)`,
		Rebind(Postgres, q))
}

func TestMeta(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	v, err := db.GetMeta(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, db.SetMeta(ctx, "a", "1"))
	require.NoError(t, db.SetMeta(ctx, "a", "2"))
	v, err = db.GetMeta(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestEnsureMeta(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.EnsureMeta(ctx, "hash_algorithm", "sha256"))
	require.NoError(t, db.EnsureMeta(ctx, "hash_algorithm", "sha256"))

	err := db.EnsureMeta(ctx, "hash_algorithm", "blake3")
	assert.ErrorIs(t, err, ErrMetaMismatch)
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(ctx context.Context, q Querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)`, "k", "v")
		return err
	})
	require.NoError(t, err)

	v, err := db.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(ctx context.Context, q Querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)`, "k", "v")
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := db.GetMeta(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, v, "must roll back when fn returns error")
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic to propagate")
		}
		v, err := db.GetMeta(ctx, "k")
		require.NoError(t, err)
		assert.Empty(t, v, "must roll back on panic")
	}()

	_ = db.WithTx(ctx, func(ctx context.Context, q Querier) error {
		_, err := q.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)`, "k", "v")
		require.NoError(t, err)
		panic("kaput")
	})
}

func TestWithTx_RetriesConflicts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	calls := 0
	err := db.WithTx(ctx, func(ctx context.Context, q Querier) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithTx_ConflictExhausted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	db, err := Open(context.Background(), SQLite, path, WithRetry(&RetryConfig{MaxRetries: 2}))
	require.NoError(t, err)
	defer db.Close()

	calls := 0
	err = db.WithTx(context.Background(), func(ctx context.Context, q Querier) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 3, calls)
}

func TestWithTx_NonConflictNotRetried(t *testing.T) {
	db := newTestDB(t)

	calls := 0
	err := db.WithTx(context.Background(), func(ctx context.Context, q Querier) error {
		calls++
		return errors.New("constraint")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithTx_ConcurrentWriters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetMeta(ctx, "counter", "0"))

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = db.WithTx(ctx, func(ctx context.Context, q Querier) error {
				_, err := q.ExecContext(ctx,
					`UPDATE kv SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT) WHERE key = ?`, "counter")
				return err
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	v, err := db.GetMeta(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprint(n), v)
}

func TestIsConflict(t *testing.T) {
	assert.False(t, IsConflict(nil))
	assert.False(t, IsConflict(errors.New("other")))
	assert.True(t, IsConflict(ErrConflict))
	assert.True(t, IsConflict(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40001"})))
	assert.False(t, IsConflict(&pgconn.PgError{Code: "23505"}))
}

func TestOpen_Postgres(t *testing.T) {
	dsn := os.Getenv("FILEVAULT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FILEVAULT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	db, err := Open(ctx, Postgres, dsn)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.SetMeta(ctx, "marker", "1"))
	v, err := db.GetMeta(ctx, "marker")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrConflict is returned when a transaction keeps losing to concurrent
// writers after all retries are spent.
var ErrConflict = errors.New("transaction conflict")

// RetryConfig configures retry behavior for contended transactions.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		JitterFraction: 0.25,
	}
}

// backoff computes the delay for the given attempt with jitter.
func (c *RetryConfig) backoff(attempt int) time.Duration {
	base := float64(c.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(c.MaxBackoff) {
		base = float64(c.MaxBackoff)
	}
	jitter := base * c.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// IsConflict reports whether err is transient lock contention: SQLITE_BUSY
// or SQLITE_LOCKED, or a Postgres serialization failure or deadlock.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Conflicts are retried with backoff; fn must
// therefore be safe to run more than once. Once retries are exhausted the
// returned error wraps ErrConflict.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	var lastErr error
	for attempt := 0; attempt <= db.retry.MaxRetries; attempt++ {
		lastErr = db.runTx(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !IsConflict(lastErr) {
			return lastErr
		}
		if attempt < db.retry.MaxRetries {
			if err := sleep(ctx, db.retry.backoff(attempt)); err != nil {
				return fmt.Errorf("%w (retry cancelled)", lastErr)
			}
		}
	}
	return fmt.Errorf("%w after %d retries: %v", ErrConflict, db.retry.MaxRetries, lastErr)
}

func (db *DB) runTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()

	return fn(ctx, &querier{inner: tx, dialect: db.dialect})
}

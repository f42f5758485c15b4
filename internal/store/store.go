// Package store owns the relational catalog connection shared by the dedup
// index and the metadata catalog. Both SQLite (modernc) and Postgres (pgx)
// are supported; queries are written with "?" placeholders and rebound for
// the active dialect.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect names a supported SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect validates a driver name. Empty means SQLite.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported catalog driver: %q", name)
	}
}

// ErrMetaMismatch is returned by EnsureMeta when a stored value differs.
var ErrMetaMismatch = errors.New("catalog metadata mismatch")

// DB is an open, migrated catalog database.
type DB struct {
	sql     *sql.DB
	dialect Dialect
	retry   *RetryConfig
	direct  Querier
}

// Option configures a DB.
type Option func(*DB)

// WithRetry overrides the conflict retry policy used by WithTx.
func WithRetry(cfg *RetryConfig) Option {
	return func(db *DB) {
		if cfg != nil {
			db.retry = cfg
		}
	}
}

// Open connects to the catalog and applies pending migrations.
// For SQLite, dsn may be a plain file path; the required pragmas are added.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*DB, error) {
	driver := "sqlite"
	if dialect == Postgres {
		driver = "pgx"
	} else {
		dsn = SQLiteDSN(dsn)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{sql: sqlDB, dialect: dialect, retry: DefaultRetryConfig()}
	for _, opt := range opts {
		opt(db)
	}
	db.direct = &querier{inner: sqlDB, dialect: dialect}

	if err := db.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// SQLiteDSN turns a database path into a modernc DSN with WAL journaling, a
// busy timeout, enforced foreign keys and immediate write transactions. A DSN
// that already carries a query string is returned unchanged.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func (db *DB) migrate(ctx context.Context) error {
	gooseDialect := goose.DialectSQLite3
	if db.dialect == Postgres {
		gooseDialect = goose.DialectPostgres
	}

	fsys, err := fs.Sub(migrationsFS, "migrations/"+string(db.dialect))
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	provider, err := goose.NewProvider(gooseDialect, db.sql, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.sql.Close()
}

// Dialect returns the active SQL dialect.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Querier returns a non-transactional handle.
func (db *DB) Querier() Querier {
	return db.direct
}

// Ping checks the connection, for readiness probes.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// GetMeta returns the value stored under key, or "" if unset.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.direct.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores value under key.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.direct.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

// EnsureMeta records value under key on first use and afterwards requires
// it to stay the same. Used to pin settings that cannot change once data
// exists, such as the fingerprint algorithm.
func (db *DB) EnsureMeta(ctx context.Context, key, value string) error {
	current, err := db.GetMeta(ctx, key)
	if err != nil {
		return err
	}
	if current == "" {
		return db.SetMeta(ctx, key, value)
	}
	if current != value {
		return fmt.Errorf("%w: %s is %q, configured %q", ErrMetaMismatch, key, current, value)
	}
	return nil
}

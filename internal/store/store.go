package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"recall/internal/fault"
)

const (
	busyTimeoutMS   = 5000
	maxOpenConns    = 1
	maxIdleConns    = 1
	connMaxLifetime = 5 * time.Minute
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reader holds the queries usable both inside and outside a write
// transaction.
type Reader struct {
	q queryer
}

// Store wraps the local SQLite database. All mutations go through WriteTx,
// which admits one writer at a time.
type Store struct {
	Reader
	db *sql.DB
	mu sync.Mutex
}

// Tx is an open write transaction. Code running inside WriteTx must use the
// Tx for reads too: the pool has a single connection.
type Tx struct {
	Reader
	tx *sql.Tx
}

// Open opens the SQLite database and bootstraps the schema.
func Open(path string) (*Store, error) {
	db, err := openDB(path, localMigrations)
	if err != nil {
		return nil, err
	}
	return &Store{Reader: Reader{q: db}, db: db}, nil
}

func openDB(path string, list []Migration) (*sql.DB, error) {
	dsn, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fault.Storage("open db", err)
	}

	if err := configureDB(db); err != nil {
		_ = db.Close()
		return nil, fault.Storage("configure db", err)
	}
	if err := runMigrations(db, list); err != nil {
		_ = db.Close()
		return nil, fault.Storage("migrate", err)
	}
	return db, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WriteTx runs fn in a serialized write transaction. The transaction commits
// only if fn returns nil.
func (s *Store) WriteTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if fn == nil {
		return fmt.Errorf("write func is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Storage("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&Tx{Reader: Reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fault.Storage("commit tx", err)
	}
	return nil
}

func configureDB(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA foreign_keys = ON;",
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busyTimeoutMS),
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}

	// Tune connection pool for local usage.
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	return nil
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("db path is required")
	}
	u := url.URL{Scheme: "file", Path: path}
	return u.String(), nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, value)
}

func nullInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

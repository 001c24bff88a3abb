// Package sqlite is the SQLite-backed account, webhook event and message store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Drivers accepted by Open. DriverCGO is only available in cgo builds.
const (
	DriverPure = "sqlite"
	DriverCGO  = "sqlite3"
)

// Store wraps the database handle.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and applies the schema.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DriverPure
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "create directory %s", dir)
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, eris.Wrapf(err, "open %s database", driver)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "apply schema")
	}
	return &Store{DB: db, now: time.Now}, nil
}

func dsn(driver, path string) string {
	if driver == DriverCGO {
		return "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// WithClock replaces the time source used for created/updated stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func millis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

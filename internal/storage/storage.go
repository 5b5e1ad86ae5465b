// Package storage owns the single database handle shared by the audit,
// reconciliation and quarantine stores. It supports an embedded SQLite file
// (the default) and PostgreSQL through pgx.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config configures the store handle.
type Config struct {
	Driver          Driver
	Path            string // SQLite database file
	URL             string // PostgreSQL connection URL
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.Path == "" {
			return errors.New("INGEST_DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.URL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
		if c.MaxOpenConns < 1 {
			return errors.New("DATABASE_MAX_OPEN_CONNS must be >= 1")
		}
		if c.MaxIdleConns < 0 {
			return errors.New("DATABASE_MAX_IDLE_CONNS must be >= 0")
		}
		if c.MaxIdleConns > c.MaxOpenConns {
			return errors.New("DATABASE_MAX_IDLE_CONNS must be <= DATABASE_MAX_OPEN_CONNS")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.PingTimeout <= 0 {
		return errors.New("DATABASE_PING_TIMEOUT must be positive")
	}
	if c.ConnMaxLifetime < 0 {
		return errors.New("DATABASE_CONN_MAX_LIFETIME must be >= 0")
	}
	return nil
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the process-wide store handle. Create one at startup, inject it into
// every store and close it at shutdown.
type DB struct {
	db     *sql.DB
	driver Driver
}

// Open connects to the configured backend, verifies connectivity and applies
// the schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = openSQLite(cfg)
	case DriverPostgres:
		db, err = openPostgres(cfg)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, Classify("ping", err)
	}

	d := &DB{db: db, driver: cfg.Driver}
	if err := d.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().
		Str("driver", string(cfg.Driver)).
		Str("path", cfg.Path).
		Msg("Store opened")
	return d, nil
}

func openSQLite(cfg Config) (*sql.DB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas in the DSN so every pool connection is configured
	dsn := cfg.Path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

func openPostgres(cfg Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return db, nil
}

// Driver reports the backend in use.
func (d *DB) Driver() Driver {
	return d.driver
}

// SQL exposes the underlying pool for read paths.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Rebind rewrites '?' placeholders into the backend's native form.
func (d *DB) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Greatest is the two-argument maximum function of the backend.
func (d *DB) Greatest() string {
	if d.driver == DriverPostgres {
		return "GREATEST"
	}
	return "MAX"
}

// InTx runs fn inside one transaction, committing when fn returns nil.
// Errors from begin and commit are classified.
func (d *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return Classify("begin", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return Classify("commit", err)
	}
	return nil
}

// Close releases the pool.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	log.Info().Str("driver", string(d.driver)).Msg("Store closed")
	return nil
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options configures Open.
type Options struct {
	Driver   string
	DSN      string
	MaxConns int
	MinConns int
}

// Open connects to the database described by opts and pings it. Postgres goes
// through pgx registered as a database/sql driver. SQLite connections are
// capped at one so that writers serialize instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch opts.Driver {
	case DriverPostgres:
		cfg, perr := pgx.ParseConfig(opts.DSN)
		if perr != nil {
			return nil, fmt.Errorf("parse database url: %w", perr)
		}
		db = stdlib.OpenDB(*cfg)
		if opts.MaxConns > 0 {
			db.SetMaxOpenConns(opts.MaxConns)
		}
		if opts.MinConns > 0 {
			db.SetMaxIdleConns(opts.MinConns)
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
	case DriverSQLite:
		dsn, derr := sqliteDSN(opts.DSN)
		if derr != nil {
			return nil, derr
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// sqliteDSN maps a file path (or ":memory:") to a modernc DSN with foreign
// keys and a busy timeout enabled.
func sqliteDSN(path string) (string, error) {
	const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == "" || path == ":memory:" {
		return "file::memory:?" + pragmas, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	return "file:" + path + "?" + pragmas, nil
}

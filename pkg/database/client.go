// Package database provides the SQLite client and migration utilities.
package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver for database/sql
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Config holds database configuration.
type Config struct {
	// Path is the SQLite database file. ":memory:" opens an in-memory
	// database, used by tests.
	Path string

	// BusyTimeoutMS bounds how long a statement waits on a locked database.
	BusyTimeoutMS int
}

// Client wraps the bun DB and the underlying connection.
type Client struct {
	bun *bun.DB
	db  *stdsql.DB
}

// Bun returns the query builder.
func (c *Client) Bun() *bun.DB {
	return c.bun
}

// DB returns the underlying database connection for health checks and direct
// queries.
func (c *Client) DB() *stdsql.DB {
	return c.db
}

// Close closes the database.
func (c *Client) Close() error {
	return c.bun.Close()
}

// NewClient opens the database, configures SQLite for a single writer, and
// applies pending migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = 5000
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := stdsql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// churn between the registry writer and migrations.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{
		bun: bun.NewDB(db, sqlitedialect.New()),
		db:  db,
	}, nil
}

// Ping reports database health.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// buildDSN renders the sqlite3 connection string: WAL journaling, foreign
// keys on, and a busy timeout. File-backed paths get their parent directory
// created.
func buildDSN(cfg Config) (string, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", fmt.Sprintf("%d", cfg.BusyTimeoutMS))
	return fmt.Sprintf("file:%s?%s", path, q.Encode()), nil
}

package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreUnavailable is returned when the connection cannot be established.
// The failure is reported to the calling operation only; the next call
// retries initialization.
var ErrStoreUnavailable = errors.New("data store unavailable")

// errClosed is wrapped with ErrStoreUnavailable for calls made after Close.
var errClosed = errors.New("client closed")

// Options configures a Client.
type Options struct {
	Path string
	// Bootstrap statements run once, in order, right after the connection is
	// verified. They must be idempotent.
	Bootstrap []string
	Logger    *slog.Logger
}

// Client is the process-wide handle to the sqlite file. The connection is
// opened lazily on first use and shared by every caller; all statements run
// one at a time.
type Client struct {
	opts   Options
	logger *slog.Logger

	initMu sync.Mutex
	db     *sql.DB
	closed bool

	mu sync.Mutex // serializes statements on the single connection
}

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, logger: logger}
}

// Path returns the configured database file.
func (c *Client) Path() string {
	return c.opts.Path
}

// Query runs a read statement and returns every row as a slice of values in
// column order.
func (c *Client) Query(ctx context.Context, query string, params []Value) ([][]Value, error) {
	db, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var out [][]Value
	err = retryOnBusy(ctx, 5, func() error {
		out = nil
		rows, err := db.QueryContext(ctx, query, bindArgs(params)...)
		if err != nil {
			return err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		for rows.Next() {
			raw := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range raw {
				ptrs[i] = &raw[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			row := make([]Value, len(cols))
			for i, src := range raw {
				v, err := fromDriver(src)
				if err != nil {
					return fmt.Errorf("column %q: %w", cols[i], err)
				}
				row[i] = v
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if out == nil {
		out = [][]Value{}
	}
	return out, nil
}

// Execute runs a write statement. Affected rows are not reported.
func (c *Client) Execute(ctx context.Context, query string, params []Value) error {
	db, err := c.conn(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err = retryOnBusy(ctx, 5, func() error {
		_, err := db.ExecContext(ctx, query, bindArgs(params)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	return nil
}

// Ping forces initialization and runs the verification query.
func (c *Client) Ping(ctx context.Context) error {
	db, err := c.conn(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := db.ExecContext(ctx, "select 1;"); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Initialized reports whether the connection has been opened.
func (c *Client) Initialized() bool {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.db != nil
}

// Close releases the connection. The file is never reopened: later calls
// fail with ErrStoreUnavailable.
func (c *Client) Close() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	c.closed = true
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// conn returns the shared connection, opening it on first use. Concurrent
// first callers block on initMu so exactly one of them opens the file.
func (c *Client) conn(ctx context.Context) (*sql.DB, error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, errClosed)
	}
	if c.db != nil {
		return c.db, nil
	}
	db, err := c.open(ctx)
	if err != nil {
		c.logger.Warn("data store init failed", "path", c.opts.Path, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	c.db = db
	c.logger.Info("data store ready", "path", c.opts.Path)
	return db, nil
}

func (c *Client) open(ctx context.Context) (*sql.DB, error) {
	path := c.opts.Path
	if path == "" {
		return nil, fmt.Errorf("empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Verify the connection works before handing it out.
	if _, err := db.ExecContext(ctx, "select 1;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verify connection: %w", err)
	}
	if err := configurePragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range c.opts.Bootstrap {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}
	return db, nil
}

func configurePragmas(ctx context.Context, db *sql.DB) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func bindArgs(params []Value) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.driverValue()
	}
	return args
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sunshow/workgear/sessionstore/internal/session"
)

// Database types accepted by Options.Type.
const (
	TypePostgres = "postgres"
	TypeSQLite   = "sqlite"
)

// Options selects and tunes the backing database.
type Options struct {
	Type               string
	URL                string // postgres connection string
	Path               string // sqlite database file
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	SlowQueryThreshold time.Duration
	LogQueries         bool
}

// Option customizes a Client.
type Option func(*Client)

// WithClock replaces the time source used for updated_at, retry_at and
// monitor scheduling.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.clock = now }
}

// WithCanRunDownstream overrides the upstream states that unblock a
// downstream task.
func WithCanRunDownstream(states ...session.TaskStateCode) Option {
	return func(c *Client) { c.canRunDownstream = states }
}

// WithUnconditionalRetrySweep makes PromoteRetryWaiting ignore retry_at and
// promote every waiting task on each call.
func WithUnconditionalRetrySweep() Option {
	return func(c *Client) { c.unconditionalRetrySweep = true }
}

// Client wraps the gorm pool for session store operations
type Client struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	pool    *pgxpool.Pool
	dialect dialect
	logger  *zap.SugaredLogger

	clock                   func() time.Time
	canRunDownstream        []session.TaskStateCode
	unconditionalRetrySweep bool
}

// NewClient opens the database described by opts.
func NewClient(ctx context.Context, opts Options, logger *zap.SugaredLogger, options ...Option) (*Client, error) {
	c := &Client{
		logger:           logger,
		clock:            time.Now,
		canRunDownstream: session.CanRunDownstreamStates(),
	}
	for _, o := range options {
		o(c)
	}

	gormCfg := &gorm.Config{
		NowFunc: c.now,
		Logger:  newGormLogger(logger, opts.SlowQueryThreshold, opts.LogQueries),
	}

	switch opts.Type {
	case TypePostgres, "":
		if opts.URL == "" {
			return nil, fmt.Errorf("database url is required for %s", TypePostgres)
		}
		poolCfg, err := pgxpool.ParseConfig(opts.URL)
		if err != nil {
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		if opts.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(opts.MaxOpenConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		c.pool = pool
		c.sqlDB = stdlib.OpenDBFromPool(pool)
		c.dialect = postgresDialect{}

		c.db, err = gorm.Open(postgres.New(postgres.Config{Conn: c.sqlDB}), gormCfg)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to open gorm: %w", err)
		}
		logger.Info("Connected to PostgreSQL")

	case TypeSQLite:
		if opts.Path == "" {
			return nil, fmt.Errorf("database path is required for %s", TypeSQLite)
		}
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		// BEGIN IMMEDIATE gives whole-database write serialization, the
		// SQLite stand-in for SELECT ... FOR UPDATE.
		dsn := fmt.Sprintf("%s?_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate&_foreign_keys=on", opts.Path)
		gdb, err := gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		c.db = gdb
		c.sqlDB, err = gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB: %w", err)
		}
		c.dialect = sqliteDialect{}
		logger.Infow("Opened SQLite database", "path", opts.Path)

	default:
		return nil, fmt.Errorf("unsupported database type: %s", opts.Type)
	}

	if opts.MaxOpenConns > 0 {
		c.sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		c.sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		c.sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	return c, nil
}

// Close closes the database connection pool
func (c *Client) Close() error {
	err := c.sqlDB.Close()
	if c.pool != nil {
		c.pool.Close()
	}
	return err
}

// Ping checks that the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c.pool != nil {
		return c.pool.Ping(ctx)
	}
	return c.sqlDB.PingContext(ctx)
}

// Dialect returns the name of the backing database type.
func (c *Client) Dialect() string {
	return c.dialect.name()
}

// now is the store clock, truncated to the precision both backends keep.
func (c *Client) now() time.Time {
	return c.clock().UTC().Truncate(time.Microsecond)
}

// queries binds statements to the pool or to an open transaction.
type queries struct {
	db *gorm.DB
	c  *Client
}

func (c *Client) queries(ctx context.Context) *queries {
	return &queries{db: c.db.WithContext(ctx), c: c}
}

func (c *Client) txQueries(tx *gorm.DB) *queries {
	return &queries{db: tx, c: c}
}

// transaction runs fn in one transaction. Statements issued through the
// queries handed to fn are part of it. A transaction aborted by a transient
// error is rolled back and fn runs again from the start.
func (c *Client) transaction(ctx context.Context, fn func(q *queries) error) error {
	return c.withRetry(ctx, func() error {
		return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(c.txQueries(tx))
		})
	})
}

// withRetry retries work that failed with a transient error (SQLite busy,
// Postgres serialization failure or deadlock).
func (c *Client) withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !c.dialect.isRetryable(err) {
			return err
		}
		c.logger.Debugw("Retrying transient database error", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(50*(i+1)) * time.Millisecond):
		}
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}

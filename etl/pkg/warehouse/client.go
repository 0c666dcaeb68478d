package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb" // duckdb driver

	"github.com/malbeclabs/rentals-lake/etl/pkg/metrics"
	"github.com/malbeclabs/rentals-lake/etl/pkg/table"
	"github.com/malbeclabs/rentals-lake/utils/pkg/retry"
)

const (
	DefaultBatchSize = 5000
	// DefaultLockKey is the advisory lock id serializing pipeline loads.
	DefaultLockKey int64 = 0x72656e74616c73 // "rentals"
)

// WriteMode selects how BulkWrite treats an existing table.
type WriteMode int

const (
	// WriteAppend creates the table if needed and inserts rows.
	WriteAppend WriteMode = iota
	// WriteReplace drops and recreates the table before inserting.
	WriteReplace
)

func (m WriteMode) String() string {
	if m == WriteReplace {
		return "replace"
	}
	return "append"
}

// Conn executes statements against the warehouse, either directly or inside
// a transaction.
type Conn interface {
	Dialect() Dialect
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	// BulkWrite writes every row of t into ref using the table's column names.
	BulkWrite(ctx context.Context, ref TableRef, t *table.Table, mode WriteMode) error
}

// Client is a warehouse connection pool.
type Client interface {
	Conn
	// WithTx runs fn in a transaction, committing when it returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Conn) error) error
	EnsureSchema(ctx context.Context, schema string) error
	TableExists(ctx context.Context, ref TableRef) (bool, error)
	// AcquireRunLock blocks until this process holds the pipeline run lock.
	// The returned function releases it.
	AcquireRunLock(ctx context.Context) (release func(), err error)
	Ping(ctx context.Context) error
	DB() *sql.DB
	Close() error
}

type Config struct {
	Logger    *slog.Logger
	Dialect   string
	URI       string
	BatchSize int
	LockKey   int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Dialect == "" {
		switch {
		case strings.HasPrefix(cfg.URI, "postgres://"), strings.HasPrefix(cfg.URI, "postgresql://"):
			cfg.Dialect = DialectPostgres
		default:
			cfg.Dialect = DialectDuckDB
		}
	}
	if cfg.Dialect == DialectPostgres && cfg.URI == "" {
		return errors.New("warehouse uri is required for postgres")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LockKey == 0 {
		cfg.LockKey = DefaultLockKey
	}
	return nil
}

// Open connects to the configured warehouse and pings it.
func Open(ctx context.Context, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate warehouse config: %w", err)
	}
	dialect, err := DialectFor(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect.Name() {
	case DialectPostgres:
		pgCfg, err := pgx.ParseConfig(cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to parse postgres uri: %w", err)
		}
		db = stdlib.OpenDB(*pgCfg)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(30 * time.Minute)
	case DialectDuckDB:
		db, err = sql.Open("duckdb", duckdbPath(cfg.URI))
		if err != nil {
			return nil, fmt.Errorf("failed to open duckdb: %w", err)
		}
	}

	c := NewFromDB(db, dialect, cfg)
	rc := retry.DefaultConfig()
	rc.OnRetry = func(attempt int, err error) {
		cfg.Logger.Warn("warehouse: ping failed, retrying", "attempt", attempt, "error", err)
	}
	if err := retry.Do(ctx, rc, func() error { return c.Ping(ctx) }); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s warehouse: %w", dialect.Name(), err)
	}
	cfg.Logger.Info("warehouse: client initialized", "dialect", dialect.Name(), "batch_size", cfg.BatchSize)
	return c, nil
}

// NewFromDB wraps an existing database handle. cfg must already be validated.
func NewFromDB(db *sql.DB, dialect Dialect, cfg Config) Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LockKey == 0 {
		cfg.LockKey = DefaultLockKey
	}
	return &client{
		conn:    conn{ex: db, dialect: dialect, batchSize: cfg.BatchSize},
		db:      db,
		log:     cfg.Logger,
		lockKey: cfg.LockKey,
		localMu: make(chan struct{}, 1),
	}
}

func duckdbPath(uri string) string {
	path := strings.TrimPrefix(uri, "duckdb://")
	if path == "" || path == "memory" {
		return ""
	}
	if path == ":memory:" {
		return ""
	}
	return path
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type conn struct {
	ex        execer
	dialect   Dialect
	batchSize int
}

func (c conn) Dialect() Dialect { return c.dialect }

func (c conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	start := time.Now()
	res, err := c.ex.ExecContext(ctx, query, args...)
	metrics.RecordWarehouseQuery(c.dialect.Name(), time.Since(start), err)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers do not report affected rows for DDL.
		return 0, nil
	}
	return n, nil
}

func (c conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := c.ex.QueryContext(ctx, query, args...)
	metrics.RecordWarehouseQuery(c.dialect.Name(), time.Since(start), err)
	return rows, err
}

func (c conn) BulkWrite(ctx context.Context, ref TableRef, t *table.Table, mode WriteMode) error {
	return bulkWrite(ctx, c, ref, t, mode)
}

type client struct {
	conn
	db      *sql.DB
	log     *slog.Logger
	lockKey int64
	localMu chan struct{}
}

func (c *client) DB() *sql.DB { return c.db }

func (c *client) Close() error { return c.db.Close() }

func (c *client) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *client) WithTx(ctx context.Context, fn func(tx Conn) error) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(conn{ex: tx, dialect: c.dialect, batchSize: c.batchSize}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			c.log.Error("warehouse: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (c *client) EnsureSchema(ctx context.Context, schema string) error {
	if schema == "" {
		return nil
	}
	if _, err := c.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+Quote(schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	return nil
}

func (c *client) TableExists(ctx context.Context, ref TableRef) (bool, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = %s AND table_name = %s",
		c.dialect.Placeholder(1), c.dialect.Placeholder(2),
	)
	rows, err := c.Query(ctx, query, ref.Schema, ref.Name)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", ref, err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return false, fmt.Errorf("failed to scan table check: %w", err)
		}
	}
	return n > 0, rows.Err()
}

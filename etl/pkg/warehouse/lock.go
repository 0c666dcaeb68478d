package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

func (c *client) AcquireRunLock(ctx context.Context) (func(), error) {
	if c.dialect.Name() != DialectPostgres {
		return c.acquireLocalLock(ctx)
	}

	// Session-level advisory locks belong to one connection, so hold a
	// dedicated one for the lifetime of the lock.
	dbConn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get lock connection: %w", err)
	}
	start := time.Now()
	if _, err := dbConn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", c.lockKey); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	c.log.Debug("warehouse: run lock acquired", "key", c.lockKey, "waited", time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() { c.releaseAdvisoryLock(dbConn) })
	}, nil
}

func (c *client) releaseAdvisoryLock(dbConn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := dbConn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", c.lockKey); err != nil {
		c.log.Error("warehouse: failed to release advisory lock", "key", c.lockKey, "error", err)
	}
	if err := dbConn.Close(); err != nil {
		c.log.Error("warehouse: failed to close lock connection", "error", err)
	}
	c.log.Debug("warehouse: run lock released", "key", c.lockKey)
}

// acquireLocalLock serializes runs within the process for embedded warehouses,
// which only one process can open for writing anyway.
func (c *client) acquireLocalLock(ctx context.Context) (func(), error) {
	select {
	case c.localMu <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to acquire run lock: %w", ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-c.localMu })
	}, nil
}

// Package lock implements C6, the run coordinator: cross-process mutual
// exclusion for the scheduled reconciliation cycle via a database-backed,
// session-scoped advisory lock (§4.6, §9). Only the scheduled cycle calls
// this; on-demand rechecks are serialized by their own single consumer
// and never acquire it (§4.5, §5).
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// lockName is the fixed constant the deployment-wide advisory lock is
// keyed by (§4.6 "a fixed constant pair"). MySQL's GET_LOCK/RELEASE_LOCK
// take a single string name rather than an integer pair; the pair is
// folded into one namespaced string.
const lockName = "solgate:reconciliation-cycle:v1"

// Coordinator holds one dedicated *sql.Conn for the lifetime of a held
// lock, since MySQL's GET_LOCK/RELEASE_LOCK are scoped to the session
// that acquired them — a crashed holder's connection closing is what
// releases the lock automatically (§4.6).
type Coordinator struct {
	db   *sql.DB
	conn *sql.Conn

	LastAcquiredAt time.Time // supplemental observability (SPEC_FULL)
	LastHeldFor    time.Duration
}

// NewCoordinator wraps the database/sql handle beneath an open gorm
// connection, the same way the teacher's internal/db exposes GetDB()
// for advanced queries.
func NewCoordinator(db *sql.DB) *Coordinator {
	return &Coordinator{db: db}
}

// TryAcquire attempts the advisory lock without blocking. It returns
// false (not an error) if another process already holds it — the caller
// logs and returns (§4.5 step 1).
func (c *Coordinator) TryAcquire(ctx context.Context) (bool, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("run coordinator: acquire connection: %w", err)
	}

	var acquired int
	// timeout=0 makes GET_LOCK non-blocking: returns 1 if acquired, 0 if held
	// elsewhere, NULL only on error.
	row := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", lockName)
	if err := row.Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("run coordinator: GET_LOCK: %w", err)
	}
	if acquired != 1 {
		conn.Close()
		return false, nil
	}

	c.conn = conn
	c.LastAcquiredAt = time.Now()
	return true, nil
}

// Release releases the lock, closing the pinned connection. Safe to call
// even if the lock was never acquired. The scheduled cycle releases in
// all exit paths (§4.5 step 4).
func (c *Coordinator) Release(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	defer func() {
		c.conn.Close()
		c.conn = nil
	}()

	if !c.LastAcquiredAt.IsZero() {
		c.LastHeldFor = time.Since(c.LastAcquiredAt)
	}

	var released int
	row := c.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", lockName)
	if err := row.Scan(&released); err != nil {
		return fmt.Errorf("run coordinator: RELEASE_LOCK: %w", err)
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loomworks/loom/internal/storage"
)

// txHandle implements storage.Tx on a dedicated connection holding an
// open transaction.
type txHandle struct {
	conn *sql.Conn
}

var _ storage.Tx = (*txHandle)(nil)

func (t *txHandle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

func (t *txHandle) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

func (t *txHandle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

func (t *txHandle) NextChildNumber(ctx context.Context, parentID string) (int, error) {
	return nextChildNumber(ctx, t, parentID)
}

// Transaction runs fn inside a single writable transaction.
//
// BEGIN IMMEDIATE acquires the write lock up front, which prevents
// deadlocks when multiple goroutines race for it. SQLITE_BUSY during
// BEGIN is retried with exponential backoff. If fn returns an error or
// panics the transaction is rolled back; otherwise it commits.
func (d *DB) Transaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is done.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&txHandle{conn: conn}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediate starts an IMMEDIATE transaction, retrying SQLITE_BUSY.
func beginImmediate(ctx context.Context, conn *sql.Conn) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// NextChildNumber allocates outside a transaction.
func (d *DB) NextChildNumber(ctx context.Context, parentID string) (int, error) {
	var n int
	err := d.Transaction(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.NextChildNumber(ctx, parentID)
		return err
	})
	return n, err
}

// nextChildNumber bumps and returns the per-parent counter. The UPSERT
// runs under the caller's write transaction, so allocation is atomic and
// the sequence is dense per parent.
func nextChildNumber(ctx context.Context, q storage.Querier, parentID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		INSERT INTO child_counters (parent_id, next_n) VALUES (?, 2)
		ON CONFLICT(parent_id) DO UPDATE SET next_n = next_n + 1
		RETURNING next_n - 1
	`, parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate child number for %s: %w", parentID, err)
	}
	return n, nil
}

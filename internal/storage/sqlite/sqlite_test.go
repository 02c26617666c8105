package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/loomworks/loom/internal/storage"
)

// newTestDB opens an isolated database for one test. File-based temp
// databases are more reliable than in-memory for connection-pool paths.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(context.Background(), t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := db.Close(); cerr != nil {
			t.Errorf("Failed to close test database: %v", cerr)
		}
	})
	return db
}

func TestOpenAndSchema(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// All core tables should exist
	for _, table := range []string{"elements", "tags", "dependencies", "events",
		"document_versions", "blocked_cache", "inbox_items", "child_counters",
		"dirty_elements", "config"} {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestTransactionCommitAndRollback(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx storage.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO elements (id, type, data) VALUES ('e1', 'task', '{}')`)
		return err
	})
	if err != nil {
		t.Fatalf("commit transaction failed: %v", err)
	}

	boom := errors.New("boom")
	err = db.Transaction(ctx, func(tx storage.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO elements (id, type, data) VALUES ('e2', 'task', '{}')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM elements`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 element after rollback, got %d", count)
	}
}

func TestTransactionPanicRollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_ = db.Transaction(ctx, func(tx storage.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO elements (id, type, data) VALUES ('p1', 'task', '{}')`); err != nil {
				return err
			}
			panic("handler bug")
		})
	}()

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM elements`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected 0 elements after panic rollback, got %d", count)
	}
}

func TestNextChildNumberMonotonic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for want := 1; want <= 5; want++ {
		n, err := db.NextChildNumber(ctx, "pl-1")
		if err != nil {
			t.Fatalf("NextChildNumber: %v", err)
		}
		if n != want {
			t.Errorf("expected %d, got %d", want, n)
		}
	}

	// Independent counter per parent
	n, err := db.NextChildNumber(ctx, "pl-2")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected fresh counter to start at 1, got %d", n)
	}
}

func TestDirtyTracking(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.MarkDirty(ctx, fmt.Sprintf("e%d", i)); err != nil {
			t.Fatalf("MarkDirty: %v", err)
		}
	}
	// Re-marking is an upsert, not a duplicate
	if err := db.MarkDirty(ctx, "e0"); err != nil {
		t.Fatal(err)
	}

	ids, err := db.DirtySince(ctx, 0)
	if err != nil {
		t.Fatalf("DirtySince: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("expected 3 dirty ids, got %d: %v", len(ids), ids)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.GetConfig(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := db.SetConfig(ctx, "actor", "steward"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetConfig(ctx, "actor", "director"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetConfig(ctx, "actor")
	if err != nil {
		t.Fatal(err)
	}
	if v != "director" {
		t.Errorf("expected overwritten value, got %q", v)
	}
}

func TestGetStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO elements (id, type, data) VALUES ('s1', 'task', '{}')`)
	if err != nil {
		t.Fatal(err)
	}
	st, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.ElementCount != 1 {
		t.Errorf("expected 1 element, got %d", st.ElementCount)
	}
	if st.FileSize == 0 {
		t.Error("expected nonzero file size for file-backed db")
	}
}

package storage

import (
	"context"
	"database/sql"
)

// Querier is the read/write surface shared by the root connection and an
// open transaction. Both *sqlite.DB and its transaction handle satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Tx is the handle passed to a transaction callback. All statements issued
// through it execute inside one writable transaction; the callback's error
// decides commit vs rollback.
type Tx interface {
	Querier

	// NextChildNumber atomically allocates the next ordinal for
	// hierarchical child ids under parentID (1-based, monotonic).
	NextChildNumber(ctx context.Context, parentID string) (int, error)
}

// Stats describes the engine's physical state.
type Stats struct {
	FileSize     int64 `json:"file_size"`
	ElementCount int   `json:"element_count"`
	EventCount   int64 `json:"event_count"`
}

// DB is the engine contract the core consumes. The query layer must
// support JSON field extraction for filtering (json_extract or
// equivalent); everything else is plain SQL.
type DB interface {
	Querier

	// Transaction runs fn inside a single writable transaction. Rollback on
	// error or panic, commit otherwise. Nested calls are not supported.
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	// NextChildNumber allocates outside a transaction (rarely needed;
	// prefer the Tx method).
	NextChildNumber(ctx context.Context, parentID string) (int, error)

	// MarkDirty records that an element changed, for external sync
	// consumers polling DirtySince.
	MarkDirty(ctx context.Context, id string) error

	// DirtySince lists element ids marked dirty at or after the given
	// unix-milli watermark.
	DirtySince(ctx context.Context, sinceUnixMilli int64) ([]string, error)

	// Config key-value table (schema version, actor defaults).
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

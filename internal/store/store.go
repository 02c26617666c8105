// Package store implements the element store: polymorphic records with an
// append-only event journal, a typed dependency graph, the blocked-state
// cache, the ready scheduler, and the inbox router.
//
// Every mutating operation runs inside a single engine transaction and
// writes its journal event in that same transaction. Blocked-cache
// recomputation happens after the triggering transaction commits, so the
// cache never reflects a not-yet-visible state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/idgen"
	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// Store is the element store. A single Store owns all writes to elements,
// tags, dependencies, events, document versions, and the blocked cache.
type Store struct {
	db  storage.DB
	log zerolog.Logger
	now func() time.Time

	// rebuildPending is set when an incremental cache recompute fails;
	// the next RebuildBlockedCache clears it.
	rebuildPending atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store over the given engine.
func New(db storage.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		log: log.WithComponent("store"),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying engine for collaborating packages (plan
// engine, stats). Do not issue writes to element tables through it.
func (s *Store) DB() storage.DB { return s.db }

// idPrefixes maps variants to their id prefix.
var idPrefixes = map[types.ElementType]string{
	types.TypeTask:     "t",
	types.TypePlan:     "pl",
	types.TypeWorkflow: "wf",
	types.TypeChannel:  "ch",
	types.TypeMessage:  "msg",
	types.TypeDocument: "doc",
	types.TypeEntity:   "ent",
	types.TypeTeam:     "team",
	types.TypeLibrary:  "lib",
}

// generateID allocates a fresh id for el, retrying with a nonce on the
// rare hash collision.
func (s *Store) generateID(ctx context.Context, q storage.Querier, el *types.Element) (string, error) {
	prefix := idPrefixes[el.Type]
	seed, err := types.MarshalPayload(el.Data)
	if err != nil {
		return "", err
	}
	for nonce := 0; nonce < 10; nonce++ {
		id := idgen.New(prefix, seed, el.CreatedBy, s.now(), nonce)
		var exists int
		err := q.QueryRowContext(ctx, `SELECT 1 FROM elements WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("id collision probe: %w", err)
		}
	}
	return "", storage.Internal("store.generateID", fmt.Errorf("exhausted id nonces for prefix %s", prefix))
}

// getElement loads one element row (tags included) through q. Returns
// storage.ErrNotFound if the row is missing and a storage-kind error if
// the payload is corrupt.
func getElement(ctx context.Context, q storage.Querier, id string) (*types.Element, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, type, data, content_hash, metadata, created_at, updated_at, created_by, deleted_at
		FROM elements WHERE id = ?
	`, id)
	el, err := scanElement(row)
	if err != nil {
		return nil, err
	}
	tags, err := getTags(ctx, q, id)
	if err != nil {
		return nil, err
	}
	el.Tags = tags
	return el, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanElement decodes one elements row.
func scanElement(row rowScanner) (*types.Element, error) {
	var (
		el        types.Element
		data      string
		metadata  string
		createdBy sql.NullString
		deletedAt sql.NullTime
	)
	err := row.Scan(&el.ID, &el.Type, &data, &el.ContentHash, &metadata,
		&el.CreatedAt, &el.UpdatedAt, &createdBy, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound("store.get", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scan element: %w", err)
	}
	el.CreatedBy = createdBy.String
	if deletedAt.Valid {
		t := deletedAt.Time
		el.DeletedAt = &t
	}
	payload, err := types.UnmarshalPayload(el.Type, data)
	if err != nil {
		return nil, &storage.Error{Kind: storage.ErrStorage, Op: "store.get", ID: el.ID,
			Msg: "corrupt element payload", Err: err}
	}
	el.Data = payload
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &el.Metadata); err != nil {
			return nil, &storage.Error{Kind: storage.ErrStorage, Op: "store.get", ID: el.ID,
				Msg: "corrupt element metadata", Err: err}
		}
	}
	return &el, nil
}

func getTags(ctx context.Context, q storage.Querier, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT tag FROM tags WHERE element_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// saveData persists a mutated payload/metadata/hash back to the row.
func (s *Store) saveData(ctx context.Context, q storage.Querier, el *types.Element) error {
	data, err := types.MarshalPayload(el.Data)
	if err != nil {
		return err
	}
	meta, err := marshalMetadata(el.Metadata)
	if err != nil {
		return err
	}
	el.ContentHash = el.ComputeContentHash()
	_, err = q.ExecContext(ctx, `
		UPDATE elements SET data = ?, metadata = ?, content_hash = ?, updated_at = ?, deleted_at = ?
		WHERE id = ?
	`, data, meta, el.ContentHash, el.UpdatedAt, el.DeletedAt, el.ID)
	if err != nil {
		return fmt.Errorf("update element row: %w", err)
	}
	return nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

// replaceTags rewrites the tag rows for an element.
func replaceTags(ctx context.Context, q storage.Querier, id string, tags []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM tags WHERE element_id = ?`, id); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for _, tag := range tags {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (element_id, tag) VALUES (?, ?)`, id, tag); err != nil {
			return fmt.Errorf("insert tag %q: %w", tag, err)
		}
	}
	return nil
}

// insertEvent appends one journal record inside the caller's transaction.
// at must equal the timestamp stamped onto the mutated row so that
// reconstruction cutoffs line up with element timestamps.
func (s *Store) insertEvent(ctx context.Context, q storage.Querier, elementID string,
	eventType types.EventType, actor string, oldValue, newValue *string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO events (element_id, event_type, actor, old_value, new_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, elementID, eventType, actor, oldValue, newValue, at)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", eventType, err)
	}
	return nil
}

// snapshotJSON serialises the element state carried on state-bearing
// events (created, updated, closed, reopened, auto_blocked,
// auto_unblocked). Reconstruction folds these snapshots.
func snapshotJSON(el *types.Element) (*string, error) {
	snap := struct {
		Data     types.Payload  `json:"data"`
		Tags     []string       `json:"tags,omitempty"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}{el.Data, el.Tags, el.Metadata}
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	s := string(b)
	return &s, nil
}

func strPtr(s string) *string { return &s }

// markDirtyQuiet marks outside the user path; failures are logged only.
func (s *Store) markDirtyQuiet(ctx context.Context, id string) {
	if err := s.db.MarkDirty(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("failed to mark element dirty")
	}
}

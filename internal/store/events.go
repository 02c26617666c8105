package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// Events returns the journal for one element, sequence ascending unless
// the query says otherwise.
func (s *Store) Events(ctx context.Context, elementID string, q types.EventQuery) ([]*types.Event, error) {
	return s.queryEvents(ctx, elementID, q)
}

// QueryEvents reads the journal across all elements (by type, actor, or
// time window).
func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]*types.Event, error) {
	return s.queryEvents(ctx, "", q)
}

func (s *Store) queryEvents(ctx context.Context, elementID string, q types.EventQuery) ([]*types.Event, error) {
	var (
		where []string
		args  []any
	)
	if elementID != "" {
		where = append(where, "element_id = ?")
		args = append(args, elementID)
	}
	if len(q.Types) > 0 {
		vals := make([]string, len(q.Types))
		for i, t := range q.Types {
			vals[i] = "?"
			args = append(args, t)
		}
		where = append(where, "event_type IN ("+strings.Join(vals, ", ")+")")
	}
	if q.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, q.Actor)
	}
	if q.After != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *q.After)
	}
	if q.Before != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *q.Before)
	}

	query := `SELECT seq, element_id, event_type, actor, old_value, new_value, created_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Descending {
		query += " ORDER BY seq DESC"
	} else {
		query += " ORDER BY seq ASC"
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner) (*types.Event, error) {
	var (
		ev       types.Event
		actor    sql.NullString
		oldValue sql.NullString
		newValue sql.NullString
	)
	if err := row.Scan(&ev.Sequence, &ev.ElementID, &ev.EventType,
		&actor, &oldValue, &newValue, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Actor = actor.String
	if oldValue.Valid {
		v := oldValue.String
		ev.OldValue = &v
	}
	if newValue.Valid {
		v := newValue.String
		ev.NewValue = &v
	}
	return &ev, nil
}

// ReconstructAt rebuilds an element as it was at the given instant by
// folding its journal in sequence order, taking the last state-bearing
// snapshot at or before the cutoff. Returns nil when the element did not
// exist at that time (created later, or deleted before).
func (s *Store) ReconstructAt(ctx context.Context, id string, at time.Time) (*types.Element, error) {
	current, err := getElement(ctx, s.db, id)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	events, err := s.Events(ctx, id, types.EventQuery{Before: &at})
	if err != nil {
		return nil, err
	}

	var (
		snap    *string
		absent  = true
		touched time.Time
	)
	for _, ev := range events {
		switch ev.EventType {
		case types.EventCreated, types.EventUpdated, types.EventClosed,
			types.EventReopened, types.EventAutoBlocked, types.EventAutoUnblocked:
			if ev.NewValue != nil {
				snap = ev.NewValue
				touched = ev.CreatedAt
			}
			absent = false
		case types.EventDeleted:
			absent = true
		}
	}
	if absent || snap == nil {
		return nil, nil
	}

	var decoded struct {
		Data     json.RawMessage `json:"data"`
		Tags     []string        `json:"tags"`
		Metadata map[string]any  `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(*snap), &decoded); err != nil {
		return nil, &storage.Error{Kind: storage.ErrStorage, Op: "store.ReconstructAt", ID: id,
			Msg: "corrupt event snapshot", Err: err}
	}
	payload, err := types.UnmarshalPayload(current.Type, string(decoded.Data))
	if err != nil {
		return nil, &storage.Error{Kind: storage.ErrStorage, Op: "store.ReconstructAt", ID: id,
			Msg: "corrupt event snapshot payload", Err: err}
	}

	el := &types.Element{
		ID:        current.ID,
		Type:      current.Type,
		CreatedAt: current.CreatedAt,
		UpdatedAt: touched,
		CreatedBy: current.CreatedBy,
		Tags:      decoded.Tags,
		Metadata:  decoded.Metadata,
		Data:      payload,
	}
	el.ContentHash = el.ComputeContentHash()
	return el, nil
}

// GetDocumentVersion loads a historical document payload. version equal
// to the live version returns the current payload.
func (s *Store) GetDocumentVersion(ctx context.Context, id string, version int) (*types.DocumentData, error) {
	const op = "store.GetDocumentVersion"

	el, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, ok := el.Document()
	if !ok {
		return nil, storage.Constraint(op, id, "element is not a document")
	}
	if version == doc.Version {
		return doc, nil
	}

	var data string
	err = s.db.QueryRowContext(ctx,
		`SELECT data FROM document_versions WHERE id = ? AND version = ?`, id, version).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storage.NotFound(op, fmt.Sprintf("%s@%d", id, version))
	}
	if err != nil {
		return nil, fmt.Errorf("query document version: %w", err)
	}
	payload, err := types.UnmarshalPayload(types.TypeDocument, data)
	if err != nil {
		return nil, &storage.Error{Kind: storage.ErrStorage, Op: op, ID: id,
			Msg: "corrupt document version", Err: err}
	}
	return payload.(*types.DocumentData), nil
}

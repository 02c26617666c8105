package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// Create validates and inserts a new element, writing its created event in
// the same transaction. The element's ID is generated when empty;
// CreatedAt/UpdatedAt and the content hash are always set by the store.
//
// Variant rules enforced here: entity name uniqueness, direct-channel
// find-or-create by sorted member pair, message sender membership, message
// refs pointing at live documents, and thread parents living in the same
// channel. Messages additionally get their replies-to edge, mention edges,
// and inbox routing (unless metadata.suppressInbox is set).
func (s *Store) Create(ctx context.Context, el *types.Element, actor string) error {
	const op = "store.Create"

	s.applyCreateDefaults(el)
	if err := el.Validate(); err != nil {
		return storage.Validation(op, err.Error())
	}

	// Direct channels are find-or-create: creating the same pair twice
	// (in either order) yields the existing channel.
	if ch, ok := el.Channel(); ok && ch.ChannelType == types.ChannelDirect {
		existing, err := s.findDirectChannel(ctx, ch.DirectKey())
		if err != nil {
			return err
		}
		if existing != nil {
			*el = *existing
			return nil
		}
	}

	err := s.db.Transaction(ctx, func(tx storage.Tx) error {
		return s.createTx(ctx, tx, el, actor)
	})
	if err != nil {
		return err
	}
	s.markDirtyQuiet(ctx, el.ID)
	return nil
}

// CreateWithParent creates el and its parent-child edge to parentID in one
// transaction. When useChildID is true the element id is allocated from
// the parent's atomic child counter ("<parentId>.<n>").
func (s *Store) CreateWithParent(ctx context.Context, el *types.Element, parentID, actor string, useChildID bool) error {
	const op = "store.CreateWithParent"

	s.applyCreateDefaults(el)
	if err := el.Validate(); err != nil {
		return storage.Validation(op, err.Error())
	}

	err := s.db.Transaction(ctx, func(tx storage.Tx) error {
		parent, err := getElement(ctx, tx, parentID)
		if err != nil {
			return err
		}
		if parent.IsTombstone() {
			return storage.Constraint(op, parentID, "parent is deleted")
		}
		if useChildID {
			n, err := tx.NextChildNumber(ctx, parentID)
			if err != nil {
				return err
			}
			el.ID = types.ChildID(parentID, n)
		}
		if err := s.createTx(ctx, tx, el, actor); err != nil {
			return err
		}
		dep := &types.Dependency{
			BlockedID: el.ID,
			BlockerID: parentID,
			Type:      types.DepParentChild,
			CreatedBy: actor,
		}
		return s.addDependencyTx(ctx, tx, dep, actor)
	})
	if err != nil {
		return err
	}
	s.markDirtyQuiet(ctx, el.ID)
	// A child of a draft plan or a non-running workflow is born blocked.
	s.notifyChanged(ctx, el.ID)
	return nil
}

// applyCreateDefaults fills variant defaults before validation.
func (s *Store) applyCreateDefaults(el *types.Element) {
	now := s.now()
	el.CreatedAt = now
	el.UpdatedAt = now
	el.DeletedAt = nil

	switch d := el.Data.(type) {
	case *types.TaskData:
		d.SetDefaults()
	case *types.PlanData:
		if d.Status == "" {
			d.Status = types.PlanDraft
		}
	case *types.WorkflowData:
		if d.Status == "" {
			d.Status = types.WorkflowPending
		}
	case *types.DocumentData:
		if d.Version == 0 {
			d.Version = 1
		}
		if d.Status == "" {
			d.Status = types.DocumentActive
		}
	}
}

// createTx performs the insert inside an open transaction.
func (s *Store) createTx(ctx context.Context, tx storage.Tx, el *types.Element, actor string) error {
	const op = "store.Create"

	switch d := el.Data.(type) {
	case *types.EntityData:
		if err := s.checkEntityNameUnique(ctx, tx, d.Name, ""); err != nil {
			return err
		}
	case *types.MessageData:
		if err := s.validateMessage(ctx, tx, d); err != nil {
			return err
		}
	}

	if el.ID == "" {
		id, err := s.generateID(ctx, tx, el)
		if err != nil {
			return err
		}
		el.ID = id
	} else {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM elements WHERE id = ?`, el.ID).Scan(&exists)
		if err == nil {
			return storage.Conflict(op, el.ID, "element already exists")
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("id existence probe: %w", err)
		}
	}

	data, err := types.MarshalPayload(el.Data)
	if err != nil {
		return err
	}
	meta, err := marshalMetadata(el.Metadata)
	if err != nil {
		return err
	}
	el.CreatedBy = actor
	el.ContentHash = el.ComputeContentHash()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO elements (id, type, data, content_hash, metadata, created_at, updated_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, el.ID, el.Type, data, el.ContentHash, meta, el.CreatedAt, el.UpdatedAt, el.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert element: %w", err)
	}

	if err := replaceTags(ctx, tx, el.ID, el.Tags); err != nil {
		return err
	}

	snap, err := snapshotJSON(el)
	if err != nil {
		return err
	}
	if err := s.insertEvent(ctx, tx, el.ID, types.EventCreated, actor, nil, snap, el.CreatedAt); err != nil {
		return err
	}

	// Message extras: the created event precedes the thread edge, mention
	// edges, and inbox writes, all inside this transaction.
	if msg, ok := el.Message(); ok {
		if msg.ThreadID != "" {
			dep := &types.Dependency{
				BlockedID: el.ID,
				BlockerID: msg.ThreadID,
				Type:      types.DepRepliesTo,
				CreatedBy: actor,
			}
			if err := s.addDependencyTx(ctx, tx, dep, actor); err != nil {
				return err
			}
		}
		if err := s.routeMessage(ctx, tx, el, msg, actor); err != nil {
			return err
		}
	}
	return nil
}

// checkEntityNameUnique enforces name uniqueness across non-tombstoned
// entities. excludeID skips the entity being updated.
func (s *Store) checkEntityNameUnique(ctx context.Context, q storage.Querier, name, excludeID string) error {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM elements
		WHERE type = 'entity' AND deleted_at IS NULL
		  AND json_extract(data, '$.name') = ?
		  AND id != ?
	`, name, excludeID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("entity name probe: %w", err)
	}
	return storage.Conflict("store.Create", id, fmt.Sprintf("entity name %q already in use", name))
}

// validateMessage checks membership and reference liveness for a message.
func (s *Store) validateMessage(ctx context.Context, q storage.Querier, msg *types.MessageData) error {
	const op = "store.Create"

	channel, err := getElement(ctx, q, msg.ChannelID)
	if err != nil {
		return err
	}
	ch, ok := channel.Channel()
	if !ok {
		return storage.Constraint(op, msg.ChannelID, "message channel_id does not reference a channel")
	}
	if channel.IsTombstone() {
		return storage.Constraint(op, msg.ChannelID, "channel is deleted")
	}
	if !ch.HasMember(msg.Sender) {
		return storage.Constraint(op, msg.ChannelID,
			fmt.Sprintf("sender %s is not a channel member", msg.Sender))
	}

	refs := append([]string{msg.ContentRef}, msg.Attachments...)
	for _, ref := range refs {
		doc, err := getElement(ctx, q, ref)
		if err != nil {
			return err
		}
		if doc.Type != types.TypeDocument || doc.IsTombstone() {
			return storage.Constraint(op, ref, "message ref must point to a live document")
		}
	}

	if msg.ThreadID != "" {
		parent, err := getElement(ctx, q, msg.ThreadID)
		if err != nil {
			return err
		}
		pm, ok := parent.Message()
		if !ok {
			return storage.Constraint(op, msg.ThreadID, "thread_id does not reference a message")
		}
		if pm.ChannelID != msg.ChannelID {
			return storage.Constraint(op, msg.ThreadID, "thread parent lives in a different channel")
		}
	}
	return nil
}

// findDirectChannel locates an existing direct channel by its sorted pair
// key. Returns nil when no channel matches.
func (s *Store) findDirectChannel(ctx context.Context, key string) (*types.Element, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, data, content_hash, metadata, created_at, updated_at, created_by, deleted_at
		FROM elements
		WHERE type = 'channel' AND deleted_at IS NULL
		  AND json_extract(data, '$.channel_type') = 'direct'
	`)
	if err != nil {
		return nil, fmt.Errorf("query direct channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		el, err := scanElement(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping corrupt channel row")
			continue
		}
		if ch, ok := el.Channel(); ok && ch.DirectKey() == key {
			tags, err := getTags(ctx, s.db, el.ID)
			if err != nil {
				return nil, err
			}
			el.Tags = tags
			return el, nil
		}
	}
	return nil, rows.Err()
}

// FindOrCreateDirectChannel returns the direct channel for the member
// pair, creating it when absent.
func (s *Store) FindOrCreateDirectChannel(ctx context.Context, a, b, actor string) (*types.Element, error) {
	el := &types.Element{
		Type: types.TypeChannel,
		Data: &types.ChannelData{ChannelType: types.ChannelDirect, Members: []string{a, b}},
	}
	if err := s.Create(ctx, el, actor); err != nil {
		return nil, err
	}
	return el, nil
}

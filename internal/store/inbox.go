package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// mentionPattern matches @name tokens in document content. Names may
// carry dots and dashes (agent names often do); trailing punctuation is
// handled by validating the progressively-trimmed token against entities.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9][A-Za-z0-9_.-]*)`)

// routeMessage fans a freshly created message out to recipient inboxes:
// the other member of a direct channel, entities @-mentioned in the
// content document, and the parent sender on thread replies. Group
// channels get no broadcast items. metadata.suppressInbox skips routing
// entirely (automated dispatch notifications).
func (s *Store) routeMessage(ctx context.Context, tx storage.Tx, el *types.Element, msg *types.MessageData, actor string) error {
	if v, ok := el.Metadata["suppressInbox"].(bool); ok && v {
		return nil
	}

	channel, err := getElement(ctx, tx, msg.ChannelID)
	if err != nil {
		return err
	}
	ch, _ := channel.Channel()

	// One item per (recipient, source); a mention of the direct-channel
	// peer still produces both items, they mean different things.
	delivered := map[string]bool{}
	deliver := func(recipient string, source types.InboxSource) error {
		if recipient == "" || recipient == msg.Sender {
			return nil
		}
		key := recipient + "\x00" + string(source)
		if delivered[key] {
			return nil
		}
		delivered[key] = true
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inbox_items (recipient_id, message_id, channel_id, source_type, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, recipient, el.ID, msg.ChannelID, source, s.now())
		if err != nil {
			return fmt.Errorf("insert inbox item: %w", err)
		}
		return nil
	}

	if ch != nil && ch.ChannelType == types.ChannelDirect {
		for _, m := range ch.Members {
			if err := deliver(m, types.InboxDirect); err != nil {
				return err
			}
		}
	}

	for _, entityID := range s.resolveMentions(ctx, tx, msg) {
		dep := &types.Dependency{
			BlockedID: el.ID,
			BlockerID: entityID,
			Type:      types.DepMentions,
			CreatedBy: actor,
		}
		if err := s.addDependencyTx(ctx, tx, dep, actor); err != nil && !storage.IsConflict(err) {
			return err
		}
		if err := deliver(entityID, types.InboxMention); err != nil {
			return err
		}
	}

	if msg.ThreadID != "" {
		parent, err := getElement(ctx, tx, msg.ThreadID)
		if err != nil {
			return err
		}
		if pm, ok := parent.Message(); ok {
			if err := deliver(pm.Sender, types.InboxThreadReply); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveMentions extracts @name tokens from the message's content
// document and resolves them to live entity ids, excluding the sender.
// Unresolvable tokens and a missing content document are ignored, not
// errors: mentions are best-effort.
func (s *Store) resolveMentions(ctx context.Context, tx storage.Tx, msg *types.MessageData) []string {
	doc, err := getElement(ctx, tx, msg.ContentRef)
	if err != nil {
		return nil
	}
	dd, ok := doc.Document()
	if !ok {
		return nil
	}

	var ids []string
	seen := map[string]bool{}
	for _, match := range mentionPattern.FindAllStringSubmatch(dd.Content, -1) {
		// "@alice." at the end of a sentence should resolve as "alice".
		for name := match[1]; name != ""; name = strings.TrimRight(name, ".-_") {
			if seen[name] {
				break
			}
			id, err := s.entityIDByName(ctx, tx, name)
			if err != nil {
				s.log.Warn().Err(err).Str("mention", name).Msg("mention lookup failed")
				break
			}
			seen[name] = true
			if id != "" && id != msg.Sender && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
			if id != "" {
				break
			}
			if !strings.ContainsAny(name, ".-_") {
				break
			}
		}
	}
	return ids
}

func (s *Store) entityIDByName(ctx context.Context, q storage.Querier, name string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		SELECT id FROM elements
		WHERE type = 'entity' AND deleted_at IS NULL
		  AND json_extract(data, '$.name') = ?
	`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("entity lookup: %w", err)
	}
	return id, nil
}

// Inbox returns a recipient's inbox items, newest first. unreadOnly
// restricts to items without a read marker.
func (s *Store) Inbox(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*types.InboxItem, error) {
	query := `
		SELECT id, recipient_id, message_id, channel_id, source_type, read_at, created_at
		FROM inbox_items WHERE recipient_id = ?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	args := []any{recipientID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*types.InboxItem
	for rows.Next() {
		var (
			item   types.InboxItem
			readAt sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.RecipientID, &item.MessageID,
			&item.ChannelID, &item.SourceType, &readAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			t := readAt.Time
			item.ReadAt = &t
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// MarkRead stamps read_at on the given inbox items. Already-read items
// keep their original timestamp.
func (s *Store) MarkRead(ctx context.Context, itemIDs ...int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(itemIDs)+1)
	args = append(args, s.now())
	for _, id := range itemIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE inbox_items SET read_at = ?
		WHERE id IN (`+placeholders(len(itemIDs))+`) AND read_at IS NULL
	`, args...)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkAllRead stamps every unread item for a recipient.
func (s *Store) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbox_items SET read_at = ? WHERE recipient_id = ? AND read_at IS NULL
	`, s.now(), recipientID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

package store

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// DeleteOptions qualifies a soft delete.
type DeleteOptions struct {
	Actor  string
	Reason string
}

// Delete soft-tombstones an element: deleted_at is set, a task's status
// moves to tombstone, every dependency row touching the element is
// hard-deleted, and a deleted event records the reason. Documents lose
// their version history in the same transaction. Messages cannot be
// deleted.
//
// After commit, the blocked cache is invalidated for the element and for
// every neighbour that depended on it: elements it was blocking may
// unblock now that the edge is gone.
func (s *Store) Delete(ctx context.Context, id string, opts DeleteOptions) error {
	const op = "store.Delete"

	var affected []string
	err := s.db.Transaction(ctx, func(tx storage.Tx) error {
		el, err := getElement(ctx, tx, id)
		if err != nil {
			return err
		}
		if el.Type == types.TypeMessage {
			return storage.Constraint(op, id, "messages cannot be deleted")
		}
		if el.IsTombstone() {
			return storage.Constraint(op, id, "element is already deleted")
		}

		// Capture neighbours before the edges disappear: anything blocked
		// by this element needs a recheck once its edge is gone.
		rows, err := tx.QueryContext(ctx, `
			SELECT DISTINCT blocked_id FROM dependencies
			WHERE blocker_id = ? AND type IN ('blocks', 'awaits', 'parent-child', 'gate')
		`, id)
		if err != nil {
			return fmt.Errorf("capture neighbours: %w", err)
		}
		for rows.Next() {
			var nid string
			if err := rows.Scan(&nid); err != nil {
				_ = rows.Close()
				return err
			}
			affected = append(affected, nid)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := s.now()
		el.DeletedAt = &now
		el.UpdatedAt = now
		if task, ok := el.Task(); ok {
			task.Status = types.TaskTombstone
		}
		if err := s.saveData(ctx, tx, el); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dependencies WHERE blocked_id = ? OR blocker_id = ?`, id, id); err != nil {
			return fmt.Errorf("cascade dependency delete: %w", err)
		}

		if el.Type == types.TypeDocument {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM document_versions WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete version history: %w", err)
			}
		}

		return s.insertEvent(ctx, tx, id, types.EventDeleted, opts.Actor, nil, strPtr(opts.Reason), now)
	})
	if err != nil {
		return err
	}

	s.markDirtyQuiet(ctx, id)
	s.notifyChanged(ctx, append([]string{id}, affected...)...)
	return nil
}

// HardDeleteResult reports a destructive delete.
type HardDeleteResult struct {
	Deleted int `json:"deleted"`
	Events  int `json:"events"`
}

// HardDelete permanently removes elements and all their satellite rows:
// tags, dependencies, events, document versions, inbox items, blocked
// cache entries. Used by the workflow engine for workflow teardown and
// ephemeral GC; regular deletion goes through Delete.
func (s *Store) HardDelete(ctx context.Context, ids []string) (*HardDeleteResult, error) {
	if len(ids) == 0 {
		return &HardDeleteResult{}, nil
	}

	var affected []string
	res := &HardDeleteResult{}
	err := s.db.Transaction(ctx, func(tx storage.Tx) error {
		for _, id := range ids {
			rows, err := tx.QueryContext(ctx, `
				SELECT DISTINCT blocked_id FROM dependencies
				WHERE blocker_id = ? AND type IN ('blocks', 'awaits', 'parent-child', 'gate')
			`, id)
			if err != nil {
				return fmt.Errorf("capture neighbours: %w", err)
			}
			for rows.Next() {
				var nid string
				if err := rows.Scan(&nid); err != nil {
					_ = rows.Close()
					return err
				}
				affected = append(affected, nid)
			}
			_ = rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx,
				`DELETE FROM dependencies WHERE blocked_id = ? OR blocker_id = ?`, id, id); err != nil {
				return fmt.Errorf("delete dependencies: %w", err)
			}
			evRes, err := tx.ExecContext(ctx, `DELETE FROM events WHERE element_id = ?`, id)
			if err != nil {
				return fmt.Errorf("delete events: %w", err)
			}
			if n, err := evRes.RowsAffected(); err == nil {
				res.Events += int(n)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM document_versions WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete versions: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM inbox_items WHERE message_id = ?`, id); err != nil {
				return fmt.Errorf("delete inbox items: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM blocked_cache WHERE element_id = ?`, id); err != nil {
				return fmt.Errorf("delete cache entry: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE element_id = ?`, id); err != nil {
				return fmt.Errorf("delete tags: %w", err)
			}
			delRes, err := tx.ExecContext(ctx, `DELETE FROM elements WHERE id = ?`, id)
			if err != nil {
				return fmt.Errorf("delete element: %w", err)
			}
			if n, err := delRes.RowsAffected(); err == nil {
				res.Deleted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	deleted := toSet(ids)
	var survivors []string
	for _, id := range affected {
		if !deleted[id] {
			survivors = append(survivors, id)
		}
	}
	s.notifyChanged(ctx, survivors...)
	return res, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// maxCascadeSteps caps one incremental recompute so a corrupted graph
// cannot spin forever; hitting it schedules a full rebuild.
const maxCascadeSteps = 10000

// notifyChanged recomputes the blocked-state cache for the given elements
// and cascades through their transitive dependents. It runs after the
// triggering transaction has committed, so the recompute only ever sees
// durable state. Failures never surface on the user path: they are logged
// and a full rebuild is scheduled instead.
func (s *Store) notifyChanged(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	if err := s.recomputeBlocked(ctx, ids); err != nil {
		s.log.Warn().Err(err).Strs("ids", ids).
			Msg("blocked cache recompute failed, scheduling full rebuild")
		s.rebuildPending.Store(true)
	}
}

// CacheRebuildPending reports whether a failed incremental recompute has
// flagged the cache for a full rebuild.
func (s *Store) CacheRebuildPending() bool { return s.rebuildPending.Load() }

// recomputeBlocked runs the worklist algorithm: recompute each seed entry,
// and whenever an element's cache membership flips, re-enqueue everything
// that depends on it through a blocking-class edge.
func (s *Store) recomputeBlocked(ctx context.Context, seeds []string) error {
	return s.db.Transaction(ctx, func(tx storage.Tx) error {
		queue := append([]string(nil), seeds...)
		queued := toSet(seeds)
		// A status change on a seed affects the entries of everything
		// waiting on it, so dependents of seeds always recompute; deeper
		// levels only recompute when a membership actually flips.
		for _, id := range seeds {
			deps, err := blockingDependents(ctx, tx, id)
			if err != nil {
				return err
			}
			for _, d := range deps {
				if !queued[d] {
					queued[d] = true
					queue = append(queue, d)
				}
			}
		}
		steps := 0
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			delete(queued, id)
			if steps++; steps > maxCascadeSteps {
				return storage.Internal("store.recomputeBlocked",
					fmt.Errorf("cascade exceeded %d steps", maxCascadeSteps))
			}

			flipped, err := s.recomputeEntry(ctx, tx, id)
			if err != nil {
				return err
			}
			if !flipped {
				continue
			}
			deps, err := blockingDependents(ctx, tx, id)
			if err != nil {
				return err
			}
			for _, d := range deps {
				if !queued[d] {
					queued[d] = true
					queue = append(queue, d)
				}
			}
		}
		return nil
	})
}

// recomputeEntry recomputes one cache row and applies the automatic status
// coupling. Returns whether cache membership flipped (the only change that
// propagates to dependents).
func (s *Store) recomputeEntry(ctx context.Context, tx storage.Tx, id string) (bool, error) {
	existing, err := getBlockedRow(ctx, tx, id)
	if err != nil {
		return false, err
	}

	entry, err := s.computeEntry(ctx, tx, id)
	if err != nil {
		return false, err
	}

	switch {
	case entry == nil && existing == nil:
		return false, nil

	case entry == nil:
		// Unblocked: drop the row, then restore the pre-block status.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM blocked_cache WHERE element_id = ?`, id); err != nil {
			return false, fmt.Errorf("delete cache row: %w", err)
		}
		if err := s.applyUnblockCoupling(ctx, tx, id, existing.PriorStatus); err != nil {
			return false, err
		}
		return true, nil

	case existing == nil:
		if err := s.applyBlockCoupling(ctx, tx, id, entry); err != nil {
			return false, err
		}
		if err := putBlockedRow(ctx, tx, entry); err != nil {
			return false, err
		}
		return true, nil

	default:
		// Still blocked; refresh the blocker list and reason, keep the
		// remembered prior status.
		entry.PriorStatus = existing.PriorStatus
		if err := putBlockedRow(ctx, tx, entry); err != nil {
			return false, err
		}
		return false, nil
	}
}

// computeEntry evaluates the blocking rules for one element against the
// live cache table. Nil means unblocked.
func (s *Store) computeEntry(ctx context.Context, tx storage.Tx, id string) (*types.BlockedEntry, error) {
	return s.computeEntryWith(ctx, tx, id, func(blockerID string) (bool, error) {
		return inBlockedCache(ctx, tx, blockerID)
	})
}

// computeEntryWith evaluates the blocking rules for one element, answering
// rule 4 membership through blocked. Nil means unblocked. An element is
// blocked when any outgoing blocking-class edge points at a blocker that
// either blocks directly (rules 1-3) or is itself blocked (rule 4).
func (s *Store) computeEntryWith(ctx context.Context, tx storage.Tx, id string,
	blocked func(string) (bool, error)) (*types.BlockedEntry, error) {
	el, err := getElement(ctx, tx, id)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if el.IsTombstone() {
		return nil, nil
	}

	edges, err := outgoingBlockingEdges(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	var (
		blockedBy []string
		reasons   []string
	)
	for _, edge := range edges {
		blocker, err := getElement(ctx, tx, edge.BlockerID)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		reason, direct := directBlockReason(edge, blocker)
		if !direct {
			inCache, err := blocked(edge.BlockerID)
			if err != nil {
				return nil, err
			}
			if inCache {
				reason = fmt.Sprintf("transitively blocked by %s", edge.BlockerID)
				direct = true
			}
		}
		if direct {
			blockedBy = append(blockedBy, edge.BlockerID)
			reasons = append(reasons, reason)
		}
	}
	if len(blockedBy) == 0 {
		return nil, nil
	}
	sort.Strings(blockedBy)
	return &types.BlockedEntry{
		ElementID: id,
		BlockedBy: dedupe(blockedBy),
		Reason:    strings.Join(reasons, "; "),
	}, nil
}

// directBlockReason applies rules 1-3 to a single edge.
func directBlockReason(edge *types.Dependency, blocker *types.Element) (string, bool) {
	if blocker.IsTombstone() {
		return "", false
	}
	switch edge.Type {
	case types.DepBlocks:
		if !blockerTerminal(blocker) {
			return fmt.Sprintf("blocked by %s", blocker.ID), true
		}
	case types.DepAwaits:
		if !blockerTerminal(blocker) {
			return fmt.Sprintf("awaiting %s", blocker.ID), true
		}
		if !edge.GateMeta().GateSatisfied() {
			return fmt.Sprintf("awaiting approvals on %s", blocker.ID), true
		}
	case types.DepGate:
		if !edge.GateMeta().GateSatisfied() {
			return fmt.Sprintf("gate %s not satisfied", blocker.ID), true
		}
	case types.DepParentChild:
		if plan, ok := blocker.Plan(); ok && plan.Status == types.PlanDraft {
			return fmt.Sprintf("parent plan %s is draft", blocker.ID), true
		}
		if wf, ok := blocker.Workflow(); ok && wf.Status.BlocksChildren() {
			return fmt.Sprintf("parent workflow %s is %s", blocker.ID, wf.Status), true
		}
	}
	return "", false
}

// blockerTerminal reports whether a blocker satisfies elements waiting on
// it. Variants without a terminal state never satisfy a blocks edge while
// they are live.
func blockerTerminal(el *types.Element) bool {
	switch d := el.Data.(type) {
	case *types.TaskData:
		return d.Status.IsTerminal()
	case *types.PlanData:
		return d.Status.IsTerminal()
	case *types.WorkflowData:
		return d.Status.IsTerminal()
	}
	return false
}

// applyBlockCoupling moves a task with status open/in_progress to blocked,
// remembers the prior status on the entry, and journals auto_blocked. The
// write happens inline in the cache transaction so it cannot re-trigger a
// recompute.
func (s *Store) applyBlockCoupling(ctx context.Context, tx storage.Tx, id string, entry *types.BlockedEntry) error {
	el, err := getElement(ctx, tx, id)
	if err != nil {
		return err
	}
	task, ok := el.Task()
	if !ok {
		return nil
	}
	if task.Status != types.TaskOpen && task.Status != types.TaskInProgress {
		return nil
	}

	oldSnap, err := snapshotJSON(el)
	if err != nil {
		return err
	}
	entry.PriorStatus = task.Status
	task.Status = types.TaskBlocked
	el.UpdatedAt = s.now()
	if err := s.saveData(ctx, tx, el); err != nil {
		return err
	}
	newSnap, err := snapshotJSON(el)
	if err != nil {
		return err
	}
	s.log.Debug().Str("id", id).Strs("blocked_by", entry.BlockedBy).Msg("task auto-blocked")
	return s.insertEvent(ctx, tx, id, types.EventAutoBlocked, "system", oldSnap, newSnap, el.UpdatedAt)
}

// applyUnblockCoupling restores the remembered status on a task whose
// current status is blocked, and journals auto_unblocked.
func (s *Store) applyUnblockCoupling(ctx context.Context, tx storage.Tx, id string, prior types.TaskStatus) error {
	el, err := getElement(ctx, tx, id)
	if storage.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	task, ok := el.Task()
	if !ok || task.Status != types.TaskBlocked {
		return nil
	}

	oldSnap, err := snapshotJSON(el)
	if err != nil {
		return err
	}
	if !prior.IsValid() || prior == types.TaskBlocked {
		prior = types.TaskOpen
	}
	task.Status = prior
	el.UpdatedAt = s.now()
	if err := s.saveData(ctx, tx, el); err != nil {
		return err
	}
	newSnap, err := snapshotJSON(el)
	if err != nil {
		return err
	}
	s.log.Debug().Str("id", id).Str("restored", string(prior)).Msg("task auto-unblocked")
	return s.insertEvent(ctx, tx, id, types.EventAutoUnblocked, "system", oldSnap, newSnap, el.UpdatedAt)
}

// IsBlocked answers cache membership in O(1).
func (s *Store) IsBlocked(ctx context.Context, id string) (bool, error) {
	return inBlockedCache(ctx, s.db, id)
}

// BlockedInfo returns the cache entry for id, or nil when unblocked.
func (s *Store) BlockedInfo(ctx context.Context, id string) (*types.BlockedEntry, error) {
	return getBlockedRow(ctx, s.db, id)
}

// RebuildBlockedCache recomputes the whole cache from scratch and
// reconciles the table against the result, applying status coupling for
// every membership flip. It yields the same cache as the incremental
// algorithm and is safe to run at any time.
func (s *Store) RebuildBlockedCache(ctx context.Context) error {
	err := s.db.Transaction(ctx, func(tx storage.Tx) error {
		computed, err := s.computeFullCache(ctx, tx)
		if err != nil {
			return err
		}

		existing := map[string]*types.BlockedEntry{}
		rows, err := tx.QueryContext(ctx,
			`SELECT element_id, blocked_by, reason, prior_status FROM blocked_cache`)
		if err != nil {
			return fmt.Errorf("read cache: %w", err)
		}
		for rows.Next() {
			entry, err := scanBlockedRow(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			existing[entry.ElementID] = entry
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for id, old := range existing {
			if _, still := computed[id]; !still {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM blocked_cache WHERE element_id = ?`, id); err != nil {
					return fmt.Errorf("delete stale cache row: %w", err)
				}
				if err := s.applyUnblockCoupling(ctx, tx, id, old.PriorStatus); err != nil {
					return err
				}
			}
		}
		for id, entry := range computed {
			if old, ok := existing[id]; ok {
				entry.PriorStatus = old.PriorStatus
			} else if err := s.applyBlockCoupling(ctx, tx, id, entry); err != nil {
				return err
			}
			if err := putBlockedRow(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.rebuildPending.Store(false)
	return nil
}

// computeFullCache evaluates rules 1-3 for every element with outgoing
// blocking edges, then propagates rule 4 to a fixpoint.
func (s *Store) computeFullCache(ctx context.Context, tx storage.Tx) (map[string]*types.BlockedEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT DISTINCT blocked_id FROM dependencies
		WHERE type IN ('blocks', 'awaits', 'parent-child', 'gate')
	`)
	if err != nil {
		return nil, fmt.Errorf("list blocked candidates: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	computed := map[string]*types.BlockedEntry{}
	// Direct pass evaluates rules 1-3 only. The pre-rebuild table may hold
	// exactly the corruption a rebuild exists to clear, so rule 4 never
	// reads it here; transitive membership comes from the fixpoint below.
	noCache := func(string) (bool, error) { return false, nil }
	for _, id := range candidates {
		entry, err := s.computeEntryWith(ctx, tx, id, noCache)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			computed[id] = entry
		}
	}
	// Rule 4 iterates against the in-progress result until nothing changes.
	for changed := true; changed; {
		changed = false
		for _, id := range candidates {
			if _, done := computed[id]; done {
				continue
			}
			edges, err := outgoingBlockingEdges(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			var blockedBy []string
			var reasons []string
			for _, edge := range edges {
				if _, blocked := computed[edge.BlockerID]; blocked {
					blockedBy = append(blockedBy, edge.BlockerID)
					reasons = append(reasons, fmt.Sprintf("transitively blocked by %s", edge.BlockerID))
				}
			}
			if len(blockedBy) > 0 {
				sort.Strings(blockedBy)
				computed[id] = &types.BlockedEntry{
					ElementID: id,
					BlockedBy: dedupe(blockedBy),
					Reason:    strings.Join(reasons, "; "),
				}
				changed = true
			}
		}
	}
	return computed, nil
}

// RecordApproval appends an approver to the gate edge between blocked and
// blocker, journals gate_approved, and recomputes the blocked entry.
// Approving twice is a no-op.
func (s *Store) RecordApproval(ctx context.Context, blockedID, blockerID, approver string) error {
	err := s.mutateGate(ctx, blockedID, blockerID, approver, func(gm *types.GateMetadata) (types.EventType, *string, bool) {
		for _, a := range gm.Approvals {
			if a.Approver == approver {
				return "", nil, false
			}
		}
		gm.Approvals = append(gm.Approvals, types.Approval{Approver: approver, ApprovedAt: s.now()})
		return types.EventGateApproved, strPtr(approver), true
	})
	if err != nil {
		return err
	}
	s.notifyChanged(ctx, blockedID)
	return nil
}

// RemoveApproval revokes an approver's sign-off; the element re-blocks if
// the gate is no longer satisfied.
func (s *Store) RemoveApproval(ctx context.Context, blockedID, blockerID, approver string) error {
	err := s.mutateGate(ctx, blockedID, blockerID, approver, func(gm *types.GateMetadata) (types.EventType, *string, bool) {
		kept := gm.Approvals[:0]
		removed := false
		for _, a := range gm.Approvals {
			if a.Approver == approver {
				removed = true
				continue
			}
			kept = append(kept, a)
		}
		if !removed {
			return "", nil, false
		}
		gm.Approvals = kept
		return types.EventGateRevoked, strPtr(approver), true
	})
	if err != nil {
		return err
	}
	s.notifyChanged(ctx, blockedID)
	return nil
}

// SatisfyGate marks the gate explicitly satisfied, bypassing per-approver
// bookkeeping. Used where the gate is informational only.
func (s *Store) SatisfyGate(ctx context.Context, blockedID, blockerID, actor string) error {
	err := s.mutateGate(ctx, blockedID, blockerID, actor, func(gm *types.GateMetadata) (types.EventType, *string, bool) {
		if gm.Satisfied {
			return "", nil, false
		}
		gm.Satisfied = true
		gm.SatisfiedBy = actor
		return types.EventGateApproved, strPtr(actor), true
	})
	if err != nil {
		return err
	}
	s.notifyChanged(ctx, blockedID)
	return nil
}

// mutateGate loads the awaits/gate edge between the pair, applies fn to
// its gate metadata, and persists edge plus event when fn reports a
// change.
func (s *Store) mutateGate(ctx context.Context, blockedID, blockerID, actor string,
	fn func(gm *types.GateMetadata) (types.EventType, *string, bool)) error {
	const op = "store.mutateGate"

	return s.db.Transaction(ctx, func(tx storage.Tx) error {
		dep, err := getDependency(ctx, tx, blockedID, blockerID, types.DepGate)
		if storage.IsNotFound(err) {
			dep, err = getDependency(ctx, tx, blockedID, blockerID, types.DepAwaits)
		}
		if storage.IsNotFound(err) {
			return storage.NotFound(op, fmt.Sprintf("gate edge %s -> %s", blockedID, blockerID))
		}
		if err != nil {
			return err
		}

		gm := dep.GateMeta()
		eventType, payload, changed := fn(&gm)
		if !changed {
			return nil
		}
		dep.SetGateMeta(gm)
		if _, err := tx.ExecContext(ctx, `
			UPDATE dependencies SET metadata = ?
			WHERE blocked_id = ? AND blocker_id = ? AND type = ?
		`, dep.Metadata, dep.BlockedID, dep.BlockerID, dep.Type); err != nil {
			return fmt.Errorf("update gate metadata: %w", err)
		}
		return s.insertEvent(ctx, tx, blockedID, eventType, actor, nil, payload, s.now())
	})
}

func outgoingBlockingEdges(ctx context.Context, q storage.Querier, id string) ([]*types.Dependency, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT blocked_id, blocker_id, type, created_at, created_by, metadata
		FROM dependencies
		WHERE blocked_id = ? AND type IN ('blocks', 'awaits', 'parent-child', 'gate')
		ORDER BY type, blocker_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query blocking edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []*types.Dependency
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, dep)
	}
	return edges, rows.Err()
}

func blockingDependents(ctx context.Context, q storage.Querier, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT blocked_id FROM dependencies
		WHERE blocker_id = ? AND type IN ('blocks', 'awaits', 'parent-child', 'gate')
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		ids = append(ids, d)
	}
	return ids, rows.Err()
}

func inBlockedCache(ctx context.Context, q storage.Querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM blocked_cache WHERE element_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache probe: %w", err)
	}
	return true, nil
}

func getBlockedRow(ctx context.Context, q storage.Querier, id string) (*types.BlockedEntry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT element_id, blocked_by, reason, prior_status FROM blocked_cache WHERE element_id = ?`, id)
	entry, err := scanBlockedRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

func scanBlockedRow(row rowScanner) (*types.BlockedEntry, error) {
	var (
		entry       types.BlockedEntry
		blockedBy   string
		reason      sql.NullString
		priorStatus sql.NullString
	)
	if err := row.Scan(&entry.ElementID, &blockedBy, &reason, &priorStatus); err != nil {
		return nil, err
	}
	if blockedBy != "" {
		if err := json.Unmarshal([]byte(blockedBy), &entry.BlockedBy); err != nil {
			return nil, fmt.Errorf("corrupt blocked_by for %s: %w", entry.ElementID, err)
		}
	}
	entry.Reason = reason.String
	entry.PriorStatus = types.TaskStatus(priorStatus.String)
	return &entry, nil
}

func putBlockedRow(ctx context.Context, q storage.Querier, entry *types.BlockedEntry) error {
	blockedBy, err := json.Marshal(entry.BlockedBy)
	if err != nil {
		return fmt.Errorf("marshal blocked_by: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO blocked_cache (element_id, blocked_by, reason, prior_status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(element_id) DO UPDATE SET
			blocked_by = excluded.blocked_by,
			reason = excluded.reason,
			prior_status = excluded.prior_status
	`, entry.ElementID, string(blockedBy), entry.Reason, string(entry.PriorStatus))
	if err != nil {
		return fmt.Errorf("upsert cache row: %w", err)
	}
	return nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

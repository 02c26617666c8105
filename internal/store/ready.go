package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// Ready returns the tasks an agent can start now, ordered by effective
// priority ascending (1 = most urgent), ties broken by base priority then
// creation time.
//
// A task is ready when its status is open or in_progress, it is not in
// the blocked cache, its parent plan is past draft and itself unblocked,
// scheduled_for is absent or due, and it is not parked under an ephemeral
// workflow (unless asked for).
func (s *Store) Ready(ctx context.Context, filter types.ReadyFilter) ([]*types.Element, error) {
	candidates, err := s.readyCandidates(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	parents, err := s.parentsOf(ctx, elementIDs(candidates))
	if err != nil {
		return nil, err
	}

	now := s.now()
	var ready []*types.Element
	for _, el := range candidates {
		task, _ := el.Task()
		if task.ScheduledFor != nil && task.ScheduledFor.After(now) {
			continue
		}
		if parent, ok := parents[el.ID]; ok {
			eligible, err := s.parentAdmitsWork(ctx, parent, filter.IncludeEphemeral)
			if err != nil {
				return nil, err
			}
			if !eligible {
				continue
			}
		}
		ready = append(ready, el)
	}

	walker := s.newPriorityWalker(ctx)
	effective := make(map[string]int, len(ready))
	for _, el := range ready {
		eff, err := walker.effective(el.ID)
		if err != nil {
			return nil, err
		}
		effective[el.ID] = eff
	}

	sort.SliceStable(ready, func(i, j int) bool {
		ti, _ := ready[i].Task()
		tj, _ := ready[j].Task()
		if effective[ready[i].ID] != effective[ready[j].ID] {
			return effective[ready[i].ID] < effective[ready[j].ID]
		}
		if ti.Priority != tj.Priority {
			return ti.Priority < tj.Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})

	if filter.Limit > 0 && len(ready) > filter.Limit {
		ready = ready[:filter.Limit]
	}
	return ready, nil
}

// readyCandidates runs the SQL-side part of eligibility: live open or
// in-progress tasks outside the blocked cache, matching the scalar
// filters. Schedule and parent checks happen in Go afterwards.
func (s *Store) readyCandidates(ctx context.Context, filter types.ReadyFilter) ([]*types.Element, error) {
	query := `
		SELECT e.id, e.type, e.data, e.content_hash, e.metadata, e.created_at, e.updated_at, e.created_by, e.deleted_at
		FROM elements e
		WHERE e.type = 'task' AND e.deleted_at IS NULL
		  AND json_extract(e.data, '$.status') IN ('open', 'in_progress')
		  AND NOT EXISTS (SELECT 1 FROM blocked_cache bc WHERE bc.element_id = e.id)`
	var args []any

	if filter.Assignee != "" {
		assignable, err := s.assignableIDs(ctx, filter.Assignee)
		if err != nil {
			return nil, err
		}
		query += ` AND json_extract(e.data, '$.assignee') IN (` + placeholders(len(assignable)) + `)`
		for _, id := range assignable {
			args = append(args, id)
		}
	}
	if filter.Owner != "" {
		query += ` AND json_extract(e.data, '$.owner') = ?`
		args = append(args, filter.Owner)
	}
	if filter.Priority != nil {
		query += ` AND json_extract(e.data, '$.priority') = ?`
		args = append(args, *filter.Priority)
	}
	if filter.ComplexityMax != nil {
		query += ` AND (json_extract(e.data, '$.complexity') IS NULL OR json_extract(e.data, '$.complexity') <= ?)`
		args = append(args, *filter.ComplexityMax)
	}
	if filter.TaskType != "" {
		query += ` AND json_extract(e.data, '$.task_type') = ?`
		args = append(args, filter.TaskType)
	}
	for _, tag := range filter.Tags {
		query += ` AND EXISTS (SELECT 1 FROM tags t WHERE t.element_id = e.id AND t.tag = ?)`
		args = append(args, tag)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ready candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Element
	for rows.Next() {
		el, err := scanElement(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping corrupt task row")
			continue
		}
		out = append(out, el)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, s.attachTags(ctx, out)
}

// assignableIDs expands an assignee filter to the entity itself plus
// every team it belongs to: tasks assigned to the team count as the
// member's work.
func (s *Store) assignableIDs(ctx context.Context, assignee string) ([]string, error) {
	ids := []string{assignee}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id FROM elements e
		WHERE e.type = 'team' AND e.deleted_at IS NULL
		  AND EXISTS (SELECT 1 FROM json_each(e.data, '$.members') WHERE json_each.value = ?)
	`, assignee)
	if err != nil {
		return nil, fmt.Errorf("query teams: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// parentsOf maps each task id to its parent-child blocker, in one query.
func (s *Store) parentsOf(ctx context.Context, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT blocked_id, blocker_id FROM dependencies
		WHERE type = 'parent-child' AND blocked_id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query parents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	parents := make(map[string]string)
	for rows.Next() {
		var child, parent string
		if err := rows.Scan(&child, &parent); err != nil {
			return nil, err
		}
		parents[child] = parent
	}
	return parents, rows.Err()
}

// parentAdmitsWork checks the container-side eligibility rules for one
// parent id.
func (s *Store) parentAdmitsWork(ctx context.Context, parentID string, includeEphemeral bool) (bool, error) {
	parent, err := s.Get(ctx, parentID)
	if storage.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if plan, ok := parent.Plan(); ok && plan.Status == types.PlanDraft {
		return false, nil
	}
	if wf, ok := parent.Workflow(); ok && wf.Ephemeral && !includeEphemeral {
		return false, nil
	}
	blocked, err := s.IsBlocked(ctx, parentID)
	if err != nil {
		return false, err
	}
	return !blocked, nil
}

// priorityWalker memoises the effective-priority computation. A task that
// blocks more urgent work inherits that work's urgency:
// effective(T) = min(base(T), min effective(X)) over every X waiting on T
// through a blocks or awaits edge. Cycles fall back to base priority.
type priorityWalker struct {
	s      *Store
	ctx    context.Context
	memo   map[string]int
	onPath map[string]bool
}

func (s *Store) newPriorityWalker(ctx context.Context) *priorityWalker {
	return &priorityWalker{s: s, ctx: ctx, memo: map[string]int{}, onPath: map[string]bool{}}
}

func (w *priorityWalker) effective(id string) (int, error) {
	if eff, ok := w.memo[id]; ok {
		return eff, nil
	}
	base, ok, err := w.basePriority(id)
	if err != nil {
		return 0, err
	}
	if !ok {
		// Non-task dependents carry no urgency of their own.
		base = int(^uint(0) >> 1)
	}
	if w.onPath[id] {
		return base, nil
	}
	w.onPath[id] = true
	defer delete(w.onPath, id)

	eff := base
	dependents, err := w.waitingOn(id)
	if err != nil {
		return 0, err
	}
	for _, dep := range dependents {
		dEff, err := w.effective(dep)
		if err != nil {
			return 0, err
		}
		if dEff < eff {
			eff = dEff
		}
	}
	w.memo[id] = eff
	return eff, nil
}

func (w *priorityWalker) basePriority(id string) (int, bool, error) {
	var priority *int
	err := w.s.db.QueryRowContext(w.ctx, `
		SELECT json_extract(data, '$.priority') FROM elements
		WHERE id = ? AND type = 'task' AND deleted_at IS NULL
	`, id).Scan(&priority)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query base priority: %w", err)
	}
	if priority == nil {
		return 0, false, nil
	}
	return *priority, true, nil
}

// waitingOn lists live elements held up by id through blocks or awaits.
func (w *priorityWalker) waitingOn(id string) ([]string, error) {
	rows, err := w.s.db.QueryContext(w.ctx, `
		SELECT d.blocked_id FROM dependencies d
		JOIN elements e ON e.id = d.blocked_id
		WHERE d.blocker_id = ? AND d.type IN ('blocks', 'awaits') AND e.deleted_at IS NULL
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query waiting elements: %w", err)
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

// Backlog returns the triage queue: backlog tasks sorted by priority then
// age. Not considered ready work.
func (s *Store) Backlog(ctx context.Context, limit int) ([]*types.Element, error) {
	return s.List(ctx, types.ListFilter{
		Type:       types.TypeTask,
		TaskStatus: types.TaskBacklog,
		OrderBy:    types.OrderPriority,
		Ascending:  true,
		Limit:      limit,
	})
}

// BlockedTasks lists tasks currently in the blocked cache, annotated with
// their blockers and reason.
func (s *Store) BlockedTasks(ctx context.Context) ([]*types.BlockedTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT element_id, blocked_by, reason, prior_status FROM blocked_cache ORDER BY element_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query blocked cache: %w", err)
	}
	var entries []*types.BlockedEntry
	for rows.Next() {
		entry, err := scanBlockedRow(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		entries = append(entries, entry)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ElementID
	}
	elements, err := s.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Element, len(elements))
	for _, el := range elements {
		byID[el.ID] = el
	}

	var out []*types.BlockedTask
	for _, entry := range entries {
		el, ok := byID[entry.ElementID]
		if !ok || el.Type != types.TypeTask || el.IsTombstone() {
			continue
		}
		out = append(out, &types.BlockedTask{
			Element:   el,
			BlockedBy: entry.BlockedBy,
			Reason:    entry.Reason,
		})
	}
	return out, nil
}

func elementIDs(els []*types.Element) []string {
	ids := make([]string, len(els))
	for i, el := range els {
		ids[i] = el.ID
	}
	return ids
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// UpdateOptions qualifies an update.
type UpdateOptions struct {
	// ExpectedUpdatedAt enables optimistic concurrency: the update fails
	// with a conflict if the row's updated_at no longer matches.
	ExpectedUpdatedAt *time.Time
	Actor             string
}

// Update loads the element, applies mutate, validates invariants, writes
// the lifecycle event, and persists — all inside one transaction.
//
// Messages are immutable; so is the content of an immutable document.
// Document content changes snapshot the pre-image into document_versions
// and bump the version. Membership deltas on channels and teams emit
// member_added/member_removed events alongside the primary event.
func (s *Store) Update(ctx context.Context, id string, mutate func(el *types.Element) error, opts UpdateOptions) (*types.Element, error) {
	el, statusChanged, err := s.update(ctx, id, mutate, opts)
	if err != nil {
		return nil, err
	}
	s.markDirtyQuiet(ctx, id)
	if statusChanged {
		// Cache recomputation runs after commit so it never observes
		// uncommitted state.
		s.notifyChanged(ctx, id)
	}
	return el, nil
}

// update is the shared implementation. It never notifies the blocked
// cache itself; Update does that on the user path. The cache's automatic
// status coupling writes its transitions inline in its own transaction,
// so auto transitions cannot re-enter the cache.
func (s *Store) update(ctx context.Context, id string, mutate func(el *types.Element) error, opts UpdateOptions) (*types.Element, bool, error) {
	const op = "store.Update"

	var (
		result        *types.Element
		statusChanged bool
	)
	err := s.db.Transaction(ctx, func(tx storage.Tx) error {
		el, err := getElement(ctx, tx, id)
		if err != nil {
			return err
		}

		if opts.ExpectedUpdatedAt != nil && !el.UpdatedAt.Equal(*opts.ExpectedUpdatedAt) {
			return storage.Conflict(op, id, fmt.Sprintf(
				"concurrent modification: expected updated_at %s, found %s",
				opts.ExpectedUpdatedAt.Format(time.RFC3339Nano), el.UpdatedAt.Format(time.RFC3339Nano)))
		}
		if el.Type == types.TypeMessage {
			return storage.Constraint(op, id, "messages are immutable")
		}

		before, err := types.ClonePayload(el.Data)
		if err != nil {
			return err
		}
		oldTags := append([]string(nil), el.Tags...)
		oldSnap, err := snapshotJSON(el)
		if err != nil {
			return err
		}

		frozen := struct {
			id        string
			typ       types.ElementType
			createdAt time.Time
			createdBy string
		}{el.ID, el.Type, el.CreatedAt, el.CreatedBy}

		if err := mutate(el); err != nil {
			return err
		}

		// Identity fields never change, whatever the mutator did.
		el.ID, el.Type, el.CreatedAt, el.CreatedBy =
			frozen.id, frozen.typ, frozen.createdAt, frozen.createdBy

		if err := el.Validate(); err != nil {
			// Lifecycle bookkeeping below may still fix up closed_at;
			// validate again after it if this looks status-related.
			if fixErr := s.applyLifecycleBookkeeping(el, before); fixErr != nil {
				return fixErr
			}
			if err2 := el.Validate(); err2 != nil {
				return storage.Validation(op, err2.Error())
			}
		} else if err := s.applyLifecycleBookkeeping(el, before); err != nil {
			return err
		}

		if err := s.checkVariantUpdate(ctx, tx, el, before); err != nil {
			return err
		}

		if doc, ok := el.Document(); ok {
			if err := s.maybeSnapshotDocument(ctx, tx, el.ID, before.(*types.DocumentData), doc); err != nil {
				return err
			}
		}

		eventType := lifecycleEventType(before, el.Data)
		statusChanged = statusOf(before) != statusOf(el.Data)

		el.UpdatedAt = s.now()
		if err := s.saveData(ctx, tx, el); err != nil {
			return err
		}
		if !equalStringSets(oldTags, el.Tags) {
			if err := replaceTags(ctx, tx, el.ID, el.Tags); err != nil {
				return err
			}
		}

		newSnap, err := snapshotJSON(el)
		if err != nil {
			return err
		}
		if err := s.insertEvent(ctx, tx, el.ID, eventType, opts.Actor, oldSnap, newSnap, el.UpdatedAt); err != nil {
			return err
		}
		if err := s.recordMembershipEvents(ctx, tx, el, before, opts.Actor); err != nil {
			return err
		}

		result = el
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, statusChanged, nil
}

// applyLifecycleBookkeeping maintains the timestamps implied by status
// transitions: closed_at on tasks, finished_at on workflows.
func (s *Store) applyLifecycleBookkeeping(el *types.Element, before types.Payload) error {
	switch d := el.Data.(type) {
	case *types.TaskData:
		prev := before.(*types.TaskData)
		if d.Status == types.TaskClosed && prev.Status != types.TaskClosed && d.ClosedAt == nil {
			now := s.now()
			d.ClosedAt = &now
		}
		if d.Status != types.TaskClosed && d.Status != types.TaskTombstone && prev.Status == types.TaskClosed {
			d.ClosedAt = nil
			d.CloseReason = ""
		}
	case *types.WorkflowData:
		prev := before.(*types.WorkflowData)
		if d.Status.IsTerminal() && !prev.Status.IsTerminal() && d.FinishedAt == nil {
			now := s.now()
			d.FinishedAt = &now
		}
		if !d.Status.IsTerminal() {
			d.FinishedAt = nil
		}
	}
	return nil
}

// checkVariantUpdate enforces per-variant update constraints.
func (s *Store) checkVariantUpdate(ctx context.Context, q storage.Querier, el *types.Element, before types.Payload) error {
	const op = "store.Update"

	switch d := el.Data.(type) {
	case *types.DocumentData:
		prev := before.(*types.DocumentData)
		if prev.Immutable && d.Content != prev.Content {
			return storage.Constraint(op, el.ID, "document is immutable")
		}
	case *types.ChannelData:
		prev := before.(*types.ChannelData)
		if prev.ChannelType == types.ChannelDirect && !equalStringSets(prev.Members, d.Members) {
			return storage.Constraint(op, el.ID, "direct channel membership is immutable")
		}
		if d.ChannelType != prev.ChannelType {
			return storage.Constraint(op, el.ID, "channel type cannot change")
		}
	case *types.EntityData:
		prev := before.(*types.EntityData)
		if d.Name != prev.Name {
			if err := s.checkEntityNameUnique(ctx, q, d.Name, el.ID); err != nil {
				return err
			}
		}
		if d.ReportsTo != "" {
			if err := s.checkReportsToAcyclic(ctx, q, el.ID, d.ReportsTo); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkReportsToAcyclic walks the reports-to chain from newManager and
// fails if it reaches entityID. The org chart must stay a forest.
func (s *Store) checkReportsToAcyclic(ctx context.Context, q storage.Querier, entityID, newManager string) error {
	const op = "store.Update"

	if newManager == entityID {
		return storage.Constraint(op, entityID, "entity cannot report to itself")
	}
	visited := map[string]bool{entityID: true}
	cur := newManager
	for cur != "" {
		if visited[cur] {
			return storage.Constraint(op, entityID,
				fmt.Sprintf("reports-to chain through %s would create a cycle", cur))
		}
		visited[cur] = true
		mgr, err := getElement(ctx, q, cur)
		if err != nil {
			return err
		}
		ent, ok := mgr.Entity()
		if !ok {
			return storage.Constraint(op, cur, "reports_to must reference an entity")
		}
		cur = ent.ReportsTo
	}
	return nil
}

// maybeSnapshotDocument snapshots the pre-image and bumps the version
// when a content-touching patch lands on a document. The version sequence
// stays dense: a row exists for every past version up to current.
func (s *Store) maybeSnapshotDocument(ctx context.Context, q storage.Querier, id string, prev, cur *types.DocumentData) error {
	if cur.Content == prev.Content && cur.ContentType == prev.ContentType {
		return nil
	}
	prevData, err := types.MarshalPayload(prev)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO document_versions (id, version, data, created_at)
		VALUES (?, ?, ?, ?)
	`, id, prev.Version, prevData, s.now()); err != nil {
		return fmt.Errorf("snapshot document version: %w", err)
	}
	cur.Version = prev.Version + 1
	cur.PreviousVersionID = fmt.Sprintf("%s@%d", id, prev.Version)
	return nil
}

// recordMembershipEvents emits member_added/member_removed for channel
// and team membership deltas.
func (s *Store) recordMembershipEvents(ctx context.Context, q storage.Querier, el *types.Element, before types.Payload, actor string) error {
	var oldMembers, newMembers []string
	switch d := el.Data.(type) {
	case *types.ChannelData:
		oldMembers, newMembers = before.(*types.ChannelData).Members, d.Members
	case *types.TeamData:
		oldMembers, newMembers = before.(*types.TeamData).Members, d.Members
	default:
		return nil
	}

	oldSet := toSet(oldMembers)
	newSet := toSet(newMembers)
	for _, m := range newMembers {
		if !oldSet[m] {
			if err := s.insertEvent(ctx, q, el.ID, types.EventMemberAdded, actor, nil, strPtr(m), el.UpdatedAt); err != nil {
				return err
			}
		}
	}
	for _, m := range oldMembers {
		if !newSet[m] {
			if err := s.insertEvent(ctx, q, el.ID, types.EventMemberRemoved, actor, strPtr(m), nil, el.UpdatedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

// lifecycleEventType derives the journal event type from a status
// transition. Entering a terminal state is "closed"; leaving one — or a
// container starting to admit work (plan draft→active, workflow gaining
// running) — is "reopened"; anything else is "updated".
func lifecycleEventType(before, after types.Payload) types.EventType {
	switch d := after.(type) {
	case *types.TaskData:
		prev := before.(*types.TaskData)
		if prev.Status != types.TaskClosed && d.Status == types.TaskClosed {
			return types.EventClosed
		}
		if prev.Status == types.TaskClosed && d.Status != types.TaskClosed {
			return types.EventReopened
		}
	case *types.PlanData:
		prev := before.(*types.PlanData)
		if !prev.Status.IsTerminal() && d.Status.IsTerminal() {
			return types.EventClosed
		}
		if (prev.Status == types.PlanDraft && d.Status == types.PlanActive) ||
			(prev.Status.IsTerminal() && !d.Status.IsTerminal()) {
			return types.EventReopened
		}
	case *types.WorkflowData:
		prev := before.(*types.WorkflowData)
		if !prev.Status.IsTerminal() && d.Status.IsTerminal() {
			return types.EventClosed
		}
		if prev.Status.BlocksChildren() && !d.Status.BlocksChildren() {
			return types.EventReopened
		}
	case *types.DocumentData:
		prev := before.(*types.DocumentData)
		if prev.Status == types.DocumentActive && d.Status == types.DocumentArchived {
			return types.EventClosed
		}
		if prev.Status == types.DocumentArchived && d.Status == types.DocumentActive {
			return types.EventReopened
		}
	}
	return types.EventUpdated
}

// statusOf extracts the variant status as a plain string, empty for
// variants without one.
func statusOf(p types.Payload) string {
	switch d := p.(type) {
	case *types.TaskData:
		return string(d.Status)
	case *types.PlanData:
		return string(d.Status)
	case *types.WorkflowData:
		return string(d.Status)
	case *types.DocumentData:
		return string(d.Status)
	case *types.TeamData:
		return d.Status
	}
	return ""
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := toSet(a)
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}

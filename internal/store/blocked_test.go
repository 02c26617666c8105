package store

import (
	"context"
	"testing"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

func mustAddDep(t *testing.T, ctx context.Context, s *Store, blocked, blocker string, depType types.DependencyType) {
	t.Helper()
	dep := &types.Dependency{BlockedID: blocked, BlockerID: blocker, Type: depType}
	if err := s.AddDependency(ctx, dep, "tester"); err != nil {
		t.Fatalf("AddDependency %s -> %s (%s) failed: %v", blocked, blocker, depType, err)
	}
}

func taskStatus(t *testing.T, ctx context.Context, s *Store, id string) types.TaskStatus {
	t.Helper()
	el, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get %s failed: %v", id, err)
	}
	task, ok := el.Task()
	if !ok {
		t.Fatalf("%s is not a task", id)
	}
	return task.Status
}

func assertBlocked(t *testing.T, ctx context.Context, s *Store, id string, want bool) {
	t.Helper()
	got, err := s.IsBlocked(ctx, id)
	if err != nil {
		t.Fatalf("IsBlocked %s failed: %v", id, err)
	}
	if got != want {
		t.Errorf("IsBlocked(%s) = %v, want %v", id, got, want)
	}
}

func TestBlocksEdgeAutoBlocks(t *testing.T) {
	s, ctx := newTestStore(t)

	t1 := mustCreateTask(t, ctx, s, "waiter", nil)
	t2 := mustCreateTask(t, ctx, s, "blocker", nil)
	mustAddDep(t, ctx, s, t1.ID, t2.ID, types.DepBlocks)

	assertBlocked(t, ctx, s, t1.ID, true)
	if got := taskStatus(t, ctx, s, t1.ID); got != types.TaskBlocked {
		t.Errorf("waiter status = %s, want blocked", got)
	}

	entry, err := s.BlockedInfo(ctx, t1.ID)
	if err != nil {
		t.Fatalf("BlockedInfo failed: %v", err)
	}
	if entry == nil || len(entry.BlockedBy) != 1 || entry.BlockedBy[0] != t2.ID {
		t.Errorf("cache entry = %+v", entry)
	}
	if entry.PriorStatus != types.TaskOpen {
		t.Errorf("prior status = %s, want open", entry.PriorStatus)
	}

	events, err := s.Events(ctx, t1.ID, types.EventQuery{Types: []types.EventType{types.EventAutoBlocked}})
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("auto_blocked events = %d, want 1", len(events))
	}
}

func TestCloseBlockerRestoresPriorStatus(t *testing.T) {
	s, ctx := newTestStore(t)

	t1 := mustCreateTask(t, ctx, s, "waiter", nil)
	t2 := mustCreateTask(t, ctx, s, "blocker", nil)

	// The waiter was actively being worked when it got blocked.
	if _, err := s.Update(ctx, t1.ID, func(e *types.Element) error {
		e.Data.(*types.TaskData).Status = types.TaskInProgress
		return nil
	}, UpdateOptions{Actor: "tester"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	mustAddDep(t, ctx, s, t1.ID, t2.ID, types.DepBlocks)
	if got := taskStatus(t, ctx, s, t1.ID); got != types.TaskBlocked {
		t.Fatalf("status = %s, want blocked", got)
	}

	if _, err := s.Update(ctx, t2.ID, func(e *types.Element) error {
		e.Data.(*types.TaskData).Status = types.TaskClosed
		return nil
	}, UpdateOptions{Actor: "tester"}); err != nil {
		t.Fatalf("close blocker failed: %v", err)
	}

	assertBlocked(t, ctx, s, t1.ID, false)
	if got := taskStatus(t, ctx, s, t1.ID); got != types.TaskInProgress {
		t.Errorf("restored status = %s, want in_progress", got)
	}

	events, err := s.Events(ctx, t1.ID, types.EventQuery{Types: []types.EventType{types.EventAutoUnblocked}})
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("auto_unblocked events = %d, want 1", len(events))
	}
}

func TestReopenBlockerReblocks(t *testing.T) {
	s, ctx := newTestStore(t)

	t1 := mustCreateTask(t, ctx, s, "waiter", nil)
	t2 := mustCreateTask(t, ctx, s, "blocker", nil)
	mustAddDep(t, ctx, s, t1.ID, t2.ID, types.DepBlocks)

	for _, status := range []types.TaskStatus{types.TaskClosed, types.TaskOpen} {
		if _, err := s.Update(ctx, t2.ID, func(e *types.Element) error {
			e.Data.(*types.TaskData).Status = status
			return nil
		}, UpdateOptions{Actor: "tester"}); err != nil {
			t.Fatalf("update to %s failed: %v", status, err)
		}
	}
	assertBlocked(t, ctx, s, t1.ID, true)
}

func TestTransitiveBlocking(t *testing.T) {
	s, ctx := newTestStore(t)

	a := mustCreateTask(t, ctx, s, "a", nil)
	b := mustCreateTask(t, ctx, s, "b", nil)
	c := mustCreateTask(t, ctx, s, "c", nil)
	mustAddDep(t, ctx, s, b.ID, c.ID, types.DepBlocks)
	mustAddDep(t, ctx, s, a.ID, b.ID, types.DepBlocks)

	assertBlocked(t, ctx, s, a.ID, true)
	assertBlocked(t, ctx, s, b.ID, true)
	assertBlocked(t, ctx, s, c.ID, false)

	// Closing c releases b, but a is still directly blocked by the open
	// task b.
	if _, err := s.Update(ctx, c.ID, func(e *types.Element) error {
		e.Data.(*types.TaskData).Status = types.TaskClosed
		return nil
	}, UpdateOptions{Actor: "tester"}); err != nil {
		t.Fatalf("close c failed: %v", err)
	}
	assertBlocked(t, ctx, s, b.ID, false)
	assertBlocked(t, ctx, s, a.ID, true)

	if _, err := s.Update(ctx, b.ID, func(e *types.Element) error {
		e.Data.(*types.TaskData).Status = types.TaskClosed
		return nil
	}, UpdateOptions{Actor: "tester"}); err != nil {
		t.Fatalf("close b failed: %v", err)
	}
	assertBlocked(t, ctx, s, a.ID, false)
}

func TestDraftPlanBlocksChildren(t *testing.T) {
	s, ctx := newTestStore(t)

	plan := &types.Element{Type: types.TypePlan, Data: &types.PlanData{Title: "rollout"}}
	if err := s.Create(ctx, plan, "tester"); err != nil {
		t.Fatalf("create plan failed: %v", err)
	}

	child := &types.Element{Type: types.TypeTask, Data: &types.TaskData{Title: "step one"}}
	if err := s.CreateWithParent(ctx, child, plan.ID, "tester", true); err != nil {
		t.Fatalf("CreateWithParent failed: %v", err)
	}
	if child.ID != plan.ID+".1" {
		t.Errorf("child id = %q, want %s.1", child.ID, plan.ID)
	}

	assertBlocked(t, ctx, s, child.ID, true)
	if got := taskStatus(t, ctx, s, child.ID); got != types.TaskBlocked {
		t.Errorf("child status = %s, want blocked", got)
	}

	// Activating the plan releases its children.
	if _, err := s.Update(ctx, plan.ID, func(e *types.Element) error {
		e.Data.(*types.PlanData).Status = types.PlanActive
		return nil
	}, UpdateOptions{Actor: "tester"}); err != nil {
		t.Fatalf("activate plan failed: %v", err)
	}
	assertBlocked(t, ctx, s, child.ID, false)
	if got := taskStatus(t, ctx, s, child.ID); got != types.TaskOpen {
		t.Errorf("child status after activation = %s, want open", got)
	}
}

func TestWorkflowStatusGatesChildren(t *testing.T) {
	s, ctx := newTestStore(t)

	wf := &types.Element{Type: types.TypeWorkflow, Data: &types.WorkflowData{Title: "deploy"}}
	if err := s.Create(ctx, wf, "tester"); err != nil {
		t.Fatalf("create workflow failed: %v", err)
	}
	child := &types.Element{Type: types.TypeTask, Data: &types.TaskData{Title: "build"}}
	if err := s.CreateWithParent(ctx, child, wf.ID, "tester", false); err != nil {
		t.Fatalf("CreateWithParent failed: %v", err)
	}

	// Pending workflow holds children back.
	assertBlocked(t, ctx, s, child.ID, true)

	if _, err := s.Update(ctx, wf.ID, func(e *types.Element) error {
		e.Data.(*types.WorkflowData).Status = types.WorkflowRunning
		return nil
	}, UpdateOptions{Actor: "tester"}); err != nil {
		t.Fatalf("start workflow failed: %v", err)
	}
	assertBlocked(t, ctx, s, child.ID, false)

	if _, err := s.Update(ctx, wf.ID, func(e *types.Element) error {
		e.Data.(*types.WorkflowData).Status = types.WorkflowFailed
		return nil
	}, UpdateOptions{Actor: "tester"}); err != nil {
		t.Fatalf("fail workflow failed: %v", err)
	}
	assertBlocked(t, ctx, s, child.ID, true)
}

func TestAwaitsGateApprovals(t *testing.T) {
	s, ctx := newTestStore(t)

	t1 := mustCreateTask(t, ctx, s, "release", nil)
	gate := mustCreateTask(t, ctx, s, "signoff", nil)

	dep := &types.Dependency{BlockedID: t1.ID, BlockerID: gate.ID, Type: types.DepAwaits}
	dep.SetGateMeta(types.GateMetadata{RequiredApprovals: []string{"alice", "bob"}})
	if err := s.AddDependency(ctx, dep, "tester"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	assertBlocked(t, ctx, s, t1.ID, true)

	// Closing the awaited element is not enough while approvals are
	// outstanding.
	if _, err := s.Update(ctx, gate.ID, func(e *types.Element) error {
		e.Data.(*types.TaskData).Status = types.TaskClosed
		return nil
	}, UpdateOptions{Actor: "tester"}); err != nil {
		t.Fatalf("close gate failed: %v", err)
	}
	assertBlocked(t, ctx, s, t1.ID, true)

	if err := s.RecordApproval(ctx, t1.ID, gate.ID, "alice"); err != nil {
		t.Fatalf("RecordApproval alice failed: %v", err)
	}
	assertBlocked(t, ctx, s, t1.ID, true)

	if err := s.RecordApproval(ctx, t1.ID, gate.ID, "bob"); err != nil {
		t.Fatalf("RecordApproval bob failed: %v", err)
	}
	assertBlocked(t, ctx, s, t1.ID, false)

	// Revoking one approval re-blocks.
	if err := s.RemoveApproval(ctx, t1.ID, gate.ID, "bob"); err != nil {
		t.Fatalf("RemoveApproval failed: %v", err)
	}
	assertBlocked(t, ctx, s, t1.ID, true)

	events, err := s.Events(ctx, t1.ID, types.EventQuery{
		Types: []types.EventType{types.EventGateApproved, types.EventGateRevoked},
	})
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("gate events = %d, want 3", len(events))
	}
}

func TestSatisfyGateOverridesApprovals(t *testing.T) {
	s, ctx := newTestStore(t)

	t1 := mustCreateTask(t, ctx, s, "release", nil)
	gate := mustCreateTask(t, ctx, s, "signoff", func(d *types.TaskData) {
		now := s.now()
		d.Status = types.TaskClosed
		d.ClosedAt = &now
	})

	dep := &types.Dependency{BlockedID: t1.ID, BlockerID: gate.ID, Type: types.DepGate}
	dep.SetGateMeta(types.GateMetadata{RequiredApprovals: []string{"alice"}})
	if err := s.AddDependency(ctx, dep, "tester"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}
	assertBlocked(t, ctx, s, t1.ID, true)

	if err := s.SatisfyGate(ctx, t1.ID, gate.ID, "operator"); err != nil {
		t.Fatalf("SatisfyGate failed: %v", err)
	}
	assertBlocked(t, ctx, s, t1.ID, false)
}

func TestDependencyCycleRejected(t *testing.T) {
	s, ctx := newTestStore(t)

	a := mustCreateTask(t, ctx, s, "a", nil)
	b := mustCreateTask(t, ctx, s, "b", nil)
	c := mustCreateTask(t, ctx, s, "c", nil)
	mustAddDep(t, ctx, s, a.ID, b.ID, types.DepBlocks)
	mustAddDep(t, ctx, s, b.ID, c.ID, types.DepAwaits)

	// c -> a closes a loop through the shared blocking class.
	dep := &types.Dependency{BlockedID: c.ID, BlockerID: a.ID, Type: types.DepBlocks}
	if err := s.AddDependency(ctx, dep, "tester"); !storage.IsConstraint(err) {
		t.Errorf("cycle edge = %v, want constraint", err)
	}
}

func TestDuplicateDependencyConflicts(t *testing.T) {
	s, ctx := newTestStore(t)

	a := mustCreateTask(t, ctx, s, "a", nil)
	b := mustCreateTask(t, ctx, s, "b", nil)
	mustAddDep(t, ctx, s, a.ID, b.ID, types.DepBlocks)

	dep := &types.Dependency{BlockedID: a.ID, BlockerID: b.ID, Type: types.DepBlocks}
	if err := s.AddDependency(ctx, dep, "tester"); !storage.IsConflict(err) {
		t.Errorf("duplicate edge = %v, want conflict", err)
	}
}

func TestSingleParentEnforced(t *testing.T) {
	s, ctx := newTestStore(t)

	task := mustCreateTask(t, ctx, s, "child", nil)
	p1 := &types.Element{Type: types.TypePlan, Data: &types.PlanData{Title: "p1", Status: types.PlanActive}}
	p2 := &types.Element{Type: types.TypePlan, Data: &types.PlanData{Title: "p2", Status: types.PlanActive}}
	for _, p := range []*types.Element{p1, p2} {
		if err := s.Create(ctx, p, "tester"); err != nil {
			t.Fatalf("create plan failed: %v", err)
		}
	}
	mustAddDep(t, ctx, s, task.ID, p1.ID, types.DepParentChild)

	dep := &types.Dependency{BlockedID: task.ID, BlockerID: p2.ID, Type: types.DepParentChild}
	if err := s.AddDependency(ctx, dep, "tester"); !storage.IsConstraint(err) {
		t.Errorf("second parent = %v, want constraint", err)
	}
}

func TestRemoveDependencyUnblocks(t *testing.T) {
	s, ctx := newTestStore(t)

	a := mustCreateTask(t, ctx, s, "a", nil)
	b := mustCreateTask(t, ctx, s, "b", nil)
	mustAddDep(t, ctx, s, a.ID, b.ID, types.DepBlocks)
	assertBlocked(t, ctx, s, a.ID, true)

	if err := s.RemoveDependency(ctx, a.ID, b.ID, types.DepBlocks, "tester"); err != nil {
		t.Fatalf("RemoveDependency failed: %v", err)
	}
	assertBlocked(t, ctx, s, a.ID, false)

	if err := s.RemoveDependency(ctx, a.ID, b.ID, types.DepBlocks, "tester"); !storage.IsNotFound(err) {
		t.Errorf("removing absent edge = %v, want not-found", err)
	}
}

func TestDependencyTreeBounded(t *testing.T) {
	s, ctx := newTestStore(t)

	prev := mustCreateTask(t, ctx, s, "root", nil)
	root := prev
	for i := 0; i < 12; i++ {
		next := mustCreateTask(t, ctx, s, "link", nil)
		mustAddDep(t, ctx, s, prev.ID, next.ID, types.DepBlocks)
		prev = next
	}

	nodes, err := s.GetDependencyTree(ctx, root.ID, 0)
	if err != nil {
		t.Fatalf("GetDependencyTree failed: %v", err)
	}
	maxDepth := 0
	for _, n := range nodes {
		if n.Depth > maxDepth {
			maxDepth = n.Depth
		}
	}
	if maxDepth != 10 {
		t.Errorf("max depth = %d, want 10", maxDepth)
	}
}

func TestRebuildMatchesIncremental(t *testing.T) {
	s, ctx := newTestStore(t)

	a := mustCreateTask(t, ctx, s, "a", nil)
	b := mustCreateTask(t, ctx, s, "b", nil)
	c := mustCreateTask(t, ctx, s, "c", nil)
	mustAddDep(t, ctx, s, a.ID, b.ID, types.DepBlocks)
	mustAddDep(t, ctx, s, b.ID, c.ID, types.DepBlocks)

	before, err := s.BlockedTasks(ctx)
	if err != nil {
		t.Fatalf("BlockedTasks failed: %v", err)
	}

	if err := s.RebuildBlockedCache(ctx); err != nil {
		t.Fatalf("RebuildBlockedCache failed: %v", err)
	}
	after, err := s.BlockedTasks(ctx)
	if err != nil {
		t.Fatalf("BlockedTasks after rebuild failed: %v", err)
	}

	if len(before) != len(after) {
		t.Fatalf("rebuild changed cache size: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].Element.ID != after[i].Element.ID {
			t.Errorf("entry %d: %s vs %s", i, before[i].Element.ID, after[i].Element.ID)
		}
		if len(before[i].BlockedBy) != len(after[i].BlockedBy) {
			t.Errorf("entry %d blocker count differs", i)
		}
	}

	// Rebuild from a poisoned cache converges to the same state.
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO blocked_cache (element_id, blocked_by, reason) VALUES ('t-ghost', '["x"]', 'stale')`); err != nil {
		t.Fatalf("poison insert failed: %v", err)
	}
	if err := s.RebuildBlockedCache(ctx); err != nil {
		t.Fatalf("second rebuild failed: %v", err)
	}
	blocked, err := s.IsBlocked(ctx, "t-ghost")
	if err != nil {
		t.Fatalf("IsBlocked failed: %v", err)
	}
	if blocked {
		t.Error("stale entry survived rebuild")
	}
}

func TestRebuildIgnoresStaleCacheRows(t *testing.T) {
	s, ctx := newTestStore(t)

	blocker := mustCreateTask(t, ctx, s, "blocker", nil)
	if _, err := s.Update(ctx, blocker.ID, func(e *types.Element) error {
		e.Data.(*types.TaskData).Status = types.TaskClosed
		return nil
	}, UpdateOptions{Actor: "tester"}); err != nil {
		t.Fatalf("close blocker failed: %v", err)
	}
	waiter := mustCreateTask(t, ctx, s, "waiter", nil)
	mustAddDep(t, ctx, s, waiter.ID, blocker.ID, types.DepBlocks)
	assertBlocked(t, ctx, s, waiter.ID, false)

	// A leftover row claims the closed blocker is still blocked. The
	// rebuild must recompute rule 4 from its own result, not from this.
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO blocked_cache (element_id, blocked_by, reason) VALUES (?, '["x"]', 'stale')`,
		blocker.ID); err != nil {
		t.Fatalf("stale insert failed: %v", err)
	}

	if err := s.RebuildBlockedCache(ctx); err != nil {
		t.Fatalf("RebuildBlockedCache failed: %v", err)
	}

	assertBlocked(t, ctx, s, blocker.ID, false)
	assertBlocked(t, ctx, s, waiter.ID, false)
	if got := taskStatus(t, ctx, s, waiter.ID); got != types.TaskOpen {
		t.Errorf("waiter status = %s, want open", got)
	}
	events, err := s.Events(ctx, waiter.ID, types.EventQuery{Types: []types.EventType{types.EventAutoBlocked}})
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("auto_blocked events = %d, want 0", len(events))
	}
}

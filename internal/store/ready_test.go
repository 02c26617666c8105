package store

import (
	"context"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/types"
)

func TestReadyExcludesBlockedAndTerminal(t *testing.T) {
	s, ctx := newTestStore(t)

	open := mustCreateTask(t, ctx, s, "open", nil)
	waiting := mustCreateTask(t, ctx, s, "waiting", nil)
	blocker := mustCreateTask(t, ctx, s, "blocker", nil)
	mustAddDep(t, ctx, s, waiting.ID, blocker.ID, types.DepBlocks)

	mustCreateTask(t, ctx, s, "parked", func(d *types.TaskData) { d.Status = types.TaskBacklog })
	mustCreateTask(t, ctx, s, "done", func(d *types.TaskData) {
		now := time.Now().UTC()
		d.Status = types.TaskClosed
		d.ClosedAt = &now
	})

	ready, err := s.Ready(ctx, types.ReadyFilter{})
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	ids := elementIDs(ready)
	want := map[string]bool{open.ID: true, blocker.ID: true}
	if len(ids) != 2 || !want[ids[0]] || !want[ids[1]] {
		t.Errorf("ready set = %v, want {%s, %s}", ids, open.ID, blocker.ID)
	}
}

func TestReadyEffectivePriorityOrdering(t *testing.T) {
	s, ctx := newTestStore(t)

	// An urgent task waits on a low-priority one: the blocker inherits
	// the urgency and outranks a mid-priority standalone task.
	urgent := mustCreateTask(t, ctx, s, "urgent consumer", func(d *types.TaskData) { d.Priority = 1 })
	inherited := mustCreateTask(t, ctx, s, "humble blocker", func(d *types.TaskData) { d.Priority = 5 })
	standalone := mustCreateTask(t, ctx, s, "standalone", func(d *types.TaskData) { d.Priority = 2 })
	mustAddDep(t, ctx, s, urgent.ID, inherited.ID, types.DepBlocks)

	ready, err := s.Ready(ctx, types.ReadyFilter{})
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	ids := elementIDs(ready)
	if len(ids) != 2 {
		t.Fatalf("ready set = %v, want 2 tasks", ids)
	}
	if ids[0] != inherited.ID || ids[1] != standalone.ID {
		t.Errorf("order = %v, want [%s %s]", ids, inherited.ID, standalone.ID)
	}
}

func TestReadyAwaitsInheritsPriority(t *testing.T) {
	s, ctx := newTestStore(t)

	// awaits edges carry urgency the same way blocks edges do.
	a := mustCreateTask(t, ctx, s, "a", func(d *types.TaskData) { d.Priority = 2 })
	b := mustCreateTask(t, ctx, s, "b", func(d *types.TaskData) { d.Priority = 4 })
	mustAddDep(t, ctx, s, a.ID, b.ID, types.DepAwaits)

	ready, err := s.Ready(ctx, types.ReadyFilter{})
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Fatalf("ready set = %v", elementIDs(ready))
	}
}

func TestReadyTeamAssignee(t *testing.T) {
	s, ctx := newTestStore(t)

	team := &types.Element{Type: types.TypeTeam, Data: &types.TeamData{
		Name: "platform", Members: []string{"ent-alice", "ent-bob"},
	}}
	if err := s.Create(ctx, team, "tester"); err != nil {
		t.Fatalf("create team failed: %v", err)
	}

	direct := mustCreateTask(t, ctx, s, "direct", func(d *types.TaskData) { d.Assignee = "ent-alice" })
	viaTeam := mustCreateTask(t, ctx, s, "team work", func(d *types.TaskData) { d.Assignee = team.ID })
	mustCreateTask(t, ctx, s, "someone else", func(d *types.TaskData) { d.Assignee = "ent-carol" })

	ready, err := s.Ready(ctx, types.ReadyFilter{Assignee: "ent-alice"})
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	ids := elementIDs(ready)
	want := map[string]bool{direct.ID: true, viaTeam.ID: true}
	if len(ids) != 2 || !want[ids[0]] || !want[ids[1]] {
		t.Errorf("ready for alice = %v", ids)
	}
}

func TestReadySkipsFutureScheduled(t *testing.T) {
	s, ctx := newTestStore(t)

	future := s.now().Add(48 * time.Hour)
	mustCreateTask(t, ctx, s, "later", func(d *types.TaskData) { d.ScheduledFor = &future })
	past := s.now().Add(-time.Hour)
	due := mustCreateTask(t, ctx, s, "due", func(d *types.TaskData) { d.ScheduledFor = &past })

	ready, err := s.Ready(ctx, types.ReadyFilter{})
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != due.ID {
		t.Errorf("ready set = %v, want only %s", elementIDs(ready), due.ID)
	}
}

func TestReadyEphemeralWorkflowChildren(t *testing.T) {
	s, ctx := newTestStore(t)

	wf := &types.Element{Type: types.TypeWorkflow, Data: &types.WorkflowData{
		Title: "scratch", Status: types.WorkflowRunning, Ephemeral: true,
	}}
	if err := s.Create(ctx, wf, "tester"); err != nil {
		t.Fatalf("create workflow failed: %v", err)
	}
	child := &types.Element{Type: types.TypeTask, Data: &types.TaskData{Title: "throwaway"}}
	if err := s.CreateWithParent(ctx, child, wf.ID, "tester", false); err != nil {
		t.Fatalf("CreateWithParent failed: %v", err)
	}

	ready, err := s.Ready(ctx, types.ReadyFilter{})
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	if len(ready) != 0 {
		t.Errorf("ephemeral child leaked into ready set: %v", elementIDs(ready))
	}

	ready, err = s.Ready(ctx, types.ReadyFilter{IncludeEphemeral: true})
	if err != nil {
		t.Fatalf("Ready with ephemeral failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != child.ID {
		t.Errorf("ready with ephemeral = %v", elementIDs(ready))
	}
}

func TestReadyComplexityAndTypeFilters(t *testing.T) {
	s, ctx := newTestStore(t)

	easy := mustCreateTask(t, ctx, s, "easy bug", func(d *types.TaskData) {
		d.Complexity = 1
		d.TaskType = "bug"
	})
	mustCreateTask(t, ctx, s, "hard bug", func(d *types.TaskData) {
		d.Complexity = 5
		d.TaskType = "bug"
	})
	mustCreateTask(t, ctx, s, "easy feature", func(d *types.TaskData) {
		d.Complexity = 1
		d.TaskType = "feature"
	})

	maxC := 3
	ready, err := s.Ready(ctx, types.ReadyFilter{TaskType: "bug", ComplexityMax: &maxC})
	if err != nil {
		t.Fatalf("Ready failed: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != easy.ID {
		t.Errorf("filtered ready = %v", elementIDs(ready))
	}
}

func TestBacklogOrdering(t *testing.T) {
	s, ctx := newTestStore(t)

	third := mustCreateTask(t, ctx, s, "third", func(d *types.TaskData) {
		d.Status = types.TaskBacklog
		d.Priority = 4
	})
	first := mustCreateTask(t, ctx, s, "first", func(d *types.TaskData) {
		d.Status = types.TaskBacklog
		d.Priority = 1
	})
	second := mustCreateTask(t, ctx, s, "second", func(d *types.TaskData) {
		d.Status = types.TaskBacklog
		d.Priority = 4
	})

	backlog, err := s.Backlog(ctx, 0)
	if err != nil {
		t.Fatalf("Backlog failed: %v", err)
	}
	ids := elementIDs(backlog)
	// Priority ascending, then age: third precedes second at equal
	// priority because it was created earlier.
	want := []string{first.ID, third.ID, second.ID}
	if len(ids) != 3 || ids[0] != want[0] || ids[1] != want[1] || ids[2] != want[2] {
		t.Errorf("backlog order = %v, want %v", ids, want)
	}
}

func TestBlockedTasksListing(t *testing.T) {
	s, ctx := newTestStore(t)

	waiting := mustCreateTask(t, ctx, s, "waiting", nil)
	blocker := mustCreateTask(t, ctx, s, "blocker", nil)
	mustAddDep(t, ctx, s, waiting.ID, blocker.ID, types.DepBlocks)

	blocked, err := s.BlockedTasks(ctx)
	if err != nil {
		t.Fatalf("BlockedTasks failed: %v", err)
	}
	if len(blocked) != 1 {
		t.Fatalf("blocked listing = %d entries, want 1", len(blocked))
	}
	if blocked[0].Element.ID != waiting.ID {
		t.Errorf("blocked element = %s", blocked[0].Element.ID)
	}
	if len(blocked[0].BlockedBy) != 1 || blocked[0].BlockedBy[0] != blocker.ID {
		t.Errorf("blocked_by = %v", blocked[0].BlockedBy)
	}
	if blocked[0].Reason == "" {
		t.Error("reason missing")
	}
}

func TestBasePriorityDistinguishesMissingFromFailure(t *testing.T) {
	s, ctx := newTestStore(t)

	task := mustCreateTask(t, ctx, s, "t", func(d *types.TaskData) { d.Priority = 2 })

	w := s.newPriorityWalker(ctx)
	if p, ok, err := w.basePriority(task.ID); err != nil || !ok || p != 2 {
		t.Fatalf("basePriority(task) = (%d, %v, %v), want (2, true, nil)", p, ok, err)
	}
	// An absent row means "not a task", not an error.
	if _, ok, err := w.basePriority("t-nope"); err != nil || ok {
		t.Fatalf("basePriority(missing) = (%v, %v), want (false, nil)", ok, err)
	}

	// A failing query must surface, not degrade silently to priority 0.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err := s.newPriorityWalker(canceled).basePriority(task.ID); err == nil {
		t.Error("basePriority on a dead connection returned nil error")
	}
}

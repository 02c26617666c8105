// Package plan implements the business-level operations over plans and
// workflows: task membership, progress aggregation, bulk task mutation,
// topological ordering, and ephemeral-workflow garbage collection. Both
// container types group tasks through parent-child edges where the
// container is the blocker.
package plan

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/types"
)

// Engine exposes plan and workflow operations on top of the element store.
type Engine struct {
	store *store.Store
	log   zerolog.Logger
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's clock (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over the given store.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		log:   log.WithComponent("plan"),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// container loads a plan or workflow and rejects anything else.
func (e *Engine) container(ctx context.Context, op, id string) (*types.Element, error) {
	el, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if el.Type != types.TypePlan && el.Type != types.TypeWorkflow {
		return nil, storage.Constraint(op, id, fmt.Sprintf("%s is a %s, not a plan or workflow", id, el.Type))
	}
	if el.IsTombstone() {
		return nil, storage.Constraint(op, id, "container is deleted")
	}
	return el, nil
}

// AddTask attaches an existing task to a plan or workflow via a
// parent-child edge. A task keeps at most one parent; attaching a second
// container fails with a constraint error from the dependency layer.
func (e *Engine) AddTask(ctx context.Context, containerID, taskID, actor string) error {
	const op = "plan.AddTask"

	if _, err := e.container(ctx, op, containerID); err != nil {
		return err
	}
	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Type != types.TypeTask {
		return storage.Constraint(op, taskID, fmt.Sprintf("%s is a %s, not a task", taskID, task.Type))
	}
	return e.store.AddDependency(ctx, &types.Dependency{
		BlockedID: taskID,
		BlockerID: containerID,
		Type:      types.DepParentChild,
		CreatedBy: actor,
	}, actor)
}

// RemoveTask detaches a task from its plan or workflow.
func (e *Engine) RemoveTask(ctx context.Context, containerID, taskID, actor string) error {
	return e.store.RemoveDependency(ctx, taskID, containerID, types.DepParentChild, actor)
}

// Tasks lists the tasks attached to a plan or workflow, applying the
// given filter on top of the membership set. Tombstoned children drop
// their edges on delete, so the result only ever contains live tasks.
func (e *Engine) Tasks(ctx context.Context, containerID string, filter types.ListFilter) ([]*types.Element, error) {
	const op = "plan.Tasks"

	if _, err := e.container(ctx, op, containerID); err != nil {
		return nil, err
	}
	ids, err := e.childTaskIDs(ctx, containerID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	filter.Type = types.TypeTask
	filter.IDs = ids
	return e.store.List(ctx, filter)
}

// childTaskIDs returns the ids of elements attached to the container by a
// parent-child edge, in edge creation order.
func (e *Engine) childTaskIDs(ctx context.Context, containerID string) ([]string, error) {
	deps, err := e.store.GetDependents(ctx, containerID, types.DepParentChild)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(deps))
	for _, dep := range deps {
		ids = append(ids, dep.BlockedID)
	}
	return ids, nil
}

// CreateTaskOptions qualify CreateTask.
type CreateTaskOptions struct {
	// UseChildID allocates a hierarchical id ("<parentId>.<n>") from the
	// container's atomic child counter.
	UseChildID bool
	Actor      string
}

// CreateTask creates a task inside a plan or workflow in one transaction:
// the task row, its created event, and its parent-child edge. Plans must
// be in draft or active; a terminal plan no longer accepts work.
func (e *Engine) CreateTask(ctx context.Context, containerID string, data *types.TaskData, opts CreateTaskOptions) (*types.Element, error) {
	const op = "plan.CreateTask"

	container, err := e.container(ctx, op, containerID)
	if err != nil {
		return nil, err
	}
	if pl, ok := container.Plan(); ok && !pl.Status.AcceptsTasks() {
		return nil, storage.Constraint(op, containerID,
			fmt.Sprintf("plan in status %s does not accept tasks", pl.Status))
	}

	el := &types.Element{Type: types.TypeTask, Data: data}
	if err := e.store.CreateWithParent(ctx, el, containerID, opts.Actor, opts.UseChildID); err != nil {
		return nil, err
	}
	return el, nil
}

// Progress aggregates the status counts of a container's tasks. Blocked is
// counted from task status, which the cache's automatic coupling keeps in
// step with cache membership.
func (e *Engine) Progress(ctx context.Context, containerID string) (*types.Progress, error) {
	tasks, err := e.Tasks(ctx, containerID, types.ListFilter{})
	if err != nil {
		return nil, err
	}

	p := &types.Progress{}
	for _, el := range tasks {
		task, ok := el.Task()
		if !ok || task.Status == types.TaskTombstone {
			continue
		}
		p.Total++
		switch task.Status {
		case types.TaskClosed:
			p.Completed++
		case types.TaskInProgress:
			p.InProgress++
		case types.TaskBlocked:
			p.Blocked++
		default:
			p.Open++
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return p, nil
}

// ReadyTasks returns the container's tasks that the scheduler would hand
// out: open or in_progress, not in the blocked cache.
func (e *Engine) ReadyTasks(ctx context.Context, containerID string) ([]*types.Element, error) {
	tasks, err := e.Tasks(ctx, containerID, types.ListFilter{
		TaskStatuses: []types.TaskStatus{types.TaskOpen, types.TaskInProgress},
	})
	if err != nil {
		return nil, err
	}

	var ready []*types.Element
	for _, el := range tasks {
		blocked, err := e.store.IsBlocked(ctx, el.ID)
		if err != nil {
			return nil, err
		}
		if !blocked {
			ready = append(ready, el)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, _ := ready[i].Task()
		b, _ := ready[j].Task()
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}

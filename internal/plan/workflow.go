package plan

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/types"
)

// DeleteWorkflow permanently removes a workflow and all its child tasks,
// including their events, tags, and inbox residue. This is a destructive
// teardown, not a soft delete; it exists for ephemeral workflow cleanup.
func (e *Engine) DeleteWorkflow(ctx context.Context, workflowID string) (*store.HardDeleteResult, error) {
	const op = "plan.DeleteWorkflow"

	el, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if el.Type != types.TypeWorkflow {
		return nil, storage.Constraint(op, workflowID,
			fmt.Sprintf("%s is a %s, not a workflow", workflowID, el.Type))
	}
	children, err := e.childTaskIDs(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return e.store.HardDelete(ctx, append([]string{workflowID}, children...))
}

// GCOptions select workflows for garbage collection.
type GCOptions struct {
	// MaxAge is the minimum time since finished_at before an ephemeral
	// workflow becomes collectable.
	MaxAge time.Duration
	// Limit caps the number of workflows deleted in one pass (0 = all).
	Limit int
	// DryRun reports what would be deleted without deleting.
	DryRun bool
}

// GarbageCollect deletes ephemeral workflows that reached a terminal
// status longer than MaxAge ago, along with their child tasks. Oldest
// finishers go first so repeated capped passes drain the backlog.
func (e *Engine) GarbageCollect(ctx context.Context, opts GCOptions) (*types.GCResult, error) {
	workflows, err := e.store.List(ctx, types.ListFilter{Type: types.TypeWorkflow})
	if err != nil {
		return nil, err
	}

	cutoff := e.now().Add(-opts.MaxAge)
	type candidate struct {
		id         string
		finishedAt time.Time
	}
	var candidates []candidate
	for _, el := range workflows {
		wf, ok := el.Workflow()
		if !ok || !wf.Status.IsTerminal() || !wf.Ephemeral {
			continue
		}
		if wf.FinishedAt == nil || wf.FinishedAt.After(cutoff) {
			continue
		}
		candidates = append(candidates, candidate{el.ID, *wf.FinishedAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].finishedAt.Equal(candidates[j].finishedAt) {
			return candidates[i].finishedAt.Before(candidates[j].finishedAt)
		}
		return candidates[i].id < candidates[j].id
	})
	if opts.Limit > 0 && len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}

	// Workflows are torn down concurrently; a failed teardown logs and
	// skips that workflow rather than aborting the pass.
	var mu sync.Mutex
	collected := make(map[string]int, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range candidates {
		g.Go(func() error {
			children, err := e.childTaskIDs(gctx, c.id)
			if err != nil {
				e.log.Warn().Err(err).Str("workflow", c.id).Msg("workflow gc could not list children, continuing")
				return nil
			}
			if !opts.DryRun {
				if _, err := e.store.HardDelete(gctx, append([]string{c.id}, children...)); err != nil {
					e.log.Warn().Err(err).Str("workflow", c.id).Msg("workflow gc failed, continuing")
					return nil
				}
			}
			mu.Lock()
			collected[c.id] = len(children)
			mu.Unlock()
			return nil
		})
	}
	res := &types.GCResult{DryRun: opts.DryRun}
	if err := g.Wait(); err != nil {
		return res, err
	}
	for _, c := range candidates {
		n, ok := collected[c.id]
		if !ok {
			continue
		}
		res.WorkflowsDeleted++
		res.TasksDeleted += n
		res.WorkflowIDs = append(res.WorkflowIDs, c.id)
	}
	return res, nil
}

// OrderedTasks returns the workflow's tasks in execution order: a Kahn
// topological sort over the blocks edges between tasks in the workflow,
// dependencies first. Ties among simultaneously ready tasks break by
// priority ascending, then id. Tasks trapped in a cycle come last, in id
// order, rather than failing the whole query.
func (e *Engine) OrderedTasks(ctx context.Context, workflowID string) ([]*types.Element, error) {
	tasks, err := e.Tasks(ctx, workflowID, types.ListFilter{})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	byID := make(map[string]*types.Element, len(tasks))
	for _, el := range tasks {
		byID[el.ID] = el
	}

	// dependents[b] holds the in-set tasks waiting on b; indegree counts
	// in-set blockers per task.
	dependents := make(map[string][]string, len(tasks))
	indegree := make(map[string]int, len(tasks))
	for _, el := range tasks {
		indegree[el.ID] = 0
	}
	for _, el := range tasks {
		deps, err := e.store.GetDependencies(ctx, el.ID, types.DepBlocks)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if _, inSet := byID[dep.BlockerID]; !inSet {
				continue
			}
			dependents[dep.BlockerID] = append(dependents[dep.BlockerID], el.ID)
			indegree[el.ID]++
		}
	}

	less := func(a, b string) bool {
		ta, _ := byID[a].Task()
		tb, _ := byID[b].Task()
		if ta.Priority != tb.Priority {
			return ta.Priority < tb.Priority
		}
		return a < b
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })

	ordered := make([]*types.Element, 0, len(tasks))
	placed := make(map[string]bool, len(tasks))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		ordered = append(ordered, byID[id])
		placed[id] = true
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
		sort.Slice(frontier, func(i, j int) bool { return less(frontier[i], frontier[j]) })
	}

	// Anything left sits on a cycle; append it deterministically.
	if len(ordered) < len(tasks) {
		var tail []string
		for id := range indegree {
			if !placed[id] {
				tail = append(tail, id)
			}
		}
		sort.Strings(tail)
		for _, id := range tail {
			ordered = append(ordered, byID[id])
		}
	}
	return ordered, nil
}

package plan

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/types"
)

// Bulk operations iterate a container's tasks one transaction per task.
// Ineligible tasks (terminal, tombstoned, already at the target value) are
// skipped; per-task failures land in Errors and the pass continues, so a
// partial result is always meaningful.

// BulkClose closes every open task in the container with the given reason.
func (e *Engine) BulkClose(ctx context.Context, containerID, reason, actor string) (*types.BulkResult, error) {
	return e.bulkUpdate(ctx, containerID, actor, func(task *types.TaskData) (bool, string) {
		if task.Status == types.TaskClosed {
			return false, "already closed"
		}
		task.Status = types.TaskClosed
		task.CloseReason = reason
		return true, ""
	})
}

// BulkDefer moves every non-terminal task in the container to deferred.
func (e *Engine) BulkDefer(ctx context.Context, containerID, actor string) (*types.BulkResult, error) {
	return e.bulkUpdate(ctx, containerID, actor, func(task *types.TaskData) (bool, string) {
		switch task.Status {
		case types.TaskClosed:
			return false, "already closed"
		case types.TaskDeferred:
			return false, "already deferred"
		}
		task.Status = types.TaskDeferred
		return true, ""
	})
}

// BulkReassign moves every non-terminal task in the container to assignee.
func (e *Engine) BulkReassign(ctx context.Context, containerID, assignee, actor string) (*types.BulkResult, error) {
	return e.bulkUpdate(ctx, containerID, actor, func(task *types.TaskData) (bool, string) {
		if task.Status == types.TaskClosed {
			return false, "already closed"
		}
		if task.Assignee == assignee {
			return false, "already assigned"
		}
		task.Assignee = assignee
		return true, ""
	})
}

// bulkUpdate applies mutate to each live task in the container. mutate
// reports whether the task changed, or the skip reason when it did not.
func (e *Engine) bulkUpdate(ctx context.Context, containerID, actor string, mutate func(*types.TaskData) (bool, string)) (*types.BulkResult, error) {
	tasks, err := e.Tasks(ctx, containerID, types.ListFilter{})
	if err != nil {
		return nil, err
	}

	res := &types.BulkResult{}
	for _, el := range tasks {
		task, ok := el.Task()
		if !ok {
			continue
		}
		if task.Status == types.TaskTombstone || el.IsTombstone() {
			res.Skipped++
			res.SkippedIDs = append(res.SkippedIDs, el.ID)
			continue
		}

		// Probe eligibility on a scratch copy so skipped tasks never see
		// a write or a spurious updated event.
		scratch := *task
		if changed, _ := mutate(&scratch); !changed {
			res.Skipped++
			res.SkippedIDs = append(res.SkippedIDs, el.ID)
			continue
		}

		_, err := e.store.Update(ctx, el.ID, func(cur *types.Element) error {
			t, ok := cur.Task()
			if !ok {
				return fmt.Errorf("%s is not a task", cur.ID)
			}
			if changed, reason := mutate(t); !changed {
				return fmt.Errorf("skipped: %s", reason)
			}
			return nil
		}, store.UpdateOptions{Actor: actor})
		if err != nil {
			res.Skipped++
			res.SkippedIDs = append(res.SkippedIDs, el.ID)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", el.ID, err))
			continue
		}
		res.Updated++
		res.UpdatedIDs = append(res.UpdatedIDs, el.ID)
	}
	return res, nil
}

func appendMissing(tags, add []string) []string {
	have := make(map[string]bool, len(tags))
	for _, t := range tags {
		have[t] = true
	}
	for _, t := range add {
		if !have[t] {
			tags = append(tags, t)
		}
	}
	return tags
}

// BulkTag adds tags to every live task in the container. Tasks that
// already carry all the tags are skipped.
func (e *Engine) BulkTag(ctx context.Context, containerID string, tags []string, actor string) (*types.BulkResult, error) {
	tasks, err := e.Tasks(ctx, containerID, types.ListFilter{})
	if err != nil {
		return nil, err
	}

	res := &types.BulkResult{}
	for _, el := range tasks {
		if el.IsTombstone() {
			res.Skipped++
			res.SkippedIDs = append(res.SkippedIDs, el.ID)
			continue
		}
		have := make(map[string]bool, len(el.Tags))
		for _, t := range el.Tags {
			have[t] = true
		}
		var missing []string
		for _, t := range tags {
			if !have[t] {
				missing = append(missing, t)
			}
		}
		if len(missing) == 0 {
			res.Skipped++
			res.SkippedIDs = append(res.SkippedIDs, el.ID)
			continue
		}

		_, err := e.store.Update(ctx, el.ID, func(cur *types.Element) error {
			cur.Tags = appendMissing(cur.Tags, tags)
			return nil
		}, store.UpdateOptions{Actor: actor})
		if err != nil {
			res.Skipped++
			res.SkippedIDs = append(res.SkippedIDs, el.ID)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", el.ID, err))
			continue
		}
		res.Updated++
		res.UpdatedIDs = append(res.UpdatedIDs, el.ID)
	}
	return res, nil
}

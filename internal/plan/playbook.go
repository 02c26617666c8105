package plan

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// Playbook is a reusable workflow definition loaded from YAML. Applying
// one instantiates a workflow with child tasks wired together by blocks
// edges, so the ready scheduler releases them in dependency order.
type Playbook struct {
	ID        string         `yaml:"id"`
	Title     string         `yaml:"title"`
	Ephemeral bool           `yaml:"ephemeral"`
	Tasks     []PlaybookTask `yaml:"tasks"`
}

// PlaybookTask is one step of a playbook. Needs lists the keys of steps
// that must close before this one becomes ready.
type PlaybookTask struct {
	Key         string   `yaml:"key"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Priority    int      `yaml:"priority"`
	TaskType    string   `yaml:"type"`
	Assignee    string   `yaml:"assignee"`
	Needs       []string `yaml:"needs"`
}

// ParsePlaybook decodes and validates a YAML playbook.
func ParsePlaybook(r io.Reader) (*Playbook, error) {
	var pb Playbook
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pb); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	if pb.Title == "" {
		return nil, fmt.Errorf("playbook title is required")
	}
	if len(pb.Tasks) == 0 {
		return nil, fmt.Errorf("playbook has no tasks")
	}
	keys := make(map[string]bool, len(pb.Tasks))
	for i, t := range pb.Tasks {
		if t.Key == "" {
			return nil, fmt.Errorf("task %d: key is required", i+1)
		}
		if t.Title == "" {
			return nil, fmt.Errorf("task %q: title is required", t.Key)
		}
		if keys[t.Key] {
			return nil, fmt.Errorf("duplicate task key %q", t.Key)
		}
		keys[t.Key] = true
	}
	for _, t := range pb.Tasks {
		for _, need := range t.Needs {
			if !keys[need] {
				return nil, fmt.Errorf("task %q needs unknown key %q", t.Key, need)
			}
			if need == t.Key {
				return nil, fmt.Errorf("task %q cannot need itself", t.Key)
			}
		}
	}
	return &pb, nil
}

// ApplyPlaybook instantiates a playbook: one workflow element plus a
// child task per step, in declaration order, with blocks edges for the
// declared needs. Tasks get hierarchical child ids. The workflow starts
// pending; edge cycles are rejected by the graph layer.
func (e *Engine) ApplyPlaybook(ctx context.Context, pb *Playbook, actor string) (*types.Element, []*types.Element, error) {
	wf := &types.Element{
		Type: types.TypeWorkflow,
		Data: &types.WorkflowData{
			Title:      pb.Title,
			Status:     types.WorkflowPending,
			Ephemeral:  pb.Ephemeral,
			PlaybookID: pb.ID,
		},
	}
	if err := e.store.Create(ctx, wf, actor); err != nil {
		return nil, nil, err
	}

	idByKey := make(map[string]string, len(pb.Tasks))
	tasks := make([]*types.Element, 0, len(pb.Tasks))
	for _, step := range pb.Tasks {
		el, err := e.CreateTask(ctx, wf.ID, &types.TaskData{
			Title:       step.Title,
			Description: step.Description,
			Priority:    step.Priority,
			TaskType:    step.TaskType,
			Assignee:    step.Assignee,
		}, CreateTaskOptions{UseChildID: true, Actor: actor})
		if err != nil {
			return wf, tasks, fmt.Errorf("create step %q: %w", step.Key, err)
		}
		idByKey[step.Key] = el.ID
		tasks = append(tasks, el)
	}

	for _, step := range pb.Tasks {
		for _, need := range step.Needs {
			dep := &types.Dependency{
				BlockedID: idByKey[step.Key],
				BlockerID: idByKey[need],
				Type:      types.DepBlocks,
			}
			if err := e.store.AddDependency(ctx, dep, actor); err != nil {
				return wf, tasks, fmt.Errorf("wire %q after %q: %w", step.Key, need, err)
			}
		}
	}
	e.log.Info().Str("workflow", wf.ID).Int("tasks", len(tasks)).
		Str("playbook", pb.ID).Msg("playbook applied")
	return wf, tasks, nil
}

// InstantiatePlaybook is ApplyPlaybook over an undecoded YAML stream.
func (e *Engine) InstantiatePlaybook(ctx context.Context, r io.Reader, actor string) (*types.Element, []*types.Element, error) {
	pb, err := ParsePlaybook(r)
	if err != nil {
		return nil, nil, storage.Validation("plan.InstantiatePlaybook", err.Error())
	}
	return e.ApplyPlaybook(ctx, pb, actor)
}

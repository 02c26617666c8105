// Package types defines the core data structures for the loom work engine.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ElementType discriminates the variants of the unified element store.
type ElementType string

// Element type constants
const (
	TypeTask     ElementType = "task"
	TypePlan     ElementType = "plan"
	TypeWorkflow ElementType = "workflow"
	TypeChannel  ElementType = "channel"
	TypeMessage  ElementType = "message"
	TypeDocument ElementType = "document"
	TypeEntity   ElementType = "entity"
	TypeTeam     ElementType = "team"
	TypeLibrary  ElementType = "library"
)

// IsValid checks if the element type value is valid.
func (t ElementType) IsValid() bool {
	switch t {
	case TypeTask, TypePlan, TypeWorkflow, TypeChannel, TypeMessage,
		TypeDocument, TypeEntity, TypeTeam, TypeLibrary:
		return true
	}
	return false
}

// Element is the shared header for every record in the store. The
// variant-specific payload lives in Data and is serialised as a single
// JSON column for storage-engine portability.
type Element struct {
	ID          string         `json:"id"`
	Type        ElementType    `json:"type"`
	ContentHash string         `json:"-"` // digest of canonical payload, not exported
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CreatedBy   string         `json:"created_by,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	Data        Payload        `json:"data"`
}

// Payload is implemented by every variant's data struct.
type Payload interface {
	Kind() ElementType
	Validate() error
}

// IsTombstone returns true if the element has been soft-deleted.
func (e *Element) IsTombstone() bool {
	return e.DeletedAt != nil
}

// Validate checks the header and delegates to the variant payload.
func (e *Element) Validate() error {
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid element type: %s", e.Type)
	}
	if e.Data == nil {
		return fmt.Errorf("element data is required")
	}
	if e.Data.Kind() != e.Type {
		return fmt.Errorf("element type %s does not match payload kind %s", e.Type, e.Data.Kind())
	}
	return e.Data.Validate()
}

// TaskStatus represents the current state of a task.
type TaskStatus string

// Task status constants
const (
	TaskBacklog    TaskStatus = "backlog"
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskDeferred   TaskStatus = "deferred"
	TaskClosed     TaskStatus = "closed"
	TaskTombstone  TaskStatus = "tombstone"
)

// IsValid checks if the task status value is valid.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskBacklog, TaskOpen, TaskInProgress, TaskBlocked, TaskDeferred, TaskClosed, TaskTombstone:
		return true
	}
	return false
}

// IsTerminal reports whether the status satisfies blockers that wait on
// this task. Tombstones do not count: their dependency edges are removed
// on delete, so they never appear as blockers.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskClosed
}

// TaskData is the task variant payload.
type TaskData struct {
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	DescriptionRef string     `json:"description_ref,omitempty"` // document id
	Status         TaskStatus `json:"status,omitempty"`
	Priority       int        `json:"priority"` // 1..5, 1 = most urgent
	Complexity     int        `json:"complexity,omitempty"`
	TaskType       string     `json:"task_type,omitempty"`
	Assignee       string     `json:"assignee,omitempty"`
	Owner          string     `json:"owner,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	ScheduledFor   *time.Time `json:"scheduled_for,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
}

// Kind implements Payload.
func (*TaskData) Kind() ElementType { return TypeTask }

// Validate implements Payload.
func (d *TaskData) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(d.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(d.Title))
	}
	if d.Status != "" && !d.Status.IsValid() {
		return fmt.Errorf("invalid task status: %s", d.Status)
	}
	if d.Priority < 1 || d.Priority > 5 {
		return fmt.Errorf("priority must be between 1 and 5 (got %d)", d.Priority)
	}
	if d.Complexity != 0 && (d.Complexity < 1 || d.Complexity > 5) {
		return fmt.Errorf("complexity must be between 1 and 5 (got %d)", d.Complexity)
	}
	if d.Status == TaskClosed && d.ClosedAt == nil {
		return fmt.Errorf("closed tasks must have closed_at timestamp")
	}
	if d.Status != TaskClosed && d.Status != TaskTombstone && d.ClosedAt != nil {
		return fmt.Errorf("non-closed tasks cannot have closed_at timestamp")
	}
	return nil
}

// SetDefaults fills zero-valued fields for tasks created from sparse input.
func (d *TaskData) SetDefaults() {
	if d.Status == "" {
		d.Status = TaskOpen
	}
	if d.Priority == 0 {
		d.Priority = 3
	}
	if d.TaskType == "" {
		d.TaskType = "task"
	}
}

// PlanStatus represents the current state of a plan.
type PlanStatus string

// Plan status constants
const (
	PlanDraft     PlanStatus = "draft"
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
)

// IsValid checks if the plan status value is valid.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanDraft, PlanActive, PlanCompleted, PlanCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the plan satisfies blockers waiting on it.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanCompleted || s == PlanCancelled
}

// AcceptsTasks reports whether tasks may be added to a plan in this state.
func (s PlanStatus) AcceptsTasks() bool {
	return s == PlanDraft || s == PlanActive
}

// PlanData is the plan variant payload.
type PlanData struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      PlanStatus `json:"status,omitempty"`
}

// Kind implements Payload.
func (*PlanData) Kind() ElementType { return TypePlan }

// Validate implements Payload.
func (d *PlanData) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("title is required")
	}
	if d.Status != "" && !d.Status.IsValid() {
		return fmt.Errorf("invalid plan status: %s", d.Status)
	}
	return nil
}

// WorkflowStatus represents the current state of a workflow.
type WorkflowStatus string

// Workflow status constants
const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// IsValid checks if the workflow status value is valid.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowPending, WorkflowRunning, WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the workflow satisfies blockers waiting on it.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// BlocksChildren reports whether child tasks of a workflow in this state
// are held back from the ready queue. Running lets children proceed;
// completed releases them (the work is done, stragglers may finish).
func (s WorkflowStatus) BlocksChildren() bool {
	return s != WorkflowRunning && s != WorkflowCompleted
}

// WorkflowData is the workflow variant payload.
type WorkflowData struct {
	Title      string         `json:"title"`
	Status     WorkflowStatus `json:"status,omitempty"`
	Ephemeral  bool           `json:"ephemeral,omitempty"`
	PlaybookID string         `json:"playbook_id,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Kind implements Payload.
func (*WorkflowData) Kind() ElementType { return TypeWorkflow }

// Validate implements Payload.
func (d *WorkflowData) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("title is required")
	}
	if d.Status != "" && !d.Status.IsValid() {
		return fmt.Errorf("invalid workflow status: %s", d.Status)
	}
	return nil
}

// ChannelType distinguishes direct two-party channels from group channels.
type ChannelType string

// Channel type constants
const (
	ChannelDirect ChannelType = "direct"
	ChannelGroup  ChannelType = "group"
)

// ChannelPermissions carries channel policy knobs.
type ChannelPermissions struct {
	Visibility    string `json:"visibility,omitempty"`
	JoinPolicy    string `json:"join_policy,omitempty"`
	ModifyMembers string `json:"modify_members,omitempty"`
}

// ChannelData is the channel variant payload. For direct channels the
// member pair is immutable and unique (sorted order).
type ChannelData struct {
	Name        string             `json:"name,omitempty"`
	ChannelType ChannelType        `json:"channel_type"`
	Members     []string           `json:"members"`
	Permissions ChannelPermissions `json:"permissions,omitempty"`
}

// Kind implements Payload.
func (*ChannelData) Kind() ElementType { return TypeChannel }

// Validate implements Payload.
func (d *ChannelData) Validate() error {
	switch d.ChannelType {
	case ChannelDirect:
		if len(d.Members) != 2 {
			return fmt.Errorf("direct channel requires exactly 2 members (got %d)", len(d.Members))
		}
		if d.Members[0] == d.Members[1] {
			return fmt.Errorf("direct channel members must be distinct")
		}
	case ChannelGroup:
		if len(d.Members) == 0 {
			return fmt.Errorf("group channel requires at least one member")
		}
	default:
		return fmt.Errorf("invalid channel type: %s", d.ChannelType)
	}
	return nil
}

// HasMember reports whether id is a channel member.
func (d *ChannelData) HasMember(id string) bool {
	for _, m := range d.Members {
		if m == id {
			return true
		}
	}
	return false
}

// DirectKey returns the canonical sorted-pair key for a direct channel.
func (d *ChannelData) DirectKey() string {
	a, b := d.Members[0], d.Members[1]
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// MessageData is the message variant payload. Messages are immutable and
// undeletable once committed.
type MessageData struct {
	ChannelID   string   `json:"channel_id"`
	Sender      string   `json:"sender"`
	ContentRef  string   `json:"content_ref"` // document id
	Attachments []string `json:"attachments,omitempty"`
	ThreadID    string   `json:"thread_id,omitempty"` // parent message id

	// Content is filled by hydration from the content_ref document and is
	// never persisted; the document owns the text.
	Content string `json:"-"`
}

// Kind implements Payload.
func (*MessageData) Kind() ElementType { return TypeMessage }

// Validate implements Payload.
func (d *MessageData) Validate() error {
	if d.ChannelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	if d.Sender == "" {
		return fmt.Errorf("sender is required")
	}
	if d.ContentRef == "" {
		return fmt.Errorf("content_ref is required")
	}
	return nil
}

// DocumentStatus represents the lifecycle state of a document.
type DocumentStatus string

// Document status constants
const (
	DocumentActive   DocumentStatus = "active"
	DocumentArchived DocumentStatus = "archived"
)

// IsValid checks if the document status value is valid.
func (s DocumentStatus) IsValid() bool {
	return s == DocumentActive || s == DocumentArchived
}

// DocumentData is the document variant payload. Content changes bump the
// version and snapshot the previous revision.
type DocumentData struct {
	Title             string         `json:"title,omitempty"`
	Content           string         `json:"content"`
	ContentType       string         `json:"content_type,omitempty"`
	Version           int            `json:"version"`
	PreviousVersionID string         `json:"previous_version_id,omitempty"`
	Category          string         `json:"category,omitempty"`
	Status            DocumentStatus `json:"status,omitempty"`
	Immutable         bool           `json:"immutable,omitempty"`
}

// Kind implements Payload.
func (*DocumentData) Kind() ElementType { return TypeDocument }

// Validate implements Payload.
func (d *DocumentData) Validate() error {
	if d.Version < 1 {
		return fmt.Errorf("version must be >= 1 (got %d)", d.Version)
	}
	if d.Status != "" && !d.Status.IsValid() {
		return fmt.Errorf("invalid document status: %s", d.Status)
	}
	return nil
}

// EntityData is the entity variant payload. Entity names are unique across
// non-tombstoned entities and the reports-to chain is acyclic.
type EntityData struct {
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
	ReportsTo string `json:"reports_to,omitempty"`
}

// Kind implements Payload.
func (*EntityData) Kind() ElementType { return TypeEntity }

// Validate implements Payload.
func (d *EntityData) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(d.Name, " \t\n") {
		return fmt.Errorf("entity name cannot contain whitespace")
	}
	return nil
}

// TeamData is the team variant payload.
type TeamData struct {
	Name    string   `json:"name"`
	Status  string   `json:"status,omitempty"`
	Members []string `json:"members,omitempty"`
}

// Kind implements Payload.
func (*TeamData) Kind() ElementType { return TypeTeam }

// Validate implements Payload.
func (d *TeamData) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// HasMember reports whether id belongs to the team.
func (d *TeamData) HasMember(id string) bool {
	for _, m := range d.Members {
		if m == id {
			return true
		}
	}
	return false
}

// LibraryData is the library variant payload.
type LibraryData struct {
	Name           string `json:"name"`
	DescriptionRef string `json:"description_ref,omitempty"`

	// Description is filled by hydration, never persisted.
	Description string `json:"-"`
}

// Kind implements Payload.
func (*LibraryData) Kind() ElementType { return TypeLibrary }

// Validate implements Payload.
func (d *LibraryData) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Narrow type guards, one per variant.

// Task returns the task payload.
func (e *Element) Task() (*TaskData, bool) { d, ok := e.Data.(*TaskData); return d, ok }

// Plan returns the plan payload.
func (e *Element) Plan() (*PlanData, bool) { d, ok := e.Data.(*PlanData); return d, ok }

// Workflow returns the workflow payload.
func (e *Element) Workflow() (*WorkflowData, bool) { d, ok := e.Data.(*WorkflowData); return d, ok }

// Channel returns the channel payload.
func (e *Element) Channel() (*ChannelData, bool) { d, ok := e.Data.(*ChannelData); return d, ok }

// Message returns the message payload.
func (e *Element) Message() (*MessageData, bool) { d, ok := e.Data.(*MessageData); return d, ok }

// Document returns the document payload.
func (e *Element) Document() (*DocumentData, bool) { d, ok := e.Data.(*DocumentData); return d, ok }

// Entity returns the entity payload.
func (e *Element) Entity() (*EntityData, bool) { d, ok := e.Data.(*EntityData); return d, ok }

// Team returns the team payload.
func (e *Element) Team() (*TeamData, bool) { d, ok := e.Data.(*TeamData); return d, ok }

// Library returns the library payload.
func (e *Element) Library() (*LibraryData, bool) { d, ok := e.Data.(*LibraryData); return d, ok }

// ParseHierarchicalID splits a child id of the form "<parent>.<n>" into its
// root, parent and ordinal. depth is the number of dotted segments below the
// root; 0 means the id is not hierarchical.
func ParseHierarchicalID(id string) (root, parent string, n, depth int) {
	idx := strings.LastIndex(id, ".")
	if idx < 0 {
		return id, "", 0, 0
	}
	ord, err := strconv.Atoi(id[idx+1:])
	if err != nil {
		return id, "", 0, 0
	}
	parent = id[:idx]
	rootEnd := strings.Index(id, ".")
	return id[:rootEnd], parent, ord, strings.Count(id, ".")
}

// ChildID builds a hierarchical child id.
func ChildID(parentID string, n int) string {
	return fmt.Sprintf("%s.%d", parentID, n)
}

// IsChildOf returns true if childID is a hierarchical child of parentID.
// For example, "pl-abc.1" is a child of "pl-abc", and "pl-abc.1.2" is a
// child of "pl-abc.1".
func IsChildOf(childID, parentID string) bool {
	_, actualParent, _, depth := ParseHierarchicalID(childID)
	if depth == 0 {
		return false
	}
	if actualParent == parentID {
		return true
	}
	return strings.HasPrefix(childID, parentID+".")
}

package types

import "time"

// OrderBy names a sortable column for list queries. Scalar element fields
// plus the common JSON-extracted variant fields are covered.
type OrderBy string

// Order constants
const (
	OrderCreatedAt OrderBy = "created_at"
	OrderUpdatedAt OrderBy = "updated_at"
	OrderID        OrderBy = "id"
	OrderType      OrderBy = "type"
	OrderPriority  OrderBy = "priority" // json: $.priority
	OrderStatus    OrderBy = "status"   // json: $.status
	OrderTitle     OrderBy = "title"    // json: $.title
	OrderName      OrderBy = "name"     // json: $.name
)

// ListFilter selects elements for list queries. Zero values mean "any".
type ListFilter struct {
	Type      ElementType
	Types     []ElementType
	IDs       []string
	CreatedBy string
	Tags      []string // AND semantics: element must have ALL these tags
	TagsAny   []string // OR semantics: element must have AT LEAST ONE

	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	UpdatedAfter  *time.Time
	UpdatedBefore *time.Time

	IncludeDeleted bool

	// Task fields
	TaskStatus   TaskStatus
	TaskStatuses []TaskStatus
	Priority     *int
	PriorityMin  *int
	PriorityMax  *int
	Assignee     string
	Owner        string
	TaskType     string

	// Document fields
	DocVersion  *int
	DocCategory string
	DocStatus   DocumentStatus

	// Message fields
	ChannelID      string
	Sender         string
	ThreadID       string
	HasAttachments *bool

	// Channel fields
	ChannelType ChannelType
	Visibility  string
	Member      string

	// Entity fields
	EntityName string

	OrderBy    OrderBy
	Ascending  bool
	Limit      int
	Offset     int
	Hydrate    bool // replace *Ref fields with referenced document content
}

// Page is one page of a paginated listing.
type Page struct {
	Elements []*Element `json:"elements"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
	HasMore  bool       `json:"has_more"`
}

// ReadyFilter selects tasks for the ready scheduler.
type ReadyFilter struct {
	Assignee         string // matches task assignee or any team containing it
	Owner            string
	Priority         *int
	ComplexityMax    *int
	TaskType         string
	Tags             []string
	Limit            int
	IncludeEphemeral bool // include children of ephemeral workflows
}

// Progress aggregates task status counts for a plan or workflow.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	InProgress int     `json:"in_progress"`
	Blocked    int     `json:"blocked"`
	Open       int     `json:"open"`
	Percentage float64 `json:"percentage"`
}

// BulkResult reports the outcome of a bulk plan operation. Bulk operations
// never abort on a single-element failure.
type BulkResult struct {
	Updated    int      `json:"updated"`
	Skipped    int      `json:"skipped"`
	UpdatedIDs []string `json:"updated_ids,omitempty"`
	SkippedIDs []string `json:"skipped_ids,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// Statistics provides aggregate store metrics.
type Statistics struct {
	TotalElements  int            `json:"total_elements"`
	ByType         map[string]int `json:"by_type"`
	OpenTasks      int            `json:"open_tasks"`
	InProgress     int            `json:"in_progress_tasks"`
	BlockedTasks   int            `json:"blocked_tasks"`
	ClosedTasks    int            `json:"closed_tasks"`
	BacklogTasks   int            `json:"backlog_tasks"`
	DeferredTasks  int            `json:"deferred_tasks"`
	ReadyTasks     int            `json:"ready_tasks"`
	Tombstones     int            `json:"tombstones"`
}

// GCResult reports an ephemeral-workflow garbage collection pass.
type GCResult struct {
	WorkflowsDeleted int      `json:"workflows_deleted"`
	TasksDeleted     int      `json:"tasks_deleted"`
	WorkflowIDs      []string `json:"workflow_ids,omitempty"`
	DryRun           bool     `json:"dry_run,omitempty"`
}

// InboxSource describes why an inbox item was created.
type InboxSource string

// Inbox source constants
const (
	InboxDirect      InboxSource = "direct"
	InboxMention     InboxSource = "mention"
	InboxThreadReply InboxSource = "thread_reply"
)

// InboxItem directs a message to a recipient's inbox.
type InboxItem struct {
	ID          int64       `json:"id"`
	RecipientID string      `json:"recipient_id"`
	MessageID   string      `json:"message_id"`
	ChannelID   string      `json:"channel_id"`
	SourceType  InboxSource `json:"source_type"`
	ReadAt      *time.Time  `json:"read_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

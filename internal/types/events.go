package types

import "time"

// EventType categorizes journal entries.
type EventType string

// Event type constants
const (
	EventCreated           EventType = "created"
	EventUpdated           EventType = "updated"
	EventClosed            EventType = "closed"
	EventReopened          EventType = "reopened"
	EventDeleted           EventType = "deleted"
	EventDependencyAdded   EventType = "dependency_added"
	EventDependencyRemoved EventType = "dependency_removed"
	EventMemberAdded       EventType = "member_added"
	EventMemberRemoved     EventType = "member_removed"
	EventGateApproved      EventType = "gate_approved"
	EventGateRevoked       EventType = "gate_revoked"
	EventAutoBlocked       EventType = "auto_blocked"
	EventAutoUnblocked     EventType = "auto_unblocked"
)

// Event is one append-only journal record. Events are written in the same
// transaction as the mutation they describe and are never mutated; the
// autoincrement sequence totally orders the history of an element.
type Event struct {
	Sequence  int64     `json:"sequence"`
	ElementID string    `json:"element_id"`
	EventType EventType `json:"event_type"`
	Actor     string    `json:"actor,omitempty"`
	OldValue  *string   `json:"old_value,omitempty"` // JSON snapshot/diff
	NewValue  *string   `json:"new_value,omitempty"` // JSON snapshot/diff
	CreatedAt time.Time `json:"created_at"`
}

// EventQuery filters journal reads.
type EventQuery struct {
	Types      []EventType
	Actor      string
	After      *time.Time
	Before     *time.Time
	Descending bool
	Limit      int
}

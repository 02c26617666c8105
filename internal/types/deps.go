package types

import (
	"encoding/json"
	"time"
)

// DependencyType categorizes the relationship between two elements.
type DependencyType string

// Dependency type constants
const (
	// Blocking types (affect ready work calculation)
	DepBlocks      DependencyType = "blocks"
	DepParentChild DependencyType = "parent-child"
	DepAwaits      DependencyType = "awaits"
	DepGate        DependencyType = "gate"

	// Informational types (never block)
	DepRepliesTo DependencyType = "replies-to"
	DepMentions  DependencyType = "mentions"
)

// IsValid checks if the dependency type value is valid.
// Accepts any non-empty string up to 50 characters; use IsWellKnown to
// check for a built-in type.
func (d DependencyType) IsValid() bool {
	return len(d) > 0 && len(d) <= 50
}

// IsWellKnown checks if the dependency type is a built-in constant.
func (d DependencyType) IsWellKnown() bool {
	switch d {
	case DepBlocks, DepParentChild, DepAwaits, DepGate, DepRepliesTo, DepMentions:
		return true
	}
	return false
}

// AffectsReadyWork returns true if this dependency type can block work.
func (d DependencyType) AffectsReadyWork() bool {
	switch d {
	case DepBlocks, DepParentChild, DepAwaits, DepGate:
		return true
	}
	return false
}

// BlockingTypes are the edge classes walked by the blocked-state cache.
var BlockingTypes = []DependencyType{DepBlocks, DepParentChild, DepAwaits, DepGate}

// Dependency represents a typed directed edge (blocked, blocker, type).
// The blocker must be satisfied before the blocked endpoint can proceed.
type Dependency struct {
	BlockedID string         `json:"blocked_id"`
	BlockerID string         `json:"blocker_id"`
	Type      DependencyType `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by,omitempty"`
	// Metadata carries type-specific edge data as a JSON blob.
	// Gate edges store required approvals and recorded approvals here.
	Metadata string `json:"metadata,omitempty"`
}

// GateMetadata is the decoded metadata blob for awaits/gate edges.
type GateMetadata struct {
	RequiredApprovals []string   `json:"required_approvals,omitempty"`
	Approvals         []Approval `json:"approvals,omitempty"`
	Satisfied         bool       `json:"satisfied,omitempty"`
	SatisfiedBy       string     `json:"satisfied_by,omitempty"`
}

// Approval records one approver's sign-off on a gate.
type Approval struct {
	Approver   string    `json:"approver"`
	ApprovedAt time.Time `json:"approved_at"`
}

// GateMeta decodes the edge metadata as gate bookkeeping. An empty or
// malformed blob decodes to the zero value so a broken edge degrades to
// "no gate conditions" rather than failing the caller.
func (d *Dependency) GateMeta() GateMetadata {
	var gm GateMetadata
	if d.Metadata == "" {
		return gm
	}
	_ = json.Unmarshal([]byte(d.Metadata), &gm)
	return gm
}

// SetGateMeta encodes gate bookkeeping back into the edge metadata.
func (d *Dependency) SetGateMeta(gm GateMetadata) {
	b, err := json.Marshal(gm)
	if err != nil {
		return
	}
	d.Metadata = string(b)
}

// GateSatisfied reports whether the gate conditions on this edge are met.
// A gate with no required approvals is satisfied by default; an explicit
// SatisfyGate marker wins over per-approver bookkeeping.
func (gm GateMetadata) GateSatisfied() bool {
	if gm.Satisfied {
		return true
	}
	if len(gm.RequiredApprovals) == 0 {
		return true
	}
	approved := make(map[string]bool, len(gm.Approvals))
	for _, a := range gm.Approvals {
		approved[a.Approver] = true
	}
	for _, req := range gm.RequiredApprovals {
		if !approved[req] {
			return false
		}
	}
	return true
}

// TreeNode represents a node in a dependency tree walk.
type TreeNode struct {
	Element   *Element       `json:"element"`
	Depth     int            `json:"depth"`
	ParentID  string         `json:"parent_id,omitempty"`
	EdgeType  DependencyType `json:"edge_type,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
}

// BlockedEntry is one row of the blocked-state cache.
type BlockedEntry struct {
	ElementID string   `json:"element_id"`
	BlockedBy []string `json:"blocked_by"`
	Reason    string   `json:"reason,omitempty"`
	// PriorStatus remembers the task status before the auto_blocked
	// transition so auto_unblocked can restore it.
	PriorStatus TaskStatus `json:"prior_status,omitempty"`
}

// BlockedTask pairs a task with the cache entry that blocks it.
type BlockedTask struct {
	Element   *Element `json:"element"`
	BlockedBy []string `json:"blocked_by"`
	Reason    string   `json:"reason,omitempty"`
}

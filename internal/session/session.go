// Package session manages live connections to external agent processes:
// lifecycle (start, resume, suspend, stop), event forwarding, liveness
// probing, bounded per-agent history, and startup reconciliation. At most
// one session per agent may be running at a time.
package session

import (
	"time"

	"github.com/loomworks/loom/internal/bus"
)

// Status is a session lifecycle state.
type Status string

// Session status constants. Starting is transitional: it exists so event
// subscriptions can race the process's initialisation message without
// observing a missing record.
const (
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusSuspended   Status = "suspended"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// Active reports whether the status counts against the one-session-per-
// agent invariant.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusRunning
}

// Mode distinguishes PTY-driven interactive sessions from stream-driven
// headless ones.
type Mode string

// Session modes
const (
	ModeInteractive Mode = "interactive"
	ModeHeadless    Mode = "headless"
)

// Session is one live (or recently live) connection to an agent process.
type Session struct {
	ID                string     `json:"id"`
	ProviderSessionID string     `json:"provider_session_id,omitempty"`
	AgentID           string     `json:"agent_id"`
	Mode              Mode       `json:"mode"`
	PID               int        `json:"pid,omitempty"`
	Status            Status     `json:"status"`
	WorkingDirectory  string     `json:"working_directory,omitempty"`
	Worktree          string     `json:"worktree,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         time.Time  `json:"started_at,omitempty"`
	LastActivity      time.Time  `json:"last_activity,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	ExitReason        string     `json:"exit_reason,omitempty"`

	// Bus is the session's own event bus; the manager re-emits every
	// spawner event here.
	Bus *bus.Bus `json:"-"`

	// spawnerBus is the process-side bus the manager subscribed to.
	spawnerBus *bus.Bus
}

// modeForRole derives the session mode from the agent's role. Directors
// and persistent workers drive a terminal; ephemeral workers and stewards
// run headless streams.
func modeForRole(role string) Mode {
	switch role {
	case "director", "worker":
		return ModeInteractive
	default:
		return ModeHeadless
	}
}

// HistoryEntry is the persisted projection of a finished or suspended
// session, kept as a bounded list in the agent's metadata.
type HistoryEntry struct {
	SessionID         string     `json:"session_id"`
	ProviderSessionID string     `json:"provider_session_id,omitempty"`
	Mode              Mode       `json:"mode"`
	Status            Status     `json:"status"`
	WorkingDirectory  string     `json:"working_directory,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	ExitReason        string     `json:"exit_reason,omitempty"`
}

// maxHistory bounds the per-agent session history.
const maxHistory = 20

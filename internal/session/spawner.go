package session

import (
	"context"

	"github.com/loomworks/loom/internal/bus"
)

// Spawner event names. The spawner's pump emits these on the per-process
// bus; the manager forwards them verbatim onto the session's bus.
const (
	EventEvent             = "event"
	EventPTYData           = "pty-data"
	EventError             = "error"
	EventStderr            = "stderr"
	EventRaw               = "raw"
	EventProviderSessionID = "provider-session-id"
	EventExit              = "exit"
)

// ExitPayload accompanies an exit event.
type ExitPayload struct {
	Code   int
	Signal string
}

// SpawnOptions carry everything the spawner needs to launch a process.
type SpawnOptions struct {
	Mode             Mode
	WorkingDirectory string
	Worktree         string
	Provider         string
	Model            string
	// Prompt is handed to the process as its initial instruction.
	Prompt string
	// ResumeSessionID asks the provider to continue an earlier session.
	ResumeSessionID string
}

// Spawned describes a freshly launched process.
type Spawned struct {
	ID                string
	ProviderSessionID string
	PID               int
	WorkingDirectory  string
	// Events is the process's bus: event, pty-data, error, stderr, raw,
	// provider-session-id, exit.
	Events *bus.Bus
}

// Spawner launches and controls external agent processes. Implementations
// own the process table; the manager never touches OS handles directly.
type Spawner interface {
	Spawn(ctx context.Context, agentID, role string, opts SpawnOptions) (*Spawned, error)
	// Terminate ends the process. Graceful sends the polite signal first.
	Terminate(id string, graceful bool) error
	// Suspend releases the process while the provider retains the
	// session, so it can be resumed later by provider session id.
	Suspend(id string) error
	// Interrupt delivers a non-terminal attention signal (interactive
	// sessions; the analog of the user pressing Escape).
	Interrupt(id string) error
	// WriteToPTY writes raw bytes to an interactive session's terminal.
	WriteToPTY(id, data string) error
	// SendInput writes a line to a headless session's stdin.
	SendInput(id, data string) error
	// Alive reports whether the spawner still tracks a live process.
	Alive(id string) bool
}

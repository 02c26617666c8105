package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/types"
)

// Agent metadata keys owned by the session manager. They are persisted
// through the store's normal update path so every change is journalled.
const (
	metaSessionStatus     = "sessionStatus"
	metaProviderSessionID = "providerSessionId"
	metaSessionHistory    = "sessionHistory"
	metaProvider          = "provider"
	metaModel             = "model"
)

// pasteSettleDelay is how long an interactive write waits between the
// message body and the carriage return. The terminal needs the pause to
// flush the paste buffer before the submit keystroke lands.
const pasteSettleDelay = 1500 * time.Millisecond

// cleanupDelay is how long a terminated session record stays queryable
// before the in-memory tables drop it.
const cleanupDelay = 30 * time.Second

// Manager owns the in-memory session tables and drives the Spawner. It is
// the only writer of session records; agent-metadata projections go
// through the element store.
type Manager struct {
	store   *store.Store
	spawner Spawner
	log     zerolog.Logger
	now     func() time.Time
	sleep   func(time.Duration)
	// pidAlive is the kill-0 probe used for interactive sessions.
	pidAlive func(pid int) bool
	cleanup  time.Duration

	mu      sync.Mutex
	byID    map[string]*Session
	byAgent map[string]*Session
	// subs tracks the spawner-bus subscription ids per session so exit
	// and stop can detach them.
	subs map[string][]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's clock (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleep overrides the paste-settle sleep (tests).
func WithSleep(sleep func(time.Duration)) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithPIDProbe overrides the kill-0 liveness probe (tests).
func WithPIDProbe(alive func(pid int) bool) Option {
	return func(m *Manager) { m.pidAlive = alive }
}

// WithCleanupDelay overrides the post-termination record retention (tests).
func WithCleanupDelay(d time.Duration) Option {
	return func(m *Manager) { m.cleanup = d }
}

// NewManager creates a Manager over the given store and spawner.
func NewManager(st *store.Store, sp Spawner, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		spawner:  sp,
		log:      log.WithComponent("session"),
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    time.Sleep,
		pidAlive: func(pid int) bool { return unix.Kill(pid, 0) == nil },
		cleanup:  cleanupDelay,
		byID:     make(map[string]*Session),
		byAgent:  make(map[string]*Session),
		subs:     make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartOptions qualify Start. Zero values defer to the agent's role and
// metadata.
type StartOptions struct {
	Mode             Mode
	Provider         string
	Model            string
	WorkingDirectory string
	Worktree         string
	Prompt           string
}

// Start spawns a new session for the agent. It fails with a conflict if
// the agent already has an active session. Event forwarders attach before
// Start returns, so an immediate process exit is not lost.
func (m *Manager) Start(ctx context.Context, agentID string, opts StartOptions) (*Session, error) {
	const op = "session.Start"

	agent, ent, err := m.agent(ctx, op, agentID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.byAgent[agentID]; cur != nil && cur.Status.Active() {
		return nil, storage.Conflict(op, agentID,
			fmt.Sprintf("agent already has session %s in status %s", cur.ID, cur.Status))
	}

	mode := opts.Mode
	if mode == "" {
		mode = modeForRole(ent.Role)
	}
	spawnOpts := SpawnOptions{
		Mode:             mode,
		WorkingDirectory: opts.WorkingDirectory,
		Worktree:         opts.Worktree,
		Provider:         m.resolveMeta(agent, metaProvider, opts.Provider),
		Model:            m.resolveMeta(agent, metaModel, opts.Model),
		Prompt:           opts.Prompt,
	}
	sess, err := m.spawnLocked(ctx, agent, ent.Role, spawnOpts)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// spawnLocked runs the shared spawn-register-forward-persist sequence.
// Callers hold m.mu.
func (m *Manager) spawnLocked(ctx context.Context, agent *types.Element, role string, opts SpawnOptions) (*Session, error) {
	spawned, err := m.spawner.Spawn(ctx, agent.ID, role, opts)
	if err != nil {
		return nil, err
	}

	now := m.now()
	sess := &Session{
		ID:                spawned.ID,
		ProviderSessionID: spawned.ProviderSessionID,
		AgentID:           agent.ID,
		Mode:              opts.Mode,
		PID:               spawned.PID,
		Status:            StatusStarting,
		WorkingDirectory:  spawned.WorkingDirectory,
		Worktree:          opts.Worktree,
		CreatedAt:         now,
		StartedAt:         now,
		LastActivity:      now,
		Bus:               newSessionBus(),
	}
	if sess.WorkingDirectory == "" {
		sess.WorkingDirectory = opts.WorkingDirectory
	}
	m.byID[sess.ID] = sess
	m.byAgent[agent.ID] = sess

	// Forwarders attach before anything can block: a process that dies
	// during startup still delivers its exit through the handler chain.
	m.attachForwarders(sess, spawned)
	sess.Status = StatusRunning

	if err := m.persistAgentSession(ctx, agent.ID, func(meta map[string]any) {
		meta[metaSessionStatus] = "running"
		if sess.ProviderSessionID != "" {
			meta[metaProviderSessionID] = sess.ProviderSessionID
		}
	}); err != nil {
		m.log.Warn().Err(err).Str("agent", agent.ID).Msg("failed to persist session start")
	}
	m.log.Info().Str("session", sess.ID).Str("agent", agent.ID).
		Str("mode", string(sess.Mode)).Msg("session started")
	return sess, nil
}

// ResumeOptions qualify Resume.
type ResumeOptions struct {
	AgentID           string
	ProviderSessionID string
	WorkingDirectory  string
	Provider          string
	Model             string
	Prompt            string

	// ReadyProbe, when set, queries the agent's top ready task before the
	// resume and prepends a service-this-first instruction to the prompt.
	ReadyProbe func(ctx context.Context, agentID string) (*types.Element, error)
}

// ResumeResult reports a resume, including the outcome of the ready-work
// probe.
type ResumeResult struct {
	Session *Session
	// ReadyTask is the task the resumed agent was told to service first,
	// nil when the probe found nothing (or was not supplied).
	ReadyTask *types.Element
}

// Resume reconnects to a provider session by its opaque id. The working
// directory falls back to the one recorded in session history when the
// caller does not supply it.
func (m *Manager) Resume(ctx context.Context, opts ResumeOptions) (*ResumeResult, error) {
	const op = "session.Resume"

	if opts.ProviderSessionID == "" {
		return nil, storage.Validation(op, "provider session id is required")
	}
	agent, ent, err := m.agent(ctx, op, opts.AgentID)
	if err != nil {
		return nil, err
	}

	res := &ResumeResult{}
	prompt := opts.Prompt
	if opts.ReadyProbe != nil {
		task, err := opts.ReadyProbe(ctx, opts.AgentID)
		if err != nil {
			m.log.Warn().Err(err).Str("agent", opts.AgentID).Msg("ready-work probe failed, resuming without it")
		} else if task != nil {
			res.ReadyTask = task
			prompt = uwpInstruction(task) + prompt
		}
	}

	wd := opts.WorkingDirectory
	if wd == "" {
		wd = m.historicalWorkingDirectory(agent, opts.ProviderSessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.byAgent[opts.AgentID]; cur != nil && cur.Status.Active() {
		return nil, storage.Conflict(op, opts.AgentID,
			fmt.Sprintf("agent already has session %s in status %s", cur.ID, cur.Status))
	}

	sess, err := m.spawnLocked(ctx, agent, ent.Role, SpawnOptions{
		Mode:             modeForRole(ent.Role),
		WorkingDirectory: wd,
		Provider:         m.resolveMeta(agent, metaProvider, opts.Provider),
		Model:            m.resolveMeta(agent, metaModel, opts.Model),
		Prompt:           prompt,
		ResumeSessionID:  opts.ProviderSessionID,
	})
	if err != nil {
		return nil, err
	}
	if sess.ProviderSessionID == "" {
		sess.ProviderSessionID = opts.ProviderSessionID
	}
	res.Session = sess
	return res, nil
}

// uwpInstruction formats the service-assigned-work-first block prepended
// to a resume prompt.
func uwpInstruction(task *types.Element) string {
	data, _ := task.Task()
	return fmt.Sprintf(
		"Before resuming your previous work: task %s (%q, priority %d) is assigned to you and ready. Service it first, then continue.\n\n",
		task.ID, data.Title, data.Priority)
}

// Suspend releases the session's process while keeping the provider
// session resumable. The status flips to suspended before the spawner is
// asked to release, closing the window where the exit handler would see a
// running record and mark it terminated.
func (m *Manager) Suspend(ctx context.Context, sessionID string) error {
	const op = "session.Suspend"

	m.mu.Lock()
	sess := m.byID[sessionID]
	if sess == nil {
		m.mu.Unlock()
		return storage.NotFound(op, sessionID)
	}
	if sess.Status != StatusRunning {
		m.mu.Unlock()
		return storage.Constraint(op, sessionID,
			fmt.Sprintf("cannot suspend session in status %s", sess.Status))
	}
	sess.Status = StatusSuspended
	m.mu.Unlock()

	if err := m.spawner.Suspend(sess.ID); err != nil {
		m.mu.Lock()
		sess.Status = StatusRunning
		m.mu.Unlock()
		return fmt.Errorf("suspend session %s: %w", sessionID, err)
	}

	m.detach(sess.ID)
	if err := m.persistAgentSession(ctx, sess.AgentID, func(meta map[string]any) {
		meta[metaSessionStatus] = "suspended"
		appendHistory(meta, m.historyEntry(sess))
	}); err != nil {
		m.log.Warn().Err(err).Str("session", sessionID).Msg("failed to persist suspend")
	}
	m.log.Info().Str("session", sessionID).Msg("session suspended")
	return nil
}

// Stop terminates the session. Listener detachment happens first so the
// process's exit event cannot race the explicit transition. The in-memory
// record lingers briefly for late queries, then drops.
func (m *Manager) Stop(ctx context.Context, sessionID, reason string) error {
	const op = "session.Stop"

	m.mu.Lock()
	sess := m.byID[sessionID]
	if sess == nil {
		m.mu.Unlock()
		return storage.NotFound(op, sessionID)
	}
	if sess.Status == StatusTerminated {
		m.mu.Unlock()
		return nil
	}
	sess.Status = StatusTerminating
	m.mu.Unlock()

	m.detach(sess.ID)
	if err := m.spawner.Terminate(sess.ID, true); err != nil {
		m.log.Warn().Err(err).Str("session", sessionID).Msg("graceful terminate failed")
	}

	m.mu.Lock()
	sess.Status = StatusTerminated
	now := m.now()
	sess.EndedAt = &now
	sess.ExitReason = reason
	m.mu.Unlock()

	if err := m.persistAgentSession(ctx, sess.AgentID, func(meta map[string]any) {
		meta[metaSessionStatus] = "idle"
		appendHistory(meta, m.historyEntry(sess))
	}); err != nil {
		m.log.Warn().Err(err).Str("session", sessionID).Msg("failed to persist stop")
	}
	sess.Bus.RemoveAll()
	m.scheduleCleanup(sess)
	m.log.Info().Str("session", sessionID).Str("reason", reason).Msg("session stopped")
	return nil
}

// Interrupt sends the attention signal to a running interactive session.
// No state changes.
func (m *Manager) Interrupt(sessionID string) error {
	const op = "session.Interrupt"

	m.mu.Lock()
	sess := m.byID[sessionID]
	m.mu.Unlock()
	if sess == nil {
		return storage.NotFound(op, sessionID)
	}
	if sess.Status != StatusRunning {
		return storage.Constraint(op, sessionID,
			fmt.Sprintf("cannot interrupt session in status %s", sess.Status))
	}
	if sess.Mode != ModeInteractive {
		return storage.Constraint(op, sessionID, "interrupt requires an interactive session")
	}
	return m.spawner.Interrupt(sess.ID)
}

// MessageOptions qualify SendMessage. ContentRef takes precedence over
// the literal Content.
type MessageOptions struct {
	Sender     string
	Content    string
	ContentRef string // document id
}

// SendMessage delivers a formatted message to a running session's
// process. Interactive sessions get the body, a paste-settle pause, then
// a carriage return; headless sessions get a direct stdin write.
func (m *Manager) SendMessage(ctx context.Context, sessionID string, opts MessageOptions) error {
	const op = "session.SendMessage"

	m.mu.Lock()
	sess := m.byID[sessionID]
	m.mu.Unlock()
	if sess == nil {
		return storage.NotFound(op, sessionID)
	}
	if sess.Status != StatusRunning {
		return storage.Constraint(op, sessionID,
			fmt.Sprintf("cannot message session in status %s", sess.Status))
	}

	content := opts.Content
	if opts.ContentRef != "" {
		doc, err := m.store.Get(ctx, opts.ContentRef)
		if err != nil {
			return err
		}
		d, ok := doc.Document()
		if !ok {
			return storage.Constraint(op, opts.ContentRef, "content ref must point to a document")
		}
		content = d.Content
	}
	body := fmt.Sprintf("[Message from %s]: %s", opts.Sender, content)

	if sess.Mode == ModeInteractive {
		if err := m.spawner.WriteToPTY(sess.ID, body); err != nil {
			return fmt.Errorf("write to pty: %w", err)
		}
		m.sleep(pasteSettleDelay)
		return m.spawner.WriteToPTY(sess.ID, "\r")
	}
	return m.spawner.SendInput(sess.ID, body+"\n")
}

// agent loads and type-checks the agent entity.
func (m *Manager) agent(ctx context.Context, op, agentID string) (*types.Element, *types.EntityData, error) {
	el, err := m.store.Get(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	ent, ok := el.Entity()
	if !ok {
		return nil, nil, storage.Constraint(op, agentID,
			fmt.Sprintf("%s is a %s, not an entity", agentID, el.Type))
	}
	if el.IsTombstone() {
		return nil, nil, storage.Constraint(op, agentID, "agent is deleted")
	}
	return el, ent, nil
}

// resolveMeta prefers the explicit override, falling back to the agent's
// metadata value.
func (m *Manager) resolveMeta(agent *types.Element, key, override string) string {
	if override != "" {
		return override
	}
	if v, ok := agent.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// persistAgentSession applies a metadata mutation to the agent element
// through the store's update path.
func (m *Manager) persistAgentSession(ctx context.Context, agentID string, mutate func(meta map[string]any)) error {
	_, err := m.store.Update(ctx, agentID, func(el *types.Element) error {
		if el.Metadata == nil {
			el.Metadata = make(map[string]any)
		}
		mutate(el.Metadata)
		return nil
	}, store.UpdateOptions{Actor: "session-manager"})
	return err
}

// scheduleCleanup drops the record from the in-memory tables after the
// retention window.
func (m *Manager) scheduleCleanup(sess *Session) {
	time.AfterFunc(m.cleanup, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.byID[sess.ID] == sess {
			delete(m.byID, sess.ID)
		}
		if m.byAgent[sess.AgentID] == sess {
			delete(m.byAgent, sess.AgentID)
		}
	})
}

func (m *Manager) historyEntry(sess *Session) HistoryEntry {
	return HistoryEntry{
		SessionID:         sess.ID,
		ProviderSessionID: sess.ProviderSessionID,
		Mode:              sess.Mode,
		Status:            sess.Status,
		WorkingDirectory:  sess.WorkingDirectory,
		CreatedAt:         sess.CreatedAt,
		EndedAt:           sess.EndedAt,
		ExitReason:        sess.ExitReason,
	}
}

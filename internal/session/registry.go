package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/loomworks/loom/internal/types"
)

// Get returns the session record by id, without a liveness check.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[sessionID]
}

// ActiveSession returns the agent's live session, or nil. The record is
// cross-checked against the OS: a ghost whose process died without an
// exit event is reaped on the spot.
func (m *Manager) ActiveSession(agentID string) *Session {
	m.mu.Lock()
	sess := m.byAgent[agentID]
	m.mu.Unlock()
	if sess == nil || !sess.Status.Active() {
		return nil
	}
	if !m.sessionAlive(sess) {
		m.reap(sess)
		return nil
	}
	return sess
}

// List returns sessions in the given statuses (all sessions when none are
// given). Active-status results are liveness-checked first.
func (m *Manager) List(statuses ...Status) []*Session {
	wanted := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	m.mu.Lock()
	all := make([]*Session, 0, len(m.byID))
	for _, sess := range m.byID {
		all = append(all, sess)
	}
	m.mu.Unlock()

	var out []*Session
	for _, sess := range all {
		if sess.Status.Active() && !m.sessionAlive(sess) {
			m.reap(sess)
		}
		if len(wanted) == 0 || wanted[sess.Status] {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// sessionAlive probes the OS for the session's process: kill-0 on the PID
// for interactive sessions, the spawner's registry for headless ones.
func (m *Manager) sessionAlive(sess *Session) bool {
	if sess.Mode == ModeInteractive {
		return sess.PID > 0 && m.pidAlive(sess.PID)
	}
	return m.spawner.Alive(sess.ID)
}

// reap transitions a ghost session to terminated and resets the agent.
func (m *Manager) reap(sess *Session) {
	m.mu.Lock()
	if !sess.Status.Active() {
		m.mu.Unlock()
		return
	}
	sess.Status = StatusTerminated
	now := m.now()
	sess.EndedAt = &now
	sess.ExitReason = "Process no longer alive"
	m.mu.Unlock()

	m.detach(sess.ID)
	if err := m.persistAgentSession(context.Background(), sess.AgentID, func(meta map[string]any) {
		meta[metaSessionStatus] = "idle"
		appendHistory(meta, m.historyEntry(sess))
	}); err != nil {
		m.log.Warn().Err(err).Str("session", sess.ID).Msg("failed to persist ghost reap")
	}
	m.log.Warn().Str("session", sess.ID).Str("agent", sess.AgentID).Msg("reaped dead session")
}

// ReconcileResult reports a startup reconciliation pass.
type ReconcileResult struct {
	Reconciled int      `json:"reconciled"`
	Errors     []string `json:"errors,omitempty"`
}

// Reconcile runs at process start: any agent persisted as running without
// a live in-memory session is reset to idle. A crash between sessions
// otherwise leaves the agent permanently "busy".
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	agents, err := m.store.List(ctx, types.ListFilter{Type: types.TypeEntity})
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{}
	for _, agent := range agents {
		status, _ := agent.Metadata[metaSessionStatus].(string)
		if status != "running" {
			continue
		}
		m.mu.Lock()
		sess := m.byAgent[agent.ID]
		m.mu.Unlock()
		if sess != nil && sess.Status.Active() && m.sessionAlive(sess) {
			continue
		}
		if err := m.persistAgentSession(ctx, agent.ID, func(meta map[string]any) {
			meta[metaSessionStatus] = "idle"
		}); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", agent.ID, err))
			continue
		}
		res.Reconciled++
		m.log.Info().Str("agent", agent.ID).Msg("reconciled stale running session")
	}
	return res, nil
}

// History returns the agent's persisted session history, newest first.
func (m *Manager) History(ctx context.Context, agentID string) ([]HistoryEntry, error) {
	agent, _, err := m.agent(ctx, "session.History", agentID)
	if err != nil {
		return nil, err
	}
	return historyFromMetadata(agent.Metadata), nil
}

// HistoryByRole aggregates history across every agent with the role,
// newest first.
func (m *Manager) HistoryByRole(ctx context.Context, role string) ([]HistoryEntry, error) {
	agents, err := m.store.List(ctx, types.ListFilter{Type: types.TypeEntity})
	if err != nil {
		return nil, err
	}
	var out []HistoryEntry
	for _, agent := range agents {
		ent, ok := agent.Entity()
		if !ok || ent.Role != role {
			continue
		}
		out = append(out, historyFromMetadata(agent.Metadata)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PreviousSession returns the most recent non-running session for the
// role, for handoff and predecessor queries. Nil when the role has no
// history.
func (m *Manager) PreviousSession(ctx context.Context, role string) (*HistoryEntry, error) {
	entries, err := m.HistoryByRole(ctx, role)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Status != StatusRunning {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// historicalWorkingDirectory recovers the working directory for a resume
// from history: first by provider session id, then the most recent entry
// that recorded one.
func (m *Manager) historicalWorkingDirectory(agent *types.Element, providerSessionID string) string {
	entries := historyFromMetadata(agent.Metadata)
	for _, e := range entries {
		if e.ProviderSessionID == providerSessionID && e.WorkingDirectory != "" {
			return e.WorkingDirectory
		}
	}
	for _, e := range entries {
		if e.WorkingDirectory != "" {
			return e.WorkingDirectory
		}
	}
	return ""
}

// historyFromMetadata decodes the bounded history list from agent
// metadata. Metadata round-trips through JSON, so the list arrives as
// []any of maps; re-marshalling is the simple, safe decode.
func historyFromMetadata(meta map[string]any) []HistoryEntry {
	raw, ok := meta[metaSessionHistory]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil
	}
	return entries
}

// appendHistory prepends the entry and trims the list to the bound.
func appendHistory(meta map[string]any, entry HistoryEntry) {
	entries := append([]HistoryEntry{entry}, historyFromMetadata(meta)...)
	if len(entries) > maxHistory {
		entries = entries[:maxHistory]
	}
	meta[metaSessionHistory] = entries
}

package session

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/bus"
)

func newSessionBus() *bus.Bus { return bus.New() }

// forwardedEvents are re-emitted verbatim from the spawner's process bus
// onto the session's own bus.
var forwardedEvents = []string{
	EventEvent, EventPTYData, EventError, EventStderr, EventRaw,
	EventProviderSessionID, EventExit,
}

// attachForwarders wires the spawner bus to the session bus and installs
// the manager's own lifecycle handlers. Callers hold m.mu; handlers run
// later on the spawner's pump goroutine and take the lock themselves.
func (m *Manager) attachForwarders(sess *Session, spawned *Spawned) {
	var ids []string
	for _, name := range forwardedEvents {
		event := name
		ids = append(ids, spawned.Events.On(event, func(payload any) {
			sess.Bus.Emit(event, payload)
		}))
	}

	// Activity ticks on anything the process says.
	for _, name := range []string{EventEvent, EventPTYData, EventRaw} {
		ids = append(ids, spawned.Events.On(name, func(any) {
			m.mu.Lock()
			sess.LastActivity = m.now()
			m.mu.Unlock()
		}))
	}

	// The provider assigns its session id lazily; the first sighting
	// fills the field and re-persists the agent projection.
	ids = append(ids, spawned.Events.On(EventProviderSessionID, func(payload any) {
		id, ok := payload.(string)
		if !ok || id == "" {
			return
		}
		m.mu.Lock()
		known := sess.ProviderSessionID
		if known == "" {
			sess.ProviderSessionID = id
		}
		m.mu.Unlock()
		if known != "" {
			return
		}
		if err := m.persistAgentSession(context.Background(), sess.AgentID, func(meta map[string]any) {
			meta[metaProviderSessionID] = id
		}); err != nil {
			m.log.Warn().Err(err).Str("session", sess.ID).Msg("failed to persist provider session id")
		}
	}))

	ids = append(ids, spawned.Events.On(EventExit, func(payload any) {
		m.handleExit(sess, payload)
	}))

	m.subs[sess.ID] = ids
	sess.spawnerBus = spawned.Events
}

// detach removes the manager's subscriptions from the spawner bus.
func (m *Manager) detach(sessionID string) {
	m.mu.Lock()
	sess := m.byID[sessionID]
	ids := m.subs[sessionID]
	delete(m.subs, sessionID)
	m.mu.Unlock()
	if sess == nil || sess.spawnerBus == nil {
		return
	}
	for _, id := range ids {
		sess.spawnerBus.Off(id)
	}
}

// handleExit runs when the process dies on its own. Suspended and
// already-terminated records are left alone: suspend flips the status
// before releasing the process exactly so this handler no-ops.
func (m *Manager) handleExit(sess *Session, payload any) {
	m.detach(sess.ID)

	m.mu.Lock()
	if sess.Status == StatusSuspended || sess.Status == StatusTerminated {
		m.mu.Unlock()
		return
	}
	sess.Status = StatusTerminated
	now := m.now()
	sess.EndedAt = &now
	if sess.ExitReason == "" {
		sess.ExitReason = exitReason(payload)
	}
	m.mu.Unlock()

	if err := m.persistAgentSession(context.Background(), sess.AgentID, func(meta map[string]any) {
		meta[metaSessionStatus] = "idle"
		appendHistory(meta, m.historyEntry(sess))
	}); err != nil {
		m.log.Warn().Err(err).Str("session", sess.ID).Msg("failed to persist exit")
	}
	sess.Bus.RemoveAll()
	m.scheduleCleanup(sess)
	m.log.Info().Str("session", sess.ID).Str("reason", sess.ExitReason).Msg("session exited")
}

func exitReason(payload any) string {
	if p, ok := payload.(ExitPayload); ok {
		if p.Signal != "" {
			return fmt.Sprintf("process killed by %s", p.Signal)
		}
		return fmt.Sprintf("process exited with code %d", p.Code)
	}
	return "process exited"
}

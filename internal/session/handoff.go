package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/types"
)

// Handoff composes the session manager and the element store into the
// context-transfer protocol: a handoff document, a message pointing at
// it, then suspension of the source session. It never wakes the target.
type Handoff struct {
	store   *store.Store
	manager *Manager
	log     zerolog.Logger
	now     func() time.Time
}

// NewHandoff creates the handoff service.
func NewHandoff(st *store.Store, m *Manager) *Handoff {
	return &Handoff{
		store:   st,
		manager: m,
		log:     log.WithComponent("handoff"),
		now:     m.now,
	}
}

// HandoffOptions describe a context transfer.
type HandoffOptions struct {
	SessionID      string
	FromAgentID    string
	ToAgentID      string // empty for a self-handoff
	ContextSummary string
	NextSteps      string
	Reason         string
	TaskIDs        []string
}

// HandoffResult reports the artifacts a handoff produced.
type HandoffResult struct {
	DocumentID string `json:"document_id"`
	MessageID  string `json:"message_id"`
	ChannelID  string `json:"channel_id"`
}

// handoffContent is the persisted document body.
type handoffContent struct {
	Type              string   `json:"type"`
	FromAgentID       string   `json:"fromAgentId"`
	ToAgentID         *string  `json:"toAgentId"`
	ContextSummary    string   `json:"contextSummary"`
	NextSteps         string   `json:"nextSteps,omitempty"`
	Reason            string   `json:"reason,omitempty"`
	TaskIDs           []string `json:"taskIds,omitempty"`
	ProviderSessionID string   `json:"providerSessionId,omitempty"`
	InitiatedAt       string   `json:"initiatedAt"`
}

// SelfHandoff writes a handoff document for the agent's own successor,
// posts it in the agent's home channel, and suspends the current session.
// A successor session can read the document and optionally resume the
// predecessor by its provider session id.
func (h *Handoff) SelfHandoff(ctx context.Context, opts HandoffOptions) (*HandoffResult, error) {
	const op = "session.SelfHandoff"

	sess, err := h.sourceSession(op, opts)
	if err != nil {
		return nil, err
	}

	channel, err := h.homeChannel(ctx, opts.FromAgentID)
	if err != nil {
		return nil, err
	}
	res, err := h.writeHandoff(ctx, sess, opts, nil, channel.ID)
	if err != nil {
		return nil, err
	}
	if err := h.manager.Suspend(ctx, sess.ID); err != nil {
		return res, err
	}
	return res, nil
}

// AgentHandoff transfers context (and optionally tasks) to another agent:
// the document lands as a message in the direct channel between the two,
// giving the target an inbox item, and the source session suspends. The
// target is not woken.
func (h *Handoff) AgentHandoff(ctx context.Context, opts HandoffOptions) (*HandoffResult, error) {
	const op = "session.AgentHandoff"

	if opts.ToAgentID == "" {
		return nil, storage.Validation(op, "target agent id is required")
	}
	sess, err := h.sourceSession(op, opts)
	if err != nil {
		return nil, err
	}
	if _, err := h.store.Get(ctx, opts.ToAgentID); err != nil {
		return nil, err
	}

	channel, err := h.store.FindOrCreateDirectChannel(ctx, opts.FromAgentID, opts.ToAgentID, opts.FromAgentID)
	if err != nil {
		return nil, err
	}
	res, err := h.writeHandoff(ctx, sess, opts, &opts.ToAgentID, channel.ID)
	if err != nil {
		return nil, err
	}
	if err := h.manager.Suspend(ctx, sess.ID); err != nil {
		return res, err
	}
	return res, nil
}

// sourceSession validates that the handoff's session is running and
// belongs to the named agent.
func (h *Handoff) sourceSession(op string, opts HandoffOptions) (*Session, error) {
	sess := h.manager.Get(opts.SessionID)
	if sess == nil {
		return nil, storage.NotFound(op, opts.SessionID)
	}
	if sess.AgentID != opts.FromAgentID {
		return nil, storage.Constraint(op, opts.SessionID,
			fmt.Sprintf("session belongs to %s, not %s", sess.AgentID, opts.FromAgentID))
	}
	if sess.Status != StatusRunning {
		return nil, storage.Constraint(op, opts.SessionID,
			fmt.Sprintf("cannot hand off from session in status %s", sess.Status))
	}
	return sess, nil
}

// writeHandoff persists the document and its announcing message.
func (h *Handoff) writeHandoff(ctx context.Context, sess *Session, opts HandoffOptions, toAgent *string, channelID string) (*HandoffResult, error) {
	content := handoffContent{
		Type:              "handoff",
		FromAgentID:       opts.FromAgentID,
		ToAgentID:         toAgent,
		ContextSummary:    opts.ContextSummary,
		NextSteps:         opts.NextSteps,
		Reason:            opts.Reason,
		TaskIDs:           opts.TaskIDs,
		ProviderSessionID: sess.ProviderSessionID,
		InitiatedAt:       h.now().Format(time.RFC3339),
	}
	body, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal handoff: %w", err)
	}

	doc := &types.Element{
		Type: types.TypeDocument,
		Data: &types.DocumentData{
			Title:       fmt.Sprintf("Handoff from %s", opts.FromAgentID),
			Content:     string(body),
			ContentType: "application/json",
			Category:    "handoff",
		},
	}
	if err := h.store.Create(ctx, doc, opts.FromAgentID); err != nil {
		return nil, err
	}

	msg := &types.Element{
		Type: types.TypeMessage,
		Data: &types.MessageData{
			ChannelID:  channelID,
			Sender:     opts.FromAgentID,
			ContentRef: doc.ID,
		},
		Metadata: map[string]any{"handoff": true},
	}
	if err := h.store.Create(ctx, msg, opts.FromAgentID); err != nil {
		return nil, err
	}
	h.log.Info().Str("from", opts.FromAgentID).Str("document", doc.ID).
		Str("channel", channelID).Msg("handoff written")
	return &HandoffResult{DocumentID: doc.ID, MessageID: msg.ID, ChannelID: channelID}, nil
}

// homeChannel finds or creates the agent's own group channel, where
// self-handoffs and status notes land.
func (h *Handoff) homeChannel(ctx context.Context, agentID string) (*types.Element, error) {
	agent, err := h.store.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	ent, ok := agent.Entity()
	if !ok {
		return nil, storage.Constraint("session.homeChannel", agentID, "agent must be an entity")
	}

	channels, err := h.store.List(ctx, types.ListFilter{
		Type:        types.TypeChannel,
		ChannelType: types.ChannelGroup,
		Member:      agentID,
	})
	if err != nil {
		return nil, err
	}
	name := ent.Name + "-home"
	for _, ch := range channels {
		if d, ok := ch.Channel(); ok && d.Name == name {
			return ch, nil
		}
	}

	channel := &types.Element{
		Type: types.TypeChannel,
		Data: &types.ChannelData{
			Name:        name,
			ChannelType: types.ChannelGroup,
			Members:     []string{agentID},
		},
	}
	if err := h.store.Create(ctx, channel, agentID); err != nil {
		return nil, err
	}
	return channel, nil
}

// LatestHandoff returns the most recent handoff document visible to the
// agent: a successor calls this to pick up its predecessor's context.
func (h *Handoff) LatestHandoff(ctx context.Context, agentID string) (*types.Element, error) {
	docs, err := h.store.List(ctx, types.ListFilter{
		Type:        types.TypeDocument,
		DocCategory: "handoff",
		OrderBy:     types.OrderCreatedAt,
		Limit:       50,
	})
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		d, ok := doc.Document()
		if !ok {
			continue
		}
		var content handoffContent
		if err := json.Unmarshal([]byte(d.Content), &content); err != nil {
			continue
		}
		if content.FromAgentID == agentID ||
			(content.ToAgentID != nil && *content.ToAgentID == agentID) {
			return doc, nil
		}
	}
	return nil, nil
}

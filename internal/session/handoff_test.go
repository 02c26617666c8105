package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

func TestSelfHandoff(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")
	sess, err := fx.mgr.Start(ctx, agent.ID, StartOptions{})
	require.NoError(t, err)
	fx.spawner.emit(sess.ID, EventProviderSessionID, "prov-9")

	h := NewHandoff(fx.store, fx.mgr)
	res, err := h.SelfHandoff(ctx, HandoffOptions{
		SessionID:      sess.ID,
		FromAgentID:    agent.ID,
		ContextSummary: "refactor half done, tests red in store package",
		NextSteps:      "fix the two failing tests, then rerun the suite",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, sess.Status, "source session suspends after the handoff")

	doc, err := fx.store.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	d, _ := doc.Document()
	assert.Equal(t, "handoff", d.Category)

	var content map[string]any
	require.NoError(t, json.Unmarshal([]byte(d.Content), &content))
	assert.Equal(t, "handoff", content["type"])
	assert.Equal(t, agent.ID, content["fromAgentId"])
	assert.Nil(t, content["toAgentId"])
	assert.Equal(t, "prov-9", content["providerSessionId"])
	assert.NotEmpty(t, content["initiatedAt"])

	// The announcing message lives in the agent's home channel.
	msg, err := fx.store.Get(ctx, res.MessageID)
	require.NoError(t, err)
	md, _ := msg.Message()
	assert.Equal(t, res.ChannelID, md.ChannelID)
	channel, err := fx.store.Get(ctx, res.ChannelID)
	require.NoError(t, err)
	cd, _ := channel.Channel()
	assert.Equal(t, types.ChannelGroup, cd.ChannelType)
	assert.Equal(t, []string{agent.ID}, cd.Members)

	// The successor finds the context document.
	latest, err := h.LatestHandoff(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, res.DocumentID, latest.ID)
}

func TestAgentHandoffReachesTargetInbox(t *testing.T) {
	fx, ctx := newFixture(t)
	from := fx.mustAgent(t, ctx, "worker-a", "worker")
	to := fx.mustAgent(t, ctx, "worker-b", "worker")
	sess, err := fx.mgr.Start(ctx, from.ID, StartOptions{})
	require.NoError(t, err)

	h := NewHandoff(fx.store, fx.mgr)
	res, err := h.AgentHandoff(ctx, HandoffOptions{
		SessionID:      sess.ID,
		FromAgentID:    from.ID,
		ToAgentID:      to.ID,
		ContextSummary: "taking over the migration",
		TaskIDs:        []string{"t-123"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, sess.Status)

	doc, err := fx.store.Get(ctx, res.DocumentID)
	require.NoError(t, err)
	d, _ := doc.Document()
	var content map[string]any
	require.NoError(t, json.Unmarshal([]byte(d.Content), &content))
	assert.Equal(t, to.ID, content["toAgentId"])
	assert.Equal(t, []any{"t-123"}, content["taskIds"])

	// The direct-channel message routes into the target's inbox; the
	// target is informed but never woken.
	items, err := fx.store.Inbox(ctx, to.ID, true, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, res.MessageID, items[0].MessageID)
	assert.Nil(t, fx.mgr.ActiveSession(to.ID))
}

func TestHandoffRejectsWrongOwnerAndNonRunning(t *testing.T) {
	fx, ctx := newFixture(t)
	a := fx.mustAgent(t, ctx, "worker-a", "worker")
	b := fx.mustAgent(t, ctx, "worker-b", "worker")
	sess, err := fx.mgr.Start(ctx, a.ID, StartOptions{})
	require.NoError(t, err)

	h := NewHandoff(fx.store, fx.mgr)
	_, err = h.SelfHandoff(ctx, HandoffOptions{SessionID: sess.ID, FromAgentID: b.ID})
	assert.True(t, storage.IsConstraint(err), "foreign session should be rejected, got %v", err)

	require.NoError(t, fx.mgr.Suspend(ctx, sess.ID))
	_, err = h.SelfHandoff(ctx, HandoffOptions{SessionID: sess.ID, FromAgentID: a.ID})
	assert.True(t, storage.IsConstraint(err), "suspended session should be rejected, got %v", err)
}

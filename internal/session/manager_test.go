package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/storage/sqlite"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/types"
)

// fakeSpawner is a fully controllable in-memory Spawner.
type fakeSpawner struct {
	mu          sync.Mutex
	spawnCount  int
	lastOpts    SpawnOptions
	procs       map[string]*fakeProc
	ptyWrites   map[string][]string
	inputs      map[string][]string
	suspended   []string
	terminated  []string
	interrupted []string
	failSuspend bool
	failSpawn   bool
}

type fakeProc struct {
	events *bus.Bus
	alive  bool
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		procs:     make(map[string]*fakeProc),
		ptyWrites: make(map[string][]string),
		inputs:    make(map[string][]string),
	}
}

func (f *fakeSpawner) Spawn(_ context.Context, agentID, role string, opts SpawnOptions) (*Spawned, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSpawn {
		return nil, fmt.Errorf("spawn refused")
	}
	f.spawnCount++
	f.lastOpts = opts
	id := fmt.Sprintf("sess-%d", f.spawnCount)
	p := &fakeProc{events: bus.New(), alive: true}
	f.procs[id] = p
	return &Spawned{
		ID:               id,
		PID:              4000 + f.spawnCount,
		WorkingDirectory: opts.WorkingDirectory,
		Events:           p.events,
	}, nil
}

func (f *fakeSpawner) Terminate(id string, graceful bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	if p := f.procs[id]; p != nil {
		p.alive = false
	}
	return nil
}

func (f *fakeSpawner) Suspend(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSuspend {
		return fmt.Errorf("suspend refused")
	}
	f.suspended = append(f.suspended, id)
	if p := f.procs[id]; p != nil {
		p.alive = false
	}
	return nil
}

func (f *fakeSpawner) Interrupt(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = append(f.interrupted, id)
	return nil
}

func (f *fakeSpawner) WriteToPTY(id, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ptyWrites[id] = append(f.ptyWrites[id], data)
	return nil
}

func (f *fakeSpawner) SendInput(id, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs[id] = append(f.inputs[id], data)
	return nil
}

func (f *fakeSpawner) Alive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.procs[id]
	return p != nil && p.alive
}

func (f *fakeSpawner) emit(id, event string, payload any) {
	f.mu.Lock()
	p := f.procs[id]
	f.mu.Unlock()
	if p != nil {
		p.events.Emit(event, payload)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	mgr     *Manager
	spawner *fakeSpawner
	store   *store.Store
	slept   *[]time.Duration
}

func newFixture(t *testing.T) (*fixture, context.Context) {
	t.Helper()

	db, err := sqlite.Open(context.Background(), t.TempDir()+"/loom.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := newTestClock()
	st := store.New(db, store.WithClock(clock.Now))
	spawner := newFakeSpawner()
	var slept []time.Duration
	mgr := NewManager(st, spawner,
		WithClock(clock.Now),
		WithSleep(func(d time.Duration) { slept = append(slept, d) }),
		WithPIDProbe(func(int) bool { return true }),
	)
	return &fixture{mgr: mgr, spawner: spawner, store: st, slept: &slept}, context.Background()
}

func (fx *fixture) mustAgent(t *testing.T, ctx context.Context, name, role string) *types.Element {
	t.Helper()
	el := &types.Element{Type: types.TypeEntity, Data: &types.EntityData{Name: name, Role: role}}
	require.NoError(t, fx.store.Create(ctx, el, "tester"))
	return el
}

func (fx *fixture) agentMeta(t *testing.T, ctx context.Context, agentID string) map[string]any {
	t.Helper()
	el, err := fx.store.Get(ctx, agentID)
	require.NoError(t, err)
	return el.Metadata
}

func TestStartSessionRunsAndPersists(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")

	sess, err := fx.mgr.Start(ctx, agent.ID, StartOptions{WorkingDirectory: "/work/dir-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, sess.Status)
	assert.Equal(t, ModeInteractive, sess.Mode, "director runs interactive")
	assert.NotZero(t, sess.PID)
	assert.Equal(t, "/work/dir-1", sess.WorkingDirectory)

	meta := fx.agentMeta(t, ctx, agent.ID)
	assert.Equal(t, "running", meta[metaSessionStatus])

	// Spawner events forward onto the session's own bus.
	var forwarded []any
	sess.Bus.On(EventPTYData, func(p any) { forwarded = append(forwarded, p) })
	fx.spawner.emit(sess.ID, EventPTYData, "hello")
	assert.Equal(t, []any{"hello"}, forwarded)
}

func TestAtMostOneActiveSessionPerAgent(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")

	_, err := fx.mgr.Start(ctx, agent.ID, StartOptions{})
	require.NoError(t, err)
	_, err = fx.mgr.Start(ctx, agent.ID, StartOptions{})
	assert.True(t, storage.IsConflict(err), "second start should conflict, got %v", err)
}

func TestModeFromRole(t *testing.T) {
	fx, ctx := newFixture(t)
	steward := fx.mustAgent(t, ctx, "steward-1", "steward")

	sess, err := fx.mgr.Start(ctx, steward.ID, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeHeadless, sess.Mode)
}

func TestProcessExitTerminatesAndRecordsHistory(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")
	sess, err := fx.mgr.Start(ctx, agent.ID, StartOptions{})
	require.NoError(t, err)

	fx.spawner.emit(sess.ID, EventExit, ExitPayload{Code: 0})

	assert.Equal(t, StatusTerminated, sess.Status)
	require.NotNil(t, sess.EndedAt)
	meta := fx.agentMeta(t, ctx, agent.ID)
	assert.Equal(t, "idle", meta[metaSessionStatus])

	history, err := fx.mgr.History(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sess.ID, history[0].SessionID)
	assert.Equal(t, StatusTerminated, history[0].Status)
}

func TestProviderSessionIDLazilyPersisted(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")
	sess, err := fx.mgr.Start(ctx, agent.ID, StartOptions{})
	require.NoError(t, err)
	assert.Empty(t, sess.ProviderSessionID)

	fx.spawner.emit(sess.ID, EventProviderSessionID, "prov-42")
	assert.Equal(t, "prov-42", sess.ProviderSessionID)
	meta := fx.agentMeta(t, ctx, agent.ID)
	assert.Equal(t, "prov-42", meta[metaProviderSessionID])

	// A second sighting does not overwrite.
	fx.spawner.emit(sess.ID, EventProviderSessionID, "prov-43")
	assert.Equal(t, "prov-42", sess.ProviderSessionID)
}

func TestSuspendThenLateExitStaysSuspended(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")
	sess, err := fx.mgr.Start(ctx, agent.ID, StartOptions{})
	require.NoError(t, err)
	fx.spawner.emit(sess.ID, EventProviderSessionID, "prov-1")

	require.NoError(t, fx.mgr.Suspend(ctx, sess.ID))
	assert.Equal(t, StatusSuspended, sess.Status)
	assert.Contains(t, fx.spawner.suspended, sess.ID)
	meta := fx.agentMeta(t, ctx, agent.ID)
	assert.Equal(t, "suspended", meta[metaSessionStatus])
	assert.Equal(t, "prov-1", meta[metaProviderSessionID], "provider id survives suspend")

	// The released process's exit must not flip the record to terminated.
	fx.spawner.emit(sess.ID, EventExit, ExitPayload{Code: 0})
	assert.Equal(t, StatusSuspended, sess.Status)
}

func TestSuspendFailureReverts(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")
	sess, err := fx.mgr.Start(ctx, agent.ID, StartOptions{})
	require.NoError(t, err)

	fx.spawner.failSuspend = true
	err = fx.mgr.Suspend(ctx, sess.ID)
	require.Error(t, err)
	assert.Equal(t, StatusRunning, sess.Status)
}

func TestResumeWithReadyWorkProbe(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")
	sess, err := fx.mgr.Start(ctx, agent.ID, StartOptions{WorkingDirectory: "/work/orig"})
	require.NoError(t, err)
	fx.spawner.emit(sess.ID, EventProviderSessionID, "prov-1")
	require.NoError(t, fx.mgr.Suspend(ctx, sess.ID))

	task := &types.Element{Type: types.TypeTask, Data: &types.TaskData{
		Title: "fix the build", Assignee: agent.ID,
	}}
	require.NoError(t, fx.store.Create(ctx, task, "tester"))

	res, err := fx.mgr.Resume(ctx, ResumeOptions{
		AgentID:           agent.ID,
		ProviderSessionID: "prov-1",
		Prompt:            "continue where you left off",
		ReadyProbe: func(ctx context.Context, agentID string) (*types.Element, error) {
			return task, nil
		},
	})
	require.NoError(t, err)
	require.NotNil(t, res.ReadyTask)
	assert.Equal(t, task.ID, res.ReadyTask.ID)
	assert.Equal(t, StatusRunning, res.Session.Status)

	opts := fx.spawner.lastOpts
	assert.Equal(t, "prov-1", opts.ResumeSessionID)
	assert.Contains(t, opts.Prompt, task.ID, "prompt names the ready task")
	assert.Contains(t, opts.Prompt, "continue where you left off")
	assert.True(t, strings.Index(opts.Prompt, task.ID) < strings.Index(opts.Prompt, "continue"),
		"ready-task instruction precedes the original prompt")
	assert.Equal(t, "/work/orig", opts.WorkingDirectory, "working directory recovered from history")
}

func TestResumeRequiresProviderSessionID(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")

	_, err := fx.mgr.Resume(ctx, ResumeOptions{AgentID: agent.ID})
	assert.Error(t, err)
}

func TestStopTerminatesAndSchedulesCleanup(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")
	sess, err := fx.mgr.Start(ctx, agent.ID, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, fx.mgr.Stop(ctx, sess.ID, "operator request"))
	assert.Equal(t, StatusTerminated, sess.Status)
	assert.Equal(t, "operator request", sess.ExitReason)
	assert.Contains(t, fx.spawner.terminated, sess.ID)
	meta := fx.agentMeta(t, ctx, agent.ID)
	assert.Equal(t, "idle", meta[metaSessionStatus])

	history, err := fx.mgr.History(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "operator request", history[0].ExitReason)

	// A second stop is a no-op.
	require.NoError(t, fx.mgr.Stop(ctx, sess.ID, "again"))
	assert.Equal(t, "operator request", sess.ExitReason)
}

func TestInterruptRules(t *testing.T) {
	fx, ctx := newFixture(t)
	director := fx.mustAgent(t, ctx, "dir-1", "director")
	steward := fx.mustAgent(t, ctx, "steward-1", "steward")

	interactive, err := fx.mgr.Start(ctx, director.ID, StartOptions{})
	require.NoError(t, err)
	headless, err := fx.mgr.Start(ctx, steward.ID, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, fx.mgr.Interrupt(interactive.ID))
	assert.Contains(t, fx.spawner.interrupted, interactive.ID)

	err = fx.mgr.Interrupt(headless.ID)
	assert.True(t, storage.IsConstraint(err), "headless interrupt should be rejected, got %v", err)
}

func TestSendMessagePasteSettle(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")
	sess, err := fx.mgr.Start(ctx, agent.ID, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, fx.mgr.SendMessage(ctx, sess.ID, MessageOptions{
		Sender: "operator", Content: "status?",
	}))
	writes := fx.spawner.ptyWrites[sess.ID]
	require.Len(t, writes, 2)
	assert.Equal(t, "[Message from operator]: status?", writes[0])
	assert.Equal(t, "\r", writes[1])
	require.Len(t, *fx.slept, 1)
	assert.Equal(t, pasteSettleDelay, (*fx.slept)[0])
}

func TestSendMessageHeadlessAndContentRef(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "steward-1", "steward")
	sess, err := fx.mgr.Start(ctx, agent.ID, StartOptions{})
	require.NoError(t, err)

	doc := &types.Element{Type: types.TypeDocument, Data: &types.DocumentData{Content: "deploy is done"}}
	require.NoError(t, fx.store.Create(ctx, doc, "tester"))

	require.NoError(t, fx.mgr.SendMessage(ctx, sess.ID, MessageOptions{
		Sender: "ci", ContentRef: doc.ID,
	}))
	inputs := fx.spawner.inputs[sess.ID]
	require.Len(t, inputs, 1)
	assert.Equal(t, "[Message from ci]: deploy is done\n", inputs[0])
	assert.Empty(t, *fx.slept, "headless delivery does not pause")
}

func TestGhostSessionReaped(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")
	sess, err := fx.mgr.Start(ctx, agent.ID, StartOptions{})
	require.NoError(t, err)

	// Kill the process behind the manager's back.
	fx.mgr.pidAlive = func(int) bool { return false }

	assert.Nil(t, fx.mgr.ActiveSession(agent.ID))
	assert.Equal(t, StatusTerminated, sess.Status)
	assert.Equal(t, "Process no longer alive", sess.ExitReason)
	meta := fx.agentMeta(t, ctx, agent.ID)
	assert.Equal(t, "idle", meta[metaSessionStatus])
}

func TestReconcileResetsStaleAgents(t *testing.T) {
	fx, ctx := newFixture(t)
	stale := fx.mustAgent(t, ctx, "ag-1", "worker")
	idle := fx.mustAgent(t, ctx, "ag-2", "worker")

	_, err := fx.store.Update(ctx, stale.ID, func(el *types.Element) error {
		el.Metadata = map[string]any{
			metaSessionStatus:     "running",
			metaProviderSessionID: "p1",
		}
		return nil
	}, store.UpdateOptions{Actor: "tester"})
	require.NoError(t, err)

	res, err := fx.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reconciled)
	assert.Empty(t, res.Errors)

	meta := fx.agentMeta(t, ctx, stale.ID)
	assert.Equal(t, "idle", meta[metaSessionStatus])
	assert.Equal(t, "p1", meta[metaProviderSessionID], "provider id kept for later resume")
	assert.NotContains(t, fx.agentMeta(t, ctx, idle.ID), metaSessionStatus)
}

func TestReconcileLeavesLiveSessionsAlone(t *testing.T) {
	fx, ctx := newFixture(t)
	agent := fx.mustAgent(t, ctx, "dir-1", "director")
	_, err := fx.mgr.Start(ctx, agent.ID, StartOptions{})
	require.NoError(t, err)

	res, err := fx.mgr.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Reconciled)
	meta := fx.agentMeta(t, ctx, agent.ID)
	assert.Equal(t, "running", meta[metaSessionStatus])
}

func TestHistoryBounded(t *testing.T) {
	meta := map[string]any{}
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < maxHistory+5; i++ {
		appendHistory(meta, HistoryEntry{
			SessionID: fmt.Sprintf("sess-%d", i),
			Status:    StatusTerminated,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	entries := historyFromMetadata(meta)
	require.Len(t, entries, maxHistory)
	assert.Equal(t, fmt.Sprintf("sess-%d", maxHistory+4), entries[0].SessionID, "newest first")
}

func TestPreviousSessionByRole(t *testing.T) {
	fx, ctx := newFixture(t)
	a := fx.mustAgent(t, ctx, "worker-a", "worker")
	fx.mustAgent(t, ctx, "worker-b", "worker")

	sess, err := fx.mgr.Start(ctx, a.ID, StartOptions{WorkingDirectory: "/work/a"})
	require.NoError(t, err)
	require.NoError(t, fx.mgr.Stop(ctx, sess.ID, "done"))

	prev, err := fx.mgr.PreviousSession(ctx, "worker")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, sess.ID, prev.SessionID)

	prev, err = fx.mgr.PreviousSession(ctx, "director")
	require.NoError(t, err)
	assert.Nil(t, prev)
}

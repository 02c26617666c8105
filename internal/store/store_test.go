package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/storage/sqlite"
	"github.com/loomworks/loom/internal/types"
)

// testClock hands out strictly increasing timestamps so event ordering
// and reconstruction cutoffs are deterministic.
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

func (c *testClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()

	db, err := sqlite.Open(context.Background(), t.TempDir()+"/loom.db")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if cerr := db.Close(); cerr != nil {
			t.Errorf("Failed to close test database: %v", cerr)
		}
	})
	return New(db, WithClock(newTestClock().Now)), context.Background()
}

func mustCreateTask(t *testing.T, ctx context.Context, s *Store, title string, mut func(*types.TaskData)) *types.Element {
	t.Helper()
	data := &types.TaskData{Title: title}
	if mut != nil {
		mut(data)
	}
	el := &types.Element{Type: types.TypeTask, Data: data}
	if err := s.Create(ctx, el, "tester"); err != nil {
		t.Fatalf("Create task %q failed: %v", title, err)
	}
	return el
}

func mustCreateEntity(t *testing.T, ctx context.Context, s *Store, name string) *types.Element {
	t.Helper()
	el := &types.Element{Type: types.TypeEntity, Data: &types.EntityData{Name: name}}
	if err := s.Create(ctx, el, "tester"); err != nil {
		t.Fatalf("Create entity %q failed: %v", name, err)
	}
	return el
}

func mustCreateDocument(t *testing.T, ctx context.Context, s *Store, content string) *types.Element {
	t.Helper()
	el := &types.Element{Type: types.TypeDocument, Data: &types.DocumentData{Content: content}}
	if err := s.Create(ctx, el, "tester"); err != nil {
		t.Fatalf("Create document failed: %v", err)
	}
	return el
}

func mustCreateGroupChannel(t *testing.T, ctx context.Context, s *Store, members ...string) *types.Element {
	t.Helper()
	el := &types.Element{Type: types.TypeChannel, Data: &types.ChannelData{
		Name:        "room",
		ChannelType: types.ChannelGroup,
		Members:     members,
	}}
	if err := s.Create(ctx, el, "tester"); err != nil {
		t.Fatalf("Create channel failed: %v", err)
	}
	return el
}

func mustCreateMessage(t *testing.T, ctx context.Context, s *Store, channelID, sender, content string, mut func(*types.MessageData)) *types.Element {
	t.Helper()
	doc := mustCreateDocument(t, ctx, s, content)
	data := &types.MessageData{ChannelID: channelID, Sender: sender, ContentRef: doc.ID}
	if mut != nil {
		mut(data)
	}
	el := &types.Element{Type: types.TypeMessage, Data: data}
	if err := s.Create(ctx, el, sender); err != nil {
		t.Fatalf("Create message failed: %v", err)
	}
	return el
}

func TestCreateAndGetTask(t *testing.T) {
	s, ctx := newTestStore(t)

	el := mustCreateTask(t, ctx, s, "Fix the widget", func(d *types.TaskData) {
		d.Priority = 2
		d.Assignee = "alice"
	})
	if !strings.HasPrefix(el.ID, "t-") {
		t.Errorf("task id = %q, want t- prefix", el.ID)
	}
	if el.ContentHash == "" {
		t.Error("content hash not set on create")
	}

	got, err := s.Get(ctx, el.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	task, ok := got.Task()
	if !ok {
		t.Fatalf("Get returned %T, want task", got.Data)
	}
	if task.Title != "Fix the widget" || task.Priority != 2 || task.Assignee != "alice" {
		t.Errorf("round trip mismatch: %+v", task)
	}
	if task.Status != types.TaskOpen {
		t.Errorf("default status = %s, want open", task.Status)
	}
	if task.TaskType != "task" {
		t.Errorf("default task type = %q, want task", task.TaskType)
	}
}

func TestGetMissing(t *testing.T) {
	s, ctx := newTestStore(t)

	_, err := s.Get(ctx, "t-nope")
	if !storage.IsNotFound(err) {
		t.Errorf("Get missing = %v, want not-found", err)
	}
}

func TestCreateExplicitIDConflict(t *testing.T) {
	s, ctx := newTestStore(t)

	el := &types.Element{ID: "t-fixed", Type: types.TypeTask, Data: &types.TaskData{Title: "one"}}
	if err := s.Create(ctx, el, "tester"); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	dup := &types.Element{ID: "t-fixed", Type: types.TypeTask, Data: &types.TaskData{Title: "two"}}
	if err := s.Create(ctx, dup, "tester"); !storage.IsConflict(err) {
		t.Errorf("duplicate id create = %v, want conflict", err)
	}
}

func TestEntityNameUnique(t *testing.T) {
	s, ctx := newTestStore(t)

	mustCreateEntity(t, ctx, s, "alice")
	dup := &types.Element{Type: types.TypeEntity, Data: &types.EntityData{Name: "alice"}}
	if err := s.Create(ctx, dup, "tester"); !storage.IsConflict(err) {
		t.Errorf("duplicate entity name = %v, want conflict", err)
	}

	// Deleting the entity frees the name.
	bob := mustCreateEntity(t, ctx, s, "bob")
	if err := s.Delete(ctx, bob.ID, DeleteOptions{Actor: "tester"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	again := &types.Element{Type: types.TypeEntity, Data: &types.EntityData{Name: "bob"}}
	if err := s.Create(ctx, again, "tester"); err != nil {
		t.Errorf("name of tombstoned entity should be reusable: %v", err)
	}
}

func TestDirectChannelFindOrCreate(t *testing.T) {
	s, ctx := newTestStore(t)

	first, err := s.FindOrCreateDirectChannel(ctx, "ent-a", "ent-b", "tester")
	if err != nil {
		t.Fatalf("FindOrCreateDirectChannel failed: %v", err)
	}
	// Reversed member order resolves to the same channel.
	second, err := s.FindOrCreateDirectChannel(ctx, "ent-b", "ent-a", "tester")
	if err != nil {
		t.Fatalf("second FindOrCreateDirectChannel failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("direct channel ids differ: %s vs %s", first.ID, second.ID)
	}
}

func TestMessageRequiresMembership(t *testing.T) {
	s, ctx := newTestStore(t)

	ch := mustCreateGroupChannel(t, ctx, s, "ent-a", "ent-b")
	doc := mustCreateDocument(t, ctx, s, "hello")
	msg := &types.Element{Type: types.TypeMessage, Data: &types.MessageData{
		ChannelID: ch.ID, Sender: "ent-outsider", ContentRef: doc.ID,
	}}
	if err := s.Create(ctx, msg, "ent-outsider"); !storage.IsConstraint(err) {
		t.Errorf("non-member message = %v, want constraint", err)
	}
}

func TestMessageThreadParentSameChannel(t *testing.T) {
	s, ctx := newTestStore(t)

	ch1 := mustCreateGroupChannel(t, ctx, s, "ent-a", "ent-b")
	ch2 := mustCreateGroupChannel(t, ctx, s, "ent-a", "ent-b")
	parent := mustCreateMessage(t, ctx, s, ch1.ID, "ent-a", "root", nil)

	doc := mustCreateDocument(t, ctx, s, "reply")
	reply := &types.Element{Type: types.TypeMessage, Data: &types.MessageData{
		ChannelID: ch2.ID, Sender: "ent-a", ContentRef: doc.ID, ThreadID: parent.ID,
	}}
	if err := s.Create(ctx, reply, "ent-a"); !storage.IsConstraint(err) {
		t.Errorf("cross-channel thread reply = %v, want constraint", err)
	}
}

func TestMessageImmutable(t *testing.T) {
	s, ctx := newTestStore(t)

	ch := mustCreateGroupChannel(t, ctx, s, "ent-a", "ent-b")
	msg := mustCreateMessage(t, ctx, s, ch.ID, "ent-a", "hello", nil)

	_, err := s.Update(ctx, msg.ID, func(el *types.Element) error { return nil }, UpdateOptions{Actor: "tester"})
	if !storage.IsConstraint(err) {
		t.Errorf("message update = %v, want constraint", err)
	}
	if err := s.Delete(ctx, msg.ID, DeleteOptions{Actor: "tester"}); !storage.IsConstraint(err) {
		t.Errorf("message delete = %v, want constraint", err)
	}
}

func TestOptimisticConcurrency(t *testing.T) {
	s, ctx := newTestStore(t)

	el := mustCreateTask(t, ctx, s, "race me", nil)
	stale := el.UpdatedAt

	if _, err := s.Update(ctx, el.ID, func(e *types.Element) error {
		e.Data.(*types.TaskData).Title = "first writer"
		return nil
	}, UpdateOptions{Actor: "a"}); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	_, err := s.Update(ctx, el.ID, func(e *types.Element) error {
		e.Data.(*types.TaskData).Title = "second writer"
		return nil
	}, UpdateOptions{Actor: "b", ExpectedUpdatedAt: &stale})
	if !storage.IsConflict(err) {
		t.Errorf("stale update = %v, want conflict", err)
	}
}

func TestUpdateFreezesIdentity(t *testing.T) {
	s, ctx := newTestStore(t)

	el := mustCreateTask(t, ctx, s, "stable", nil)
	got, err := s.Update(ctx, el.ID, func(e *types.Element) error {
		e.ID = "t-hijacked"
		e.CreatedBy = "mallory"
		return nil
	}, UpdateOptions{Actor: "tester"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got.ID != el.ID || got.CreatedBy != "tester" {
		t.Errorf("identity fields changed: id=%s created_by=%s", got.ID, got.CreatedBy)
	}
}

func TestCloseSetsClosedAt(t *testing.T) {
	s, ctx := newTestStore(t)

	el := mustCreateTask(t, ctx, s, "finish me", nil)
	got, err := s.Update(ctx, el.ID, func(e *types.Element) error {
		task := e.Data.(*types.TaskData)
		task.Status = types.TaskClosed
		task.CloseReason = "done"
		return nil
	}, UpdateOptions{Actor: "tester"})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	task, _ := got.Task()
	if task.ClosedAt == nil {
		t.Fatal("closed_at not set on close")
	}

	reopened, err := s.Update(ctx, el.ID, func(e *types.Element) error {
		e.Data.(*types.TaskData).Status = types.TaskOpen
		return nil
	}, UpdateOptions{Actor: "tester"})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	task, _ = reopened.Task()
	if task.ClosedAt != nil || task.CloseReason != "" {
		t.Errorf("reopen should clear close bookkeeping: %+v", task)
	}
}

func TestDocumentVersioning(t *testing.T) {
	s, ctx := newTestStore(t)

	doc := mustCreateDocument(t, ctx, s, "v1 text")
	got, err := s.Update(ctx, doc.ID, func(e *types.Element) error {
		e.Data.(*types.DocumentData).Content = "v2 text"
		return nil
	}, UpdateOptions{Actor: "tester"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	dd, _ := got.Document()
	if dd.Version != 2 {
		t.Errorf("version = %d, want 2", dd.Version)
	}
	if dd.PreviousVersionID != doc.ID+"@1" {
		t.Errorf("previous version id = %q", dd.PreviousVersionID)
	}

	old, err := s.GetDocumentVersion(ctx, doc.ID, 1)
	if err != nil {
		t.Fatalf("GetDocumentVersion failed: %v", err)
	}
	if old.Content != "v1 text" {
		t.Errorf("version 1 content = %q", old.Content)
	}

	// Metadata-only updates do not bump the version.
	got, err = s.Update(ctx, doc.ID, func(e *types.Element) error {
		e.Data.(*types.DocumentData).Title = "renamed"
		return nil
	}, UpdateOptions{Actor: "tester"})
	if err != nil {
		t.Fatalf("title update failed: %v", err)
	}
	if dd, _ := got.Document(); dd.Version != 2 {
		t.Errorf("title-only update bumped version to %d", dd.Version)
	}
}

func TestImmutableDocument(t *testing.T) {
	s, ctx := newTestStore(t)

	el := &types.Element{Type: types.TypeDocument, Data: &types.DocumentData{
		Content: "frozen", Immutable: true,
	}}
	if err := s.Create(ctx, el, "tester"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	_, err := s.Update(ctx, el.ID, func(e *types.Element) error {
		e.Data.(*types.DocumentData).Content = "thawed"
		return nil
	}, UpdateOptions{Actor: "tester"})
	if !storage.IsConstraint(err) {
		t.Errorf("immutable content update = %v, want constraint", err)
	}
}

func TestDeleteTombstonesAndCascades(t *testing.T) {
	s, ctx := newTestStore(t)

	t1 := mustCreateTask(t, ctx, s, "keeper", nil)
	t2 := mustCreateTask(t, ctx, s, "goner", nil)
	dep := &types.Dependency{BlockedID: t1.ID, BlockerID: t2.ID, Type: types.DepBlocks}
	if err := s.AddDependency(ctx, dep, "tester"); err != nil {
		t.Fatalf("AddDependency failed: %v", err)
	}

	if err := s.Delete(ctx, t2.ID, DeleteOptions{Actor: "tester", Reason: "obsolete"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := s.Get(ctx, t2.ID)
	if err != nil {
		t.Fatalf("tombstone should still load: %v", err)
	}
	if !got.IsTombstone() {
		t.Error("deleted_at not set")
	}
	if task, _ := got.Task(); task.Status != types.TaskTombstone {
		t.Errorf("status = %s, want tombstone", task.Status)
	}

	deps, err := s.GetDependencies(ctx, t1.ID)
	if err != nil {
		t.Fatalf("GetDependencies failed: %v", err)
	}
	if len(deps) != 0 {
		t.Errorf("dependency rows survived delete: %v", deps)
	}

	// The element t2 was blocking is free again.
	blocked, err := s.IsBlocked(ctx, t1.ID)
	if err != nil {
		t.Fatalf("IsBlocked failed: %v", err)
	}
	if blocked {
		t.Error("t1 still blocked after its blocker was deleted")
	}

	if err := s.Delete(ctx, t2.ID, DeleteOptions{Actor: "tester"}); !storage.IsConstraint(err) {
		t.Errorf("double delete = %v, want constraint", err)
	}
}

func TestListFilters(t *testing.T) {
	s, ctx := newTestStore(t)

	mustCreateTask(t, ctx, s, "p1 for alice", func(d *types.TaskData) {
		d.Priority = 1
		d.Assignee = "alice"
	})
	mustCreateTask(t, ctx, s, "p3 for bob", func(d *types.TaskData) {
		d.Assignee = "bob"
	})
	tagged := mustCreateTask(t, ctx, s, "tagged", nil)
	if _, err := s.Update(ctx, tagged.ID, func(e *types.Element) error {
		e.Tags = []string{"infra", "urgent"}
		return nil
	}, UpdateOptions{Actor: "tester"}); err != nil {
		t.Fatalf("tag update failed: %v", err)
	}

	byAssignee, err := s.List(ctx, types.ListFilter{Type: types.TypeTask, Assignee: "alice"})
	if err != nil {
		t.Fatalf("List by assignee failed: %v", err)
	}
	if len(byAssignee) != 1 {
		t.Errorf("assignee filter returned %d elements", len(byAssignee))
	}

	byTags, err := s.List(ctx, types.ListFilter{Tags: []string{"infra", "urgent"}})
	if err != nil {
		t.Fatalf("List by tags failed: %v", err)
	}
	if len(byTags) != 1 || byTags[0].ID != tagged.ID {
		t.Errorf("tag filter returned %v", elementIDs(byTags))
	}
	if len(byTags[0].Tags) != 2 {
		t.Errorf("tags not attached on list: %v", byTags[0].Tags)
	}

	pri := 1
	byPriority, err := s.List(ctx, types.ListFilter{Priority: &pri})
	if err != nil {
		t.Fatalf("List by priority failed: %v", err)
	}
	if len(byPriority) != 1 {
		t.Errorf("priority filter returned %d elements", len(byPriority))
	}
}

func TestListPage(t *testing.T) {
	s, ctx := newTestStore(t)

	for i := 0; i < 5; i++ {
		mustCreateTask(t, ctx, s, "task", nil)
	}
	page, err := s.ListPage(ctx, types.ListFilter{Type: types.TypeTask, Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListPage failed: %v", err)
	}
	if page.Total != 5 || len(page.Elements) != 2 || !page.HasMore {
		t.Errorf("page = total %d, %d elements, hasMore %v", page.Total, len(page.Elements), page.HasMore)
	}
}

func TestHydrate(t *testing.T) {
	s, ctx := newTestStore(t)

	doc := mustCreateDocument(t, ctx, s, "long form description")
	el := mustCreateTask(t, ctx, s, "described", func(d *types.TaskData) {
		d.DescriptionRef = doc.ID
	})

	got, err := s.List(ctx, types.ListFilter{IDs: []string{el.ID}, Hydrate: true})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 element, got %d", len(got))
	}
	task, _ := got[0].Task()
	if task.Description != "long form description" {
		t.Errorf("hydrated description = %q", task.Description)
	}
}

func TestStats(t *testing.T) {
	s, ctx := newTestStore(t)

	mustCreateTask(t, ctx, s, "open one", nil)
	mustCreateTask(t, ctx, s, "backlog one", func(d *types.TaskData) { d.Status = types.TaskBacklog })
	mustCreateEntity(t, ctx, s, "alice")

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.ByType["task"] != 2 || stats.ByType["entity"] != 1 {
		t.Errorf("by-type counts = %v", stats.ByType)
	}
	if stats.OpenTasks != 1 || stats.BacklogTasks != 1 {
		t.Errorf("status counts: open=%d backlog=%d", stats.OpenTasks, stats.BacklogTasks)
	}
	if stats.ReadyTasks != 1 {
		t.Errorf("ready count = %d, want 1", stats.ReadyTasks)
	}
}

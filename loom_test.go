package loom_test

import (
	"context"
	"testing"

	"github.com/loomworks/loom"
)

func TestOpenAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, err := loom.Open(ctx, t.TempDir()+"/loom.db")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	el := &loom.Element{
		Data: &loom.TaskData{Title: "embedded usage", Priority: 2},
	}
	el.Type = el.Data.Kind()
	if err := st.Create(ctx, el, "embedder"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := st.Get(ctx, el.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	task, ok := got.Task()
	if !ok {
		t.Fatalf("expected a task payload, got %T", got.Data)
	}
	if task.Title != "embedded usage" {
		t.Errorf("Title = %q", task.Title)
	}
	if task.Status != loom.TaskOpen {
		t.Errorf("Status = %q, want open default", task.Status)
	}

	ready, err := st.Ready(ctx, loom.ReadyFilter{Limit: 10})
	if err != nil {
		t.Fatalf("Ready() error: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != el.ID {
		t.Errorf("Ready() = %v, want the one open task", ready)
	}
}

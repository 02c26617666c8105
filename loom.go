// Package loom provides a minimal public API for embedding the work
// store in other Go programs.
//
// Most integrations should shell out to the loom CLI or read the
// exported NDJSON. This package re-exports just enough of the internal
// surface for programs that want to open a store directly.
package loom

import (
	"context"

	"github.com/loomworks/loom/internal/storage/sqlite"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/types"
)

// Core types for working with elements
type (
	Element     = types.Element
	TaskData    = types.TaskData
	PlanData    = types.PlanData
	Dependency  = types.Dependency
	ListFilter  = types.ListFilter
	ReadyFilter = types.ReadyFilter
)

// Task status constants
const (
	TaskOpen       = types.TaskOpen
	TaskInProgress = types.TaskInProgress
	TaskBlocked    = types.TaskBlocked
	TaskClosed     = types.TaskClosed
)

// Dependency type constants
const (
	DepBlocks      = types.DepBlocks
	DepParentChild = types.DepParentChild
)

// Store is the element store.
type Store = store.Store

// Open opens (creating if needed) the SQLite-backed store at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return store.New(db), nil
}

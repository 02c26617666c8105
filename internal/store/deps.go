package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// maxCycleScan caps the BFS frontier during cycle detection so a
// pathological graph cannot wedge a write.
const maxCycleScan = 10000

// AddDependency inserts a typed edge (blocked, blocker, type) and writes a
// dependency_added event on the blocked element. Duplicate triples
// conflict; blocking-class edges are cycle-checked within their class, and
// a task keeps at most one parent-child blocker.
func (s *Store) AddDependency(ctx context.Context, dep *types.Dependency, actor string) error {
	err := s.db.Transaction(ctx, func(tx storage.Tx) error {
		return s.addDependencyTx(ctx, tx, dep, actor)
	})
	if err != nil {
		return err
	}
	if dep.Type.AffectsReadyWork() {
		s.notifyChanged(ctx, dep.BlockedID)
	}
	return nil
}

// addDependencyTx is the transactional body shared with create paths.
func (s *Store) addDependencyTx(ctx context.Context, tx storage.Tx, dep *types.Dependency, actor string) error {
	const op = "store.AddDependency"

	if !dep.Type.IsValid() {
		return storage.Validation(op, fmt.Sprintf("invalid dependency type %q", dep.Type))
	}
	if dep.BlockedID == dep.BlockerID {
		return storage.Validation(op, "element cannot depend on itself")
	}

	blocked, err := getElement(ctx, tx, dep.BlockedID)
	if err != nil {
		return err
	}
	blocker, err := getElement(ctx, tx, dep.BlockerID)
	if err != nil {
		return err
	}
	if blocked.IsTombstone() || blocker.IsTombstone() {
		return storage.Constraint(op, dep.BlockedID, "dependency endpoints must be live")
	}

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM dependencies WHERE blocked_id = ? AND blocker_id = ? AND type = ?
	`, dep.BlockedID, dep.BlockerID, dep.Type).Scan(&exists)
	if err == nil {
		return storage.Conflict(op, dep.BlockedID,
			fmt.Sprintf("dependency %s -> %s (%s) already exists", dep.BlockedID, dep.BlockerID, dep.Type))
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("dependency probe: %w", err)
	}

	if dep.Type == types.DepParentChild {
		var other string
		err := tx.QueryRowContext(ctx, `
			SELECT blocker_id FROM dependencies WHERE blocked_id = ? AND type = 'parent-child'
		`, dep.BlockedID).Scan(&other)
		if err == nil {
			return storage.Constraint(op, dep.BlockedID,
				fmt.Sprintf("element already has parent %s", other))
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("parent probe: %w", err)
		}
	}

	if err := s.checkNoCycle(ctx, tx, dep); err != nil {
		return err
	}

	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = s.now()
	}
	if dep.CreatedBy == "" {
		dep.CreatedBy = actor
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dependencies (blocked_id, blocker_id, type, created_at, created_by, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, dep.BlockedID, dep.BlockerID, dep.Type, dep.CreatedAt, dep.CreatedBy, dep.Metadata)
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}

	payload, err := depEventPayload(dep)
	if err != nil {
		return err
	}
	return s.insertEvent(ctx, tx, dep.BlockedID, types.EventDependencyAdded, actor, nil, payload, dep.CreatedAt)
}

// RemoveDependency deletes the edge triple and writes a dependency_removed
// event. Removing an absent edge is NotFound.
func (s *Store) RemoveDependency(ctx context.Context, blockedID, blockerID string, depType types.DependencyType, actor string) error {
	const op = "store.RemoveDependency"

	var removed *types.Dependency
	err := s.db.Transaction(ctx, func(tx storage.Tx) error {
		dep, err := getDependency(ctx, tx, blockedID, blockerID, depType)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM dependencies WHERE blocked_id = ? AND blocker_id = ? AND type = ?
		`, blockedID, blockerID, depType); err != nil {
			return fmt.Errorf("delete dependency: %w", err)
		}
		payload, err := depEventPayload(dep)
		if err != nil {
			return err
		}
		removed = dep
		return s.insertEvent(ctx, tx, blockedID, types.EventDependencyRemoved, actor, payload, nil, s.now())
	})
	if err != nil {
		return err
	}
	if removed.Type.AffectsReadyWork() {
		s.notifyChanged(ctx, blockedID)
	}
	return nil
}

func getDependency(ctx context.Context, q storage.Querier, blockedID, blockerID string, depType types.DependencyType) (*types.Dependency, error) {
	row := q.QueryRowContext(ctx, `
		SELECT blocked_id, blocker_id, type, created_at, created_by, metadata
		FROM dependencies WHERE blocked_id = ? AND blocker_id = ? AND type = ?
	`, blockedID, blockerID, depType)
	dep, err := scanDependency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound("store.getDependency",
			fmt.Sprintf("%s -> %s (%s)", blockedID, blockerID, depType))
	}
	return dep, err
}

func scanDependency(row rowScanner) (*types.Dependency, error) {
	var (
		dep       types.Dependency
		createdBy sql.NullString
		metadata  sql.NullString
	)
	if err := row.Scan(&dep.BlockedID, &dep.BlockerID, &dep.Type,
		&dep.CreatedAt, &createdBy, &metadata); err != nil {
		return nil, err
	}
	dep.CreatedBy = createdBy.String
	dep.Metadata = metadata.String
	return &dep, nil
}

// GetDependencies returns the outgoing edges of id (elements id depends
// on), optionally filtered by type.
func (s *Store) GetDependencies(ctx context.Context, id string, depTypes ...types.DependencyType) ([]*types.Dependency, error) {
	return s.queryDeps(ctx, "blocked_id", id, depTypes)
}

// GetDependents returns the incoming edges of id (elements that depend on
// it), optionally filtered by type.
func (s *Store) GetDependents(ctx context.Context, id string, depTypes ...types.DependencyType) ([]*types.Dependency, error) {
	return s.queryDeps(ctx, "blocker_id", id, depTypes)
}

func (s *Store) queryDeps(ctx context.Context, col, id string, depTypes []types.DependencyType) ([]*types.Dependency, error) {
	query := `
		SELECT blocked_id, blocker_id, type, created_at, created_by, metadata
		FROM dependencies WHERE ` + col + ` = ?`
	args := []any{id}
	if len(depTypes) > 0 {
		query += ` AND type IN (` + placeholders(len(depTypes)) + `)`
		for _, t := range depTypes {
			args = append(args, t)
		}
	}
	query += ` ORDER BY created_at, blocked_id, blocker_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []*types.Dependency
	for rows.Next() {
		dep, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// GetDependencyTree walks the blocking-class graph outward from id in
// breadth-first order, at most maxDepth levels deep (clamped to 10). Nodes
// already visited reappear with Truncated set instead of being re-expanded,
// so cycles terminate.
func (s *Store) GetDependencyTree(ctx context.Context, id string, maxDepth int) ([]*types.TreeNode, error) {
	if maxDepth <= 0 || maxDepth > 10 {
		maxDepth = 10
	}
	root, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	nodes := []*types.TreeNode{{Element: root, Depth: 0}}
	visited := map[string]bool{id: true}

	type frontierItem struct {
		id    string
		depth int
	}
	frontier := []frontierItem{{id, 0}}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur.depth >= maxDepth {
			continue
		}
		deps, err := s.GetDependencies(ctx, cur.id, types.BlockingTypes...)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			node := &types.TreeNode{
				Depth:    cur.depth + 1,
				ParentID: cur.id,
				EdgeType: dep.Type,
			}
			if visited[dep.BlockerID] {
				node.Truncated = true
				el, err := s.Get(ctx, dep.BlockerID)
				if err == nil {
					node.Element = el
				}
				nodes = append(nodes, node)
				continue
			}
			el, err := s.Get(ctx, dep.BlockerID)
			if err != nil {
				if storage.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			node.Element = el
			nodes = append(nodes, node)
			visited[dep.BlockerID] = true
			frontier = append(frontier, frontierItem{dep.BlockerID, cur.depth + 1})
		}
	}
	return nodes, nil
}

// checkNoCycle rejects an edge that would close a cycle in its type class.
// Blocking types share one class (a blocks edge plus an awaits edge can
// still deadlock together); informational types are checked per type.
func (s *Store) checkNoCycle(ctx context.Context, q storage.Querier, dep *types.Dependency) error {
	const op = "store.AddDependency"

	var classTypes []types.DependencyType
	if dep.Type.AffectsReadyWork() {
		classTypes = types.BlockingTypes
	} else {
		classTypes = []types.DependencyType{dep.Type}
	}

	// BFS from the blocker along same-class edges; reaching the blocked
	// endpoint means the new edge closes a loop.
	typeList := make([]string, len(classTypes))
	for i, t := range classTypes {
		typeList[i] = "'" + string(t) + "'"
	}
	query := `SELECT blocker_id FROM dependencies WHERE blocked_id = ? AND type IN (` +
		strings.Join(typeList, ", ") + `)`

	visited := map[string]bool{dep.BlockerID: true}
	frontier := []string{dep.BlockerID}
	scanned := 0
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if scanned++; scanned > maxCycleScan {
			return storage.Constraint(op, dep.BlockedID, "dependency graph too large to cycle-check")
		}
		rows, err := q.QueryContext(ctx, query, cur)
		if err != nil {
			return fmt.Errorf("cycle walk: %w", err)
		}
		for rows.Next() {
			var next string
			if err := rows.Scan(&next); err != nil {
				_ = rows.Close()
				return err
			}
			if next == dep.BlockedID {
				_ = rows.Close()
				return storage.Constraint(op, dep.BlockedID,
					fmt.Sprintf("dependency %s -> %s (%s) would create a cycle", dep.BlockedID, dep.BlockerID, dep.Type))
			}
			if !visited[next] {
				visited[next] = true
				frontier = append(frontier, next)
			}
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}

func depEventPayload(dep *types.Dependency) (*string, error) {
	b, err := json.Marshal(struct {
		BlockerID string               `json:"blocker_id"`
		Type      types.DependencyType `json:"type"`
	}{dep.BlockerID, dep.Type})
	if err != nil {
		return nil, fmt.Errorf("marshal dependency event: %w", err)
	}
	p := string(b)
	return &p, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

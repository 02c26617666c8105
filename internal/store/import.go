package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// ImportOptions control an NDJSON import.
type ImportOptions struct {
	// Overwrite replaces existing elements instead of skipping them.
	Overwrite bool
	// DryRun parses and validates without writing anything.
	DryRun bool
	Actor  string
}

// ImportResult reports an import pass. Per-record failures accumulate in
// Errors; the import keeps going.
type ImportResult struct {
	ElementsCreated     int      `json:"elements_created"`
	ElementsOverwritten int      `json:"elements_overwritten"`
	ElementsSkipped     int      `json:"elements_skipped"`
	DependenciesCreated int      `json:"dependencies_created"`
	DependenciesSkipped int      `json:"dependencies_skipped"`
	Errors              []string `json:"errors,omitempty"`
	DryRun              bool     `json:"dry_run,omitempty"`
}

// Import reads an NDJSON stream produced by Export. Elements land before
// dependencies regardless of line order; the blocked cache is rebuilt at
// the end so imported edges take effect.
func (s *Store) Import(ctx context.Context, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	res := &ImportResult{DryRun: opts.DryRun}

	var (
		elements []*types.Element
		deps     []*types.Dependency
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec exportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", lineNo, err))
			continue
		}
		switch {
		case rec.Kind == "element" && rec.Element != nil:
			el, err := decodeExportedElement(rec.Element)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
			elements = append(elements, el)
		case rec.Kind == "dependency" && rec.Dependency != nil:
			deps = append(deps, rec.Dependency)
		default:
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: unknown record kind %q", lineNo, rec.Kind))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read import stream: %w", err)
	}

	if opts.DryRun {
		res.ElementsCreated = len(elements)
		res.DependenciesCreated = len(deps)
		return res, nil
	}

	for _, el := range elements {
		if err := s.importElement(ctx, el, opts, res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("element %s: %v", el.ID, err))
		}
	}
	for _, dep := range deps {
		err := s.db.Transaction(ctx, func(tx storage.Tx) error {
			return s.addDependencyTx(ctx, tx, dep, opts.Actor)
		})
		switch {
		case err == nil:
			res.DependenciesCreated++
		case storage.IsConflict(err):
			res.DependenciesSkipped++
		default:
			res.DependenciesSkipped++
			res.Errors = append(res.Errors,
				fmt.Sprintf("dependency %s -> %s (%s): %v", dep.BlockedID, dep.BlockerID, dep.Type, err))
		}
	}

	if err := s.RebuildBlockedCache(ctx); err != nil {
		return res, err
	}
	return res, nil
}

func decodeExportedElement(ee *exportedElement) (*types.Element, error) {
	if !ee.Type.IsValid() {
		return nil, fmt.Errorf("unknown element type %q", ee.Type)
	}
	payload, err := types.UnmarshalPayload(ee.Type, string(ee.Data))
	if err != nil {
		return nil, err
	}
	el := &types.Element{
		ID:        ee.ID,
		Type:      ee.Type,
		CreatedAt: ee.CreatedAt,
		UpdatedAt: ee.UpdatedAt,
		CreatedBy: ee.CreatedBy,
		Tags:      ee.Tags,
		Metadata:  ee.Metadata,
		DeletedAt: ee.DeletedAt,
		Data:      payload,
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return el, nil
}

// importElement writes one element, preserving its original header fields
// rather than minting new ones.
func (s *Store) importElement(ctx context.Context, el *types.Element, opts ImportOptions, res *ImportResult) error {
	return s.db.Transaction(ctx, func(tx storage.Tx) error {
		existing, err := getElement(ctx, tx, el.ID)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
		if existing != nil && !opts.Overwrite {
			res.ElementsSkipped++
			return nil
		}

		data, err := types.MarshalPayload(el.Data)
		if err != nil {
			return err
		}
		meta, err := marshalMetadata(el.Metadata)
		if err != nil {
			return err
		}
		el.ContentHash = el.ComputeContentHash()

		eventType := types.EventCreated
		if existing != nil {
			eventType = types.EventUpdated
			_, err = tx.ExecContext(ctx, `
				UPDATE elements SET type = ?, data = ?, content_hash = ?, metadata = ?,
					created_at = ?, updated_at = ?, created_by = ?, deleted_at = ?
				WHERE id = ?
			`, el.Type, data, el.ContentHash, meta,
				el.CreatedAt, el.UpdatedAt, el.CreatedBy, el.DeletedAt, el.ID)
			if err == nil {
				res.ElementsOverwritten++
			}
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO elements (id, type, data, content_hash, metadata, created_at, updated_at, created_by, deleted_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, el.ID, el.Type, data, el.ContentHash, meta,
				el.CreatedAt, el.UpdatedAt, el.CreatedBy, el.DeletedAt)
			if err == nil {
				res.ElementsCreated++
			}
		}
		if err != nil {
			return fmt.Errorf("write element: %w", err)
		}

		if err := replaceTags(ctx, tx, el.ID, el.Tags); err != nil {
			return err
		}
		snap, err := snapshotJSON(el)
		if err != nil {
			return err
		}
		return s.insertEvent(ctx, tx, el.ID, eventType, opts.Actor, nil, snap, el.UpdatedAt)
	})
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/loomworks/loom/internal/types"
)

// exportRecord is one NDJSON line. Exactly one of Element or Dependency
// is set, discriminated by Kind.
type exportRecord struct {
	Kind       string             `json:"kind"` // "element" or "dependency"
	Element    *exportedElement   `json:"element,omitempty"`
	Dependency *types.Dependency  `json:"dependency,omitempty"`
}

// exportedElement is the wire form of an element: the payload travels as
// raw JSON so import can decode it against the declared type.
type exportedElement struct {
	ID        string            `json:"id"`
	Type      types.ElementType `json:"type"`
	Data      json.RawMessage   `json:"data"`
	Tags      []string          `json:"tags,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	CreatedBy string            `json:"created_by,omitempty"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
}

// ExportResult reports an export pass.
type ExportResult struct {
	Elements     int `json:"elements"`
	Dependencies int `json:"dependencies"`
}

// Export streams elements matching the filter, then every dependency
// whose both endpoints were exported, as newline-delimited JSON.
// Tombstones travel too when the filter includes them.
func (s *Store) Export(ctx context.Context, w io.Writer, filter types.ListFilter) (*ExportResult, error) {
	filter.Limit = 0
	filter.Offset = 0
	elements, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	enc := json.NewEncoder(w)
	res := &ExportResult{}
	exported := make(map[string]bool, len(elements))
	for _, el := range elements {
		data, err := types.MarshalPayload(el.Data)
		if err != nil {
			return nil, err
		}
		rec := exportRecord{Kind: "element", Element: &exportedElement{
			ID:        el.ID,
			Type:      el.Type,
			Data:      json.RawMessage(data),
			Tags:      el.Tags,
			Metadata:  el.Metadata,
			CreatedAt: el.CreatedAt,
			UpdatedAt: el.UpdatedAt,
			CreatedBy: el.CreatedBy,
			DeletedAt: el.DeletedAt,
		}}
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode element %s: %w", el.ID, err)
		}
		exported[el.ID] = true
		res.Elements++
	}

	for _, el := range elements {
		deps, err := s.GetDependencies(ctx, el.ID)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if !exported[dep.BlockerID] {
				continue
			}
			if err := enc.Encode(exportRecord{Kind: "dependency", Dependency: dep}); err != nil {
				return nil, fmt.Errorf("encode dependency: %w", err)
			}
			res.Dependencies++
		}
	}
	return res, nil
}

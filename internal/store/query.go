package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/storage"
	"github.com/loomworks/loom/internal/types"
)

// Get loads one element by id.
func (s *Store) Get(ctx context.Context, id string) (*types.Element, error) {
	el, err := getElement(ctx, s.db, id)
	if storage.IsNotFound(err) {
		return nil, storage.NotFound("store.Get", id)
	}
	return el, err
}

// GetMany loads a batch of elements by id. Missing ids are silently
// absent from the result; order follows the input.
func (s *Store) GetMany(ctx context.Context, ids []string) ([]*types.Element, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, data, content_hash, metadata, created_at, updated_at, created_by, deleted_at
		FROM elements WHERE id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query elements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]*types.Element, len(ids))
	for rows.Next() {
		el, err := scanElement(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping corrupt element row")
			continue
		}
		byID[el.ID] = el
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*types.Element
	for _, id := range ids {
		if el, ok := byID[id]; ok {
			out = append(out, el)
		}
	}
	if err := s.attachTags(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns elements matching the filter, default ordering
// created_at descending. Tags are batch-fetched in one query. Corrupt
// rows are logged and skipped rather than failing the listing.
func (s *Store) List(ctx context.Context, filter types.ListFilter) ([]*types.Element, error) {
	query, args := buildListQuery(filter, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list elements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Element
	for rows.Next() {
		el, err := scanElement(rows)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping corrupt element row")
			continue
		}
		out = append(out, el)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachTags(ctx, out); err != nil {
		return nil, err
	}
	if filter.Hydrate {
		if err := s.Hydrate(ctx, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListPage returns one page plus the unlimited total count.
func (s *Store) ListPage(ctx context.Context, filter types.ListFilter) (*types.Page, error) {
	countQuery, countArgs := buildListQuery(filter, true)
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count elements: %w", err)
	}

	elements, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &types.Page{
		Elements: elements,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
		HasMore:  filter.Limit > 0 && filter.Offset+len(elements) < total,
	}, nil
}

// buildListQuery translates a ListFilter into SQL. Variant fields filter
// through json_extract over the data column; the schema carries indexes
// for the hot ones (status, assignee, name, channel_id).
func buildListQuery(f types.ListFilter, countOnly bool) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, vals ...any) {
		where = append(where, cond)
		args = append(args, vals...)
	}

	if !f.IncludeDeleted {
		where = append(where, "e.deleted_at IS NULL")
	}
	if f.Type != "" {
		add("e.type = ?", f.Type)
	}
	if len(f.Types) > 0 {
		vals := make([]any, len(f.Types))
		for i, t := range f.Types {
			vals[i] = t
		}
		add("e.type IN ("+placeholders(len(f.Types))+")", vals...)
	}
	if len(f.IDs) > 0 {
		vals := make([]any, len(f.IDs))
		for i, id := range f.IDs {
			vals[i] = id
		}
		add("e.id IN ("+placeholders(len(f.IDs))+")", vals...)
	}
	if f.CreatedBy != "" {
		add("e.created_by = ?", f.CreatedBy)
	}
	for _, tag := range f.Tags {
		add("EXISTS (SELECT 1 FROM tags t WHERE t.element_id = e.id AND t.tag = ?)", tag)
	}
	if len(f.TagsAny) > 0 {
		vals := make([]any, len(f.TagsAny))
		for i, tag := range f.TagsAny {
			vals[i] = tag
		}
		add("EXISTS (SELECT 1 FROM tags t WHERE t.element_id = e.id AND t.tag IN ("+
			placeholders(len(f.TagsAny))+"))", vals...)
	}

	if f.CreatedAfter != nil {
		add("e.created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		add("e.created_at <= ?", *f.CreatedBefore)
	}
	if f.UpdatedAfter != nil {
		add("e.updated_at >= ?", *f.UpdatedAfter)
	}
	if f.UpdatedBefore != nil {
		add("e.updated_at <= ?", *f.UpdatedBefore)
	}

	if f.TaskStatus != "" {
		add("json_extract(e.data, '$.status') = ?", f.TaskStatus)
	}
	if len(f.TaskStatuses) > 0 {
		vals := make([]any, len(f.TaskStatuses))
		for i, st := range f.TaskStatuses {
			vals[i] = st
		}
		add("json_extract(e.data, '$.status') IN ("+placeholders(len(f.TaskStatuses))+")", vals...)
	}
	if f.Priority != nil {
		add("json_extract(e.data, '$.priority') = ?", *f.Priority)
	}
	if f.PriorityMin != nil {
		add("json_extract(e.data, '$.priority') >= ?", *f.PriorityMin)
	}
	if f.PriorityMax != nil {
		add("json_extract(e.data, '$.priority') <= ?", *f.PriorityMax)
	}
	if f.Assignee != "" {
		add("json_extract(e.data, '$.assignee') = ?", f.Assignee)
	}
	if f.Owner != "" {
		add("json_extract(e.data, '$.owner') = ?", f.Owner)
	}
	if f.TaskType != "" {
		add("json_extract(e.data, '$.task_type') = ?", f.TaskType)
	}

	if f.DocVersion != nil {
		add("json_extract(e.data, '$.version') = ?", *f.DocVersion)
	}
	if f.DocCategory != "" {
		add("json_extract(e.data, '$.category') = ?", f.DocCategory)
	}
	if f.DocStatus != "" {
		add("json_extract(e.data, '$.status') = ?", f.DocStatus)
	}

	if f.ChannelID != "" {
		add("json_extract(e.data, '$.channel_id') = ?", f.ChannelID)
	}
	if f.Sender != "" {
		add("json_extract(e.data, '$.sender') = ?", f.Sender)
	}
	if f.ThreadID != "" {
		add("json_extract(e.data, '$.thread_id') = ?", f.ThreadID)
	}
	if f.HasAttachments != nil {
		if *f.HasAttachments {
			where = append(where, "json_array_length(json_extract(e.data, '$.attachments')) > 0")
		} else {
			where = append(where, "(json_extract(e.data, '$.attachments') IS NULL OR json_array_length(json_extract(e.data, '$.attachments')) = 0)")
		}
	}

	if f.ChannelType != "" {
		add("json_extract(e.data, '$.channel_type') = ?", f.ChannelType)
	}
	if f.Visibility != "" {
		add("json_extract(e.data, '$.permissions.visibility') = ?", f.Visibility)
	}
	if f.Member != "" {
		add("EXISTS (SELECT 1 FROM json_each(e.data, '$.members') WHERE json_each.value = ?)", f.Member)
	}
	if f.EntityName != "" {
		add("json_extract(e.data, '$.name') = ?", f.EntityName)
	}

	var b strings.Builder
	if countOnly {
		b.WriteString("SELECT COUNT(*) FROM elements e")
	} else {
		b.WriteString("SELECT e.id, e.type, e.data, e.content_hash, e.metadata, e.created_at, e.updated_at, e.created_by, e.deleted_at FROM elements e")
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if !countOnly {
		b.WriteString(" ORDER BY ")
		b.WriteString(orderClause(f.OrderBy, f.Ascending))
		if f.Limit > 0 {
			fmt.Fprintf(&b, " LIMIT %d", f.Limit)
			if f.Offset > 0 {
				fmt.Fprintf(&b, " OFFSET %d", f.Offset)
			}
		}
	}
	return b.String(), args
}

func orderClause(by types.OrderBy, asc bool) string {
	dir := "DESC"
	if asc {
		dir = "ASC"
	}
	var col string
	switch by {
	case types.OrderUpdatedAt:
		col = "e.updated_at"
	case types.OrderID:
		col = "e.id"
	case types.OrderType:
		col = "e.type"
	case types.OrderPriority:
		col = "json_extract(e.data, '$.priority')"
	case types.OrderStatus:
		col = "json_extract(e.data, '$.status')"
	case types.OrderTitle:
		col = "json_extract(e.data, '$.title')"
	case types.OrderName:
		col = "json_extract(e.data, '$.name')"
	default:
		return fmt.Sprintf("e.created_at %s, e.id %s", dir, dir)
	}
	// Secondary keys keep pagination stable when the primary ties.
	return fmt.Sprintf("%s %s, e.created_at %s, e.id %s", col, dir, dir, dir)
}

// attachTags batch-fetches tags for a result set in one query.
func (s *Store) attachTags(ctx context.Context, els []*types.Element) error {
	if len(els) == 0 {
		return nil
	}
	args := make([]any, len(els))
	for i, el := range els {
		args[i] = el.ID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT element_id, tag FROM tags
		WHERE element_id IN (`+placeholders(len(els))+`) ORDER BY tag
	`, args...)
	if err != nil {
		return fmt.Errorf("batch tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string][]string)
	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return err
		}
		byID[id] = append(byID[id], tag)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, el := range els {
		el.Tags = byID[el.ID]
	}
	return nil
}

// Hydrate replaces *Ref fields with the referenced document's content,
// fetching the whole batch of documents in one query. Missing or
// tombstoned documents leave the ref untouched.
func (s *Store) Hydrate(ctx context.Context, els []*types.Element) error {
	var refs []string
	for _, el := range els {
		switch d := el.Data.(type) {
		case *types.TaskData:
			if d.DescriptionRef != "" {
				refs = append(refs, d.DescriptionRef)
			}
		case *types.MessageData:
			if d.ContentRef != "" {
				refs = append(refs, d.ContentRef)
			}
		case *types.LibraryData:
			if d.DescriptionRef != "" {
				refs = append(refs, d.DescriptionRef)
			}
		}
	}
	if len(refs) == 0 {
		return nil
	}

	docs, err := s.GetMany(ctx, refs)
	if err != nil {
		return err
	}
	content := make(map[string]string, len(docs))
	for _, doc := range docs {
		if dd, ok := doc.Document(); ok && !doc.IsTombstone() {
			content[doc.ID] = dd.Content
		}
	}

	for _, el := range els {
		switch d := el.Data.(type) {
		case *types.TaskData:
			if c, ok := content[d.DescriptionRef]; ok {
				d.Description = c
			}
		case *types.MessageData:
			if c, ok := content[d.ContentRef]; ok {
				d.Content = c
			}
		case *types.LibraryData:
			if c, ok := content[d.DescriptionRef]; ok {
				d.Description = c
			}
		}
	}
	return nil
}

// Stats aggregates element counts by type and task counts by status, plus
// the current ready count.
func (s *Store) Stats(ctx context.Context) (*types.Statistics, error) {
	stats := &types.Statistics{ByType: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*) FROM elements WHERE deleted_at IS NULL GROUP BY type
	`)
	if err != nil {
		return nil, fmt.Errorf("count by type: %w", err)
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.ByType[typ] = n
		stats.TotalElements += n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT json_extract(data, '$.status'), COUNT(*)
		FROM elements WHERE type = 'task' AND deleted_at IS NULL
		GROUP BY json_extract(data, '$.status')
	`)
	if err != nil {
		return nil, fmt.Errorf("count task statuses: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return nil, err
		}
		switch types.TaskStatus(status) {
		case types.TaskOpen:
			stats.OpenTasks = n
		case types.TaskInProgress:
			stats.InProgress = n
		case types.TaskBlocked:
			stats.BlockedTasks = n
		case types.TaskClosed:
			stats.ClosedTasks = n
		case types.TaskBacklog:
			stats.BacklogTasks = n
		case types.TaskDeferred:
			stats.DeferredTasks = n
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM elements WHERE deleted_at IS NOT NULL
	`).Scan(&stats.Tombstones); err != nil {
		return nil, fmt.Errorf("count tombstones: %w", err)
	}

	ready, err := s.Ready(ctx, types.ReadyFilter{})
	if err != nil {
		return nil, err
	}
	stats.ReadyTasks = len(ready)
	return stats, nil
}

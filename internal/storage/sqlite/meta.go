package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/storage"
)

// MarkDirty records that an element changed. Last write wins on the
// timestamp; consumers poll DirtySince with their own watermark.
func (d *DB) MarkDirty(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO dirty_elements (element_id, marked_at) VALUES (?, ?)
		ON CONFLICT(element_id) DO UPDATE SET marked_at = excluded.marked_at
	`, id, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to mark dirty: %w", err)
	}
	return nil
}

// DirtySince lists element ids marked dirty at or after the watermark.
func (d *DB) DirtySince(ctx context.Context, sinceUnixMilli int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT element_id FROM dirty_elements WHERE marked_at >= ? ORDER BY marked_at`, sinceUnixMilli)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty elements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetConfig stores an engine config value.
func (d *DB) SetConfig(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}
	return nil
}

// GetConfig reads an engine config value. Returns storage.ErrNotFound for
// unknown keys.
func (d *DB) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.NotFound("sqlite.GetConfig", key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config %s: %w", key, err)
	}
	return value, nil
}

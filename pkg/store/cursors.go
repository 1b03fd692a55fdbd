package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pario-ai/tokmeter/pkg/models"
)

// LoadCursor returns the cursor for a file identity, or ErrNotFound.
func (s *SQLiteStore) LoadCursor(ctx context.Context, identity string) (models.Cursor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT file_identity, path, byte_offset, last_event_source_id, state, active, updated_at
		 FROM collector_cursors WHERE file_identity = ?`,
		identity,
	)
	c, err := scanCursor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Cursor{}, fmt.Errorf("cursor %s: %w", identity, ErrNotFound)
	}
	return c, err
}

// SaveCursor creates or replaces a cursor.
func (s *SQLiteStore) SaveCursor(ctx context.Context, c models.Cursor) error {
	return s.saveCursor(ctx, s.db, c)
}

func (s *SQLiteStore) saveCursor(ctx context.Context, x execer, c models.Cursor) error {
	state, err := json.Marshal(c.State)
	if err != nil {
		return fmt.Errorf("encode cursor state: %w", err)
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}
	_, err = x.ExecContext(ctx,
		`INSERT INTO collector_cursors
		 (file_identity, path, byte_offset, last_event_source_id, state, active, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_identity) DO UPDATE SET
		   path = excluded.path,
		   byte_offset = excluded.byte_offset,
		   last_event_source_id = excluded.last_event_source_id,
		   state = excluded.state,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		c.FileIdentity, c.Path, c.ByteOffset, c.LastEventSourceID, string(state), c.Active, formatTS(updated),
	)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", c.FileIdentity, err)
	}
	return nil
}

// ListCursors returns every cursor, active ones first.
func (s *SQLiteStore) ListCursors(ctx context.Context) ([]models.Cursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_identity, path, byte_offset, last_event_source_id, state, active, updated_at
		 FROM collector_cursors ORDER BY active DESC, path ASC, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []models.Cursor
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

func scanCursor(sc scanner) (models.Cursor, error) {
	var (
		c       models.Cursor
		state   string
		updated string
	)
	if err := sc.Scan(&c.FileIdentity, &c.Path, &c.ByteOffset, &c.LastEventSourceID, &state, &c.Active, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scan cursor: %w", err)
	}
	if state != "" {
		if err := json.Unmarshal([]byte(state), &c.State); err != nil {
			return c, fmt.Errorf("decode cursor state %s: %w", c.FileIdentity, err)
		}
	}
	c.UpdatedAt, _ = parseTS(updated)
	return c, nil
}

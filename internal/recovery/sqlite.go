package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore stores records as JSON rows of the recovery_records table,
// scoped by kind so several actors can share the table.
type SQLiteStore[R any] struct {
	db   *sql.DB
	kind string
}

// NewSQLiteStore returns a store for one operation kind. The db must have
// been migrated.
func NewSQLiteStore[R any](db *sql.DB, kind string) *SQLiteStore[R] {
	return &SQLiteStore[R]{db: db, kind: kind}
}

// Put upserts the record row.
func (s *SQLiteStore[R]) Put(ctx context.Context, id string, record R) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recovery_records (kind, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		s.kind, id, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storing record %s/%s: %w", s.kind, id, err)
	}
	return nil
}

// Get reads one record row.
func (s *SQLiteStore[R]) Get(ctx context.Context, id string) (R, error) {
	var (
		record R
		data   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM recovery_records WHERE kind = ? AND id = ?", s.kind, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return record, ErrNotFound
	}
	if err != nil {
		return record, fmt.Errorf("querying record %s/%s: %w", s.kind, id, err)
	}
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return record, fmt.Errorf("decoding record %s/%s: %w", s.kind, id, err)
	}
	return record, nil
}

// Delete removes one record row.
func (s *SQLiteStore[R]) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM recovery_records WHERE kind = ? AND id = ?", s.kind, id,
	); err != nil {
		return fmt.Errorf("deleting record %s/%s: %w", s.kind, id, err)
	}
	return nil
}

// List returns the records of this kind ordered by id.
func (s *SQLiteStore[R]) List(ctx context.Context) ([]R, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, data FROM recovery_records WHERE kind = ? ORDER BY id", s.kind)
	if err != nil {
		return nil, fmt.Errorf("querying records of %s: %w", s.kind, err)
	}
	defer rows.Close()

	var records []R
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		var record R
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			return nil, fmt.Errorf("decoding record %s/%s: %w", s.kind, id, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

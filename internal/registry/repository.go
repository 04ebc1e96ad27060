package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
)

// Repository persists entity metadata and twin data.
// This abstraction allows the registry to run on SQLite in production and
// on an in-memory mock in tests.
type Repository interface {
	// List returns every stored entity in insertion order.
	List(ctx context.Context) ([]*entity.Metadata, error)

	// Save inserts or replaces an entity, twin data included.
	Save(ctx context.Context, m *entity.Metadata) error

	// Delete removes the given entities. Unknown ids are ignored.
	Delete(ctx context.Context, ids []entity.TopicID) error
}

// SQLiteRepository implements Repository on the entities table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// List returns every stored entity ordered by insertion.
func (r *SQLiteRepository) List(ctx context.Context) ([]*entity.Metadata, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT topic_id, external_id, type, parent, health, twin
		FROM entities
		ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var out []*entity.Metadata
	for rows.Next() {
		m, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return out, nil
}

// Save upserts an entity. The row keeps its rowid on update so the
// insertion order survives.
func (r *SQLiteRepository) Save(ctx context.Context, m *entity.Metadata) error {
	twin := m.Twin
	if twin == nil {
		twin = map[string]json.RawMessage{}
	}
	twinJSON, err := json.Marshal(twin)
	if err != nil {
		return fmt.Errorf("marshalling twin data: %w", err)
	}

	var parent sql.NullString
	if m.Parent != nil {
		parent = sql.NullString{String: m.Parent.String(), Valid: true}
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO entities (topic_id, external_id, type, parent, health, twin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(topic_id) DO UPDATE SET
			external_id = excluded.external_id,
			type = excluded.type,
			parent = excluded.parent,
			health = excluded.health,
			twin = excluded.twin,
			updated_at = excluded.updated_at`,
		m.TopicID.String(), m.ExternalID, string(m.Type), parent, m.Health, string(twinJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("saving entity %s: %w", m.TopicID, err)
	}
	return nil
}

// Delete removes entities in one transaction.
func (r *SQLiteRepository) Delete(ctx context.Context, ids []entity.TopicID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE topic_id IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("deleting entities: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing entity deletion: %w", err)
	}
	return nil
}

func scanEntity(rows *sql.Rows) (*entity.Metadata, error) {
	var (
		topicID, externalID, typ, health, twinJSON string
		parent                                     sql.NullString
	)
	if err := rows.Scan(&topicID, &externalID, &typ, &parent, &health, &twinJSON); err != nil {
		return nil, fmt.Errorf("scanning entity row: %w", err)
	}

	id, err := entity.ParseTopicID(topicID)
	if err != nil {
		return nil, fmt.Errorf("stored entity %q: %w", topicID, err)
	}
	t, err := entity.ParseType(typ)
	if err != nil {
		return nil, fmt.Errorf("stored entity %q: %w", topicID, err)
	}
	m := &entity.Metadata{
		TopicID:    id,
		ExternalID: externalID,
		Type:       t,
		Health:     health,
	}
	if parent.Valid {
		p, err := entity.ParseTopicID(parent.String)
		if err != nil {
			return nil, fmt.Errorf("stored parent of %q: %w", topicID, err)
		}
		m.Parent = &p
	}
	if twinJSON != "" {
		if err := json.Unmarshal([]byte(twinJSON), &m.Twin); err != nil {
			return nil, fmt.Errorf("stored twin data of %q: %w", topicID, err)
		}
		if len(m.Twin) == 0 {
			m.Twin = nil
		}
	}
	return m, nil
}

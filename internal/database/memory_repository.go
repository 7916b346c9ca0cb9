package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/engramhq/engram/internal/memory"
)

const memoryColumns = `id, owner_id, room_id, agent_id, document_id, content, scope,
	category, importance, status, superseded_by, topic_key, access_count,
	last_accessed, created_at, updated_at`

// MemoryRepository persists memory rows in PostgreSQL. It implements
// memory.MetadataStore.
type MemoryRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewMemoryRepository creates a repository on top of an existing pool.
func NewMemoryRepository(pool *pgxpool.Pool, log *logrus.Logger) *MemoryRepository {
	if log == nil {
		log = logrus.New()
	}
	return &MemoryRepository{pool: pool, log: log}
}

func (r *MemoryRepository) Insert(ctx context.Context, m *memory.Memory) error {
	query := `
		INSERT INTO memories (id, owner_id, room_id, agent_id, document_id, content, scope,
			category, importance, status, superseded_by, topic_key, access_count,
			last_accessed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := r.pool.Exec(ctx, query,
		m.ID, m.OwnerID, m.RoomID, m.AgentID, m.DocumentID, m.Content, m.Scope,
		m.Category, m.Importance, m.Status, m.SupersededBy, m.TopicKey, m.AccessCount,
		m.LastAccessed, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

func (r *MemoryRepository) GetByIDs(ctx context.Context, ids []string) ([]*memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE id = ANY($1::text[])`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get memories: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*memory.Memory, len(ids))
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory row: %w", err)
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read memory rows: %w", err)
	}

	// Preserve the caller's order; unknown ids are skipped.
	out := make([]*memory.Memory, 0, len(byID))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindActiveByTopicKey(ctx context.Context, ownerID, roomID, topicKey string) (*memory.Memory, error) {
	query := `
		SELECT ` + memoryColumns + `
		FROM memories
		WHERE owner_id = $1 AND room_id = $2 AND topic_key = $3 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`

	m, err := scanMemory(r.pool.QueryRow(ctx, query, ownerID, roomID, topicKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up topic key: %w", err)
	}
	return m, nil
}

func (r *MemoryRepository) ListActiveByOwner(ctx context.Context, ownerID string, category memory.Category) ([]*memory.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE owner_id = $1 AND status = 'active'`
	args := []any{ownerID}
	if category != "" {
		query += ` AND category = $2`
		args = append(args, category)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	var out []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read memory rows: %w", err)
	}
	return out, nil
}

// MarkSuperseded retires an active row. The status guard makes concurrent
// supersessions race safely: exactly one caller wins, the rest see
// memory.ErrNotFound.
func (r *MemoryRepository) MarkSuperseded(ctx context.Context, id string) error {
	query := `UPDATE memories SET status = 'superseded', updated_at = NOW() WHERE id = $1 AND status = 'active'`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark memory superseded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func (r *MemoryRepository) SetSupersededBy(ctx context.Context, id, newID string) error {
	query := `UPDATE memories SET superseded_by = $2, updated_at = NOW() WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, newID)
	if err != nil {
		return fmt.Errorf("failed to set superseded_by: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func (r *MemoryRepository) IncrementAccess(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `UPDATE memories SET access_count = access_count + 1, last_accessed = NOW() WHERE id = ANY($1::text[])`

	if _, err := r.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to increment access counters: %w", err)
	}
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func scanMemory(row pgx.Row) (*memory.Memory, error) {
	var m memory.Memory
	err := row.Scan(
		&m.ID, &m.OwnerID, &m.RoomID, &m.AgentID, &m.DocumentID, &m.Content, &m.Scope,
		&m.Category, &m.Importance, &m.Status, &m.SupersededBy, &m.TopicKey, &m.AccessCount,
		&m.LastAccessed, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
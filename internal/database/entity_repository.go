package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/engramhq/engram/internal/memory"
)

const entityColumns = `id, owner_id, type, name, normalized_name, created_at`

// EntityRepository persists the entity graph in PostgreSQL. It implements
// memory.EntityStore.
type EntityRepository struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// NewEntityRepository creates a repository on top of an existing pool.
func NewEntityRepository(pool *pgxpool.Pool, log *logrus.Logger) *EntityRepository {
	if log == nil {
		log = logrus.New()
	}
	return &EntityRepository{pool: pool, log: log}
}

func (r *EntityRepository) GetOrCreate(ctx context.Context, ownerID, entityType, name string) (*memory.Entity, error) {
	normalized := memory.NormalizeEntityName(name)
	if normalized == "" {
		return nil, fmt.Errorf("entity name is empty after normalization")
	}

	// The no-op conflict update keeps the first-seen display name while
	// still returning the existing row in one round trip.
	query := `
		INSERT INTO entities (id, owner_id, type, name, normalized_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, type, normalized_name) DO UPDATE SET name = entities.name
		RETURNING ` + entityColumns

	var e memory.Entity
	err := r.pool.QueryRow(ctx, query,
		uuid.New().String(), ownerID, entityType, strings.TrimSpace(name), normalized, time.Now().UTC(),
	).Scan(&e.ID, &e.OwnerID, &e.Type, &e.Name, &e.NormalizedName, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create entity: %w", err)
	}
	return &e, nil
}

func (r *EntityRepository) FindByTokens(ctx context.Context, ownerID string, tokens []string) ([]*memory.Entity, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + entityColumns + `
		FROM entities
		WHERE owner_id = $1 AND normalized_name ILIKE ANY($2::text[])
		ORDER BY normalized_name
	`

	rows, err := r.pool.Query(ctx, query, ownerID, likePatterns(tokens))
	if err != nil {
		return nil, fmt.Errorf("failed to find entities: %w", err)
	}
	defer rows.Close()

	var out []*memory.Entity
	for rows.Next() {
		var e memory.Entity
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Type, &e.Name, &e.NormalizedName, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entity rows: %w", err)
	}
	return out, nil
}

func (r *EntityRepository) RelatedEntityIDs(ctx context.Context, ownerID string, entityIDs []string) ([]string, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT source_entity_id, target_entity_id
		FROM entity_relations
		WHERE owner_id = $1 AND (source_entity_id = ANY($2::text[]) OR target_entity_id = ANY($2::text[]))
	`

	rows, err := r.pool.Query(ctx, query, ownerID, entityIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	defer rows.Close()

	var edges [][2]string
	for rows.Next() {
		var source, target string
		if err := rows.Scan(&source, &target); err != nil {
			return nil, fmt.Errorf("failed to scan relation row: %w", err)
		}
		edges = append(edges, [2]string{source, target})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read relation rows: %w", err)
	}
	return neighborIDs(entityIDs, edges), nil
}

func (r *EntityRepository) Link(ctx context.Context, memoryID, entityID string) error {
	query := `INSERT INTO memory_entities (memory_id, entity_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`

	if _, err := r.pool.Exec(ctx, query, memoryID, entityID); err != nil {
		return fmt.Errorf("failed to link memory to entity: %w", err)
	}
	return nil
}

func (r *EntityRepository) Relate(ctx context.Context, ownerID, sourceID, targetID, relationType string) error {
	query := `
		INSERT INTO entity_relations (id, owner_id, source_entity_id, target_entity_id, relation_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, source_entity_id, target_entity_id, relation_type) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		uuid.New().String(), ownerID, sourceID, targetID, relationType, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to relate entities: %w", err)
	}
	return nil
}

func (r *EntityRepository) MemoryIDsForEntities(ctx context.Context, entityIDs []string) ([]string, error) {
	return r.linkedIDs(ctx, `SELECT DISTINCT memory_id FROM memory_entities WHERE entity_id = ANY($1::text[]) ORDER BY memory_id`, entityIDs)
}

func (r *EntityRepository) EntityIDsForMemories(ctx context.Context, memoryIDs []string) ([]string, error) {
	return r.linkedIDs(ctx, `SELECT DISTINCT entity_id FROM memory_entities WHERE memory_id = ANY($1::text[]) ORDER BY entity_id`, memoryIDs)
}

func (r *EntityRepository) linkedIDs(ctx context.Context, query string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory-entity links: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan link row: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read link rows: %w", err)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePatterns turns query tokens into substring ILIKE patterns.
func likePatterns(tokens []string) []string {
	patterns := make([]string, len(tokens))
	for i, tok := range tokens {
		patterns[i] = "%" + likeEscaper.Replace(tok) + "%"
	}
	return patterns
}

// neighborIDs collects the far ends of the given edges, excluding the seed
// ids themselves, sorted and deduplicated.
func neighborIDs(seedIDs []string, edges [][2]string) []string {
	seeds := make(map[string]bool, len(seedIDs))
	for _, id := range seedIDs {
		seeds[id] = true
	}

	found := make(map[string]bool)
	for _, edge := range edges {
		for _, id := range edge {
			if !seeds[id] {
				found[id] = true
			}
		}
	}
	if len(found) == 0 {
		return nil
	}

	out := make([]string, 0, len(found))
	for id := range found {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
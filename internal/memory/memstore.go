package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryMetadataStore is a map-backed MetadataStore. It backs tests and
// single-process deployments that run without Postgres.
type InMemoryMetadataStore struct {
	mu   sync.RWMutex
	rows map[string]*Memory
}

func NewInMemoryMetadataStore() *InMemoryMetadataStore {
	return &InMemoryMetadataStore{rows: make(map[string]*Memory)}
}

func (s *InMemoryMetadataStore) Insert(ctx context.Context, m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[m.ID]; exists {
		return fmt.Errorf("memory %s already exists", m.ID)
	}
	cp := *m
	s.rows[m.ID] = &cp
	return nil
}

func (s *InMemoryMetadataStore) GetByIDs(ctx context.Context, ids []string) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Memory, 0, len(ids))
	for _, id := range ids {
		if row, ok := s.rows[id]; ok {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryMetadataStore) FindActiveByTopicKey(ctx context.Context, ownerID, roomID, topicKey string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Memory
	for _, row := range s.rows {
		if row.OwnerID != ownerID || row.RoomID != roomID {
			continue
		}
		if row.Status != StatusActive || row.TopicKey != topicKey {
			continue
		}
		if best == nil || row.CreatedAt.After(best.CreatedAt) {
			best = row
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *InMemoryMetadataStore) ListActiveByOwner(ctx context.Context, ownerID string, category Category) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Memory
	for _, row := range s.rows {
		if row.OwnerID != ownerID || row.Status != StatusActive {
			continue
		}
		if category != "" && row.Category != category {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryMetadataStore) MarkSuperseded(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok || row.Status != StatusActive {
		return ErrNotFound
	}
	row.Status = StatusSuperseded
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryMetadataStore) SetSupersededBy(ctx context.Context, id, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	row.SupersededBy = newID
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryMetadataStore) IncrementAccess(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range ids {
		if row, ok := s.rows[id]; ok {
			row.AccessCount++
			row.LastAccessed = &now
		}
	}
	return nil
}

func (s *InMemoryMetadataStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[id]; !ok {
		return ErrNotFound
	}
	delete(s.rows, id)
	return nil
}

// InMemoryEntityStore is a map-backed EntityStore.
type InMemoryEntityStore struct {
	mu        sync.RWMutex
	entities  map[string]*Entity
	byKey     map[string]string
	relations map[string]*EntityRelation
	// memoryEntities and entityMemories mirror each other.
	memoryEntities map[string]map[string]struct{}
	entityMemories map[string]map[string]struct{}
}

func NewInMemoryEntityStore() *InMemoryEntityStore {
	return &InMemoryEntityStore{
		entities:       make(map[string]*Entity),
		byKey:          make(map[string]string),
		relations:      make(map[string]*EntityRelation),
		memoryEntities: make(map[string]map[string]struct{}),
		entityMemories: make(map[string]map[string]struct{}),
	}
}

func entityKey(ownerID, entityType, normalized string) string {
	return ownerID + "\x00" + entityType + "\x00" + normalized
}

func (s *InMemoryEntityStore) GetOrCreate(ctx context.Context, ownerID, entityType, name string) (*Entity, error) {
	normalized := NormalizeEntityName(name)
	if normalized == "" {
		return nil, fmt.Errorf("entity name is empty after normalization")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey(ownerID, entityType, normalized)
	if id, ok := s.byKey[key]; ok {
		cp := *s.entities[id]
		return &cp, nil
	}

	entity := &Entity{
		ID:             uuid.New().String(),
		OwnerID:        ownerID,
		Type:           entityType,
		Name:           strings.TrimSpace(name),
		NormalizedName: normalized,
		CreatedAt:      time.Now().UTC(),
	}
	s.entities[entity.ID] = entity
	s.byKey[key] = entity.ID
	cp := *entity
	return &cp, nil
}

func (s *InMemoryEntityStore) FindByTokens(ctx context.Context, ownerID string, tokens []string) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []*Entity
	for _, e := range s.entities {
		if e.OwnerID != ownerID {
			continue
		}
		for _, token := range tokens {
			if e.NormalizedName == token || strings.Contains(e.NormalizedName, token) {
				if _, dup := seen[e.ID]; !dup {
					seen[e.ID] = struct{}{}
					cp := *e
					out = append(out, &cp)
				}
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NormalizedName < out[j].NormalizedName })
	return out, nil
}

func (s *InMemoryEntityStore) RelatedEntityIDs(ctx context.Context, ownerID string, entityIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		in[id] = struct{}{}
	}

	found := make(map[string]struct{})
	for _, rel := range s.relations {
		if rel.OwnerID != ownerID {
			continue
		}
		if _, ok := in[rel.SourceEntityID]; ok {
			found[rel.TargetEntityID] = struct{}{}
		}
		if _, ok := in[rel.TargetEntityID]; ok {
			found[rel.SourceEntityID] = struct{}{}
		}
	}

	out := make([]string, 0, len(found))
	for id := range found {
		if _, self := in[id]; !self {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryEntityStore) Link(ctx context.Context, memoryID, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.memoryEntities[memoryID] == nil {
		s.memoryEntities[memoryID] = make(map[string]struct{})
	}
	s.memoryEntities[memoryID][entityID] = struct{}{}
	if s.entityMemories[entityID] == nil {
		s.entityMemories[entityID] = make(map[string]struct{})
	}
	s.entityMemories[entityID][memoryID] = struct{}{}
	return nil
}

func (s *InMemoryEntityStore) Relate(ctx context.Context, ownerID, sourceID, targetID, relationType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerID + "\x00" + sourceID + "\x00" + targetID + "\x00" + relationType
	if _, exists := s.relations[key]; exists {
		return nil
	}
	s.relations[key] = &EntityRelation{
		ID:             uuid.New().String(),
		OwnerID:        ownerID,
		SourceEntityID: sourceID,
		TargetEntityID: targetID,
		RelationType:   relationType,
		CreatedAt:      time.Now().UTC(),
	}
	return nil
}

func (s *InMemoryEntityStore) MemoryIDsForEntities(ctx context.Context, entityIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[string]struct{})
	for _, entityID := range entityIDs {
		for memoryID := range s.entityMemories[entityID] {
			found[memoryID] = struct{}{}
		}
	}
	out := make([]string, 0, len(found))
	for id := range found {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryEntityStore) EntityIDsForMemories(ctx context.Context, memoryIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	found := make(map[string]struct{})
	for _, memoryID := range memoryIDs {
		for entityID := range s.memoryEntities[memoryID] {
			found[entityID] = struct{}{}
		}
	}
	out := make([]string, 0, len(found))
	for id := range found {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

type vectorEntry struct {
	vector  []float32
	payload map[string]string
}

// InMemoryVectorIndex is a brute-force cosine VectorIndex.
type InMemoryVectorIndex struct {
	mu      sync.RWMutex
	entries map[string]vectorEntry
}

func NewInMemoryVectorIndex() *InMemoryVectorIndex {
	return &InMemoryVectorIndex{entries: make(map[string]vectorEntry)}
}

func (x *InMemoryVectorIndex) Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	vec := make([]float32, len(vector))
	copy(vec, vector)
	pl := make(map[string]string, len(payload))
	for k, v := range payload {
		pl[k] = v
	}
	x.entries[id] = vectorEntry{vector: vec, payload: pl}
	return nil
}

func (x *InMemoryVectorIndex) Search(ctx context.Context, vector []float32, limit int, minScore float64, filter *VectorFilter) ([]VectorHit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var hits []VectorHit
	for id, entry := range x.entries {
		if !matchesFilter(entry.payload, filter) {
			continue
		}
		score := cosineSimilarity(vector, entry.vector)
		if score < minScore {
			continue
		}
		pl := make(map[string]string, len(entry.payload))
		for k, v := range entry.payload {
			pl[k] = v
		}
		hits = append(hits, VectorHit{ID: id, Score: score, Payload: pl})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (x *InMemoryVectorIndex) Delete(ctx context.Context, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, id := range ids {
		delete(x.entries, id)
	}
	return nil
}

func matchesFilter(payload map[string]string, filter *VectorFilter) bool {
	if filter == nil {
		return true
	}
	for k, want := range filter.Equals {
		if payload[k] != want {
			return false
		}
	}
	for k, values := range filter.AnyOf {
		got, ok := payload[k]
		if !ok {
			return false
		}
		matched := false
		for _, v := range values {
			if got == v {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Package memory implements the long-term memory pipeline: semantic search
// with entity-graph expansion, deduplicating saves, LLM extraction from
// conversations, topic-based supersession and consolidation.
package memory

import (
	"context"
	"time"
)

// Scope says who a memory belongs to and where it applies.
type Scope string

const (
	ScopePersonal   Scope = "personal"
	ScopeChatroom   Scope = "chatroom"
	ScopeProject    Scope = "project"
	ScopeDepartment Scope = "department"
	ScopeAgent      Scope = "agent"
	ScopeDocument   Scope = "document"
)

// ParseScope maps free-form model output to a scope, defaulting to personal.
func ParseScope(s string) Scope {
	switch Scope(s) {
	case ScopePersonal, ScopeChatroom, ScopeProject, ScopeDepartment, ScopeAgent, ScopeDocument:
		return Scope(s)
	}
	return ScopePersonal
}

// Category classifies what kind of information a memory holds.
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryFact         Category = "fact"
	CategoryDecision     Category = "decision"
	CategoryRelationship Category = "relationship"
)

// ParseCategory maps free-form model output to a category, defaulting to fact.
func ParseCategory(s string) Category {
	switch Category(s) {
	case CategoryPreference, CategoryFact, CategoryDecision, CategoryRelationship:
		return Category(s)
	}
	return CategoryFact
}

// Importance ranks how much a memory should influence future context.
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
	ImportanceLow    Importance = "low"
)

// ParseImportance maps free-form model output to an importance, defaulting
// to medium.
func ParseImportance(s string) Importance {
	switch Importance(s) {
	case ImportanceHigh, ImportanceMedium, ImportanceLow:
		return Importance(s)
	}
	return ImportanceMedium
}

// rank orders importances for consolidation, higher wins.
func (i Importance) rank() int {
	switch i {
	case ImportanceHigh:
		return 3
	case ImportanceMedium:
		return 2
	case ImportanceLow:
		return 1
	}
	return 0
}

// Status is the lifecycle state of a memory row.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
)

// Memory is one remembered fact. Superseded rows are kept for lineage and
// excluded from search and duplicate checks.
type Memory struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	RoomID       string     `json:"room_id,omitempty"`
	AgentID      string     `json:"agent_id,omitempty"`
	DocumentID   string     `json:"document_id,omitempty"`
	Content      string     `json:"content"`
	Scope        Scope      `json:"scope"`
	Category     Category   `json:"category"`
	Importance   Importance `json:"importance"`
	Status       Status     `json:"status"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	TopicKey     string     `json:"topic_key,omitempty"`
	AccessCount  int        `json:"access_count"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Entity is a normalized noun a memory mentions: a person, team, project or
// concept. Unique per (owner, type, normalized name).
type Entity struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Type           string    `json:"type"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// EntityRelation is a typed edge between two entities. Traversal treats it
// as bidirectional.
type EntityRelation struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	SourceEntityID string    `json:"source_entity_id"`
	TargetEntityID string    `json:"target_entity_id"`
	RelationType   string    `json:"relation_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// ContextSources selects which pools a search fans out to.
type ContextSources struct {
	// CurrentRoom searches the room passed to Search.
	CurrentRoom bool
	// Rooms searches additional rooms by ID.
	Rooms []string
	// Personal searches the owner's personal-scope memories.
	Personal bool
	// AgentIDs searches agent-scope memories of the listed agents.
	AgentIDs []string
}

// ResultOrigin says how a search result entered the result set.
type ResultOrigin string

const (
	OriginVector ResultOrigin = "vector"
	OriginGraph  ResultOrigin = "graph"
)

// SearchResult is one scored memory. For vector results Similarity holds the
// raw index score; for graph results Score carries the hop score and
// Similarity is zero.
type SearchResult struct {
	Memory     *Memory      `json:"memory"`
	Score      float64      `json:"score"`
	Similarity float64      `json:"similarity"`
	Origin     ResultOrigin `json:"origin"`
	HopDepth   int          `json:"hop_depth,omitempty"`
}

// VectorHit is a raw nearest-neighbor match from the index.
type VectorHit struct {
	ID      string
	Score   float64
	Payload map[string]string
}

// VectorFilter restricts a vector search by payload fields. Equals entries
// must all match; each AnyOf entry must match one of its values.
type VectorFilter struct {
	Equals map[string]string
	AnyOf  map[string][]string
}

// VectorIndex stores embeddings and answers filtered similarity queries.
type VectorIndex interface {
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, vector []float32, limit int, minScore float64, filter *VectorFilter) ([]VectorHit, error)
	Delete(ctx context.Context, ids []string) error
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Reranker scores documents against a query, one score per document in
// input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// MetadataStore is the relational home of memory rows. Implementations
// return ErrNotFound for missing rows.
type MetadataStore interface {
	Insert(ctx context.Context, m *Memory) error
	GetByIDs(ctx context.Context, ids []string) ([]*Memory, error)
	// FindActiveByTopicKey returns the active memory holding the topic key
	// for an owner and room; an empty roomID means memories outside any
	// room.
	FindActiveByTopicKey(ctx context.Context, ownerID, roomID, topicKey string) (*Memory, error)
	// ListActiveByOwner returns active rows, filtered by category when
	// non-empty.
	ListActiveByOwner(ctx context.Context, ownerID string, category Category) ([]*Memory, error)
	// MarkSuperseded flips an active row to superseded. It returns
	// ErrNotFound when the row is missing or no longer active.
	MarkSuperseded(ctx context.Context, id string) error
	// SetSupersededBy back-fills the pointer to the replacing memory.
	SetSupersededBy(ctx context.Context, id, newID string) error
	// IncrementAccess bumps access counters for returned results.
	IncrementAccess(ctx context.Context, ids []string) error
	Delete(ctx context.Context, id string) error
}

// EntityStore is the home of entities, their relations and the links tying
// memories to entities.
type EntityStore interface {
	// GetOrCreate returns the entity for (owner, type, normalized name),
	// creating it on first sight.
	GetOrCreate(ctx context.Context, ownerID, entityType, name string) (*Entity, error)
	// FindByTokens matches entities whose normalized name equals, or failing
	// that contains, one of the tokens.
	FindByTokens(ctx context.Context, ownerID string, tokens []string) ([]*Entity, error)
	// RelatedEntityIDs returns entities one relation edge away from any of
	// the given entities, in either direction, excluding the inputs.
	RelatedEntityIDs(ctx context.Context, ownerID string, entityIDs []string) ([]string, error)
	// Link ties a memory to an entity, once.
	Link(ctx context.Context, memoryID, entityID string) error
	// Relate inserts a relation edge if an equivalent one is absent.
	Relate(ctx context.Context, ownerID, sourceID, targetID, relationType string) error
	MemoryIDsForEntities(ctx context.Context, entityIDs []string) ([]string, error)
	EntityIDsForMemories(ctx context.Context, memoryIDs []string) ([]string, error)
}

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     SaveRequest
		wantErr string
	}{
		{
			name:    "missing content",
			req:     SaveRequest{OwnerID: "u1"},
			wantErr: "content is required",
		},
		{
			name:    "missing owner",
			req:     SaveRequest{Content: "c"},
			wantErr: "owner_id is required",
		},
		{
			name:    "chatroom scope needs a room",
			req:     SaveRequest{Content: "c", OwnerID: "u1", Scope: ScopeChatroom},
			wantErr: "chatroom scope requires a room_id",
		},
		{
			name:    "agent scope needs an agent",
			req:     SaveRequest{Content: "c", OwnerID: "u1", Scope: ScopeAgent},
			wantErr: "agent scope requires an agent_id",
		},
		{
			name:    "document scope needs a document",
			req:     SaveRequest{Content: "c", OwnerID: "u1", Scope: ScopeDocument},
			wantErr: "document scope requires a document_id",
		},
		{
			name: "valid room request",
			req:  SaveRequest{Content: "c", OwnerID: "u1", Scope: ScopeProject, RoomID: "r1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSaveRequestScopeInference(t *testing.T) {
	tests := []struct {
		name      string
		req       SaveRequest
		wantScope Scope
	}{
		{
			name:      "room id implies chatroom",
			req:       SaveRequest{Content: "c", OwnerID: "u1", RoomID: "r1"},
			wantScope: ScopeChatroom,
		},
		{
			name:      "agent id implies agent",
			req:       SaveRequest{Content: "c", OwnerID: "u1", AgentID: "a1"},
			wantScope: ScopeAgent,
		},
		{
			name:      "document id implies document",
			req:       SaveRequest{Content: "c", OwnerID: "u1", DocumentID: "d1"},
			wantScope: ScopeDocument,
		},
		{
			name:      "nothing bound defaults to personal",
			req:       SaveRequest{Content: "c", OwnerID: "u1"},
			wantScope: ScopePersonal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bound := tt.req.RoomID + tt.req.AgentID + tt.req.DocumentID
			require.NoError(t, tt.req.validate())
			assert.Equal(t, tt.wantScope, tt.req.Scope)
			after := tt.req.RoomID + tt.req.AgentID + tt.req.DocumentID
			assert.Equal(t, bound, after, "the binding that implied the scope survives")
		})
	}
}

func TestSaveDefaultsAndPersistence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.embedder.register("Alice prefers deep dish pizza", axis(0))
	mem, created, err := env.pipeline.Save(ctx, SaveRequest{
		Content: "Alice prefers deep dish pizza",
		OwnerID: "user-1",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, mem.ID)
	assert.Equal(t, ScopePersonal, mem.Scope)
	assert.Equal(t, CategoryFact, mem.Category)
	assert.Equal(t, ImportanceMedium, mem.Importance)
	assert.Equal(t, StatusActive, mem.Status)
	assert.False(t, mem.CreatedAt.IsZero())

	rows, err := env.meta.GetByIDs(ctx, []string{mem.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, mem.Content, rows[0].Content)

	entry, ok := env.index.entries[mem.ID]
	require.True(t, ok, "vector should be indexed")
	assert.Equal(t, "user-1", entry.payload["owner_id"])
	assert.Equal(t, string(ScopePersonal), entry.payload["scope"])
	assert.Equal(t, string(CategoryFact), entry.payload["category"])
	assert.NotContains(t, entry.payload, "status")
	assert.NotContains(t, entry.payload, "room_id")
}

func TestSaveRoomPayload(t *testing.T) {
	env := newTestEnv(t)

	mem := env.mustSave(t, SaveRequest{
		Content: "The launch moved to Thursday",
		OwnerID: "user-1",
		RoomID:  "room-7",
		Scope:   ScopeChatroom,
	}, axis(1))

	entry := env.index.entries[mem.ID]
	assert.Equal(t, "room-7", entry.payload["room_id"])
	assert.Equal(t, string(ScopeChatroom), entry.payload["scope"])
}

func TestSaveDuplicateBoundaries(t *testing.T) {
	const existing = "Alice prefers deep dish pizza"

	tests := []struct {
		name       string
		incoming   string
		similarity float64
		wantDup    bool
	}{
		{
			name:       "exact similarity is a duplicate regardless of text",
			incoming:   "Alice's pizza order: always deep dish",
			similarity: 0.995,
			wantDup:    true,
		},
		{
			name:       "high similarity with matching tokens is a duplicate",
			incoming:   "alice prefers deep dish pizza",
			similarity: 0.96,
			wantDup:    true,
		},
		{
			name:       "high similarity with different tokens is kept",
			incoming:   "Bob plays tennis on Sundays",
			similarity: 0.96,
			wantDup:    false,
		},
		{
			name:       "below the similarity floor is kept even with matching tokens",
			incoming:   "Alice prefers deep dish pizza.",
			similarity: 0.94,
			wantDup:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			first := env.mustSave(t, SaveRequest{Content: existing, OwnerID: "user-1"}, axis(0))

			env.embedder.register(tt.incoming, unitVec(tt.similarity))
			mem, created, err := env.pipeline.Save(ctx, SaveRequest{
				Content:         tt.incoming,
				OwnerID:         "user-1",
				SkipIfDuplicate: true,
			})
			require.NoError(t, err)

			if tt.wantDup {
				assert.False(t, created)
				assert.Equal(t, first.ID, mem.ID, "duplicate should return the existing row")
			} else {
				assert.True(t, created)
				assert.NotEqual(t, first.ID, mem.ID)
			}
		})
	}
}

func TestSaveDuplicateScopedToRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.mustSave(t, SaveRequest{
		Content: "We ship on Thursday",
		OwnerID: "u1",
		RoomID:  "r1",
		Scope:   ScopeChatroom,
	}, axis(0))

	env.embedder.register("we ship on thursday", unitVec(0.995))
	other, created, err := env.pipeline.Save(ctx, SaveRequest{
		Content:         "we ship on thursday",
		OwnerID:         "u1",
		RoomID:          "r2",
		Scope:           ScopeChatroom,
		SkipIfDuplicate: true,
	})
	require.NoError(t, err)
	assert.True(t, created, "another room is another neighborhood")
	assert.NotEqual(t, first.ID, other.ID)

	same, created, err := env.pipeline.Save(ctx, SaveRequest{
		Content:         "we ship on thursday",
		OwnerID:         "u1",
		RoomID:          "r1",
		Scope:           ScopeChatroom,
		SkipIfDuplicate: true,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, same.ID, "the same room still deduplicates")
}

func TestSaveWithoutDedupAlwaysInserts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.mustSave(t, SaveRequest{Content: "likes pizza", OwnerID: "u1"}, axis(0))

	mem, created, err := env.pipeline.Save(ctx, SaveRequest{Content: "likes pizza", OwnerID: "u1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, mem.ID)
}

func TestSaveIgnoresSupersededDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.mustSave(t, SaveRequest{Content: "likes pizza", OwnerID: "u1"}, axis(0))
	require.NoError(t, env.meta.MarkSuperseded(ctx, first.ID))

	env.embedder.register("still likes pizza", unitVec(0.995))
	_, created, err := env.pipeline.Save(ctx, SaveRequest{
		Content:         "still likes pizza",
		OwnerID:         "u1",
		SkipIfDuplicate: true,
	})
	require.NoError(t, err)
	assert.True(t, created, "a superseded row must not block a new save")
}

func TestSaveEmbedFailureSurfaces(t *testing.T) {
	meta := NewInMemoryMetadataStore()
	p := NewPipeline(meta, NewInMemoryEntityStore(), NewInMemoryVectorIndex(),
		failingEmbedder{}, &scriptedLLM{}, nil, quietLogger())

	_, _, err := p.Save(context.Background(), SaveRequest{Content: "c", OwnerID: "u1"})
	require.Error(t, err)

	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "embedder", perr.Provider)
}

func TestSaveCompensatesFailedIndexWrite(t *testing.T) {
	meta := NewInMemoryMetadataStore()
	embedder := newMapEmbedder()
	index := &failingUpsertIndex{InMemoryVectorIndex: NewInMemoryVectorIndex()}
	p := NewPipeline(meta, NewInMemoryEntityStore(), index, embedder, &scriptedLLM{}, nil, quietLogger())

	_, _, err := p.Save(context.Background(), SaveRequest{Content: "c", OwnerID: "u1"})
	require.Error(t, err)

	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "vector_index", perr.Provider)

	rows, err := meta.GetByIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, rows)

	all, err := meta.ListActiveByOwner(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Empty(t, all, "metadata row should be rolled back after index failure")
}
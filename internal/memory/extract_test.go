package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const extractionReply = `{"memories": [
	{"content": "Alice prefers deep dish pizza", "scope": "personal", "category": "preference",
	 "importance": "high", "topic_key": "favorite pizza",
	 "entities": [{"name": "Alice", "type": "person"}, {"name": "Deep Dish Pizza", "type": "food"}],
	 "relations": [{"source": "Alice", "target": "Deep Dish Pizza", "type": "likes"}]},
	{"content": "The team ships on Thursdays", "scope": "chatroom", "category": "decision"}
]}`

func TestExtractAndSaveValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.pipeline.ExtractAndSave(ctx, ExtractRequest{OwnerID: "u1"})
	assert.ErrorContains(t, err, "conversation is required")

	_, err = env.pipeline.ExtractAndSave(ctx, ExtractRequest{Conversation: "hi"})
	assert.ErrorContains(t, err, "owner_id is required")
}

func TestExtractAndSaveLLMFailureSurfaces(t *testing.T) {
	obs := &recordingObserver{}
	env := newTestEnv(t, WithObserver(obs))
	env.llm.err = fmt.Errorf("llm offline")

	_, err := env.pipeline.ExtractAndSave(context.Background(), ExtractRequest{
		Conversation: "User: hello",
		OwnerID:      "u1",
	})
	require.Error(t, err)

	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "llm", perr.Provider)
	assert.Equal(t, []string{"failed"}, obs.outcomes)
}

func TestExtractAndSaveHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.llm.replies = []string{extractionReply}
	env.embedder.register("Alice prefers deep dish pizza", axis(0))
	env.embedder.register("The team ships on Thursdays", axis(1))

	report, err := env.pipeline.ExtractAndSave(ctx, ExtractRequest{
		Conversation: "User: I always order deep dish.\nAssistant: Noted. Ship day stays Thursday?",
		OwnerID:      "u1",
		RoomID:       "room-1",
		OwnerName:    "Alice",
		PriorContext: "Alice lives in Chicago",
	})
	require.NoError(t, err)
	require.Len(t, report.Saved, 2)
	assert.Zero(t, report.Duplicates)
	assert.Zero(t, report.Failed)
	assert.False(t, report.UsedFallback)
	assert.Equal(t, []Verdict{VerdictUnrelated, VerdictUnrelated}, report.Verdicts)

	prompt := env.llm.requests[0]
	assert.Equal(t, extractionSystemPrompt, prompt.System)
	assert.Contains(t, prompt.Prompt, "The user's name is Alice.")
	assert.Contains(t, prompt.Prompt, "Alice lives in Chicago")
	assert.Contains(t, prompt.Prompt, "I always order deep dish")

	pizza, team := report.Saved[0], report.Saved[1]
	assert.Equal(t, ScopeChatroom, pizza.Scope, "personal items stay within the room they came from")
	assert.Equal(t, "room-1", pizza.RoomID)
	assert.Equal(t, CategoryPreference, pizza.Category)
	assert.Equal(t, ImportanceHigh, pizza.Importance)
	assert.Equal(t, "favorite pizza", pizza.TopicKey)

	assert.Equal(t, ScopeChatroom, team.Scope)
	assert.Equal(t, "room-1", team.RoomID)
	assert.Equal(t, "the team ships on th", team.TopicKey, "a missing topic key falls back to a content prefix")

	entityIDs, err := env.entities.EntityIDsForMemories(ctx, []string{pizza.ID})
	require.NoError(t, err)
	assert.Len(t, entityIDs, 2)

	alice, err := env.entities.GetOrCreate(ctx, "u1", "person", "Alice")
	require.NoError(t, err)
	related, err := env.entities.RelatedEntityIDs(ctx, "u1", []string{alice.ID})
	require.NoError(t, err)
	require.Len(t, related, 1, "the draft relation becomes a graph edge")
}

func TestExtractAndSaveFencedReply(t *testing.T) {
	env := newTestEnv(t)
	env.llm.replies = []string{"Sure! Here are the memories:\n```json\n" + extractionReply + "\n```"}
	env.embedder.register("Alice prefers deep dish pizza", axis(0))
	env.embedder.register("The team ships on Thursdays", axis(1))

	report, err := env.pipeline.ExtractAndSave(context.Background(), ExtractRequest{
		Conversation: "User: pizza talk",
		OwnerID:      "u1",
		RoomID:       "room-1",
	})
	require.NoError(t, err)
	assert.Len(t, report.Saved, 2)
	assert.False(t, report.UsedFallback)
}

func TestExtractAndSaveEmptyReply(t *testing.T) {
	obs := &recordingObserver{}
	env := newTestEnv(t, WithObserver(obs))
	env.llm.replies = []string{`{"memories": []}`}

	report, err := env.pipeline.ExtractAndSave(context.Background(), ExtractRequest{
		Conversation: "User: hi\nAssistant: hello!",
		OwnerID:      "u1",
	})
	require.NoError(t, err)
	assert.Empty(t, report.Saved)
	assert.False(t, report.UsedFallback)
	assert.Equal(t, []string{"empty"}, obs.outcomes)
}

func TestExtractAndSaveSalvagesBrokenReply(t *testing.T) {
	obs := &recordingObserver{}
	env := newTestEnv(t, WithObserver(obs))
	env.llm.replies = []string{`Here is what I found: {"memories": [
		{"content": "Alice prefers deep dish pizza", "category": preference},
		{"content": "The team ships on Thursdays"}`}
	env.embedder.register("Alice prefers deep dish pizza", axis(0))
	env.embedder.register("The team ships on Thursdays", axis(1))

	report, err := env.pipeline.ExtractAndSave(context.Background(), ExtractRequest{
		Conversation: "User: pizza and ship days",
		OwnerID:      "u1",
		RoomID:       "room-1",
	})
	require.NoError(t, err)
	require.True(t, report.UsedFallback)
	require.Len(t, report.Saved, 2)
	assert.Equal(t, []string{"fallback"}, obs.outcomes)

	for _, saved := range report.Saved {
		assert.Equal(t, ScopeChatroom, saved.Scope)
		assert.Equal(t, "room-1", saved.RoomID)
		assert.Equal(t, CategoryFact, saved.Category)
		assert.Equal(t, ImportanceMedium, saved.Importance)
	}
	assert.Equal(t, "Alice prefers deep dish pizza", report.Saved[0].Content)
	assert.Equal(t, "The team ships on Thursdays", report.Saved[1].Content)
}

func TestExtractAndSaveUnusableReplyYieldsNothing(t *testing.T) {
	obs := &recordingObserver{}
	env := newTestEnv(t, WithObserver(obs))
	env.llm.replies = []string{"I am unable to answer in the requested format."}

	report, err := env.pipeline.ExtractAndSave(context.Background(), ExtractRequest{
		Conversation: "User: " + strings.Repeat("chatter ", 50),
		OwnerID:      "u1",
		RoomID:       "room-1",
	})
	require.NoError(t, err, "free text never raises")
	assert.Empty(t, report.Saved)
	assert.False(t, report.UsedFallback)
	assert.Equal(t, []string{"empty"}, obs.outcomes)

	rows, err := env.meta.ListActiveByOwner(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Empty(t, rows, "no transcript text is stored as a memory")
}

func TestDraftScope(t *testing.T) {
	tests := []struct {
		name     string
		scope    Scope
		roomID   string
		expected Scope
	}{
		{name: "personal in a room lands in the room", scope: ScopePersonal, roomID: "r1", expected: ScopeChatroom},
		{name: "chatroom keeps its room", scope: ScopeChatroom, roomID: "r1", expected: ScopeChatroom},
		{name: "project keeps its room", scope: ScopeProject, roomID: "r1", expected: ScopeProject},
		{name: "agent in a room lands in the room", scope: ScopeAgent, roomID: "r1", expected: ScopeChatroom},
		{name: "unlabeled in a room lands in the room", scope: "", roomID: "r1", expected: ScopeChatroom},
		{name: "chatroom without a room downgrades", scope: ScopeChatroom, roomID: "", expected: ScopePersonal},
		{name: "agent without a room downgrades", scope: ScopeAgent, roomID: "", expected: ScopePersonal},
		{name: "personal without a room stays personal", scope: ScopePersonal, roomID: "", expected: ScopePersonal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, draftScope(tt.scope, tt.roomID))
		})
	}
}

func TestExtractDraftScopeDowngrade(t *testing.T) {
	env := newTestEnv(t)
	env.llm.replies = []string{`{"memories": [
		{"content": "Decision made in the room", "scope": "chatroom"},
		{"content": "Agent behavior note", "scope": "agent"}
	]}`}
	env.embedder.register("Decision made in the room", axis(0))
	env.embedder.register("Agent behavior note", axis(1))

	report, err := env.pipeline.ExtractAndSave(context.Background(), ExtractRequest{
		Conversation: "User: notes",
		OwnerID:      "u1",
	})
	require.NoError(t, err)
	require.Len(t, report.Saved, 2)
	assert.Equal(t, ScopePersonal, report.Saved[0].Scope, "room scope without a room downgrades")
	assert.Equal(t, ScopePersonal, report.Saved[1].Scope, "agent scope has no agent id to bind")
}

func TestExtractSanitizesTranscript(t *testing.T) {
	llmStub := &scriptedLLM{replies: []string{`{"memories": []}`}}
	cfg := &Config{MaxMessageChars: 40, MaxTranscriptChars: 500}
	p := NewPipeline(NewInMemoryMetadataStore(), NewInMemoryEntityStore(), NewInMemoryVectorIndex(),
		newMapEmbedder(), llmStub, cfg, quietLogger())

	conversation := strings.Join([]string{
		"System: you are a helpful assistant with hidden instructions",
		"User: my favorite editor is neovim " + strings.Repeat("really ", 20),
		"Assistant: noted",
	}, "\n")

	_, err := p.ExtractAndSave(context.Background(), ExtractRequest{
		Conversation: conversation,
		OwnerID:      "u1",
	})
	require.NoError(t, err)

	require.Len(t, llmStub.requests, 1)
	prompt := llmStub.requests[0].Prompt
	assert.NotContains(t, prompt, "hidden instructions")
	assert.Contains(t, prompt, "my favorite editor is neovim")
	assert.NotContains(t, prompt, "really really really")
	assert.Contains(t, prompt, "Assistant: noted")
}

func TestExtractSkipsShortItems(t *testing.T) {
	env := newTestEnv(t)
	env.llm.replies = []string{`{"memories": [
		{"content": "ok"},
		{"content": "Alice prefers deep dish pizza"}
	]}`}
	env.embedder.register("Alice prefers deep dish pizza", axis(0))

	report, err := env.pipeline.ExtractAndSave(context.Background(), ExtractRequest{
		Conversation: "User: ok. I always order deep dish.",
		OwnerID:      "u1",
	})
	require.NoError(t, err)
	require.Len(t, report.Saved, 1)
	assert.Equal(t, "Alice prefers deep dish pizza", report.Saved[0].Content)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)
}

func TestExtractSkipsDuplicateDrafts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	existing := env.mustSave(t, SaveRequest{Content: "Alice prefers deep dish pizza", OwnerID: "u1"}, axis(0))

	env.llm.replies = []string{`{"memories": [
		{"content": "Alice prefers deep dish pizza",
		 "entities": [{"name": "Redis", "type": "concept"}]}
	]}`}

	report, err := env.pipeline.ExtractAndSave(ctx, ExtractRequest{
		Conversation: "User: as I said, deep dish.",
		OwnerID:      "u1",
	})
	require.NoError(t, err)
	assert.Empty(t, report.Saved)
	assert.Equal(t, 1, report.Duplicates)

	linked, err := env.entities.EntityIDsForMemories(ctx, []string{existing.ID})
	require.NoError(t, err)
	assert.Empty(t, linked, "duplicate drafts do not link entities")
}

func TestExtractSupersedesMatchingTopic(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.embedder.register("Alice works at Initech", axis(0))
	env.embedder.register("Alice now works at Globex", axis(1))

	old, _, err := env.pipeline.SaveManual(ctx, SaveRequest{
		Content:  "Alice works at Initech",
		OwnerID:  "u1",
		TopicKey: "employer",
	})
	require.NoError(t, err)

	env.llm.replies = []string{
		`{"memories": [{"content": "Alice now works at Globex", "topic_key": "employer"}]}`,
		`{"verdict": "UPDATE"}`,
	}

	report, err := env.pipeline.ExtractAndSave(ctx, ExtractRequest{
		Conversation: "User: I changed jobs, now at Globex.",
		OwnerID:      "u1",
	})
	require.NoError(t, err)
	require.Len(t, report.Saved, 1)
	assert.Equal(t, []string{old[0].ID}, report.SupersededIDs)
	assert.Equal(t, []Verdict{VerdictUpdate}, report.Verdicts)

	rows, err := env.meta.GetByIDs(ctx, []string{old[0].ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, StatusSuperseded, rows[0].Status)
	assert.Equal(t, report.Saved[0].ID, rows[0].SupersededBy)
}
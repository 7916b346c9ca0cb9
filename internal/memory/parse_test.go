package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtraction(t *testing.T) {
	envelope := `{"memories": [
		{"content": "Alice prefers deep dish pizza", "scope": "personal", "category": "preference",
		 "importance": "high", "topic_key": "Favorite  Pizza",
		 "entities": [{"name": "Alice", "type": "person"}],
		 "relations": [{"source": "Alice", "target": "deep dish pizza", "type": "likes"}]}
	]}`

	t.Run("envelope with one draft", func(t *testing.T) {
		result := parseExtraction(envelope)
		require.Equal(t, ParseOK, result.Kind)
		require.Len(t, result.Drafts, 1)

		draft := result.Drafts[0]
		assert.Equal(t, "Alice prefers deep dish pizza", draft.Content)
		assert.Equal(t, ScopePersonal, draft.Scope)
		assert.Equal(t, CategoryPreference, draft.Category)
		assert.Equal(t, ImportanceHigh, draft.Importance)
		assert.Equal(t, "favorite pizza", draft.TopicKey)
		require.Len(t, draft.Entities, 1)
		assert.Equal(t, "person", draft.Entities[0].Type)
		require.Len(t, draft.Relations, 1)
		assert.Equal(t, "likes", draft.Relations[0].Type)
	})

	t.Run("fenced reply parses", func(t *testing.T) {
		fenced := "Here you go:\n```json\n" + envelope + "\n```"
		result := parseExtraction(fenced)
		require.Equal(t, ParseOK, result.Kind)
		assert.Len(t, result.Drafts, 1)
	})

	t.Run("bare array parses", func(t *testing.T) {
		array := `[{"content": "Bob runs the search team", "scope": "chatroom", "category": "fact"}]`
		result := parseExtraction(array)
		require.Equal(t, ParseOK, result.Kind)
		require.Len(t, result.Drafts, 1)
		assert.Equal(t, ScopeChatroom, result.Drafts[0].Scope)
		assert.Equal(t, ImportanceMedium, result.Drafts[0].Importance)
	})

	t.Run("unknown enums fall back to defaults", func(t *testing.T) {
		raw := `{"memories": [{"content": "x y z", "scope": "galactic", "category": "vibe", "importance": "extreme"}]}`
		result := parseExtraction(raw)
		require.Equal(t, ParseOK, result.Kind)
		draft := result.Drafts[0]
		assert.Equal(t, ScopePersonal, draft.Scope)
		assert.Equal(t, CategoryFact, draft.Category)
		assert.Equal(t, ImportanceMedium, draft.Importance)
	})

	t.Run("blank and self relations drop", func(t *testing.T) {
		raw := `{"memories": [{"content": "c", "entities": [{"name": "  "}, {"name": "Redis"}],
			"relations": [{"source": "Redis", "target": "Redis", "type": "uses"},
			              {"source": "", "target": "Redis"},
			              {"source": "Redis", "target": "Cache", "type": ""}]}]}`
		result := parseExtraction(raw)
		require.Equal(t, ParseOK, result.Kind)
		draft := result.Drafts[0]
		require.Len(t, draft.Entities, 1)
		assert.Equal(t, "concept", draft.Entities[0].Type)
		require.Len(t, draft.Relations, 1)
		assert.Equal(t, "related_to", draft.Relations[0].Type)
	})

	t.Run("empty memories list is a clean no-op", func(t *testing.T) {
		result := parseExtraction(`{"memories": []}`)
		assert.Equal(t, ParseEmpty, result.Kind)
		assert.Nil(t, result.Err)
	})

	t.Run("blank contents reduce to empty", func(t *testing.T) {
		result := parseExtraction(`{"memories": [{"content": "   "}, {"content": ""}]}`)
		assert.Equal(t, ParseEmpty, result.Kind)
	})

	t.Run("prose without JSON yields nothing", func(t *testing.T) {
		result := parseExtraction("I could not find any memories in this conversation, sorry.")
		assert.Equal(t, ParseEmpty, result.Kind)
		assert.Empty(t, result.Recovered)
		require.NotNil(t, result.Err)
	})

	t.Run("wrong JSON shape yields nothing", func(t *testing.T) {
		result := parseExtraction(`{"memories": "none"}`)
		assert.Equal(t, ParseEmpty, result.Kind)
		require.NotNil(t, result.Err)
	})

	t.Run("broken JSON salvages quoted content fields", func(t *testing.T) {
		raw := `{"memories": [{"content": "Alice prefers deep dish pizza", "category": preference},
			{"content": "The team ships on Thursdays"}`
		result := parseExtraction(raw)
		require.Equal(t, ParseFallback, result.Kind)
		require.NotNil(t, result.Err)
		assert.Equal(t, []string{
			"Alice prefers deep dish pizza",
			"The team ships on Thursdays",
		}, result.Recovered)
	})
}

func TestRecoverContents(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []string
	}{
		{
			name:     "plain fields in order",
			raw:      `noise "content": "likes pizza" noise "content":"ships Thursday"`,
			expected: []string{"likes pizza", "ships Thursday"},
		},
		{
			name:     "escaped quotes decode",
			raw:      `{"content": "calls it \"the big board\""`,
			expected: []string{`calls it "the big board"`},
		},
		{
			name:     "blank content drops",
			raw:      `"content": "   "`,
			expected: []string{},
		},
		{
			name:     "no fields",
			raw:      "nothing to see here",
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, recoverContents(tt.raw))
		})
	}
}

func TestFallbackTopicKey(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		maxLen   int
		expected string
	}{
		{
			name:     "short content unchanged",
			content:  "Likes pizza",
			maxLen:   20,
			expected: "likes pizza",
		},
		{
			name:     "long content truncates at rune boundary",
			content:  "Alice prefers deep dish pizza from the place downtown",
			maxLen:   20,
			expected: "alice prefers deep d",
		},
		{
			name:     "trailing space after cut trims",
			content:  "alice prefers deep dish",
			maxLen:   19,
			expected: "alice prefers deep",
		},
		{
			name:     "multibyte runes count as one",
			content:  "김대리는 피자를 좋아한다",
			maxLen:   5,
			expected: "김대리는",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, fallbackTopicKey(tt.content, tt.maxLen))
		})
	}
}

package memory

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/engramhq/engram/internal/llm"
)

// ParseKind classifies what came back from the extraction model.
type ParseKind int

const (
	// ParseOK means structured drafts were recovered.
	ParseOK ParseKind = iota
	// ParseFallback means strict parsing failed but the regex heuristic
	// salvaged content strings.
	ParseFallback
	// ParseEmpty means the reply yields nothing: the model found no
	// memories, or its output was a total loss.
	ParseEmpty
)

// DraftEntity is an entity mention inside a draft.
type DraftEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// DraftRelation is a relation between two entity names in the same draft.
type DraftRelation struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Draft is one extracted memory candidate before persistence.
type Draft struct {
	Content    string
	Scope      Scope
	Category   Category
	Importance Importance
	TopicKey   string
	Entities   []DraftEntity
	Relations  []DraftRelation
}

// ParseResult is the outcome of parsing extraction output.
type ParseResult struct {
	Kind   ParseKind
	Drafts []Draft
	// Recovered holds content strings the regex heuristic salvaged when
	// strict parsing failed.
	Recovered []string
	Err       *ParseError
}

type draftWire struct {
	Content    string          `json:"content"`
	Scope      string          `json:"scope"`
	Category   string          `json:"category"`
	Importance string          `json:"importance"`
	TopicKey   string          `json:"topic_key"`
	Entities   []DraftEntity   `json:"entities"`
	Relations  []DraftRelation `json:"relations"`
}

// parseExtraction tolerates fenced, prefixed and bare-array model output.
// Unknown enum values normalize to defaults; blank drafts are dropped.
func parseExtraction(raw string) ParseResult {
	doc := llm.ExtractJSON(raw)
	if doc == "" {
		return salvageExtraction(raw, fmt.Errorf("no JSON found in model output"))
	}

	var wires []draftWire
	var envelope struct {
		Memories []draftWire `json:"memories"`
	}
	if err := json.Unmarshal([]byte(doc), &envelope); err == nil && envelope.Memories != nil {
		wires = envelope.Memories
	} else if err := json.Unmarshal([]byte(doc), &wires); err != nil {
		return salvageExtraction(raw, fmt.Errorf("unexpected JSON shape: %w", err))
	}

	drafts := make([]Draft, 0, len(wires))
	for _, w := range wires {
		content := strings.TrimSpace(w.Content)
		if content == "" {
			continue
		}
		drafts = append(drafts, Draft{
			Content:    content,
			Scope:      ParseScope(w.Scope),
			Category:   ParseCategory(w.Category),
			Importance: ParseImportance(w.Importance),
			TopicKey:   normalizeTopicKey(w.TopicKey),
			Entities:   cleanEntities(w.Entities),
			Relations:  cleanRelations(w.Relations),
		})
	}

	if len(drafts) == 0 {
		return ParseResult{Kind: ParseEmpty}
	}
	return ParseResult{Kind: ParseOK, Drafts: drafts}
}

// contentFieldRe matches "content": "..." fields in otherwise unusable
// output, capturing the JSON string body.
var contentFieldRe = regexp.MustCompile(`"content"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// salvageExtraction is the last resort for replies strict parsing cannot
// read: a regex pass over the raw text recovers quoted content fields.
// Nothing recovered means the reply yields no memories at all.
func salvageExtraction(raw string, cause error) ParseResult {
	perr := &ParseError{Raw: raw, Err: cause}
	recovered := recoverContents(raw)
	if len(recovered) == 0 {
		return ParseResult{Kind: ParseEmpty, Err: perr}
	}
	return ParseResult{Kind: ParseFallback, Recovered: recovered, Err: perr}
}

func recoverContents(raw string) []string {
	matches := contentFieldRe.FindAllStringSubmatch(raw, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		var content string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &content); err != nil {
			continue
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		out = append(out, content)
	}
	return out
}

func cleanEntities(entities []DraftEntity) []DraftEntity {
	out := entities[:0]
	for _, e := range entities {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			continue
		}
		e.Type = strings.ToLower(strings.TrimSpace(e.Type))
		if e.Type == "" {
			e.Type = "concept"
		}
		out = append(out, e)
	}
	return out
}

func cleanRelations(relations []DraftRelation) []DraftRelation {
	out := relations[:0]
	for _, r := range relations {
		r.Source = strings.TrimSpace(r.Source)
		r.Target = strings.TrimSpace(r.Target)
		if r.Source == "" || r.Target == "" || strings.EqualFold(r.Source, r.Target) {
			continue
		}
		r.Type = strings.ToLower(strings.TrimSpace(r.Type))
		if r.Type == "" {
			r.Type = "related_to"
		}
		out = append(out, r)
	}
	return out
}

// normalizeTopicKey lowercases and collapses a topic key so equal topics
// compare equal.
func normalizeTopicKey(key string) string {
	return strings.Join(strings.Fields(strings.ToLower(key)), " ")
}

// fallbackTopicKey derives a topic key from content when the model omitted
// one: the first maxLen runes, trimmed.
func fallbackTopicKey(content string, maxLen int) string {
	key := normalizeTopicKey(content)
	runes := []rune(key)
	if len(runes) > maxLen {
		key = strings.TrimSpace(string(runes[:maxLen]))
	}
	return key
}

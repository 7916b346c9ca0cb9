package memory

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEntityName canonicalizes an entity name for identity comparison:
// trim, NFKC-normalize, lowercase, collapse inner whitespace. Write and
// query paths must both use it or the same entity splits in two.
func NormalizeEntityName(name string) string {
	name = norm.NFKC.String(strings.TrimSpace(name))
	name = strings.ToLower(name)
	return strings.Join(strings.Fields(name), " ")
}

// stopwords are query tokens too generic to name an entity.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {},
	"do": {}, "does": {}, "did": {}, "have": {}, "has": {}, "had": {},
	"i": {}, "me": {}, "my": {}, "we": {}, "our": {}, "you": {}, "your": {},
	"he": {}, "she": {}, "it": {}, "they": {}, "them": {}, "their": {},
	"what": {}, "which": {}, "who": {}, "whom": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "to": {}, "of": {}, "in": {}, "on": {}, "at": {},
	"by": {}, "for": {}, "with": {}, "about": {}, "from": {}, "as": {},
	"not": {}, "no": {}, "so": {}, "if": {}, "then": {}, "than": {},
	"when": {}, "where": {}, "how": {}, "why": {}, "all": {}, "any": {},
	"can": {}, "will": {}, "just": {}, "should": {}, "now": {}, "like": {},
	"know": {}, "tell": {},
}

// queryTokens splits a search query into entity-candidate tokens: lowercase,
// punctuation stripped, possessives removed, stopwords and single-character
// tokens dropped.
func queryTokens(query string) []string {
	query = norm.NFKC.String(strings.ToLower(query))

	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\'' && r != '-'
	})

	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSuffix(f, "'s")
		f = strings.Trim(f, "'-")
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

// contentTokens is the token set for duplicate comparison: lowercase words
// with punctuation stripped, no stopword filtering.
func contentTokens(content string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// tokenJaccard is the token-set Jaccard similarity of two contents.
func tokenJaccard(a, b string) float64 {
	setA := contentTokens(a)
	setB := contentTokens(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// cosineSimilarity compares two vectors. Mismatched or zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON pulls the first JSON document out of a model response. Models
// wrap JSON in code fences, preambles and trailing commentary; this scans for
// the earliest balanced object or array, then falls back to fenced blocks.
// Returns "" when no JSON can be found.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	if response == "" {
		return ""
	}

	objStart := strings.IndexByte(response, '{')
	arrStart := strings.IndexByte(response, '[')

	// Whichever document starts first wins, so a bare array of objects is
	// returned whole instead of as its first element.
	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		if end := findBalanced(response[arrStart:], '[', ']'); end != -1 {
			return response[arrStart : arrStart+end+1]
		}
	}
	if objStart != -1 {
		if end := findBalanced(response[objStart:], '{', '}'); end != -1 {
			return response[objStart : objStart+end+1]
		}
	}

	if json.Valid([]byte(response)) {
		return response
	}

	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if newline := strings.IndexByte(response[start:], '\n'); newline != -1 {
			start += newline + 1
		}
		if end := strings.Index(response[start:], "```"); end != -1 {
			candidate := strings.TrimSpace(response[start : start+end])
			if json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}

	return ""
}

// findBalanced returns the index of the close byte matching the open byte at
// s[0], skipping string literals and escapes. Returns -1 when unbalanced.
func findBalanced(s string, open, close byte) int {
	if len(s) == 0 || s[0] != open {
		return -1
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

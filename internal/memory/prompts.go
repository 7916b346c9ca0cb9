package memory

import (
	"fmt"
	"strings"
)

const extractionSystemPrompt = `You are a memory extraction engine for a conversational assistant.
You read a conversation and pull out durable facts worth remembering about
the user and their world: preferences, decisions, relationships and stable
facts. Ignore small talk, transient states and anything already covered by
the prior memory context.

Respond with a single JSON object and nothing else:
{
  "memories": [
    {
      "content": "one self-contained sentence",
      "scope": "personal|chatroom|project|department|agent|document",
      "category": "preference|fact|decision|relationship",
      "importance": "high|medium|low",
      "topic_key": "three to five word topic label",
      "entities": [{"name": "display name", "type": "person|team|project|place|concept"}],
      "relations": [{"source": "entity name", "target": "entity name", "type": "relation verb"}]
    }
  ]
}

Return {"memories": []} when nothing is worth remembering.`

func buildExtractionPrompt(conversation, ownerName, priorContext string) string {
	var sb strings.Builder

	if ownerName != "" {
		fmt.Fprintf(&sb, "The user's name is %s.\n\n", ownerName)
	}
	if priorContext != "" {
		sb.WriteString("Already remembered (do not extract again):\n")
		sb.WriteString(priorContext)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation:\n")
	sb.WriteString(conversation)
	return sb.String()
}

// sanitizeTranscript prepares a conversation for the extraction prompt:
// system-prompt-like lines are dropped, overlong messages are cut, and an
// overlong transcript keeps its tail, where the freshest turns live.
func sanitizeTranscript(conversation string, maxMessage, maxTotal int) string {
	lines := strings.Split(conversation, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || isSystemLine(line) {
			continue
		}
		if runes := []rune(line); len(runes) > maxMessage {
			line = strings.TrimSpace(string(runes[:maxMessage]))
		}
		kept = append(kept, line)
	}
	return conversationTail(strings.Join(kept, "\n"), maxTotal)
}

func isSystemLine(line string) bool {
	lower := strings.ToLower(line)
	for _, prefix := range []string{"system:", "[system]", "<system>"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// conversationTail returns the last maxChars runes of a conversation.
func conversationTail(conversation string, maxChars int) string {
	conversation = strings.TrimSpace(conversation)
	runes := []rune(conversation)
	if len(runes) <= maxChars {
		return conversation
	}
	return strings.TrimSpace(string(runes[len(runes)-maxChars:]))
}

const verdictSystemPrompt = `You compare two memory statements that share a topic and classify how
the new one relates to the existing one.

UPDATE: the new statement replaces the old one with fresher information.
SUPPLEMENT: the new statement adds detail; both remain true.
CONTRADICTION: the statements cannot both be true.
UNRELATED: despite the shared topic label, they describe different things.

Respond with a single JSON object: {"verdict": "UPDATE|SUPPLEMENT|CONTRADICTION|UNRELATED"}`

func buildVerdictPrompt(existing, incoming string) string {
	return fmt.Sprintf("Existing memory:\n%s\n\nNew statement:\n%s", existing, incoming)
}

const topicKeySystemPrompt = `You label a memory statement with a short topic key of three to five
words, lowercase, describing what the statement is about. Statements about
the same subject must get the same key.

Respond with a single JSON object: {"topic_key": "..."}`

const consolidationSystemPrompt = `You merge several overlapping memory statements about the same subject
into one complete statement. Keep every distinct piece of information, drop
repetition, prefer the most recent phrasing on conflicts.

Respond with a single JSON object: {"content": "merged statement"}`

func buildConsolidationPrompt(contents []string) string {
	var sb strings.Builder
	sb.WriteString("Statements to merge:\n")
	for i, content := range contents {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, content)
	}
	return sb.String()
}

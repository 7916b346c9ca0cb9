package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engramhq/engram/internal/llm"
)

const defaultConsolidationGroupSize = 5

// ConsolidateRequest selects which memories to fold together.
type ConsolidateRequest struct {
	OwnerID string
	// Category narrows consolidation to one category when non-empty.
	Category Category
	// MaxGroupSize caps how many memories merge into one statement.
	MaxGroupSize int
	// SimilarityThreshold is the minimum cosine similarity to the group
	// seed. Zero means the configured default.
	SimilarityThreshold float64
}

// ConsolidateReport lists what a consolidation run changed.
type ConsolidateReport struct {
	Examined int       `json:"examined"`
	Groups   int       `json:"groups"`
	Merged   []*Memory `json:"merged,omitempty"`
	Retired  []string  `json:"retired,omitempty"`
	Skipped  int       `json:"skipped"`
}

// ConsolidateMemories folds clusters of near-duplicate active memories into
// single merged statements and retires the sources. Memories only group
// within the same scope, room, agent, document and category. A failed merge
// leaves its sources untouched.
func (p *Pipeline) ConsolidateMemories(ctx context.Context, req ConsolidateRequest) (*ConsolidateReport, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}
	if req.MaxGroupSize <= 1 {
		req.MaxGroupSize = defaultConsolidationGroupSize
	}
	if req.SimilarityThreshold <= 0 {
		req.SimilarityThreshold = p.config.ConsolidationThreshold
	}

	start := time.Now()

	rows, err := p.meta.ListActiveByOwner(ctx, req.OwnerID, req.Category)
	if err != nil {
		p.observer.ProviderFailure("metadata_store")
		return nil, providerErr("metadata_store", "list_active", err)
	}

	report := &ConsolidateReport{Examined: len(rows)}
	partitions := partitionForConsolidation(rows)
	if len(partitions) == 0 {
		return report, nil
	}

	// One embedding call covers every partition that can actually merge.
	var texts []string
	var flat []*Memory
	for _, part := range partitions {
		for _, m := range part {
			texts = append(texts, m.Content)
			flat = append(flat, m)
		}
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.observer.ProviderFailure("embedder")
		return nil, providerErr("embedder", "embed_batch", err)
	}
	if len(vectors) != len(flat) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(flat))
	}
	vecByID := make(map[string][]float32, len(flat))
	for i, m := range flat {
		vecByID[m.ID] = vectors[i]
	}

	for _, part := range partitions {
		for _, group := range greedyGroups(part, vecByID, req.SimilarityThreshold, req.MaxGroupSize) {
			p.mergeGroup(ctx, group, report)
		}
	}

	p.observer.StageCompleted("consolidate", "total", report.Groups, time.Since(start))
	p.logger.WithFields(logrus.Fields{
		"owner_id": req.OwnerID,
		"examined": report.Examined,
		"groups":   report.Groups,
		"retired":  len(report.Retired),
	}).Debug("Consolidation completed")
	return report, nil
}

// partitionForConsolidation buckets rows by the fields memories must share
// to be mergeable, oldest first inside each bucket. Buckets that cannot
// form a pair are dropped.
func partitionForConsolidation(rows []*Memory) [][]*Memory {
	buckets := make(map[string][]*Memory)
	for _, m := range rows {
		key := strings.Join([]string{string(m.Scope), m.RoomID, m.AgentID, m.DocumentID, string(m.Category)}, "\x00")
		buckets[key] = append(buckets[key], m)
	}

	keys := make([]string, 0, len(buckets))
	for key, part := range buckets {
		if len(part) < 2 {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([][]*Memory, 0, len(keys))
	for _, key := range keys {
		part := buckets[key]
		sort.SliceStable(part, func(i, j int) bool { return part[i].CreatedAt.Before(part[j].CreatedAt) })
		parts = append(parts, part)
	}
	return parts
}

// greedyGroups seeds a group at each ungrouped memory, oldest first, and
// pulls in later memories whose similarity to the seed clears the
// threshold. Singletons are dropped.
func greedyGroups(part []*Memory, vectors map[string][]float32, threshold float64, maxSize int) [][]*Memory {
	used := make([]bool, len(part))
	var groups [][]*Memory
	for i := range part {
		if used[i] {
			continue
		}
		seed := vectors[part[i].ID]
		group := []*Memory{part[i]}
		used[i] = true
		for j := i + 1; j < len(part) && len(group) < maxSize; j++ {
			if used[j] {
				continue
			}
			if cosineSimilarity(seed, vectors[part[j].ID]) >= threshold {
				group = append(group, part[j])
				used[j] = true
			}
		}
		if len(group) >= 2 {
			groups = append(groups, group)
		}
	}
	return groups
}

// mergeGroup folds one group into a single memory and retires the sources.
func (p *Pipeline) mergeGroup(ctx context.Context, group []*Memory, report *ConsolidateReport) {
	contents := make([]string, len(group))
	for i, m := range group {
		contents[i] = m.Content
	}

	raw, err := p.llm.Generate(ctx, &llm.GenerateRequest{
		System:      consolidationSystemPrompt,
		Prompt:      buildConsolidationPrompt(contents),
		Temperature: p.config.VerdictTemperature,
		MaxTokens:   p.config.ExtractionMaxTokens,
	})
	if err != nil {
		report.Skipped++
		p.logger.WithError(err).Warn("Consolidation merge call failed, keeping group")
		p.observer.ProviderFailure("llm")
		return
	}
	merged := parseMergedContent(raw)
	if merged == "" {
		report.Skipped++
		p.logger.Warn("Consolidation merge output unusable, keeping group")
		return
	}

	newest := group[len(group)-1]
	topicKey := ""
	for i := len(group) - 1; i >= 0; i-- {
		if group[i].TopicKey != "" {
			topicKey = group[i].TopicKey
			break
		}
	}

	mem, _, err := p.Save(ctx, SaveRequest{
		Content:    merged,
		OwnerID:    newest.OwnerID,
		RoomID:     newest.RoomID,
		AgentID:    newest.AgentID,
		DocumentID: newest.DocumentID,
		Scope:      newest.Scope,
		Category:   newest.Category,
		Importance: maxImportance(group),
		TopicKey:   topicKey,
	})
	if err != nil {
		report.Skipped++
		p.logger.WithError(err).Warn("Failed to save consolidated memory, keeping group")
		return
	}

	report.Groups++
	report.Merged = append(report.Merged, mem)

	sourceIDs := make([]string, len(group))
	for i, m := range group {
		sourceIDs[i] = m.ID
		if err := p.meta.MarkSuperseded(ctx, m.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				cerr := &ConsistencyError{MemoryID: m.ID, Reason: "already superseded"}
				p.logger.WithField("memory_id", m.ID).Warn(cerr.Error())
			} else {
				p.logger.WithError(err).Warn("Failed to retire consolidated source")
				p.observer.ProviderFailure("metadata_store")
			}
			continue
		}
		if err := p.meta.SetSupersededBy(ctx, m.ID, mem.ID); err != nil {
			p.logger.WithError(err).Warn("Failed to link consolidated source")
			p.observer.ProviderFailure("metadata_store")
		}
		report.Retired = append(report.Retired, m.ID)
	}

	// Carry the sources' entity links over so graph reachability survives
	// the retirement.
	entityIDs, err := p.entities.EntityIDsForMemories(ctx, sourceIDs)
	if err != nil {
		p.logger.WithError(err).Warn("Failed to read entity links for consolidation")
		p.observer.ProviderFailure("entity_store")
		return
	}
	for _, id := range entityIDs {
		if err := p.entities.Link(ctx, mem.ID, id); err != nil {
			p.logger.WithError(err).Warn("Failed to relink entity")
			p.observer.ProviderFailure("entity_store")
		}
	}
}

func parseMergedContent(raw string) string {
	doc := llm.ExtractJSON(raw)
	if doc == "" {
		return ""
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(doc), &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Content)
}

func maxImportance(group []*Memory) Importance {
	best := ImportanceLow
	for _, m := range group {
		if m.Importance.rank() > best.rank() {
			best = m.Importance
		}
	}
	return best
}

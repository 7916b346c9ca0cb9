package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// searchSource is one pool of memories a query fans out to.
type searchSource struct {
	name   string
	filter *VectorFilter
}

// roomScopes are the scopes a room query can see. Personal memories never
// surface through a room source even when they carry a room binding.
var roomScopes = []string{
	string(ScopeChatroom),
	string(ScopeProject),
	string(ScopeDepartment),
	string(ScopeDocument),
}

func roomSource(roomID string) searchSource {
	return searchSource{
		name: "room:" + roomID,
		filter: &VectorFilter{
			Equals: map[string]string{"room_id": roomID},
			AnyOf:  map[string][]string{"scope": roomScopes},
		},
	}
}

// buildSources expands ContextSources into concrete filtered queries. An
// all-zero ContextSources defaults to the personal pool plus the current
// room.
func buildSources(ownerID, roomID string, sources ContextSources) []searchSource {
	zero := !sources.CurrentRoom && !sources.Personal &&
		len(sources.Rooms) == 0 && len(sources.AgentIDs) == 0
	if zero {
		sources.Personal = true
		sources.CurrentRoom = roomID != ""
	}

	out := make([]searchSource, 0, 2+len(sources.Rooms)+len(sources.AgentIDs))
	seenRooms := map[string]struct{}{}

	if sources.CurrentRoom && roomID != "" {
		out = append(out, roomSource(roomID))
		seenRooms[roomID] = struct{}{}
	}
	for _, r := range sources.Rooms {
		if r == "" {
			continue
		}
		if _, dup := seenRooms[r]; dup {
			continue
		}
		seenRooms[r] = struct{}{}
		out = append(out, roomSource(r))
	}
	if sources.Personal {
		out = append(out, searchSource{
			name: "personal",
			filter: &VectorFilter{Equals: map[string]string{
				"owner_id": ownerID,
				"scope":    string(ScopePersonal),
			}},
		})
	}
	for _, a := range sources.AgentIDs {
		if a == "" {
			continue
		}
		out = append(out, searchSource{
			name: "agent:" + a,
			filter: &VectorFilter{Equals: map[string]string{
				"agent_id": a,
				"scope":    string(ScopeAgent),
			}},
		})
	}
	return out
}

// Search runs the full retrieval pipeline: one query embedding, a bounded
// fan-out over the enabled sources, a max-score merge, metadata hydration,
// rerank-or-blend scoring and entity-graph expansion. Individual source
// failures degrade the result set instead of failing the call.
func (p *Pipeline) Search(ctx context.Context, query, ownerID, roomID string, sources ContextSources, limit int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if ownerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}
	if limit <= 0 {
		limit = p.config.DefaultLimit
	}

	start := time.Now()

	vector, err := p.embedder.Embed(ctx, query)
	if err != nil {
		p.observer.ProviderFailure("embedder")
		return nil, providerErr("embedder", "embed", err)
	}
	p.observer.StageCompleted("search", "embed", 1, time.Since(start))

	srcs := buildSources(ownerID, roomID, sources)
	hits := p.fanOut(ctx, vector, srcs, limit)

	merged := mergeMaxScore(hits)
	candidates, err := p.hydrate(ctx, merged)
	if err != nil {
		return nil, err
	}

	results := p.scoreCandidates(ctx, query, candidates)
	results = p.expandGraph(ctx, query, ownerID, roomID, sources, results)

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}

	p.touchAccessed(ctx, results)

	p.logger.WithFields(logrus.Fields{
		"owner_id": ownerID,
		"sources":  len(srcs),
		"results":  len(results),
		"elapsed":  time.Since(start).String(),
	}).Debug("Search completed")
	p.observer.StageCompleted("search", "total", len(results), time.Since(start))

	return results, nil
}

// fanOut queries every source concurrently. A failed source logs a warning
// and contributes nothing; the others proceed.
func (p *Pipeline) fanOut(ctx context.Context, vector []float32, srcs []searchSource, limit int) [][]VectorHit {
	if len(srcs) == 0 {
		return nil
	}

	start := time.Now()
	perSource := limit * p.config.CandidateMultiplier

	hits := make([][]VectorHit, len(srcs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.FanOutConcurrency)

	for i, src := range srcs {
		g.Go(func() error {
			found, err := p.index.Search(gctx, vector, perSource, p.config.MinSimilarity, src.filter)
			if err != nil {
				p.logger.WithError(err).WithField("source", src.name).
					Warn("Search source failed, continuing without it")
				p.observer.ProviderFailure("vector_index")
				return nil
			}
			hits[i] = found
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, h := range hits {
		total += len(h)
	}
	p.observer.StageCompleted("search", "fan_out", total, time.Since(start))
	return hits
}

// mergeMaxScore unions per-source hits, keeping the best similarity per
// memory ID and the first-seen order for determinism.
func mergeMaxScore(hits [][]VectorHit) []VectorHit {
	best := make(map[string]int)
	merged := make([]VectorHit, 0)

	for _, source := range hits {
		for _, hit := range source {
			if idx, seen := best[hit.ID]; seen {
				if hit.Score > merged[idx].Score {
					merged[idx].Score = hit.Score
				}
				continue
			}
			best[hit.ID] = len(merged)
			merged = append(merged, hit)
		}
	}
	return merged
}

// hydrate fetches metadata for merged hits in one batch, dropping superseded
// rows silently and index-only orphans with a consistency warning.
func (p *Pipeline) hydrate(ctx context.Context, hits []VectorHit) ([]SearchResult, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	start := time.Now()
	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}

	rows, err := p.meta.GetByIDs(ctx, ids)
	if err != nil {
		p.observer.ProviderFailure("metadata_store")
		return nil, providerErr("metadata_store", "get_by_ids", err)
	}

	byID := make(map[string]*Memory, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		row, ok := byID[hit.ID]
		if !ok {
			cerr := &ConsistencyError{MemoryID: hit.ID, Reason: "vector hit has no metadata row"}
			p.logger.WithField("memory_id", hit.ID).Warn(cerr.Error())
			continue
		}
		if row.Status != StatusActive {
			continue
		}
		results = append(results, SearchResult{
			Memory:     row,
			Similarity: hit.Score,
			Origin:     OriginVector,
		})
	}

	p.observer.StageCompleted("search", "hydrate", len(results), time.Since(start))
	return results, nil
}

// scoreCandidates assigns the primary score: cross-encoder relevance when a
// reranker is wired and answers, otherwise a similarity/recency blend.
func (p *Pipeline) scoreCandidates(ctx context.Context, query string, results []SearchResult) []SearchResult {
	if len(results) == 0 {
		return results
	}

	start := time.Now()
	now := time.Now().UTC()

	if p.reranker != nil {
		docs := make([]string, len(results))
		for i := range results {
			docs[i] = results[i].Memory.Content
		}
		scores, err := p.reranker.Rerank(ctx, query, docs)
		if err == nil && len(scores) == len(results) {
			for i := range results {
				results[i].Score = scores[i]
			}
			p.observer.StageCompleted("search", "rerank", len(results), time.Since(start))
			return results
		}
		if err != nil {
			p.logger.WithError(err).Warn("Rerank failed, falling back to similarity blend")
			p.observer.ProviderFailure("reranker")
		}
	}

	for i := range results {
		results[i].Score = p.config.SimilarityWeight*results[i].Similarity +
			p.config.RecencyWeight*p.recencyScore(results[i].Memory.CreatedAt, now)
	}
	p.observer.StageCompleted("search", "blend", len(results), time.Since(start))
	return results
}

// recencyScore decays linearly from 1 at age zero to 0 at the horizon.
func (p *Pipeline) recencyScore(createdAt, now time.Time) float64 {
	days := now.Sub(createdAt).Hours() / 24
	if days <= 0 {
		return 1
	}
	score := 1 - days/p.config.RecencyHorizonDays
	if score < 0 {
		return 0
	}
	return score
}

// touchAccessed bumps access counters for returned memories. Failures log
// and are swallowed; retrieval results never depend on bookkeeping.
func (p *Pipeline) touchAccessed(ctx context.Context, results []SearchResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i := range results {
		ids[i] = results[i].Memory.ID
	}
	if err := p.meta.IncrementAccess(ctx, ids); err != nil {
		p.logger.WithError(err).Warn("Failed to update access counters")
		p.observer.ProviderFailure("metadata_store")
	}
}

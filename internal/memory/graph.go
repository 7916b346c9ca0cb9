package memory

import (
	"context"
	"time"
)

// graphBucket is one ring of the entity expansion with its score.
type graphBucket struct {
	entityIDs []string
	score     float64
	depth     int
}

// expandGraph adds memories reachable through the entity graph: memories of
// entities the query names and their 1-hop neighbors, 2-hop neighbors at a
// lower score, and 1-hop neighbors of entities linked to the surviving
// vector results at the lowest score. Entirely best-effort; any store
// failure returns the results unchanged.
func (p *Pipeline) expandGraph(ctx context.Context, query, ownerID, roomID string, sources ContextSources, results []SearchResult) []SearchResult {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return results
	}

	start := time.Now()

	matched, err := p.entities.FindByTokens(ctx, ownerID, tokens)
	if err != nil {
		p.logger.WithError(err).Warn("Entity lookup failed, skipping graph expansion")
		p.observer.ProviderFailure("entity_store")
		return results
	}
	if len(matched) == 0 {
		return results
	}

	visited := make(map[string]struct{})
	matchedIDs := make([]string, 0, len(matched))
	for _, e := range matched {
		matchedIDs = append(matchedIDs, e.ID)
		visited[e.ID] = struct{}{}
	}

	hop1 := p.relatedUnvisited(ctx, ownerID, matchedIDs, visited)
	hop2 := p.relatedUnvisited(ctx, ownerID, hop1, visited)

	// Entities behind the vector results pull in their own neighborhoods.
	resultIDs := make([]string, 0, len(results))
	for i := range results {
		resultIDs = append(resultIDs, results[i].Memory.ID)
	}
	var survivorHop1 []string
	if len(resultIDs) > 0 {
		survivorEntities, err := p.entities.EntityIDsForMemories(ctx, resultIDs)
		if err == nil {
			for _, id := range survivorEntities {
				visited[id] = struct{}{}
			}
			survivorHop1 = p.relatedUnvisited(ctx, ownerID, survivorEntities, visited)
		}
	}

	buckets := []graphBucket{
		{entityIDs: append(matchedIDs, hop1...), score: p.config.GraphHop1Score, depth: 1},
		{entityIDs: hop2, score: p.config.GraphHop2Score, depth: 2},
		{entityIDs: survivorHop1, score: p.config.GraphResultScore, depth: 1},
	}

	have := make(map[string]struct{}, len(results))
	for i := range results {
		have[results[i].Memory.ID] = struct{}{}
	}

	type addition struct {
		id    string
		score float64
		depth int
	}
	additions := make([]addition, 0, p.config.GraphMaxAdditions)

	for _, bucket := range buckets {
		if len(bucket.entityIDs) == 0 || len(additions) >= p.config.GraphMaxAdditions {
			continue
		}
		memIDs, err := p.entities.MemoryIDsForEntities(ctx, bucket.entityIDs)
		if err != nil {
			p.logger.WithError(err).Warn("Graph memory lookup failed")
			p.observer.ProviderFailure("entity_store")
			continue
		}
		for _, id := range memIDs {
			if _, dup := have[id]; dup {
				continue
			}
			have[id] = struct{}{}
			additions = append(additions, addition{id: id, score: bucket.score, depth: bucket.depth})
			if len(additions) >= p.config.GraphMaxAdditions {
				break
			}
		}
	}

	if len(additions) == 0 {
		return results
	}

	ids := make([]string, len(additions))
	for i, a := range additions {
		ids[i] = a.id
	}
	rows, err := p.meta.GetByIDs(ctx, ids)
	if err != nil {
		p.logger.WithError(err).Warn("Graph hydration failed")
		p.observer.ProviderFailure("metadata_store")
		return results
	}

	byID := make(map[string]*Memory, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	allowedRooms := map[string]struct{}{}
	if roomID != "" {
		allowedRooms[roomID] = struct{}{}
	}
	for _, r := range sources.Rooms {
		allowedRooms[r] = struct{}{}
	}

	added := 0
	for _, a := range additions {
		row, ok := byID[a.id]
		if !ok || row.Status != StatusActive {
			continue
		}
		// Graph hops stay inside the caller's visibility: own memories, or
		// room memories from rooms this search was allowed to see.
		if row.OwnerID != ownerID {
			if _, roomOK := allowedRooms[row.RoomID]; !roomOK {
				continue
			}
		}
		results = append(results, SearchResult{
			Memory:   row,
			Score:    a.score,
			Origin:   OriginGraph,
			HopDepth: a.depth,
		})
		added++
	}

	p.observer.StageCompleted("search", "graph", added, time.Since(start))
	return results
}

// relatedUnvisited returns 1-hop neighbors of the given entities that have
// not been seen yet, marking them visited.
func (p *Pipeline) relatedUnvisited(ctx context.Context, ownerID string, entityIDs []string, visited map[string]struct{}) []string {
	if len(entityIDs) == 0 {
		return nil
	}

	related, err := p.entities.RelatedEntityIDs(ctx, ownerID, entityIDs)
	if err != nil {
		p.logger.WithError(err).Warn("Relation traversal failed")
		p.observer.ProviderFailure("entity_store")
		return nil
	}

	fresh := make([]string, 0, len(related))
	for _, id := range related {
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		fresh = append(fresh, id)
	}
	return fresh
}

package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/engramhq/engram/internal/vectordb/qdrant"
)

// QdrantIndex adapts the Qdrant client to the VectorIndex port, holding the
// collection name so the pipeline never sees it.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantIndex ensures the collection exists and returns the adapter.
func NewQdrantIndex(ctx context.Context, client *qdrant.Client, collection string, vectorSize int) (*QdrantIndex, error) {
	if err := client.EnsureCollection(ctx, collection, vectorSize); err != nil {
		return nil, fmt.Errorf("failed to ensure collection %s: %w", collection, err)
	}
	return &QdrantIndex{client: client, collection: collection}, nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, id string, vector []float32, payload map[string]string) error {
	point := qdrant.Point{
		ID:      id,
		Vector:  vector,
		Payload: make(map[string]interface{}, len(payload)),
	}
	for k, v := range payload {
		point.Payload[k] = v
	}
	return q.client.UpsertPoints(ctx, q.collection, []qdrant.Point{point})
}

func (q *QdrantIndex) Search(ctx context.Context, vector []float32, limit int, minScore float64, filter *VectorFilter) ([]VectorHit, error) {
	opts := qdrant.DefaultSearchOptions().
		WithLimit(limit).
		WithScoreThreshold(float32(minScore)).
		WithFilter(qdrantFilter(filter))

	points, err := q.client.Search(ctx, q.collection, vector, opts)
	if err != nil {
		return nil, err
	}

	hits := make([]VectorHit, 0, len(points))
	for _, pt := range points {
		payload := make(map[string]string, len(pt.Payload))
		for k, v := range pt.Payload {
			if s, ok := v.(string); ok {
				payload[k] = s
			}
		}
		hits = append(hits, VectorHit{ID: pt.ID, Score: float64(pt.Score), Payload: payload})
	}
	return hits, nil
}

func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	return q.client.DeletePoints(ctx, q.collection, ids)
}

// qdrantFilter renders a VectorFilter as Qdrant must clauses. Keys are
// emitted in sorted order so identical filters serialize identically.
func qdrantFilter(filter *VectorFilter) map[string]interface{} {
	if filter == nil || (len(filter.Equals) == 0 && len(filter.AnyOf) == 0) {
		return nil
	}

	must := make([]map[string]interface{}, 0, len(filter.Equals)+len(filter.AnyOf))

	keys := make([]string, 0, len(filter.Equals))
	for k := range filter.Equals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		must = append(must, map[string]interface{}{
			"key":   k,
			"match": map[string]interface{}{"value": filter.Equals[k]},
		})
	}

	keys = keys[:0]
	for k := range filter.AnyOf {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		must = append(must, map[string]interface{}{
			"key":   k,
			"match": map[string]interface{}{"any": filter.AnyOf[k]},
		})
	}

	return map[string]interface{}{"must": must}
}

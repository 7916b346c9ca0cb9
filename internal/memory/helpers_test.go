package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/engramhq/engram/internal/llm"
)

const testDim = 4

// mapEmbedder returns registered vectors for known texts and a deterministic
// hash-derived vector otherwise, so unregistered texts never collide with
// the vectors a test controls.
type mapEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	calls   int
}

func newMapEmbedder() *mapEmbedder {
	return &mapEmbedder{vectors: make(map[string][]float32)}
}

func (e *mapEmbedder) register(text string, vector []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[text] = vector
}

func (e *mapEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return hashVector(text), nil
}

func (e *mapEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *mapEmbedder) Dimension() int { return testDim }

func hashVector(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, testDim)
	var norm float64
	for i := range v {
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v[i] = float32(int64(seed%2000)-1000) / 1000
		norm += float64(v[i]) * float64(v[i])
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0] = 1
		return v
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// unitVec builds a vector whose cosine similarity to axis(0) is exactly x.
func unitVec(x float64) []float32 {
	y := math.Sqrt(1 - x*x)
	return []float32{float32(x), float32(y), 0, 0}
}

func axis(i int) []float32 {
	v := make([]float32, testDim)
	v[i] = 1
	return v
}

// failingEmbedder always errors.
type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedder offline")
}

func (failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedder offline")
}

func (failingEmbedder) Dimension() int { return testDim }

// scriptedLLM pops queued replies in order and records every request. With
// no reply left it returns err when set, otherwise fails the call.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []*llm.GenerateRequest
}

func (s *scriptedLLM) Generate(ctx context.Context, req *llm.GenerateRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", fmt.Errorf("no scripted reply for request %d", len(s.requests))
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// scriptedReranker returns fixed scores and records what it was asked.
type scriptedReranker struct {
	scores  []float64
	err     error
	calls   int
	gotDocs []string
}

func (r *scriptedReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	r.calls++
	r.gotDocs = documents
	if r.err != nil {
		return nil, r.err
	}
	return r.scores, nil
}

// faultyIndex fails Search for filters the predicate selects and delegates
// everything else.
type faultyIndex struct {
	*InMemoryVectorIndex
	failWhen func(filter *VectorFilter) bool
}

func (f *faultyIndex) Search(ctx context.Context, vector []float32, limit int, minScore float64, filter *VectorFilter) ([]VectorHit, error) {
	if f.failWhen != nil && f.failWhen(filter) {
		return nil, fmt.Errorf("index shard down")
	}
	return f.InMemoryVectorIndex.Search(ctx, vector, limit, minScore, filter)
}

// failingUpsertIndex accepts searches but refuses writes.
type failingUpsertIndex struct {
	*InMemoryVectorIndex
}

func (f *failingUpsertIndex) Upsert(context.Context, string, []float32, map[string]string) error {
	return fmt.Errorf("index write refused")
}

// recordingObserver captures observer callbacks for assertions.
type recordingObserver struct {
	NopObserver
	mu       sync.Mutex
	verdicts []Verdict
	outcomes []string
	saves    []string
	failures []string
}

func (r *recordingObserver) SupersessionVerdict(v Verdict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, v)
}

func (r *recordingObserver) ExtractionOutcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingObserver) SaveOutcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, outcome)
}

func (r *recordingObserver) ProviderFailure(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, provider)
}

type testEnv struct {
	meta     *InMemoryMetadataStore
	entities *InMemoryEntityStore
	index    *InMemoryVectorIndex
	embedder *mapEmbedder
	llm      *scriptedLLM
	pipeline *Pipeline
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		meta:     NewInMemoryMetadataStore(),
		entities: NewInMemoryEntityStore(),
		index:    NewInMemoryVectorIndex(),
		embedder: newMapEmbedder(),
		llm:      &scriptedLLM{},
	}
	env.pipeline = NewPipeline(env.meta, env.entities, env.index, env.embedder, env.llm, nil, quietLogger(), opts...)
	return env
}

// mustSave registers a controlled vector for the content and saves it.
func (env *testEnv) mustSave(t *testing.T, req SaveRequest, vector []float32) *Memory {
	t.Helper()

	env.embedder.register(req.Content, vector)
	mem, created, err := env.pipeline.Save(context.Background(), req)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh save for %q", req.Content)
	}
	return mem
}

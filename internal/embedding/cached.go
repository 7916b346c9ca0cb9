package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// Provider is the embedding surface the cache decorator wraps.
type Provider interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// Cache stores vectors keyed by content hash. Implementations must treat
// failures as misses.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vector []float32)
}

// CachedEmbedder wraps a Provider with a content-addressed vector cache.
// Keys include the model name so switching models never serves stale vectors.
type CachedEmbedder struct {
	provider Provider
	cache    Cache
	logger   *logrus.Logger
}

func NewCachedEmbedder(provider Provider, cache Cache, logger *logrus.Logger) *CachedEmbedder {
	if logger == nil {
		logger = logrus.New()
	}
	return &CachedEmbedder{provider: provider, cache: cache, logger: logger}
}

func (e *CachedEmbedder) Name() string {
	return e.provider.Name()
}

func (e *CachedEmbedder) Dimension() int {
	return e.provider.Dimension()
}

func (e *CachedEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(e.provider.Name() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if vector, ok := e.cache.Get(ctx, key); ok {
		return vector, nil
	}

	vector, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.cache.Set(ctx, key, vector)
	return vector, nil
}

// EmbedBatch serves cached entries and embeds only the misses in one
// provider call, preserving input order.
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	missingIdx := make([]int, 0, len(texts))

	for i, text := range texts {
		if vector, ok := e.cache.Get(ctx, e.cacheKey(text)); ok {
			vectors[i] = vector
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	e.logger.WithFields(logrus.Fields{
		"total":  len(texts),
		"misses": len(missing),
	}).Debug("Embedding cache batch lookup")

	fresh, err := e.provider.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}

	for j, vector := range fresh {
		i := missingIdx[j]
		vectors[i] = vector
		e.cache.Set(ctx, e.cacheKey(texts[i]), vector)
	}
	return vectors, nil
}

func (e *CachedEmbedder) Close() error {
	return e.provider.Close()
}

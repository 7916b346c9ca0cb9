package memory

import (
	"github.com/sirupsen/logrus"

	"github.com/engramhq/engram/internal/llm"
)

// Pipeline is the memory engine. It owns no storage; everything goes
// through the injected stores and providers.
type Pipeline struct {
	meta     MetadataStore
	entities EntityStore
	index    VectorIndex
	embedder Embedder
	llm      llm.Client
	reranker Reranker
	observer Observer
	config   *Config
	logger   *logrus.Logger
}

// Option tweaks optional pipeline collaborators.
type Option func(*Pipeline)

// WithReranker enables cross-encoder scoring as the primary search signal.
func WithReranker(r Reranker) Option {
	return func(p *Pipeline) { p.reranker = r }
}

// WithObserver installs a metrics or tracing hook.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// NewPipeline wires the memory engine. meta, entities, index, embedder and
// llmClient are mandatory; config nil means defaults; logger nil means a
// fresh logrus logger.
func NewPipeline(
	meta MetadataStore,
	entities EntityStore,
	index VectorIndex,
	embedder Embedder,
	llmClient llm.Client,
	config *Config,
	logger *logrus.Logger,
	opts ...Option,
) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	} else {
		config.Normalize()
	}
	if logger == nil {
		logger = logrus.New()
	}

	p := &Pipeline{
		meta:     meta,
		entities: entities,
		index:    index,
		embedder: embedder,
		llm:      llmClient,
		observer: NopObserver{},
		config:   config,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Command engramd wires the full memory stack from configuration and keeps
// it alive behind a metrics endpoint. Components with an Enabled flag fall
// back to in-process substitutes when switched off, so the binary runs
// end-to-end on a laptop with no external services.
//
// Set ENGRAM_DEMO=true to seed a couple of memories and run one search
// against the configured stack on startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/engramhq/engram/internal/cache"
	"github.com/engramhq/engram/internal/config"
	"github.com/engramhq/engram/internal/database"
	"github.com/engramhq/engram/internal/embedding"
	"github.com/engramhq/engram/internal/llm"
	"github.com/engramhq/engram/internal/memory"
	"github.com/engramhq/engram/internal/rerank"
	"github.com/engramhq/engram/internal/vectordb/qdrant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	log := cfg.Server.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, cleanup, err := buildPipeline(ctx, cfg, log)
	if err != nil {
		cleanup()
		log.WithError(err).Fatal("Failed to build memory pipeline")
	}
	defer cleanup()

	srv := startMetricsServer(cfg.Server.MetricsPort, log)

	if os.Getenv("ENGRAM_DEMO") == "true" {
		runDemo(ctx, pipeline, log)
	}

	log.Info("engramd ready")
	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Metrics server shutdown failed")
	}
}

// buildPipeline assembles stores, embedder, index, and LLM client per the
// configuration. The returned cleanup closes whatever was opened, in
// reverse order, and is safe to call even when an error is returned.
func buildPipeline(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*memory.Pipeline, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var (
		meta     memory.MetadataStore
		entities memory.EntityStore
	)
	if cfg.Database.Enabled {
		db, err := database.Connect(ctx, cfg.Database.Config, log)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		cleanups = append(cleanups, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return nil, cleanup, fmt.Errorf("failed to migrate database: %w", err)
		}
		meta = database.NewMemoryRepository(db.Pool(), log)
		entities = database.NewEntityRepository(db.Pool(), log)
	} else {
		log.Warn("Postgres disabled, using in-memory metadata and entity stores")
		meta = memory.NewInMemoryMetadataStore()
		entities = memory.NewInMemoryEntityStore()
	}

	var embedder embedding.Provider
	switch cfg.Embedding.Provider {
	case "ollama":
		embedder = embedding.NewOllamaEmbedder(cfg.Embedding, log)
	default:
		embedder = embedding.NewOpenAIEmbedder(cfg.Embedding, log)
	}

	if cfg.Redis.Enabled {
		vc, err := cache.NewVectorCache(ctx, cfg.Redis.RedisConfig, log)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, continuing without the embedding cache")
		} else {
			cleanups = append(cleanups, func() { _ = vc.Close() })
			embedder = embedding.NewCachedEmbedder(embedder, vc, log)
		}
	}

	// CachedEmbedder.Close delegates to the wrapped provider, so one
	// registration covers both shapes.
	final := embedder
	cleanups = append(cleanups, func() { _ = final.Close() })

	var index memory.VectorIndex
	if cfg.Qdrant.Enabled {
		client, err := qdrant.NewClient(&cfg.Qdrant.Config, log)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to create Qdrant client: %w", err)
		}
		cleanups = append(cleanups, func() { _ = client.Close() })
		qi, err := memory.NewQdrantIndex(ctx, client, cfg.Qdrant.Collection, cfg.Embedding.Dimension)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to prepare Qdrant collection: %w", err)
		}
		index = qi
	} else {
		log.Warn("Qdrant disabled, using the in-memory vector index")
		index = memory.NewInMemoryVectorIndex()
	}

	llmClient := llm.NewOpenAIClient(cfg.LLM, log)

	opts := []memory.Option{memory.WithObserver(memory.NewCollector(nil))}
	if cfg.Rerank.Enabled {
		opts = append(opts, memory.WithReranker(rerank.NewCrossEncoder(cfg.Rerank.Config, log)))
	}

	memCfg := cfg.Memory
	pipeline := memory.NewPipeline(meta, entities, index, embedder, llmClient, &memCfg, log, opts...)
	return pipeline, cleanup, nil
}

func startMetricsServer(port string, log *logrus.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.WithField("port", port).Info("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}

// runDemo saves two memories and searches them back. Failures are logged
// and never fatal; the demo is a smoke test, not a health check.
func runDemo(ctx context.Context, p *memory.Pipeline, log *logrus.Logger) {
	seeds := []memory.SaveRequest{
		{
			Content:    "The demo user prefers concise answers with code samples",
			OwnerID:    "demo-user",
			Scope:      memory.ScopePersonal,
			Category:   memory.CategoryPreference,
			Importance: memory.ImportanceMedium,
		},
		{
			Content:    "The demo room is planning a launch review on Friday",
			OwnerID:    "demo-user",
			RoomID:     "demo-room",
			Scope:      memory.ScopeChatroom,
			Category:   memory.CategoryFact,
			Importance: memory.ImportanceMedium,
		},
	}
	for _, req := range seeds {
		mem, created, err := p.Save(ctx, req)
		if err != nil {
			log.WithError(err).Warn("Demo save failed")
			return
		}
		log.WithFields(logrus.Fields{
			"memory_id": mem.ID,
			"created":   created,
			"scope":     mem.Scope,
		}).Info("Demo memory saved")
	}

	results, err := p.Search(ctx, "what does the demo user prefer", "demo-user", "demo-room",
		memory.ContextSources{CurrentRoom: true, Personal: true}, 5)
	if err != nil {
		log.WithError(err).Warn("Demo search failed")
		return
	}
	for i, res := range results {
		log.WithFields(logrus.Fields{
			"rank":   i + 1,
			"score":  fmt.Sprintf("%.3f", res.Score),
			"origin": res.Origin,
		}).Info(res.Memory.Content)
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Harshitk-cp/coursegraph/internal/api"
	"github.com/Harshitk-cp/coursegraph/internal/config"
	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/Harshitk-cp/coursegraph/internal/embedding"
	"github.com/Harshitk-cp/coursegraph/internal/journal"
	"github.com/Harshitk-cp/coursegraph/internal/llm"
	"github.com/Harshitk-cp/coursegraph/internal/merge"
	"github.com/Harshitk-cp/coursegraph/internal/normalize"
	"github.com/Harshitk-cp/coursegraph/internal/pipeline"
	"github.com/Harshitk-cp/coursegraph/internal/resolve"
	"github.com/Harshitk-cp/coursegraph/internal/store"
	"github.com/Harshitk-cp/coursegraph/internal/store/memory"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type backend struct {
	graph   domain.GraphStore
	journal domain.JournalStore
	index   domain.EmbeddingIndex
	ping    func(ctx context.Context) error
	close   func()
}

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}

	logger := newLogger(config.LogLevel())
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	b := openBackend(ctx, logger)
	defer b.close()

	synonyms, err := normalize.LoadSynonyms(config.SynonymsFile())
	if err != nil {
		logger.Fatal("failed to load synonyms", zap.Error(err))
	}
	normalizer, err := normalize.New(synonyms)
	if err != nil {
		logger.Fatal("invalid synonym table", zap.Error(err))
	}
	logger.Info("normalizer ready", zap.Int("synonyms", normalizer.SynonymCount()))

	llmProvider := config.LLMProvider()
	extractor, err := llm.NewClient(llmProvider, config.LLMAPIKey())
	if err != nil {
		logger.Fatal("LLM client initialization failed", zap.String("provider", llmProvider), zap.Error(err))
	}
	logger.Info("LLM client initialized", zap.String("provider", llmProvider))

	embeddingProvider := config.EmbeddingProvider()
	embedder, err := embedding.NewClient(embeddingProvider, config.EmbeddingAPIKey())
	if err != nil {
		logger.Fatal("Embedding client initialization failed", zap.String("provider", embeddingProvider), zap.Error(err))
	}
	logger.Info("Embedding client initialized", zap.String("provider", embeddingProvider))

	clock := domain.SystemClock{}
	resolver := resolve.NewResolver(config.Resolution(), b.index, clock, logger)
	merger := merge.NewMerger(clock, logger)
	j := journal.New(b.journal, b.graph, b.index, clock, config.Journal(), logger)

	coord := pipeline.NewCoordinator(resolver, merger, j, logger)
	coord.Start()

	// Tables first, so recovery re-applies records the resolver already knows about.
	if _, err := coord.Hydrate(ctx, j); err != nil {
		logger.Fatal("failed to hydrate graph state", zap.Error(err))
	}
	if _, err := j.Recover(ctx); err != nil {
		logger.Fatal("failed to recover journal", zap.Error(err))
	}

	p := pipeline.New(coord, extractor, embedder, normalizer, clock, config.Pipeline(), logger)

	// Start background services
	j.Start()
	p.Start()

	app := api.NewApp(api.Deps{
		Engine:         coord,
		Pipeline:       p,
		Deferred:       p,
		Journal:        j,
		Normalizer:     normalizer,
		Ping:           b.ping,
		APIKey:         config.APIKey(),
		RateLimitRPS:   config.RateLimitRPS(),
		RateLimitBurst: config.RateLimitBurst(),
		StoreBackend:   config.StoreBackend(),
	}, logger)

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop background services
	p.Stop()
	j.Stop()
	coord.Stop()

	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func openBackend(ctx context.Context, logger *zap.Logger) backend {
	switch config.StoreBackend() {
	case "memory":
		logger.Warn("using in-memory store; graph state is lost on exit")
		return backend{
			graph:   memory.NewGraphStore(),
			journal: memory.NewJournalStore(),
			index:   memory.NewEmbeddingIndex(),
			close:   func() {},
		}

	case "postgres":
		dbURL := config.DatabaseURL()
		if dbURL == "" {
			logger.Fatal("DATABASE_URL is required")
		}

		if err := store.Migrate(dbURL, config.MigrationsPath(), logger); err != nil {
			logger.Fatal("failed to migrate database", zap.Error(err))
		}

		pool, err := store.Connect(ctx, dbURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		logger.Info("connected to database")

		return backend{
			graph:   store.NewGraphStore(pool),
			journal: store.NewJournalStore(pool),
			index:   store.NewEmbeddingIndex(pool),
			ping:    pool.Ping,
			close:   pool.Close,
		}

	default:
		logger.Fatal("unknown STORE_BACKEND", zap.String("backend", config.StoreBackend()))
	}
	return backend{}
}

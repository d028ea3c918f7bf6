package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Harshitk-cp/coursegraph/internal/api/handlers"
	mw "github.com/Harshitk-cp/coursegraph/internal/api/middleware"
	"github.com/Harshitk-cp/coursegraph/internal/buildconfig"
	"github.com/Harshitk-cp/coursegraph/internal/journal"
	"github.com/Harshitk-cp/coursegraph/internal/pipeline"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Engine is everything the HTTP surface needs from the running engine.
type Engine interface {
	handlers.GraphReader
	handlers.QuarantineAdmin
	Counts(ctx context.Context) (pipeline.Counts, error)
}

type Deps struct {
	Engine     Engine
	Pipeline   handlers.DocumentProcessor
	Deferred   handlers.DeferredQueue
	Journal    handlers.JournalAdmin
	Normalizer handlers.KeyNormalizer
	// Ping checks the backing store; nil means there is nothing to check.
	Ping           func(ctx context.Context) error
	APIKey         string
	RateLimitRPS   float64
	RateLimitBurst int
	StoreBackend   string
}

// App holds the router and the request counters it reports.
type App struct {
	Router       *chi.Mux
	deps         Deps
	metrics      *mw.MetricsCollector
	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(deps Deps, logger *zap.Logger) *App {
	documentHandler := handlers.NewDocumentHandler(deps.Pipeline, logger)
	graphHandler := handlers.NewGraphHandler(deps.Engine, deps.Normalizer)
	journalHandler := handlers.NewJournalHandler(deps.Journal, deps.Deferred)
	quarantineHandler := handlers.NewQuarantineHandler(deps.Engine)

	r := chi.NewRouter()

	app := &App{
		Router:    r,
		deps:      deps,
		startTime: time.Now(),
	}

	// Metrics collector for middleware
	app.metrics = mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID(logger))                                 // Generate/extract request ID first
	r.Use(middleware.RealIP)                                    // Extract real IP
	r.Use(app.metrics.Middleware)                               // Collect metrics
	r.Use(mw.Logging(logger))                                   // Log all requests
	r.Use(middleware.Recoverer)                                 // Recover from panics
	r.Use(mw.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)) // Rate limiting

	// Health (no auth)
	r.Get("/health", app.healthHandler())

	// Metrics (no auth)
	r.Get("/metrics", app.metricsHandler())

	// Authenticated routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(deps.APIKey))

		r.Post("/documents", documentHandler.Process)

		r.Route("/entities", func(r chi.Router) {
			r.Get("/", graphHandler.LookupEntity)
			r.Get("/{id}", graphHandler.GetEntity)
		})
		r.Get("/relations/{id}", graphHandler.GetRelation)

		r.Route("/journal", func(r chi.Router) {
			r.Get("/dead-letters", journalHandler.DeadLetters)
			r.Post("/dead-letters/{id}/redrive", journalHandler.Redrive)
			r.Post("/retry", journalHandler.Retry)
		})
		r.Get("/deferred", journalHandler.Deferred)

		r.Route("/quarantine", func(r chi.Router) {
			r.Get("/", quarantineHandler.List)
			r.Delete("/{key}", quarantineHandler.Release)
		})
	})

	return app
}

func (app *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":  "ok",
			"store":   app.deps.StoreBackend,
			"build":   buildconfig.VersionInfo(),
			"journal": app.deps.Journal.Stats(),
		}

		status := http.StatusOK
		if app.deps.Ping != nil {
			if err := app.deps.Ping(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				resp["status"] = "error"
				resp["error"] = err.Error()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type engineMetrics struct {
	Counts   pipeline.Counts        `json:"graph"`
	Journal  journal.Stats          `json:"journal"`
	Deferred pipeline.DeferredStats `json:"deferred"`
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)

		engine := engineMetrics{
			Journal:  app.deps.Journal.Stats(),
			Deferred: app.deps.Deferred.DeferredStats(),
		}
		if counts, err := app.deps.Engine.Counts(r.Context()); err == nil {
			engine.Counts = counts
		}

		response := map[string]any{
			"uptime_seconds":  uptime.Seconds(),
			"uptime_human":    uptime.Round(time.Second).String(),
			"request_count":   app.requestCount.Load(),
			"error_count":     app.errorCount.Load(),
			"throttled_count": app.metrics.Throttled(),
			"in_flight":       app.metrics.InFlight(),
			"goroutines":      runtime.NumGoroutine(),
			"engine":          engine,
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure the engine types satisfy the handler interfaces at compile time.
var (
	_ Engine                     = (*pipeline.Coordinator)(nil)
	_ handlers.DocumentProcessor = (*pipeline.Pipeline)(nil)
	_ handlers.DeferredQueue     = (*pipeline.Pipeline)(nil)
	_ handlers.JournalAdmin      = (*journal.Journal)(nil)
)

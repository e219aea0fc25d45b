package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"threadline/backend/features/continuity"
	"threadline/backend/features/indexing"
	"threadline/backend/features/runs"
	"threadline/backend/features/similar"
	"threadline/backend/features/stats"
	"threadline/backend/internal/adapter/gemini"
	"threadline/backend/internal/config"
	"threadline/backend/internal/events"
	"threadline/backend/internal/middleware"
	"threadline/backend/internal/vector"
)

// VectorStore is the full index backend contract. Both the Weaviate and the
// embedded SQLite store satisfy it.
type VectorStore interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, e vector.Entry) error
	Query(ctx context.Context, queryVec []float32, k int, chapterFilter string) ([]vector.Hit, error)
	Delete(ctx context.Context, chunkIDs []string) error
	DeleteChapter(ctx context.Context, chapterID string) error
	EntriesByChapter(ctx context.Context, chapterID string) ([]vector.Entry, error)
	Count(ctx context.Context) (int, error)
	ListChapters(ctx context.Context) ([]string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Adjudicator interface {
	Adjudicate(ctx context.Context, passageA, passageB, hint string) (gemini.Verdict, error)
	Summarize(ctx context.Context, findings string) (string, error)
}

type App struct {
	Handler           http.Handler
	IndexingService   *indexing.Service
	ContinuityService *continuity.Service

	port int
}

func New(
	cfg *config.Config,
	db *sql.DB,
	store VectorStore,
	embedder Embedder,
	adj Adjudicator,
	producer events.Producer,
	logger *slog.Logger,
) (*App, error) {
	publisher := events.NewPublisher(producer)

	// Feature: Runs
	runsRepo := runs.NewPostgresRepo(db)
	runsService := runs.NewService(runsRepo)
	runsHandler := runs.NewHandler(runsService)

	// Feature: Indexing
	indexingService := indexing.NewService(embedder, store, publisher, runsService, cfg.EmbedConcurrency)
	indexingHandler := indexing.NewHandler(indexingService)

	// Feature: Continuity
	continuityService := continuity.NewService(embedder, store, adj, publisher, runsService, continuity.Config{
		Threshold:      cfg.SimilarityThreshold,
		TopK:           cfg.SearchTopK,
		CheckFirstLast: cfg.CheckFirstLast,
	})
	continuityHandler := continuity.NewHandler(continuityService)

	// Feature: Similar
	similarHandler := similar.NewHandler(similar.NewService(embedder, store))

	// Feature: Stats
	statsHandler := stats.NewHandler(store)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /index/reconcile", middleware.CorrelationID(enableCORS(indexingHandler.Reconcile)))
	mux.Handle("GET /index/stats", middleware.CorrelationID(enableCORS(indexingHandler.Stats)))

	mux.Handle("POST /continuity/check", middleware.CorrelationID(enableCORS(continuityHandler.Check)))
	mux.Handle("POST /similar", middleware.CorrelationID(enableCORS(similarHandler.Find)))

	mux.Handle("GET /runs", middleware.CorrelationID(enableCORS(runsHandler.List)))
	mux.Handle("GET /runs/{id}", middleware.CorrelationID(enableCORS(runsHandler.Get)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	logger.Info("application wired", "port", cfg.ServerPort, "remote_index", cfg.UseRemoteIndex())

	return &App{
		Handler:           mux,
		IndexingService:   indexingService,
		ContinuityService: continuityService,
		port:              cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

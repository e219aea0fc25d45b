package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"threadline/backend/internal/adapter/gemini"
	"threadline/backend/internal/adapter/localvec"
	wstore "threadline/backend/internal/adapter/weaviate"
	"threadline/backend/internal/config"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
)

type Dependencies struct {
	DB          *sql.DB
	VectorStore VectorStore
	Embedder    *gemini.Embedder
	Adjudicator *gemini.Adjudicator
	NSQProducer *nsq.Producer
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	// Database
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	// Retry loop
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		slog.Warn("failed to ping db, retrying...", "attempt", i+1)
		time.Sleep(retryDelay)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("migration up error: %w", err)
	}

	// Vector backend, chosen once at startup
	vecStore, err := NewVectorStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := EnsureSchemaWithRetry(ctx, vecStore, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		return nil, fmt.Errorf("vector schema error: %w", err)
	}

	// Gemini adapters
	embedder, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return nil, fmt.Errorf("embedder init error: %w", err)
	}
	adjudicator, err := gemini.NewAdjudicator(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return nil, fmt.Errorf("adjudicator init error: %w", err)
	}

	// NSQ Producer
	nsqCfg := nsq.NewConfig()
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}

	createTopics(cfg.NSQDHTTP)

	return &Dependencies{
		DB:          db,
		VectorStore: vecStore,
		Embedder:    embedder,
		Adjudicator: adjudicator,
		NSQProducer: producer,
	}, nil
}

// NewVectorStore selects the index backend from configuration: a set
// WEAVIATE_HOST means the managed backend, otherwise the embedded SQLite
// index at INDEX_PATH. The choice is made here once and never re-inspected
// per request.
func NewVectorStore(cfg *config.Config) (VectorStore, error) {
	if cfg.UseRemoteIndex() {
		wCfg := weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme}
		wClient, err := weaviate.NewClient(wCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: weaviate client: %v", config.ErrMissingRequired, err)
		}
		slog.Info("using managed vector backend", "host", cfg.WeaviateHost)
		return wstore.NewStore(wClient), nil
	}

	store, err := localvec.NewStore(cfg.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("embedded index at %s: %w", cfg.IndexPath, err)
	}
	slog.Info("using embedded vector backend", "path", cfg.IndexPath)
	return store, nil
}

func createTopics(nsqdHTTP string) {
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		create(config.TopicIndexResult)
		create(config.TopicContinuityResult)
	}()
}

// EnsureSchemaWithRetry keeps probing the backend until the schema exists or
// the attempts run out.
func EnsureSchemaWithRetry(ctx context.Context, store VectorStore, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.EnsureSchema(ctx); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return err
}

func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.Adjudicator != nil {
		d.Adjudicator.Close()
	}
	if d.Embedder != nil {
		d.Embedder.Close()
	}
	if closer, ok := d.VectorStore.(interface{ Close() error }); ok {
		closer.Close()
	}
	if d.DB != nil {
		d.DB.Close()
	}
}

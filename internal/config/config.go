package config

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"threadline"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"threadline"`

	// WEAVIATE_HOST has no default on purpose: its presence selects the
	// managed-remote index backend, its absence the embedded one. The choice
	// is made once at startup and never per request.
	WeaviateHost   string `envconfig:"WEAVIATE_HOST"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`
	IndexPath      string `envconfig:"INDEX_PATH" default:"data/index.db"`

	NSQDHost string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`

	EmbedConcurrency    int     `envconfig:"EMBED_CONCURRENCY" default:"8"`
	SimilarityThreshold float64 `envconfig:"SIMILARITY_THRESHOLD" default:"0.75"`
	SearchTopK          int     `envconfig:"SEARCH_TOP_K" default:"5"`
	CheckFirstLast      bool    `envconfig:"CHECK_FIRST_LAST" default:"true"`

	ServerPort    int    `envconfig:"SERVER_PORT" default:"8081"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may be set in the shell instead; a missing .env is fine.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
	}
	if c.WeaviateHost == "" && c.IndexPath == "" {
		return fmt.Errorf("%w: WEAVIATE_HOST or INDEX_PATH", ErrMissingRequired)
	}
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold >= 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be in (0, 1), got %v", c.SimilarityThreshold)
	}
	if c.EmbedConcurrency < 1 {
		return fmt.Errorf("EMBED_CONCURRENCY must be at least 1, got %d", c.EmbedConcurrency)
	}
	return nil
}

// UseRemoteIndex reports whether the managed-remote backend is configured.
func (c *Config) UseRemoteIndex() bool {
	return c.WeaviateHost != ""
}

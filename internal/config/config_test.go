package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		DBHost:              "localhost",
		DBName:              "threadline",
		IndexPath:           "data/index.db",
		GeminiAPIKey:        "key",
		SimilarityThreshold: 0.75,
		EmbedConcurrency:    8,
	}
}

func TestValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("MissingAPIKey", func(t *testing.T) {
		cfg := validConfig()
		cfg.GeminiAPIKey = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingRequired)
	})

	t.Run("NoBackendSelectable", func(t *testing.T) {
		cfg := validConfig()
		cfg.IndexPath = ""
		cfg.WeaviateHost = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingRequired)
	})

	t.Run("ThresholdBounds", func(t *testing.T) {
		for _, v := range []float64{0, 1, -0.5, 1.5} {
			cfg := validConfig()
			cfg.SimilarityThreshold = v
			assert.Error(t, cfg.Validate(), "threshold %v should be rejected", v)
		}
	})

	t.Run("ConcurrencyFloor", func(t *testing.T) {
		cfg := validConfig()
		cfg.EmbedConcurrency = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestUseRemoteIndex(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.UseRemoteIndex())

	cfg.WeaviateHost = "weaviate:8080"
	assert.True(t, cfg.UseRemoteIndex())
}

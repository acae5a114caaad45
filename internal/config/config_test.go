package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "https://api.perplexity.ai", cfg.Perplexity.BaseURL)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Equal(t, 90, cfg.Research.DeadlineSecs)
	assert.Equal(t, 45, cfg.Research.CallTimeoutSecs)
	assert.Equal(t, 0.2, cfg.Research.Temperature)
	assert.Equal(t, 2500, cfg.Research.MaxTokens)
	assert.Equal(t, "month", cfg.Research.Recency)
	assert.Equal(t, 24, cfg.Cache.TTLHours)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 0.005, cfg.Pricing.Perplexity.PerQuery, 1e-9)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PROPERTY_PERPLEXITY_KEY", "pplx-test")
	t.Setenv("PROPERTY_RESEARCH_DEADLINE_SECS", "120")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "pplx-test", cfg.Perplexity.Key)
	assert.Equal(t, 120, cfg.Research.DeadlineSecs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing_key",
			mutate:  func(c *Config) { c.Perplexity.Key = "" },
			wantErr: "perplexity.key",
		},
		{
			name:    "unknown_driver",
			mutate:  func(c *Config) { c.Store.Driver = "oracle" },
			wantErr: "unknown store driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Perplexity: PerplexityConfig{Key: "pplx-test"},
				Store:      StoreConfig{Driver: "sqlite"},
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

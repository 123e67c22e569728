package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsplot/pkg/cache"
	"github.com/vjranagit/tsplot/pkg/plot"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 100*time.Millisecond, cfg.Server.BatchFlush)
	assert.True(t, cfg.Storage.EnableWAL)

	// defaults agree with the packages' own
	assert.Equal(t, cache.DefaultConfig(), cfg.ToCacheConfig())
	assert.Equal(t, plot.DefaultConfig(), cfg.ToPlotConfig())
}

func TestLoad(t *testing.T) {
	t.Setenv("TSPLOT_LISTEN_ADDR", "127.0.0.1:8000")
	t.Setenv("TSPLOT_SECONDARY_DELAY", "250ms")
	t.Setenv("TSPLOT_QUERY_LOW", "-1000")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8000", cfg.ToServerConfig().Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.ToCacheConfig().SecondaryDelay)
	assert.Equal(t, int64(-1000), cfg.ToCacheConfig().QueryLow.UnixNano())
	assert.Equal(t, "./data", cfg.ToArchiveConfig().Path)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("TSPLOT_MAX_IN_FLIGHT", "many")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"listen":      func(c *Config) { c.Server.ListenAddr = "" },
		"batch":       func(c *Config) { c.Server.BatchSize = 0 },
		"path":        func(c *Config) { c.Storage.Path = "" },
		"retention":   func(c *Config) { c.Storage.RetentionDays = -1 },
		"compression": func(c *Config) { c.Storage.CompressionLevel = 5 },
		"bounds":      func(c *Config) { c.Cache.QueryLow = c.Cache.QueryHigh },
		"resolution":  func(c *Config) { c.Cache.MaxResolution = 63 },
		"memory":      func(c *Config) { c.Cache.MemoryTarget = c.Cache.MemoryThreshold + 1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// Package config loads tsplot configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/vjranagit/tsplot/pkg/api"
	"github.com/vjranagit/tsplot/pkg/archive"
	"github.com/vjranagit/tsplot/pkg/cache"
	"github.com/vjranagit/tsplot/pkg/plot"
	"github.com/vjranagit/tsplot/pkg/source"
	"github.com/vjranagit/tsplot/pkg/timeval"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Client  ClientConfig
	Cache   CacheConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr   string        `env:"TSPLOT_LISTEN_ADDR"   envDefault:":9090"`
	ReadTimeout  time.Duration `env:"TSPLOT_READ_TIMEOUT"  envDefault:"30s"`
	WriteTimeout time.Duration `env:"TSPLOT_WRITE_TIMEOUT" envDefault:"30s"`
	BatchSize    int           `env:"TSPLOT_BATCH_SIZE"    envDefault:"100"`
	BatchFlush   time.Duration `env:"TSPLOT_BATCH_FLUSH"   envDefault:"100ms"`
}

// StorageConfig holds archive storage configuration
type StorageConfig struct {
	Path             string        `env:"TSPLOT_STORAGE_PATH"      envDefault:"./data"`
	RetentionDays    int           `env:"TSPLOT_RETENTION_DAYS"    envDefault:"0"`
	CompressionLevel int           `env:"TSPLOT_COMPRESSION_LEVEL" envDefault:"3"`
	EnableWAL        bool          `env:"TSPLOT_ENABLE_WAL"        envDefault:"true"`
	CacheCapacity    int           `env:"TSPLOT_QUERY_CACHE_SIZE"  envDefault:"1024"`
	CacheTTL         time.Duration `env:"TSPLOT_QUERY_CACHE_TTL"   envDefault:"1m"`
}

// ClientConfig holds the plot client's archive connection
type ClientConfig struct {
	DataURL     string        `env:"TSPLOT_DATA_URL"      envDefault:"http://localhost:9090/data"`
	BracketsURL string        `env:"TSPLOT_BRACKETS_URL"  envDefault:"http://localhost:9090/api/v1/brackets"`
	MaxInFlight int64         `env:"TSPLOT_MAX_IN_FLIGHT" envDefault:"8"`
	Timeout     time.Duration `env:"TSPLOT_FETCH_TIMEOUT" envDefault:"30s"`
}

// CacheConfig holds plot cache configuration. Query bounds are in
// nanoseconds since the epoch.
type CacheConfig struct {
	QueryLow        int64         `env:"TSPLOT_QUERY_LOW"        envDefault:"0"`
	QueryHigh       int64         `env:"TSPLOT_QUERY_HIGH"       envDefault:"3458764513820000000"`
	MaxResolution   int           `env:"TSPLOT_MAX_RESOLUTION"   envDefault:"61"`
	SecondaryDelay  time.Duration `env:"TSPLOT_SECONDARY_DELAY"  envDefault:"1s"`
	MemoryThreshold int64         `env:"TSPLOT_MEMORY_THRESHOLD" envDefault:"157286400"`
	MemoryTarget    int64         `env:"TSPLOT_MEMORY_TARGET"    envDefault:"104857600"`
	LimitEvery      int           `env:"TSPLOT_LIMIT_EVERY"      envDefault:"10"`
	PrefetchDelay   time.Duration `env:"TSPLOT_PREFETCH_DELAY"   envDefault:"1s"`
	Debug           bool          `env:"TSPLOT_CACHE_DEBUG"`
}

// Load returns configuration from the environment, with defaults for
// unset variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(err)
	}
	return &cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Server.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Cache.QueryLow >= c.Cache.QueryHigh {
		return fmt.Errorf("query low bound %d must be before high bound %d", c.Cache.QueryLow, c.Cache.QueryHigh)
	}

	if c.Cache.MaxResolution < 0 || c.Cache.MaxResolution > timeval.MaxResolution {
		return fmt.Errorf("max resolution must be between 0 and %d", timeval.MaxResolution)
	}

	if c.Cache.MemoryTarget > c.Cache.MemoryThreshold {
		return fmt.Errorf("memory target %d exceeds threshold %d", c.Cache.MemoryTarget, c.Cache.MemoryThreshold)
	}

	return nil
}

// ToServerConfig converts to api.Config
func (c *Config) ToServerConfig() api.Config {
	return api.Config{
		Addr:         c.Server.ListenAddr,
		ReadTimeout:  c.Server.ReadTimeout,
		WriteTimeout: c.Server.WriteTimeout,
	}
}

// ToArchiveConfig converts to archive.Config
func (c *Config) ToArchiveConfig() *archive.Config {
	return &archive.Config{
		Path:             c.Storage.Path,
		RetentionDays:    c.Storage.RetentionDays,
		CompressionLevel: c.Storage.CompressionLevel,
		EnableWAL:        c.Storage.EnableWAL,
		CacheCapacity:    c.Storage.CacheCapacity,
		CacheTTL:         c.Storage.CacheTTL,
	}
}

// ToHTTPConfig converts to source.HTTPConfig
func (c *Config) ToHTTPConfig() source.HTTPConfig {
	return source.HTTPConfig{
		DataURL:     c.Client.DataURL,
		BracketsURL: c.Client.BracketsURL,
		MaxInFlight: c.Client.MaxInFlight,
		Timeout:     c.Client.Timeout,
	}
}

// ToCacheConfig converts to cache.Config
func (c *Config) ToCacheConfig() cache.Config {
	return cache.Config{
		QueryLow:       timeval.FromNanos(c.Cache.QueryLow),
		QueryHigh:      timeval.FromNanos(c.Cache.QueryHigh),
		MaxResolution:  c.Cache.MaxResolution,
		SecondaryDelay: c.Cache.SecondaryDelay,
		Debug:          c.Cache.Debug,
	}
}

// ToPlotConfig converts to plot.Config
func (c *Config) ToPlotConfig() plot.Config {
	return plot.Config{
		PrefetchDelay:   c.Cache.PrefetchDelay,
		LimitEvery:      c.Cache.LimitEvery,
		MemoryThreshold: c.Cache.MemoryThreshold,
		MemoryTarget:    c.Cache.MemoryTarget,
	}
}

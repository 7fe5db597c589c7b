// Package config loads the content loader's YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/wolfeidau/content-loader/backend"
	"github.com/wolfeidau/content-loader/cache"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	// Address is the HTTP listen address.
	Address string `yaml:"address"`

	// Upstream is where resources are fetched from: an http(s) base URL or a local
	// directory.
	Upstream string `yaml:"upstream"`

	// AuthToken guards the cache administration routes when set.
	AuthToken string `yaml:"auth_token"`

	// Dedup shares in-flight fetches between concurrent misses for the same key.
	Dedup bool `yaml:"dedup"`

	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// CacheConfig configures both cache tiers.
type CacheConfig struct {
	Namespace string        `yaml:"namespace"`
	Version   string        `yaml:"version"`
	TTL       time.Duration `yaml:"ttl"`

	// Store is the persistent tier: memory, filesystem, bolt or sqlite.
	Store string `yaml:"store"`

	// Path is the directory or database file for on-disk stores.
	Path string `yaml:"path"`

	Compress bool `yaml:"compress"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Prometheus   bool   `yaml:"prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Address: ":8080",
		Cache: CacheConfig{
			Namespace: cache.DefaultNamespace,
			Version:   cache.DefaultVersion,
			TTL:       cache.DefaultTTL,
			Store:     string(backend.KindMemory),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Prometheus: true,
		},
	}
}

// Load reads the YAML file at path on top of Default.
// Unknown fields are rejected so typos don't silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing YAML config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.Cache.Namespace == "" {
		return fmt.Errorf("cache.namespace is required")
	}
	if c.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
	}

	switch backend.Kind(c.Cache.Store) {
	case backend.KindMemory:
	case backend.KindFilesystem, backend.KindBolt, backend.KindSQLite:
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the %s store", c.Cache.Store)
		}
	default:
		return fmt.Errorf("unknown cache.store %q", c.Cache.Store)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format %q: use text or json", c.Log.Format)
	}

	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("invalid log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// IsRemote reports whether Upstream is an HTTP origin rather than a directory.
func (c Config) IsRemote() bool {
	return strings.HasPrefix(c.Upstream, "http://") || strings.HasPrefix(c.Upstream, "https://")
}

// StoreConfig returns the backend settings for the persistent tier.
func (c Config) StoreConfig(logger *slog.Logger) backend.OpenConfig {
	return backend.OpenConfig{
		Kind:     backend.Kind(c.Cache.Store),
		Path:     c.Cache.Path,
		Compress: c.Cache.Compress,
		Logger:   logger,
	}
}

// CacheOptions returns the cache options for the configured namespace, version and TTL.
func (c Config) CacheOptions() []cache.Option {
	return []cache.Option{
		cache.WithNamespace(c.Cache.Namespace),
		cache.WithVersion(c.Cache.Version),
		cache.WithTTL(c.Cache.TTL),
	}
}

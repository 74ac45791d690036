// Package config handles HuginnDB configuration via environment variables
// and optional YAML files.
//
// Configuration is loaded from environment variables using LoadFromEnv(),
// or from a YAML file with LoadFile(), and can be validated with Validate()
// before use. Load() combines both: environment variables win over file
// values, so a deployment can override a checked-in config without editing
// it. LoadFile() alone applies no environment overrides.
//
// Example Usage:
//
//	cfg, err := config.Load("huginndb.yaml")
//	if err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
//	fmt.Printf("gc after: %s\n", cfg.Collections.GCTime)
//
// Environment Variables:
//
//   - HUGINNDB_GC_TIME=5m              idle time before collection cleanup (0 disables)
//   - HUGINNDB_AUTO_INDEX=eager|off    predicate auto-indexing
//   - HUGINNDB_SYNC_MODE=eager|on-demand
//   - HUGINNDB_ROW_UPDATE_MODE=partial|full
//   - HUGINNDB_PLAN_CACHE_SIZE=1000    compiled-plan cache entries
//   - HUGINNDB_PLAN_CACHE_TTL=5m
//   - HUGINNDB_LOG_LEVEL=debug|info|warn|error|disabled
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds engine-wide defaults. Individual collections can override
// every value through their own options; Config supplies what construction
// falls back to.
type Config struct {
	Collections CollectionsConfig `yaml:"collections"`
	Cache       CacheConfig       `yaml:"cache"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// UnmarshalYAML accepts Go duration strings ("5m", "30s") for gcTime.
func (c *CollectionsConfig) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		GCTime        string `yaml:"gcTime"`
		AutoIndex     string `yaml:"autoIndex"`
		SyncMode      string `yaml:"syncMode"`
		RowUpdateMode string `yaml:"rowUpdateMode"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	if aux.GCTime != "" {
		d, err := time.ParseDuration(aux.GCTime)
		if err != nil {
			return fmt.Errorf("config: gcTime: %w", err)
		}
		c.GCTime = d
	}
	if aux.AutoIndex != "" {
		c.AutoIndex = aux.AutoIndex
	}
	if aux.SyncMode != "" {
		c.SyncMode = aux.SyncMode
	}
	if aux.RowUpdateMode != "" {
		c.RowUpdateMode = aux.RowUpdateMode
	}
	return nil
}

// UnmarshalYAML accepts Go duration strings for the cache TTL.
func (c *CacheConfig) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Size int    `yaml:"size"`
		TTL  string `yaml:"ttl"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	if aux.Size != 0 {
		c.Size = aux.Size
	}
	if aux.TTL != "" {
		d, err := time.ParseDuration(aux.TTL)
		if err != nil {
			return fmt.Errorf("config: cache ttl: %w", err)
		}
		c.TTL = d
	}
	return nil
}

// CollectionsConfig holds per-collection defaults.
type CollectionsConfig struct {
	// GCTime is how long a collection stays alive with zero subscribers
	// before automatic cleanup. 0 disables garbage collection.
	GCTime time.Duration `yaml:"gcTime"`

	// AutoIndex is "eager" (synthesize indexes from predicates) or "off".
	AutoIndex string `yaml:"autoIndex"`

	// SyncMode is "eager" or "on-demand".
	SyncMode string `yaml:"syncMode"`

	// RowUpdateMode is "partial" (shallow merge synced updates) or "full"
	// (replace).
	RowUpdateMode string `yaml:"rowUpdateMode"`
}

// CacheConfig configures the compiled-plan cache.
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// LoggingConfig configures the engine logger.
type LoggingConfig struct {
	// Level is a zerolog level name: debug, info, warn, error, or
	// "disabled" to silence the engine entirely.
	Level string `yaml:"level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Collections: CollectionsConfig{
			GCTime:        5 * time.Minute,
			AutoIndex:     "eager",
			SyncMode:      "eager",
			RowUpdateMode: "partial",
		},
		Cache: CacheConfig{
			Size: 1000,
			TTL:  5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (when non-empty), then applies environment overrides, then
// validates. The returned config is always safe to use when err is nil.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a config from defaults plus environment overrides.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v, ok := envDuration("HUGINNDB_GC_TIME"); ok {
		c.Collections.GCTime = v
	}
	if v := os.Getenv("HUGINNDB_AUTO_INDEX"); v != "" {
		c.Collections.AutoIndex = v
	}
	if v := os.Getenv("HUGINNDB_SYNC_MODE"); v != "" {
		c.Collections.SyncMode = v
	}
	if v := os.Getenv("HUGINNDB_ROW_UPDATE_MODE"); v != "" {
		c.Collections.RowUpdateMode = v
	}
	if v, ok := envInt("HUGINNDB_PLAN_CACHE_SIZE"); ok {
		c.Cache.Size = v
	}
	if v, ok := envDuration("HUGINNDB_PLAN_CACHE_TTL"); ok {
		c.Cache.TTL = v
	}
	if v := os.Getenv("HUGINNDB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks enum fields and value ranges.
func (c *Config) Validate() error {
	switch c.Collections.AutoIndex {
	case "eager", "off":
	default:
		return fmt.Errorf("config: autoIndex must be eager or off, got %q", c.Collections.AutoIndex)
	}
	switch c.Collections.SyncMode {
	case "eager", "on-demand":
	default:
		return fmt.Errorf("config: syncMode must be eager or on-demand, got %q", c.Collections.SyncMode)
	}
	switch c.Collections.RowUpdateMode {
	case "partial", "full":
	default:
		return fmt.Errorf("config: rowUpdateMode must be partial or full, got %q", c.Collections.RowUpdateMode)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	if c.Collections.GCTime < 0 {
		return fmt.Errorf("config: gcTime must be >= 0")
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("config: cache size must be >= 0")
	}
	return nil
}

// String renders a one-line summary, omitting nothing sensitive (there is
// nothing sensitive to omit).
func (c *Config) String() string {
	return fmt.Sprintf("gcTime=%s autoIndex=%s syncMode=%s rowUpdateMode=%s cache=%d/%s log=%s",
		c.Collections.GCTime, c.Collections.AutoIndex, c.Collections.SyncMode,
		c.Collections.RowUpdateMode, c.Cache.Size, c.Cache.TTL, c.Logging.Level)
}

func envDuration(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

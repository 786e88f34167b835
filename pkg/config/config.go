package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the complete engine configuration, injected at construction
// time rather than read from global state — tests build fresh engines
// with fresh Configs instead of mutating a package-level singleton.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Circuit   CircuitConfig   `mapstructure:"circuit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds storage-backend configuration (C3/C4).
type DatabaseConfig struct {
	Path      string `mapstructure:"path"`
	PoolSize  int    `mapstructure:"pool_size"`
	AutoEmbed bool   `mapstructure:"auto_embed"`
}

// LedgerConfig holds ledger/checkpoint configuration (C8).
type LedgerConfig struct {
	MerkleBatchSize int `mapstructure:"merkle_batch_size"`
}

// ConsensusConfig holds reputation-weighted consensus thresholds (C9).
type ConsensusConfig struct {
	VerifiedThreshold      float64 `mapstructure:"verified_threshold"`
	DisputedThreshold      float64 `mapstructure:"disputed_threshold"`
	ReputationLearningRate float64 `mapstructure:"reputation_learning_rate"`
}

// CacheConfig holds the coordinator's bounded LRU sizes (C12).
type CacheConfig struct {
	SizeSearch int `mapstructure:"size_search"`
	SizeEmbed  int `mapstructure:"size_embed"`
}

// BatchConfig holds the coordinator's write-batching window (C12).
type BatchConfig struct {
	FlushMS int `mapstructure:"flush_ms"`
	MaxOps  int `mapstructure:"max_ops"`
}

// CircuitConfig holds the coordinator's circuit breaker around the
// embedder/extractor collaborators (C12).
type CircuitConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	TimeoutSeconds   int `mapstructure:"timeout_s"`
	CooldownSeconds  int `mapstructure:"cooldown_s"`
}

// LoggingConfig holds ambient logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// DefaultConfig returns the engine's baseline configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".cortex")

	return &Config{
		Database: DatabaseConfig{
			Path:      filepath.Join(configDir, "store.db"),
			PoolSize:  5,
			AutoEmbed: true,
		},
		Ledger: LedgerConfig{
			MerkleBatchSize: 1000,
		},
		Consensus: ConsensusConfig{
			VerifiedThreshold:      1.6,
			DisputedThreshold:      0.4,
			ReputationLearningRate: 0.1,
		},
		Cache: CacheConfig{
			SizeSearch: 1000,
			SizeEmbed:  100,
		},
		Batch: BatchConfig{
			FlushMS: 10,
			MaxOps:  100,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			TimeoutSeconds:   30,
			CooldownSeconds:  5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file with fallback to defaults.
// Searches, in order: ./config.yaml, ~/.cortex/config.yaml, /etc/cortex/config.yaml.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".cortex"))
	v.AddConfigPath("/etc/cortex")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.pool_size", d.Database.PoolSize)
	v.SetDefault("database.auto_embed", d.Database.AutoEmbed)

	v.SetDefault("ledger.merkle_batch_size", d.Ledger.MerkleBatchSize)

	v.SetDefault("consensus.verified_threshold", d.Consensus.VerifiedThreshold)
	v.SetDefault("consensus.disputed_threshold", d.Consensus.DisputedThreshold)
	v.SetDefault("consensus.reputation_learning_rate", d.Consensus.ReputationLearningRate)

	v.SetDefault("cache.size_search", d.Cache.SizeSearch)
	v.SetDefault("cache.size_embed", d.Cache.SizeEmbed)

	v.SetDefault("batch.flush_ms", d.Batch.FlushMS)
	v.SetDefault("batch.max_ops", d.Batch.MaxOps)

	v.SetDefault("circuit.failure_threshold", d.Circuit.FailureThreshold)
	v.SetDefault("circuit.timeout_s", d.Circuit.TimeoutSeconds)
	v.SetDefault("circuit.cooldown_s", d.Circuit.CooldownSeconds)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("database.pool_size must be >= 1")
	}
	if c.Ledger.MerkleBatchSize < 1 {
		return fmt.Errorf("ledger.merkle_batch_size must be >= 1")
	}
	if c.Consensus.VerifiedThreshold <= c.Consensus.DisputedThreshold {
		return fmt.Errorf("consensus.verified_threshold must be greater than consensus.disputed_threshold")
	}
	if c.Consensus.ReputationLearningRate <= 0 || c.Consensus.ReputationLearningRate > 1 {
		return fmt.Errorf("consensus.reputation_learning_rate must be in (0, 1]")
	}
	if c.Cache.SizeSearch < 1 || c.Cache.SizeEmbed < 1 {
		return fmt.Errorf("cache sizes must be >= 1")
	}
	if c.Batch.MaxOps < 1 {
		return fmt.Errorf("batch.max_ops must be >= 1")
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("circuit.failure_threshold must be >= 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: console, json")
	}

	return nil
}

// EnsureConfigDir creates the directory holding the database file.
func (c *Config) EnsureConfigDir() error {
	dir := filepath.Dir(c.Database.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// ConfigPath returns the default configuration directory.
func ConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".cortex")
}

// DatabasePath returns the default database path.
func DatabasePath() string {
	return filepath.Join(ConfigPath(), "store.db")
}

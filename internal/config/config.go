package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/harun/mnemo/internal/logger"
	"github.com/harun/mnemo/pkg/memory"
)

// Config represents the main mnemo configuration
type Config struct {
	// Data directory; tier stores and the embedding cache live here
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Memory engine tiers and policies
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Embedding provider
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`

	// Summary provider
	Summary SummaryConfig `json:"summary" mapstructure:"summary"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// MemoryConfig holds the engine's tier and policy configuration
type MemoryConfig struct {
	ShortTerm             memory.ShortTermConfig  `json:"short_term" mapstructure:"short_term"`
	LongTerm              memory.LongTermConfig   `json:"long_term" mapstructure:"long_term"`
	Episodic              memory.EpisodicConfig   `json:"episodic" mapstructure:"episodic"`
	Semantic              memory.SemanticConfig   `json:"semantic" mapstructure:"semantic"`
	Embedder              memory.EmbedderConfig   `json:"embedder" mapstructure:"embedder"`
	Summarizer            memory.SummarizerConfig `json:"summarizer" mapstructure:"summarizer"`
	Consolidation         memory.Schedule         `json:"consolidation" mapstructure:"consolidation"`
	SnapshotPath          string                  `json:"snapshot_path" mapstructure:"snapshot_path"`
	DisableEmbeddingCache bool                    `json:"disable_embedding_cache" mapstructure:"disable_embedding_cache"`
}

// EmbeddingConfig holds embedding provider credentials
type EmbeddingConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // openai, or empty to disable
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
}

// SummaryConfig holds summary provider credentials
type SummaryConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, or empty to disable
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Memory: MemoryConfig{
			ShortTerm: memory.ShortTermConfig{
				RetentionMinutes:       60,
				Capacity:               100,
				CleanupIntervalSeconds: 300,
			},
			LongTerm: memory.LongTermConfig{
				MinImportance: 0.3,
			},
			Episodic: memory.EpisodicConfig{
				MaxActiveEpisodes: 5,
			},
			Semantic: memory.SemanticConfig{
				ConflictThreshold: 0.5,
			},
			Embedder: memory.EmbedderConfig{
				Dimension:        768,
				DefaultTopK:      5,
				DefaultThreshold: 0.7,
			},
			Summarizer: memory.SummarizerConfig{
				MaxLength: 200,
			},
			Consolidation: memory.Schedule{
				Kind:         memory.ScheduleKindEvery,
				EverySeconds: 300,
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9464,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Embedding.Provider {
	case "", "openai":
	default:
		return fmt.Errorf("invalid embedding provider %s (must be: openai)", c.Embedding.Provider)
	}
	if c.Embedding.Provider != "" && c.Embedding.APIKey == "" {
		return fmt.Errorf("embedding provider %s: api_key is required", c.Embedding.Provider)
	}

	switch c.Summary.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("invalid summary provider %s (must be: anthropic, openai)", c.Summary.Provider)
	}
	if c.Summary.Provider != "" && c.Summary.APIKey == "" {
		return fmt.Errorf("summary provider %s: api_key is required", c.Summary.Provider)
	}

	// An empty schedule kind means engine defaults.
	if c.Memory.Consolidation.Kind != "" {
		if err := c.Memory.Consolidation.Validate(); err != nil {
			return fmt.Errorf("invalid consolidation schedule: %w", err)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port %d", c.Metrics.Port)
	}

	return nil
}

// LoggerConfig maps the file configuration onto the logger's configuration.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:     c.Logging.Level,
		File:      c.Logging.File,
		Redaction: c.Logging.Redaction,
		MaxSize:   c.Logging.MaxSize,
		MaxAge:    c.Logging.MaxAge,
		Compress:  c.Logging.Compress,
	}
}

// ManagerConfig maps the file configuration onto the engine's configuration,
// constructing the configured providers.
func (c *Config) ManagerConfig() memory.Config {
	cfg := memory.Config{
		DataDir:               c.DataDir,
		ShortTerm:             c.Memory.ShortTerm,
		LongTerm:              c.Memory.LongTerm,
		Episodic:              c.Memory.Episodic,
		Semantic:              c.Memory.Semantic,
		Embedder:              c.Memory.Embedder,
		Summarizer:            c.Memory.Summarizer,
		Consolidation:         c.Memory.Consolidation,
		SnapshotPath:          c.Memory.SnapshotPath,
		DisableEmbeddingCache: c.Memory.DisableEmbeddingCache,
	}
	if cfg.SnapshotPath != "" && !filepath.IsAbs(cfg.SnapshotPath) {
		cfg.SnapshotPath = filepath.Join(c.DataDir, cfg.SnapshotPath)
	}

	if c.Embedding.Provider == "openai" {
		cfg.EmbeddingProvider = memory.NewOpenAIEmbeddingProvider(c.Embedding.APIKey, c.Embedding.Model)
	}
	switch c.Summary.Provider {
	case "anthropic":
		cfg.SummaryProvider = memory.NewAnthropicSummaryProvider(c.Summary.APIKey, c.Summary.Model)
	case "openai":
		cfg.SummaryProvider = memory.NewOpenAISummaryProvider(c.Summary.APIKey, c.Summary.Model)
	}
	return cfg
}

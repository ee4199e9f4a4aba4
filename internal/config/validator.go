package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateImportance validates an importance or confidence bound
func (v *Validator) ValidateImportance(value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("importance must be between 0 and 1, got %f", value)
	}
	return nil
}

// ValidateDimension validates an embedding dimension
func (v *Validator) ValidateDimension(dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	if dimension > 8192 {
		return fmt.Errorf("embedding dimension too large (max 8192), got %d", dimension)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.Embedding.Provider != "" {
		if err := v.ValidateAPIKey(cfg.Embedding.APIKey, cfg.Embedding.Provider); err != nil {
			errors = append(errors, fmt.Errorf("embedding: %w", err))
		}
	}
	if cfg.Summary.Provider != "" {
		if err := v.ValidateAPIKey(cfg.Summary.APIKey, cfg.Summary.Provider); err != nil {
			errors = append(errors, fmt.Errorf("summary: %w", err))
		}
	}

	if err := v.ValidateDimension(cfg.Memory.Embedder.Dimension); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateImportance(cfg.Memory.LongTerm.MinImportance); err != nil {
		errors = append(errors, fmt.Errorf("long_term.min_importance: %w", err))
	}
	if err := v.ValidateImportance(cfg.Memory.Semantic.ConflictThreshold); err != nil {
		errors = append(errors, fmt.Errorf("semantic.conflict_threshold: %w", err))
	}
	if cfg.Memory.ShortTerm.Capacity < 0 {
		errors = append(errors, fmt.Errorf("short_term.capacity must be >= 0"))
	}
	if cfg.Memory.ShortTerm.RetentionMinutes < 0 {
		errors = append(errors, fmt.Errorf("short_term.retention_minutes must be >= 0"))
	}
	if cfg.Memory.Episodic.MaxActiveEpisodes < 0 {
		errors = append(errors, fmt.Errorf("episodic.max_active_episodes must be >= 0"))
	}

	if cfg.Memory.Consolidation.Kind != "" {
		if err := cfg.Memory.Consolidation.Validate(); err != nil {
			errors = append(errors, fmt.Errorf("consolidation: %w", err))
		}
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}

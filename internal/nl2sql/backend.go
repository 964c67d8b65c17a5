package nl2sql

import (
	"fmt"

	"github.com/sqlassist/sqlassist/internal/config"
)

// NewCompleter builds the backend named by cfg.Provider.
func NewCompleter(cfg config.AIConfig) (Completer, error) {
	switch cfg.Provider {
	case "", "rules":
		return NewRulesCompleter(), nil
	case "openai":
		completer, err := NewOpenAICompleter(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("configure openai backend: %w", err)
		}
		return completer, nil
	case "anthropic":
		completer, err := NewAnthropicCompleter(AnthropicConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("configure anthropic backend: %w", err)
		}
		return completer, nil
	default:
		return nil, fmt.Errorf("unsupported ai provider %q", cfg.Provider)
	}
}

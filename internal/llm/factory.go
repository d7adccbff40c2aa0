package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Config selects and configures a provider
type Config struct {
	// Name is "anthropic", "openai" or "gemini"
	Name  string
	Model string

	AnthropicAPIKey string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	GeminiAPIKey    string

	HTTPClient *http.Client
}

var defaultModels = map[string]string{
	"anthropic": "claude-3-5-sonnet-20241022",
	"openai":    "gpt-4o-mini",
	"gemini":    "gemini-2.0-flash",
}

// NewProvider creates the provider named in cfg
func NewProvider(cfg *Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	model := cfg.Model
	if model == "" {
		model = defaultModels[name]
	}

	switch name {
	case "anthropic", "claude":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY is required")
		}
		if model == "" {
			model = defaultModels["anthropic"]
		}
		return NewAnthropic(cfg.AnthropicAPIKey, model, "", cfg.HTTPClient), nil

	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai: OPENAI_API_KEY is required")
		}
		return NewOpenAI(cfg.OpenAIAPIKey, model, cfg.OpenAIBaseURL, cfg.HTTPClient), nil

	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("gemini: GEMINI_API_KEY is required")
		}
		return NewGemini(context.Background(), cfg.GeminiAPIKey, model, "", cfg.HTTPClient)

	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: anthropic, openai, gemini)", cfg.Name)
	}
}

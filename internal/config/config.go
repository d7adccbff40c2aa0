package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cexll/aidir/internal/llm"
)

// Config holds all configuration for the aidir service
type Config struct {
	// Server settings
	Port          int
	PublicBaseURL string

	// Admin settings
	AdminPassword string
	SessionSecret string
	SessionTTL    time.Duration
	CronSecret    string

	// Table service settings
	TableAPIURL    string
	TableAPIKey    string
	TableBaseID    string
	TableRateLimit float64
	Tables         TableNames

	// LLM settings
	LLMProvider       string // "anthropic", "openai" or "gemini"
	LLMModel          string
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	OpenAIBaseURL     string // Optional: custom API endpoint
	GeminiAPIKey      string
	LLMDailyCallLimit int

	// GitHub settings (repository stats enrichment)
	GitHubToken string

	// Job settings
	QueueBackend  string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	JobHistoryDB  string
	PromptsFile   string

	// Dispatcher settings
	DispatcherWorkers           int
	DispatcherQueueSize         int
	DispatcherMaxAttempts       int
	DispatcherRetryInitial      time.Duration
	DispatcherRetryMax          time.Duration
	DispatcherBackoffMultiplier float64

	// Logging settings
	LogLevel  string
	LogFormat string
}

// TableNames maps catalog entities to table names in the table service
type TableNames struct {
	Tools      string
	Categories string
	Tags       string
	UseCases   string
	Articles   string
}

var defaultModels = map[string]string{
	"anthropic": "claude-3-5-sonnet-20241022",
	"openai":    "gpt-4o-mini",
	"gemini":    "gemini-2.0-flash",
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return load(true)
}

// LoadForJobs loads configuration for the batch job CLI, which needs no admin credentials
func LoadForJobs() (*Config, error) {
	return load(false)
}

func load(requireAdmin bool) (*Config, error) {
	provider := strings.ToLower(getEnv("LLM_PROVIDER", "anthropic"))

	cfg := &Config{
		Port:          getEnvInt("PORT", 8000),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),

		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		SessionSecret: os.Getenv("SESSION_SECRET"),
		SessionTTL:    time.Duration(getEnvInt("SESSION_TTL_MINUTES", 720)) * time.Minute,
		CronSecret:    os.Getenv("CRON_SECRET"),

		TableAPIURL:    strings.TrimRight(getEnv("TABLE_API_URL", "https://api.airtable.com/v0"), "/"),
		TableAPIKey:    os.Getenv("TABLE_API_KEY"),
		TableBaseID:    os.Getenv("TABLE_BASE_ID"),
		TableRateLimit: getEnvFloat("TABLE_RATE_LIMIT", 5),
		Tables: TableNames{
			Tools:      getEnv("TABLE_TOOLS", "Tools"),
			Categories: getEnv("TABLE_CATEGORIES", "Categories"),
			Tags:       getEnv("TABLE_TAGS", "Tags"),
			UseCases:   getEnv("TABLE_USE_CASES", "Use Cases"),
			Articles:   getEnv("TABLE_ARTICLES", "Articles"),
		},

		LLMProvider:       provider,
		LLMModel:          getEnv("LLM_MODEL", defaultModels[provider]),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		LLMDailyCallLimit: getEnvInt("LLM_DAILY_CALL_LIMIT", 0),

		GitHubToken: os.Getenv("GITHUB_TOKEN"),

		QueueBackend:  strings.ToLower(getEnv("QUEUE_BACKEND", "memory")),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		JobHistoryDB:  getEnv("JOB_HISTORY_DB", "data/jobs.db"),
		PromptsFile:   os.Getenv("PROMPTS_FILE"),

		DispatcherWorkers:           getEnvInt("DISPATCHER_WORKERS", 2),
		DispatcherQueueSize:         getEnvInt("DISPATCHER_QUEUE_SIZE", 16),
		DispatcherMaxAttempts:       getEnvInt("DISPATCHER_MAX_ATTEMPTS", 2),
		DispatcherRetryInitial:      time.Duration(getEnvInt("DISPATCHER_RETRY_SECONDS", 15)) * time.Second,
		DispatcherRetryMax:          time.Duration(getEnvInt("DISPATCHER_RETRY_MAX_SECONDS", 300)) * time.Second,
		DispatcherBackoffMultiplier: getEnvFloat("DISPATCHER_BACKOFF_MULTIPLIER", 2.0),

		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	// Validate required fields
	if err := cfg.validate(requireAdmin); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks that all required configuration is present
func (c *Config) validate(requireAdmin bool) error {
	if requireAdmin {
		if err := c.validateAdmin(); err != nil {
			return err
		}
	}

	if err := c.validateTableService(); err != nil {
		return err
	}

	if err := c.validateProviderConfig(); err != nil {
		return err
	}

	if err := c.validateQueueBackend(); err != nil {
		return err
	}

	c.applyDispatcherDefaults()
	return c.validateDispatcherConfig()
}

func (c *Config) validateAdmin() error {
	if c.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD is required")
	}
	if len(c.SessionSecret) < 16 {
		return fmt.Errorf("SESSION_SECRET is required and must be at least 16 characters")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be greater than 0")
	}
	return nil
}

func (c *Config) validateTableService() error {
	if c.TableAPIKey == "" {
		return fmt.Errorf("TABLE_API_KEY is required")
	}
	if c.TableBaseID == "" {
		return fmt.Errorf("TABLE_BASE_ID is required")
	}
	if c.TableRateLimit <= 0 {
		return fmt.Errorf("TABLE_RATE_LIMIT must be greater than 0")
	}
	return nil
}

func (c *Config) validateProviderConfig() error {
	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for anthropic provider")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for openai provider")
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for gemini provider")
		}
	default:
		return fmt.Errorf("invalid provider: %s (must be 'anthropic', 'openai' or 'gemini')", c.LLMProvider)
	}
	if c.LLMDailyCallLimit < 0 {
		return fmt.Errorf("LLM_DAILY_CALL_LIMIT must be >= 0")
	}
	return nil
}

func (c *Config) validateQueueBackend() error {
	switch c.QueueBackend {
	case "memory":
		return nil
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for redis queue backend")
		}
		return nil
	default:
		return fmt.Errorf("invalid queue backend: %s (must be 'memory' or 'redis')", c.QueueBackend)
	}
}

func (c *Config) applyDispatcherDefaults() {
	if c.DispatcherWorkers <= 0 {
		c.DispatcherWorkers = 2
	}
	if c.DispatcherQueueSize <= 0 {
		c.DispatcherQueueSize = 16
	}
	if c.DispatcherMaxAttempts <= 0 {
		c.DispatcherMaxAttempts = 2
	}
	if c.DispatcherRetryInitial <= 0 {
		c.DispatcherRetryInitial = 15 * time.Second
	}
	if c.DispatcherRetryMax <= 0 {
		c.DispatcherRetryMax = 5 * time.Minute
	}
	if c.DispatcherBackoffMultiplier < 1 {
		c.DispatcherBackoffMultiplier = 2
	}
}

func (c *Config) validateDispatcherConfig() error {
	if c.DispatcherRetryMax < c.DispatcherRetryInitial {
		return fmt.Errorf("DISPATCHER_RETRY_MAX_SECONDS must be >= DISPATCHER_RETRY_SECONDS")
	}
	return nil
}

// LLM returns the provider settings for llm.NewProvider
func (c *Config) LLM() *llm.Config {
	return &llm.Config{
		Name:            c.LLMProvider,
		Model:           c.LLMModel,
		AnthropicAPIKey: c.AnthropicAPIKey,
		OpenAIAPIKey:    c.OpenAIAPIKey,
		OpenAIBaseURL:   c.OpenAIBaseURL,
		GeminiAPIKey:    c.GeminiAPIKey,
	}
}

// RedisEnabled reports whether a Redis server is configured
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

// getEnv gets environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

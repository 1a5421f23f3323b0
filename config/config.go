// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/NickB03/vana-sub003/core"
)

// Config holds all application configuration.
type Config struct {
	Port      string
	DBPath    string // empty keeps sessions in memory only
	LogLevel  string
	LogFormat string

	Model    ModelConfig
	Retry    RetryConfig
	Breaker  BreakerConfig
	Limits   LimitConfig
	Sessions SessionConfig
	Events   EventConfig
	Dispatch DispatchConfig

	// ToolEndpoint is the base URL of the remote tool service, optional.
	ToolEndpoint string
	// AuthTokens is the bearer token table, see authz.ParseTokens.
	AuthTokens string
}

// ModelConfig selects the model provider.
type ModelConfig struct {
	Provider string // mock, openai or anthropic
	Name     string
	APIKey   string
	BaseURL  string
}

// RetryConfig mirrors model.RetryPolicy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      float64
	MaxDelay    time.Duration
	StatusCodes []int
	// TransportErrors retries failures without an HTTP status.
	TransportErrors bool
}

// BreakerConfig mirrors resilience.BreakerOptions.
type BreakerConfig struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// LimitConfig configures per-caller rate limiting.
type LimitConfig struct {
	RPS   float64
	Burst int
}

// SessionConfig configures the session store.
type SessionConfig struct {
	TTL               time.Duration
	SweepInterval     time.Duration
	MaxFailedAttempts int
}

// EventConfig configures the broadcaster.
type EventConfig struct {
	HeartbeatInterval time.Duration
	LogCapacity       int
}

// DispatchConfig configures routing and the specialist loop.
type DispatchConfig struct {
	ContextBudget int
	CharsPerToken int
	MaxHops       int
	MaxModelCalls int
	Fallback      string
	TaskWeight    float64
	KeywordWeight float64
}

// Load reads an optional .env file, then configuration from environment
// variables. Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	statuses, err := parseInts(getEnv("RETRY_STATUS_CODES", "429,500,502,503,504"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: RETRY_STATUS_CODES: %w", err)
	}

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		DBPath:    getEnv("DB_PATH", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		Model: ModelConfig{
			Provider: strings.ToLower(getEnv("MODEL_PROVIDER", "mock")),
			Name:     getEnv("MODEL_NAME", ""),
			APIKey:   getEnv("MODEL_API_KEY", ""),
			BaseURL:  getEnv("MODEL_BASE_URL", ""),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 200*time.Millisecond),
			Multiplier:  getEnvFloat("RETRY_MULTIPLIER", 2),
			Jitter:      getEnvFloat("RETRY_JITTER", 0.2),
			MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 5*time.Second),
			StatusCodes: statuses,
			TransportErrors: getEnvBool("RETRY_TRANSPORT_ERRORS", true),
		},
		Breaker: BreakerConfig{
			Threshold: getEnvInt("BREAKER_THRESHOLD", 5),
			Window:    getEnvDuration("BREAKER_WINDOW", 60*time.Second),
			Cooldown:  getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Limits: LimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
			Burst: getEnvInt("RATE_LIMIT_BURST", 10),
		},
		Sessions: SessionConfig{
			TTL:               getEnvDuration("SESSION_TTL", time.Hour),
			SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
			MaxFailedAttempts: getEnvInt("SECURITY_MAX_FAILED", 3),
		},
		Events: EventConfig{
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
			LogCapacity:       getEnvInt("EVENT_LOG_CAPACITY", 1024),
		},
		Dispatch: DispatchConfig{
			ContextBudget: getEnvInt("CONTEXT_BUDGET_TOKENS", 8000),
			CharsPerToken: getEnvInt("CHARS_PER_TOKEN", 4),
			MaxHops:       getEnvInt("MAX_HOPS", 2),
			MaxModelCalls: getEnvInt("MAX_MODEL_CALLS", 8),
			Fallback:      getEnv("FALLBACK_SPECIALIST", string(core.Generalist)),
			TaskWeight:    getEnvFloat("ROUTER_TASK_WEIGHT", 1.0),
			KeywordWeight: getEnvFloat("ROUTER_KEYWORD_WEIGHT", 0.5),
		},
		ToolEndpoint: strings.TrimRight(getEnv("TOOL_ENDPOINT", ""), "/"),
		AuthTokens:   getEnv("AUTH_TOKENS", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all configuration fields are usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Model.Provider {
	case "mock", "openai", "anthropic":
	default:
		return fmt.Errorf("MODEL_PROVIDER must be mock, openai or anthropic, got %q", c.Model.Provider)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("RETRY_JITTER must be in [0,1)")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY >= 0")
	}
	if c.Breaker.Threshold < 1 || c.Breaker.Window <= 0 || c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD, BREAKER_WINDOW and BREAKER_COOLDOWN must be > 0")
	}
	if c.Limits.RPS <= 0 || c.Limits.Burst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	if c.Sessions.TTL <= 0 || c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_TTL and SWEEP_INTERVAL must be > 0")
	}
	if c.Sessions.MaxFailedAttempts < 1 {
		return fmt.Errorf("SECURITY_MAX_FAILED must be >= 1")
	}
	if c.Events.HeartbeatInterval <= 0 || c.Events.LogCapacity < 1 {
		return fmt.Errorf("HEARTBEAT_INTERVAL and EVENT_LOG_CAPACITY must be > 0")
	}
	if c.Dispatch.ContextBudget < 1 || c.Dispatch.CharsPerToken < 1 {
		return fmt.Errorf("CONTEXT_BUDGET_TOKENS and CHARS_PER_TOKEN must be > 0")
	}
	if c.Dispatch.MaxHops < 1 {
		return fmt.Errorf("MAX_HOPS must be >= 1")
	}
	if c.Dispatch.MaxModelCalls < 0 {
		return fmt.Errorf("MAX_MODEL_CALLS must be >= 0")
	}
	if c.Dispatch.Fallback != "" {
		if _, ok := core.ParseSpecialistCategory(c.Dispatch.Fallback); !ok {
			return fmt.Errorf("FALLBACK_SPECIALIST %q is not a specialist", c.Dispatch.Fallback)
		}
	}
	if c.Dispatch.TaskWeight < 0 || c.Dispatch.KeywordWeight < 0 {
		return fmt.Errorf("ROUTER_TASK_WEIGHT and ROUTER_KEYWORD_WEIGHT must be >= 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", part)
		}
		out = append(out, n)
	}
	return out, nil
}

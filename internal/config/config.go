// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port                string
	DBPath              string
	LogLevel            slog.Level
	AllowedOrigins      []string
	SeedDemoData        bool
	MaxRequestBodyBytes int64
	LLM                 LLMConfig
	Prompts             PromptsConfig
	Tools               ToolsConfig
	Session             SessionConfig
	RateLimit           RateLimitConfig
}

// LLMConfig selects and configures the completion provider.
type LLMConfig struct {
	Provider  string // "openai" or "ollama"
	APIKey    string
	BaseURL   string
	Model     string
	ModelMini string // used for classification and sentiment
}

// PromptsConfig controls the instruction catalogue.
type PromptsConfig struct {
	File        string // optional YAML override
	DefaultTone string
}

// ToolsConfig controls where tool calls are executed.
type ToolsConfig struct {
	ServiceAddr string // remote tool service; empty means in-process
	GRPCListen  string // serve the local executor over gRPC when set
}

// SessionConfig controls the idle session sweeper.
type SessionConfig struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// RateLimitConfig controls the per-session message rate limit.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/cxrouter.db"),
		LogLevel:            parseLevel(getEnv("LOG_LEVEL", "info")),
		AllowedOrigins:      splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		SeedDemoData:        getEnvBool("SEED_DEMO_DATA", true),
		MaxRequestBodyBytes: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 64*1024)),
		LLM: LLMConfig{
			Provider:  strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
			APIKey:    getEnv("LLM_API_KEY", ""),
			BaseURL:   getEnv("LLM_BASE_URL", ""),
			Model:     getEnv("LLM_MODEL", "gpt-4o"),
			ModelMini: getEnv("LLM_MODEL_MINI", "gpt-4o-mini"),
		},
		Prompts: PromptsConfig{
			File:        getEnv("PROMPTS_FILE", ""),
			DefaultTone: getEnv("DEFAULT_TONE", "friendly"),
		},
		Tools: ToolsConfig{
			ServiceAddr: getEnv("TOOL_SERVICE_ADDR", ""),
			GRPCListen:  getEnv("TOOL_GRPC_LISTEN", ""),
		},
		Session: SessionConfig{
			IdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		},
		RateLimit: RateLimitConfig{
			RPS:   getEnvFloat("RATE_LIMIT_RPS", 1),
			Burst: getEnvInt("RATE_LIMIT_BURST", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("LLM_PROVIDER must be openai or ollama, got %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM_MODEL cannot be empty")
	}
	if c.LLM.ModelMini == "" {
		c.LLM.ModelMini = c.LLM.Model
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if only local origins are allowed.
func (c *Config) IsDevelopment() bool {
	for _, origin := range c.AllowedOrigins {
		if !strings.Contains(origin, "localhost") && !strings.Contains(origin, "127.0.0.1") {
			return false
		}
	}
	return true
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

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Session store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Tool result delivery policies.
const (
	DeliveryListener    = "listener"
	DeliveryDestination = "destination"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	FrontendURL   string
	StaticDir     string
	LogLevel      string
	SingleSession bool
	Session       SessionConfig
	Realtime      RealtimeConfig
	Careers       CareersConfig
	UIMessages    RateConfig
}

// SessionConfig controls session caching and durable storage.
type SessionConfig struct {
	Store         string // "memory", "redis" or "sqlite"
	RedisURL      string
	DBPath        string
	Expiry        time.Duration
	SweepInterval time.Duration
}

// RealtimeConfig describes the upstream realtime backend and the session
// settings the relay enforces on every conversation.
type RealtimeConfig struct {
	Endpoint      string
	Deployment    string
	APIVersion    string
	APIKey        string
	TokenFile     string
	TokenRefresh  time.Duration
	SettingsPath  string // optional YAML overlay for Session
	ToolDelivery  string
	ToolTimeout   time.Duration
	ReadLimitSize int64
	Session       SessionSettings
}

// SessionSettings are the server-controlled fields injected into
// session.created and session.update frames. Nil pointers are left untouched.
type SessionSettings struct {
	Instructions string   `yaml:"instructions"`
	Voice        string   `yaml:"voice"`
	Temperature  *float64 `yaml:"temperature"`
	MaxTokens    *int     `yaml:"max_response_output_tokens"`
	DisableAudio *bool    `yaml:"disable_audio"`
}

// CareersConfig configures the careers search API client.
type CareersConfig struct {
	BaseURL string
	Timeout time.Duration
}

// RateConfig is a token bucket definition.
type RateConfig struct {
	PerSecond float64
	Burst     int
}

// DefaultInstructions is the system message used when none is configured.
const DefaultInstructions = `Start by greeting the user and asking what kind of job they're looking for.
You are a job search assistant. Help users search for jobs at Microsoft and display the results.
Before searching, make sure to ask:
1) What job role/title they're interested in
2) Which country they want to work in (optional)
`

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8765"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		StaticDir:     getEnv("STATIC_DIR", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		SingleSession: getEnvBool("SINGLE_SESSION", false),
		Session: SessionConfig{
			Store:         strings.ToLower(getEnv("SESSION_STORE", StoreMemory)),
			RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			DBPath:        getEnv("DB_PATH", "./data/sessions.db"),
			Expiry:        getEnvDuration("SESSION_EXPIRY", 24*time.Hour),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		Realtime: RealtimeConfig{
			Endpoint:      getEnv("AZURE_OPENAI_ENDPOINT", ""),
			Deployment:    getEnv("AZURE_OPENAI_REALTIME_DEPLOYMENT", ""),
			APIVersion:    getEnv("AZURE_OPENAI_API_VERSION", "2024-10-01-preview"),
			APIKey:        getEnv("AZURE_OPENAI_API_KEY", ""),
			TokenFile:     getEnv("AZURE_OPENAI_TOKEN_FILE", ""),
			TokenRefresh:  getEnvDuration("AZURE_OPENAI_TOKEN_REFRESH", time.Minute),
			SettingsPath:  getEnv("REALTIME_CONFIG_PATH", ""),
			ToolDelivery:  strings.ToLower(getEnv("TOOL_RESULT_DELIVERY", DeliveryListener)),
			ToolTimeout:   getEnvDuration("TOOL_TIMEOUT", 30*time.Second),
			ReadLimitSize: int64(getEnvInt("REALTIME_READ_LIMIT", 4<<20)),
			Session: SessionSettings{
				Instructions: getEnv("REALTIME_INSTRUCTIONS", DefaultInstructions),
				Voice:        getEnv("AZURE_OPENAI_REALTIME_VOICE_CHOICE", "echo"),
			},
		},
		Careers: CareersConfig{
			BaseURL: getEnv("CAREERS_API_URL", "https://gcsservices.careers.microsoft.com/search/api/v1"),
			Timeout: getEnvDuration("CAREERS_API_TIMEOUT", 15*time.Second),
		},
		UIMessages: RateConfig{
			PerSecond: getEnvFloat("UI_MESSAGE_RATE", 5),
			Burst:     getEnvInt("UI_MESSAGE_BURST", 10),
		},
	}

	if cfg.Realtime.SettingsPath != "" {
		if err := cfg.Realtime.Session.mergeFile(cfg.Realtime.SettingsPath); err != nil {
			return nil, fmt.Errorf("load realtime settings: %w", err)
		}
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
	switch c.Session.Store {
	case StoreMemory, StoreRedis:
	case StoreSQLite:
		if c.Session.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty when SESSION_STORE=sqlite")
		}
	default:
		return fmt.Errorf("unknown SESSION_STORE %q", c.Session.Store)
	}
	if c.Session.Expiry <= 0 {
		return fmt.Errorf("SESSION_EXPIRY must be > 0")
	}
	if c.Realtime.Endpoint == "" {
		return fmt.Errorf("AZURE_OPENAI_ENDPOINT cannot be empty")
	}
	if c.Realtime.Deployment == "" {
		return fmt.Errorf("AZURE_OPENAI_REALTIME_DEPLOYMENT cannot be empty")
	}
	if c.Realtime.APIKey == "" && c.Realtime.TokenFile == "" {
		return fmt.Errorf("one of AZURE_OPENAI_API_KEY or AZURE_OPENAI_TOKEN_FILE is required")
	}
	switch c.Realtime.ToolDelivery {
	case DeliveryListener, DeliveryDestination:
	default:
		return fmt.Errorf("unknown TOOL_RESULT_DELIVERY %q", c.Realtime.ToolDelivery)
	}
	if c.UIMessages.PerSecond <= 0 || c.UIMessages.Burst <= 0 {
		return fmt.Errorf("UI_MESSAGE_RATE and UI_MESSAGE_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

// getEnvDuration accepts Go duration strings ("90s") or bare seconds ("86400").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

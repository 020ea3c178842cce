package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// OpenAIConfig configures the embedding provider used by the indexer.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// VisionConfig configures the productivity classifier.
type VisionConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SeedConfig lists the rows loaded into the in-memory store at startup.
type SeedConfig struct {
	Users    []SeedUser    `yaml:"users"`
	Channels []SeedChannel `yaml:"channels"`
}

// SeedUser is one seeded user account.
type SeedUser struct {
	ID          int64  `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Email       string `yaml:"email"`
}

// SeedChannel is one seeded channel.
type SeedChannel struct {
	ID   int64 `yaml:"id"`
	IsDM bool  `yaml:"is_dm"`
}

// Empty reports whether nothing is seeded.
func (s SeedConfig) Empty() bool {
	return len(s.Users) == 0 && len(s.Channels) == 0
}

// Config holds the server configuration settings including security controls
// and the timing of every timer in the live core.
type Config struct {
	Port           string          `yaml:"port"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxMessageSize int64           `yaml:"max_message_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	SendBuffer     int             `yaml:"send_buffer"`
	WriteWait      time.Duration   `yaml:"write_wait"`

	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleSweepInterval time.Duration `yaml:"idle_sweep_interval"`
	IdleThreshold     time.Duration `yaml:"idle_threshold"`
	TypingTTL         time.Duration `yaml:"typing_ttl"`

	StoreTimeout        time.Duration `yaml:"store_timeout"`
	CollaboratorTimeout time.Duration `yaml:"collaborator_timeout"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`

	JWTSecret   string          `yaml:"jwt_secret"`
	DatabaseURL string          `yaml:"database_url"`
	OpenAI      OpenAIConfig    `yaml:"openai"`
	Vision      VisionConfig    `yaml:"vision"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Log         LogConfig       `yaml:"log"`
	Seed        SeedConfig      `yaml:"seed"`
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 1 << 20,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		SendBuffer:          256,
		WriteWait:           10 * time.Second,
		AuthTimeout:         10 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		IdleSweepInterval:   time.Minute,
		IdleThreshold:       10 * time.Minute,
		TypingTTL:           5 * time.Second,
		StoreTimeout:        10 * time.Second,
		CollaboratorTimeout: 30 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Sanitize replaces missing or non-positive values with defaults.
func (c Config) Sanitize() Config {
	d := defaultConfig()

	if c.Port == "" {
		c.Port = d.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}

	durations := []struct {
		value *time.Duration
		def   time.Duration
	}{
		{&c.WriteWait, d.WriteWait},
		{&c.AuthTimeout, d.AuthTimeout},
		{&c.HeartbeatInterval, d.HeartbeatInterval},
		{&c.IdleSweepInterval, d.IdleSweepInterval},
		{&c.IdleThreshold, d.IdleThreshold},
		{&c.TypingTTL, d.TypingTTL},
		{&c.StoreTimeout, d.StoreTimeout},
		{&c.CollaboratorTimeout, d.CollaboratorTimeout},
		{&c.ShutdownTimeout, d.ShutdownTimeout},
	}
	for _, f := range durations {
		if *f.value <= 0 {
			*f.value = f.def
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads defaults, then the YAML file at path (if any), then the
// environment. The result is sanitized.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg, os.Getenv)
	cfg = cfg.Sanitize()
	return &cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	// Load SERVER_PORT
	if port := getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	// Load ALLOWED_ORIGINS
	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	// Load MAX_MESSAGE_SIZE
	if maxSize := getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	// Load RATE_LIMIT_BURST
	if burst := getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	// Load RATE_LIMIT_REFILL_INTERVAL
	if interval := getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	if v := getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := getenv("MOONDREAM_API_KEY"); v != "" {
		cfg.Vision.APIKey = v
	}
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

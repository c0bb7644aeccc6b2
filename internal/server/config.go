// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the realtime service.
package server

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Backplane kinds.
const (
	BackplaneMemory = "memory"
	BackplaneRedis  = "redis"
)

// RateLimitConfig is the per-session typing indicator budget: Burst frames
// per RefillInterval. Frames over it are coalesced, not lost.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string `validate:"required"`
	AllowedOrigins []string
	MaxMessageSize int64 `validate:"gt=0"`
	RateLimit      RateLimitConfig
	SendBufferSize int `validate:"gt=0"`

	LogLevel string
	// LogFile, when set, receives a copy of every log line.
	LogFile  string

	Backplane          string `validate:"oneof=memory redis"`
	RedisAddr          string `validate:"required_if=Backplane redis"`
	RedisPassword      string
	RedisDB            int `validate:"gte=0"`
	RedisChannelPrefix string

	// DatabaseURL selects the Postgres project store; empty means in-memory.
	DatabaseURL       string
	// ProjectsFile seeds the in-memory store from a JSON fixture.
	ProjectsFile      string
	JWTSecret         string `validate:"required"`
	PermissionTimeout time.Duration
	PublishTimeout    time.Duration
	PublishToken      string
	ShutdownTimeout   time.Duration
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 512,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		SendBufferSize:     256,
		LogLevel:           "info",
		Backplane:          BackplaneMemory,
		RedisAddr:          "127.0.0.1:6379",
		RedisChannelPrefix: "bugtracker:",
		PermissionTimeout:  5 * time.Second,
		PublishTimeout:     2 * time.Second,
		ShutdownTimeout:    10 * time.Second,
	}
}

// Sanitize returns a copy of cfg with invalid or missing values replaced by
// defaults.
func (cfg Config) Sanitize() Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	cfg.Backplane = strings.ToLower(strings.TrimSpace(cfg.Backplane))
	if cfg.Backplane == "" {
		cfg.Backplane = def.Backplane
	}
	if cfg.RedisDB < 0 {
		cfg.RedisDB = 0
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = def.PermissionTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// Validate checks the settings that have no safe default.
func (cfg Config) Validate() error {
	return validator.New().Struct(cfg)
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables already set. Missing files are
// ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	cfg.LogFile = os.Getenv("LOG_FILE")

	if kind := os.Getenv("BACKPLANE"); kind != "" {
		cfg.Backplane = kind
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if db := os.Getenv("REDIS_DB"); db != "" {
		cfg.RedisDB = parseIntValue(db, cfg.RedisDB)
	}
	if prefix := os.Getenv("REDIS_CHANNEL_PREFIX"); prefix != "" {
		cfg.RedisChannelPrefix = prefix
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.ProjectsFile = os.Getenv("PROJECTS_FILE")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.PublishToken = os.Getenv("PUBLISH_TOKEN")

	if timeout := os.Getenv("PERMISSION_TIMEOUT"); timeout != "" {
		cfg.PermissionTimeout = parseSeconds(timeout, cfg.PermissionTimeout)
	}
	if timeout := os.Getenv("PUBLISH_TIMEOUT"); timeout != "" {
		cfg.PublishTimeout = parseSeconds(timeout, cfg.PublishTimeout)
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseSeconds(timeout, cfg.ShutdownTimeout)
	}

	return &cfg
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

// parseSeconds accepts either whole seconds ("5") or a Go duration ("250ms").
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Auth0
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis (realm store + cross-instance bus)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	// Connection management
	MaxConnsPerIP     int
	InactivityTimeout time.Duration

	// Per-event WebSocket rate limits, ulule/limiter formatted ("60-S", "10-M")
	RateLimitMove     string
	RateLimitTeleport string
	RateLimitSkin     string
	RateLimitChat     string
	RateLimitJoin     string

	// HTTP rate limits
	RateLimitAPIGlobal string
	RateLimitAPIPublic string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Connection caps
	cfg.MaxConnsPerIP = 10
	if raw := os.Getenv("MAX_CONNS_PER_IP"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errors = append(errors, fmt.Sprintf("MAX_CONNS_PER_IP must be a positive integer (got '%s')", raw))
		} else {
			cfg.MaxConnsPerIP = n
		}
	}

	cfg.InactivityTimeout = 30 * time.Minute
	if raw := os.Getenv("INACTIVITY_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errors = append(errors, fmt.Sprintf("INACTIVITY_TIMEOUT must be a positive duration (got '%s')", raw))
		} else {
			cfg.InactivityTimeout = d
		}
	}

	// Per-event rate limits (S = Second, M = Minute)
	cfg.RateLimitMove = getEnvOrDefault("RATE_LIMIT_WS_MOVE", "60-S")
	cfg.RateLimitTeleport = getEnvOrDefault("RATE_LIMIT_WS_TELEPORT", "2-S")
	cfg.RateLimitSkin = getEnvOrDefault("RATE_LIMIT_WS_SKIN", "1-S")
	cfg.RateLimitChat = getEnvOrDefault("RATE_LIMIT_WS_CHAT", "10-M")
	cfg.RateLimitJoin = getEnvOrDefault("RATE_LIMIT_WS_JOIN", "5-M")
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"max_conns_per_ip", cfg.MaxConnsPerIP,
		"inactivity_timeout", cfg.InactivityTimeout,
		"rate_limit_ws_move", cfg.RateLimitMove,
		"rate_limit_ws_join", cfg.RateLimitJoin,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first characters
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***"
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the collaboration server.
type Config struct {
	// Required variable
	JWTSecret string

	// Optional variables with defaults
	Port           string
	FrontendOrigin string
	RoomSalt       string
	ClusterURL     string
	RestAPIURL     string
	GoEnv          string
	LogLevel       string
	LogDir         string

	MaxQueueSize     int
	MaxRetryAttempts int
	RetryBaseDelayMs int
	MessageTTLMs     int
	PersistQueues    bool
	PersistDir       string

	DevelopmentMode bool
	AllowedOrigins  string

	// Rate limits (fixed window, spec §4.1)
	RateLimitWsEventsPerWindow string
	RateLimitWsWindowMs       string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error aggregating every violation found, not just the first.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = getEnvOrDefault("LISTEN_PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("LISTEN_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.FrontendOrigin = getEnvOrDefault("FRONTEND_ORIGIN", "http://localhost:3000")
	cfg.RoomSalt = os.Getenv("ROOM_SALT")
	cfg.ClusterURL = os.Getenv("CLUSTER_URL")
	cfg.RestAPIURL = os.Getenv("REST_API_URL")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LogDir = getEnvOrDefault("LOG_DIR", "")

	cfg.MaxQueueSize = getEnvIntOrDefault("MAX_QUEUE_SIZE", 1000, &errors)
	cfg.MaxRetryAttempts = getEnvIntOrDefault("MAX_RETRY_ATTEMPTS", 3, &errors)
	cfg.RetryBaseDelayMs = getEnvIntOrDefault("RETRY_BASE_DELAY_MS", 5000, &errors)
	cfg.MessageTTLMs = getEnvIntOrDefault("MESSAGE_TTL_MS", 604800000, &errors)
	cfg.PersistQueues = getEnvOrDefault("PERSIST_QUEUES", "false") == "true"
	cfg.PersistDir = getEnvOrDefault("PERSIST_DIR", "./data/queues")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitWsEventsPerWindow = getEnvOrDefault("RATE_LIMIT_WS_EVENTS", "100")
	cfg.RateLimitWsWindowMs = getEnvOrDefault("RATE_LIMIT_WS_WINDOW_MS", "60000")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func getEnvIntOrDefault(key string, defaultValue int, errors *[]string) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errors = append(*errors, fmt.Sprintf("%s must be an integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"frontend_origin", cfg.FrontendOrigin,
		"cluster_url", cfg.ClusterURL,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"max_queue_size", cfg.MaxQueueSize,
		"persist_queues", cfg.PersistQueues,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

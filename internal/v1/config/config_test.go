package config

import (
	"os"
	"strings"
	"testing"
)

// setupTestEnv sets up environment variables for testing.
func setupTestEnv(t *testing.T) func() {
	keys := []string{
		"JWT_SECRET", "LISTEN_PORT", "FRONTEND_ORIGIN", "ROOM_SALT",
		"CLUSTER_URL", "REST_API_URL", "GO_ENV", "LOG_LEVEL",
		"MAX_QUEUE_SIZE", "MAX_RETRY_ATTEMPTS", "RETRY_BASE_DELAY_MS",
		"MESSAGE_TTL_MS", "PERSIST_QUEUES", "PERSIST_DIR",
	}
	orig := map[string]string{}
	for _, k := range keys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	return func() {
		for k, v := range orig {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("LISTEN_PORT", "8080")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.JWTSecret != "this-is-a-very-long-secret-key-for-testing-purposes" {
		t.Errorf("expected JWT_SECRET to be set correctly")
	}
	if cfg.Port != "8080" {
		t.Errorf("expected LISTEN_PORT to be '8080', got '%s'", cfg.Port)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.MaxQueueSize != 1000 {
		t.Errorf("expected MAX_QUEUE_SIZE to default to 1000, got %d", cfg.MaxQueueSize)
	}
}

func TestValidateEnv_MissingJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("LISTEN_PORT", "8080")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for missing JWT_SECRET, got nil")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET is required") {
		t.Errorf("expected error message about JWT_SECRET, got: %v", err)
	}
}

func TestValidateEnv_ShortJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "short")
	os.Setenv("LISTEN_PORT", "8080")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for short JWT_SECRET, got nil")
	}
	if !strings.Contains(err.Error(), "must be at least 32 characters") {
		t.Errorf("expected error message about JWT_SECRET length, got: %v", err)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("LISTEN_PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid LISTEN_PORT, got nil")
	}
	if !strings.Contains(err.Error(), "must be a valid port number") {
		t.Errorf("expected error message about invalid LISTEN_PORT, got: %v", err)
	}
}

func TestValidateEnv_OptionalDefaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("LISTEN_PORT", "8080")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.FrontendOrigin != "http://localhost:3000" {
		t.Errorf("expected FRONTEND_ORIGIN default, got '%s'", cfg.FrontendOrigin)
	}
	if cfg.PersistDir != "./data/queues" {
		t.Errorf("expected PERSIST_DIR default, got '%s'", cfg.PersistDir)
	}
	if cfg.MessageTTLMs != 604800000 {
		t.Errorf("expected MESSAGE_TTL_MS default 604800000, got %d", cfg.MessageTTLMs)
	}
}

func TestValidateEnv_InvalidMaxQueueSize(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("LISTEN_PORT", "8080")
	os.Setenv("MAX_QUEUE_SIZE", "not-a-number")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for non-numeric MAX_QUEUE_SIZE, got nil")
	}
	if !strings.Contains(err.Error(), "MAX_QUEUE_SIZE must be an integer") {
		t.Errorf("expected error message about MAX_QUEUE_SIZE, got: %v", err)
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"Long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"Short secret", "short", "***"},
		{"Exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := redactSecret(tt.secret)
			if result != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

package config

import (
	"os"
	"strings"
	"testing"
)

// setupTestEnv sets up environment variables for testing
func setupTestEnv(t *testing.T) func() {
	keys := []string{
		"JWT_SECRET", "PORT", "MEDIA_ENGINE_ADDR",
		"LARAVEL_API_URL", "LARAVEL_INTERNAL_KEY",
		"REDIS_ENABLED", "REDIS_HOST", "REDIS_PORT",
		"GO_ENV", "LOG_LEVEL",
	}
	orig := map[string]string{}
	for _, k := range keys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}

	return func() {
		for key, val := range orig {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}

func setRequired(t *testing.T) {
	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("MEDIA_ENGINE_ADDR", "localhost:50051")
	os.Setenv("LARAVEL_API_URL", "https://laravel.internal")
	os.Setenv("LARAVEL_INTERNAL_KEY", "internal-key")
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequired(t)
	os.Setenv("REDIS_ENABLED", "false")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.JWTSecret != "this-is-a-very-long-secret-key-for-testing-purposes" {
		t.Errorf("Expected JWT_SECRET to be set correctly")
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected PORT to be '8080', got '%s'", cfg.Port)
	}
	if cfg.MediaEngineAddr != "localhost:50051" {
		t.Errorf("Expected MEDIA_ENGINE_ADDR to be 'localhost:50051', got '%s'", cfg.MediaEngineAddr)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("Expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
}

func TestValidateEnv_MissingJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequired(t)
	os.Unsetenv("JWT_SECRET")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for missing JWT_SECRET, got nil")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET is required") {
		t.Errorf("Expected error message about JWT_SECRET, got: %v", err)
	}
}

func TestValidateEnv_ShortJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequired(t)
	os.Setenv("JWT_SECRET", "short")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for short JWT_SECRET, got nil")
	}
	if !strings.Contains(err.Error(), "must be at least 32 characters") {
		t.Errorf("Expected error message about JWT_SECRET length, got: %v", err)
	}
}

func TestValidateEnv_MissingPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequired(t)
	os.Unsetenv("PORT")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for missing PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT is required") {
		t.Errorf("Expected error message about PORT, got: %v", err)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequired(t)
	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("Expected error message about invalid PORT, got: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequired(t)
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_HOST", "")
	os.Setenv("REDIS_PORT", "not-a-port")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid redis host/port, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_HOST/REDIS_PORT") {
		t.Errorf("Expected error message about redis addr format, got: %v", err)
	}
}

func TestValidateEnv_InvalidMediaEngineAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequired(t)
	os.Setenv("MEDIA_ENGINE_ADDR", "no-port-here")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid MEDIA_ENGINE_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "MEDIA_ENGINE_ADDR must be in format 'host:port'") {
		t.Errorf("Expected error message about MEDIA_ENGINE_ADDR format, got: %v", err)
	}
}

func TestValidateEnv_MissingLaravelConfig(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequired(t)
	os.Unsetenv("LARAVEL_API_URL")
	os.Unsetenv("LARAVEL_INTERNAL_KEY")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for missing laravel config, got nil")
	}
	if !strings.Contains(err.Error(), "LARAVEL_API_URL is required") {
		t.Errorf("Expected error about LARAVEL_API_URL, got: %v", err)
	}
	if !strings.Contains(err.Error(), "LARAVEL_INTERNAL_KEY is required") {
		t.Errorf("Expected error about LARAVEL_INTERNAL_KEY, got: %v", err)
	}
}

func TestValidateEnv_OptionalDefaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequired(t)

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.GoEnv != "production" {
		t.Errorf("Expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.DefaultSeatCount != 15 {
		t.Errorf("Expected DEFAULT_SEAT_COUNT to default to 15, got %d", cfg.DefaultSeatCount)
	}
	if cfg.MaxActiveSpeakersForwarded != 3 {
		t.Errorf("Expected MAX_ACTIVE_SPEAKERS_FORWARDED to default to 3, got %d", cfg.MaxActiveSpeakersForwarded)
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setRequired(t)
	os.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.RedisAddr() != "localhost:6379" {
		t.Errorf("Expected redis addr to default to 'localhost:6379', got '%s'", cfg.RedisAddr())
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
				t.Errorf("Expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:8080", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "example.com:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":8080", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:8080:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidHostPort(tt.addr)
			if result != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, result, tt.expected)
			}
		})
	}
}

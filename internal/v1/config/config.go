package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the conferencing
// control plane.
type Config struct {
	// Required variables
	JWTSecret        string
	Port             string
	MediaEngineAddr  string
	JWTMaxAgeSeconds int

	// Laravel business backend
	LaravelAPIURL       string
	LaravelInternalKey  string
	LaravelAPITimeoutMs int

	// Redis
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisTLS      bool
	RedisDB       int

	// Media engine network hints
	MediasoupListenIP    string
	MediasoupAnnouncedIP string
	MediasoupRTCMinPort  int
	MediasoupRTCMaxPort  int

	// Media cluster limits
	MaxActiveSpeakersForwarded       int
	MaxListenersPerDistributionRouter int

	// External event relay
	EventsChannel string
	EventsEnabled bool

	// Gift buffer
	GiftBufferFlushInterval time.Duration
	GiftMaxRetries          int

	// Room / seat defaults
	DefaultSeatCount     int
	InviteExpirySeconds int

	// Rate limits (ulule/limiter formatted rate strings, e.g. "100-M")
	RateLimitWsConnectIP   string
	RateLimitWsConnectUser string
	RateLimitGiftSend      string

	// Optional variables with defaults
	GoEnv          string
	LogLevel       string
	DevelopmentMode bool
	AllowedOrigins string
}

// RedisAddr returns the host:port pair used to dial Redis.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error aggregating every validation failure found, rather than
// stopping at the first one.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.JWTMaxAgeSeconds = parseIntOrDefault("JWT_MAX_AGE_SECONDS", 86400)

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.MediaEngineAddr = os.Getenv("MEDIA_ENGINE_ADDR")
	if cfg.MediaEngineAddr == "" {
		errs = append(errs, "MEDIA_ENGINE_ADDR is required")
	} else if !isValidHostPort(cfg.MediaEngineAddr) {
		errs = append(errs, fmt.Sprintf("MEDIA_ENGINE_ADDR must be in format 'host:port' (got '%s')", cfg.MediaEngineAddr))
	}

	cfg.LaravelAPIURL = os.Getenv("LARAVEL_API_URL")
	if cfg.LaravelAPIURL == "" {
		errs = append(errs, "LARAVEL_API_URL is required")
	}
	cfg.LaravelInternalKey = os.Getenv("LARAVEL_INTERNAL_KEY")
	if cfg.LaravelInternalKey == "" {
		errs = append(errs, "LARAVEL_INTERNAL_KEY is required")
	}
	cfg.LaravelAPITimeoutMs = parseIntOrDefault("LARAVEL_API_TIMEOUT_MS", 10000)

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") != "false"
	cfg.RedisHost = getEnvOrDefault("REDIS_HOST", "localhost")
	cfg.RedisPort = getEnvOrDefault("REDIS_PORT", "6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisTLS = os.Getenv("REDIS_TLS") == "true"
	cfg.RedisDB = parseIntOrDefault("REDIS_DB", 0)
	if cfg.RedisEnabled {
		if !isValidHostPort(cfg.RedisAddr()) {
			errs = append(errs, fmt.Sprintf("REDIS_HOST/REDIS_PORT must resolve to a valid 'host:port' (got '%s')", cfg.RedisAddr()))
		}
	}

	cfg.MediasoupListenIP = getEnvOrDefault("MEDIASOUP_LISTEN_IP", "0.0.0.0")
	cfg.MediasoupAnnouncedIP = os.Getenv("MEDIASOUP_ANNOUNCED_IP")
	cfg.MediasoupRTCMinPort = parseIntOrDefault("MEDIASOUP_RTC_MIN_PORT", 40000)
	cfg.MediasoupRTCMaxPort = parseIntOrDefault("MEDIASOUP_RTC_MAX_PORT", 49999)

	cfg.MaxActiveSpeakersForwarded = parseIntOrDefault("MAX_ACTIVE_SPEAKERS_FORWARDED", 3)
	cfg.MaxListenersPerDistributionRouter = parseIntOrDefault("MAX_LISTENERS_PER_DISTRIBUTION_ROUTER", 500)

	cfg.EventsChannel = getEnvOrDefault("MSAB_EVENTS_CHANNEL", "flylive:msab:events")
	cfg.EventsEnabled = os.Getenv("MSAB_EVENTS_ENABLED") != "false"

	flushMs := parseIntOrDefault("GIFT_BUFFER_FLUSH_INTERVAL_MS", 5000)
	cfg.GiftBufferFlushInterval = time.Duration(flushMs) * time.Millisecond
	cfg.GiftMaxRetries = parseIntOrDefault("GIFT_MAX_RETRIES", 5)

	cfg.DefaultSeatCount = parseIntOrDefault("DEFAULT_SEAT_COUNT", 15)
	cfg.InviteExpirySeconds = parseIntOrDefault("INVITE_EXPIRY_SECONDS", 60)

	cfg.RateLimitWsConnectIP = getEnvOrDefault("RATE_LIMIT_WS_CONNECT_IP", "100-M")
	cfg.RateLimitWsConnectUser = getEnvOrDefault("RATE_LIMIT_WS_CONNECT_USER", "10-M")
	cfg.RateLimitGiftSend = getEnvOrDefault("RATE_LIMIT_GIFT_SEND", "330-M")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("CORS_ORIGINS")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"media_engine_addr", cfg.MediaEngineAddr,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr(),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"default_seat_count", cfg.DefaultSeatCount,
		"max_active_speakers_forwarded", cfg.MaxActiveSpeakersForwarded,
		"gift_buffer_flush_interval", cfg.GiftBufferFlushInterval,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// parseIntOrDefault parses an int env var, falling back silently to def on
// absence or malformed input (malformed values are caught by operators via
// the logged configuration, not by failing startup).
func parseIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// redactSecret redacts a secret by showing only the first 8 characters.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

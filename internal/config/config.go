package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ProviderClientID     string
	ProviderClientSecret string
	ProviderAuthURL      string
	ProviderTimeout      time.Duration
	OAuthRedirectURL     string
	DashboardURL         string

	TokenCipherKey []byte
	SessionSecret  string

	DailyQuotaLimit  int
	StateTTL         time.Duration
	MaxQueueAttempts int
	StaleVerdictAge  time.Duration

	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cipherKeyRaw := strings.TrimSpace(os.Getenv("TOKEN_CIPHER_KEY"))
	if cipherKeyRaw == "" {
		return Config{}, fmt.Errorf("TOKEN_CIPHER_KEY is required")
	}
	cipherKey, err := base64.StdEncoding.DecodeString(cipherKeyRaw)
	if err != nil {
		return Config{}, fmt.Errorf("TOKEN_CIPHER_KEY must be base64: %w", err)
	}
	if len(cipherKey) != 32 {
		return Config{}, fmt.Errorf("TOKEN_CIPHER_KEY must decode to 32 bytes, got %d", len(cipherKey))
	}

	sessionSecret := strings.TrimSpace(os.Getenv("SESSION_SECRET"))
	if sessionSecret == "" {
		return Config{}, fmt.Errorf("SESSION_SECRET is required")
	}

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "searchlift"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		ProviderClientID:     os.Getenv("PROVIDER_CLIENT_ID"),
		ProviderClientSecret: os.Getenv("PROVIDER_CLIENT_SECRET"),
		ProviderAuthURL:      getEnv("PROVIDER_AUTH_URL", "https://accounts.google.com/o/oauth2/v2/auth"),
		ProviderTimeout:      getDuration("PROVIDER_TIMEOUT", 15*time.Second),
		OAuthRedirectURL:     os.Getenv("OAUTH_REDIRECT_URL"),
		DashboardURL:         getEnv("DASHBOARD_URL", "/"),

		TokenCipherKey: cipherKey,
		SessionSecret:  sessionSecret,

		DailyQuotaLimit:  getInt("DAILY_QUOTA_LIMIT", 200),
		StateTTL:         getDuration("OAUTH_STATE_TTL", 5*time.Minute),
		MaxQueueAttempts: getInt("MAX_QUEUE_ATTEMPTS", 5),
		StaleVerdictAge:  getDuration("STALE_VERDICT_AGE", 7*24*time.Hour),

		RateLimitRPM:      getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		CORSAllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods: getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders: getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.OAuthRedirectURL == "" {
		return Config{}, fmt.Errorf("OAUTH_REDIRECT_URL is required")
	}
	if cfg.MaxQueueAttempts < 1 {
		cfg.MaxQueueAttempts = 1
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}

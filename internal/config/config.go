// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Local event cache
	CachePath string

	// JWT settings
	JWTSecret string
	// JWTWriteScope is required on routes that append events. "none"
	// disables the check.
	JWTWriteScope string

	// Identity used to sign and encrypt events (hex seed). Empty generates
	// a throwaway key.
	IdentitySeed string

	// LLM settings
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	DefaultLLM        string
	DefaultModel      string
	CompletionTimeout time.Duration

	// Pricing and payment
	CatalogPath     string
	CatalogSubject  string
	WalletBalance   int64
	FallbackDeposit int64

	// Transcript
	ForkPolicy string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load() *Config {
	_ = godotenv.Load(".env")

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		CachePath: getEnv("CACHE_PATH", "data/cache"),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTWriteScope: getScopeEnv("JWT_WRITE_SCOPE", "chats:write"),

		IdentitySeed: getEnv("IDENTITY_SEED", ""),

		// LLM
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:        getEnv("DEFAULT_LLM", "anthropic"),
		DefaultModel:      getEnv("DEFAULT_MODEL", ""),
		CompletionTimeout: getDurationEnv("COMPLETION_TIMEOUT", 2*time.Minute),

		// Pricing
		CatalogPath:     getEnv("CATALOG_PATH", ""),
		CatalogSubject:  getEnv("CATALOG_SUBJECT", "catalog.models"),
		WalletBalance:   getInt64Env("WALLET_BALANCE", 1000),
		FallbackDeposit: getInt64Env("FALLBACK_DEPOSIT", 5),

		ForkPolicy: getEnv("FORK_POLICY", "include-parent"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getScopeEnv(key, defaultValue string) string {
	if value := getEnv(key, defaultValue); value != "none" {
		return value
	}
	return ""
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

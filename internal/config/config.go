package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	Port         string
	StoreBackend string
	DatabaseURL  string
	RedisURL     string

	WebhooksEnabled   bool
	MaxAttempts       int
	DeliveryTimeout   time.Duration
	MaxPendingRetries int

	MaxHeaders        int
	MaxHeaderValueLen int

	RequireAuth bool
	AuthChecks  []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),

		WebhooksEnabled:   getEnvBool("WEBHOOKS_ENABLED", true),
		MaxAttempts:       getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		DeliveryTimeout:   getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		MaxPendingRetries: getEnvInt("WEBHOOK_MAX_PENDING_RETRIES", 100),

		MaxHeaders:        getEnvInt("WEBHOOK_MAX_HEADERS", 50),
		MaxHeaderValueLen: getEnvInt("WEBHOOK_MAX_HEADER_VALUE_LEN", 1000),

		RequireAuth: getEnvBool("WEBHOOK_REQUIRE_AUTH", false),
		AuthChecks:  getEnvList("AUTH_CHECKS", []string{"spf", "dkim", "dmarc"}),
	}

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required for the redis backend")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// Package config loads the host process's environment-driven configuration:
// performance monitor limits, RPC limits, and persistence backend
// selection, following the teacher's env-var-driven Load() pattern.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds Tapestry host configuration.
type Config struct {
	ExtensionsRoot string
	LogLevel       string

	PersistenceBackend string // "file" | "sqlite" | "postgres"
	PersistenceRoot    string
	PostgresDSN        string
	SQLitePath         string

	RateLimitBackend string // "memory" | "redis"
	RedisAddr        string

	MaxExtensions           int
	MaxDependencyDepth      int
	MaxTemplateSize         int
	MaxTemplateNodes        int
	MaxActivationTimePerExt time.Duration

	JWTSigningKey string
}

// Load reads configuration from the environment, applying the same
// defaults spec §4.10 and §4.8 name for the limits.
func Load() *Config {
	return &Config{
		ExtensionsRoot: envOr("TAPESTRY_EXTENSIONS_ROOT", "./extensions"),
		LogLevel:       envOr("TAPESTRY_LOG_LEVEL", "INFO"),

		PersistenceBackend: envOr("TAPESTRY_PERSISTENCE_BACKEND", "file"),
		PersistenceRoot:    envOr("TAPESTRY_PERSISTENCE_ROOT", "./data/persistence"),
		PostgresDSN:        os.Getenv("TAPESTRY_POSTGRES_DSN"),
		SQLitePath:         envOr("TAPESTRY_SQLITE_PATH", "./data/tapestry.db"),

		RateLimitBackend: envOr("TAPESTRY_RATELIMIT_BACKEND", "memory"),
		RedisAddr:        os.Getenv("TAPESTRY_REDIS_ADDR"),

		MaxExtensions:           envOrInt("TAPESTRY_MAX_EXTENSIONS", 200),
		MaxDependencyDepth:      envOrInt("TAPESTRY_MAX_DEPENDENCY_DEPTH", 50),
		MaxTemplateSize:         envOrInt("TAPESTRY_MAX_TEMPLATE_SIZE", 100*1024),
		MaxTemplateNodes:        envOrInt("TAPESTRY_MAX_TEMPLATE_NODES", 1000),
		MaxActivationTimePerExt: envOrDuration("TAPESTRY_MAX_ACTIVATION_TIME", 5*time.Second),

		JWTSigningKey: envOr("TAPESTRY_JWT_SIGNING_KEY", "dev-signing-key-change-me"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

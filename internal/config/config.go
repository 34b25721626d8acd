package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	DatabaseURL      string
	Port             string
	MetricsAddr      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	CacheTTL         time.Duration
	PollInterval     time.Duration
	StaleLockTimeout time.Duration
	MaxAttempts      int
	InstanceID       string
	LogLevel         string
}

// Load reads configuration from environment variables, honoring a local .env
// file when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		Port:             getEnv("PORT", "3000"),
		MetricsAddr:      getEnv("METRICS_ADDR", ":9090"),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		CacheTTL:         getEnvMillis("CACHE_TTL_MS", 5*time.Minute),
		PollInterval:     getEnvMillis("WORKER_POLL_INTERVAL_MS", 5*time.Second),
		StaleLockTimeout: getEnvMillis("WORKER_STALE_LOCK_TIMEOUT_MS", 5*time.Minute),
		MaxAttempts:      getEnvInt("WORKER_MAX_ATTEMPTS", 3),
		InstanceID:       getEnv("WORKER_INSTANCE_ID", defaultInstanceID()),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return cfg, nil
}

func defaultInstanceID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

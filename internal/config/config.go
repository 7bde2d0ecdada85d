package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"dm-service/internal/conversation"
	"dm-service/internal/repositories"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds dm-service configuration loaded from environment.
type Config struct {
	Env              string
	Port             string
	GRPCAddr         string
	StoreDriver      string
	DatabaseDSN      string
	RedisURL         string
	AMQPURL          string
	AMQPExchange     string
	OTLPEndpoint     string
	SupportAlias     string
	SupportName      string
	SupportEmail     string
	UnreadStrategy   repositories.UnreadStrategy
	QueueEnabled     bool
	AsynqConcurrency int
	CORSOrigins      []string
	StaticUsers      string
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		Env:              getEnv("APP_ENV", "dev"),
		Port:             getEnv("PORT", "8083"),
		GRPCAddr:         getEnv("GRPC_ADDR", ":9093"),
		StoreDriver:      strings.ToLower(getEnv("STORE_DRIVER", DriverMemory)),
		DatabaseDSN:      strings.TrimSpace(os.Getenv("DB_DSN")),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		AMQPURL:          strings.TrimSpace(os.Getenv("AMQP_URL")),
		AMQPExchange:     getEnv("AMQP_EXCHANGE", "dm.events"),
		OTLPEndpoint:     strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		SupportAlias:     getEnv("SUPPORT_ALIAS", conversation.DefaultSupportAlias),
		SupportName:      getEnv("SUPPORT_NAME", "Support"),
		SupportEmail:     strings.TrimSpace(os.Getenv("SUPPORT_EMAIL")),
		AsynqConcurrency: parseIntWithDefault(strings.TrimSpace(os.Getenv("ASYNQ_CONCURRENCY")), 10),
		CORSOrigins:      splitAndTrim(getEnv("CORS_ORIGINS", "*")),
		StaticUsers:      strings.TrimSpace(os.Getenv("STATIC_USERS")),
	}

	strategy, err := repositories.ParseUnreadStrategy(strings.TrimSpace(os.Getenv("UNREAD_STRATEGY")))
	if err != nil {
		return Config{}, fmt.Errorf("invalid UNREAD_STRATEGY: %w", err)
	}
	cfg.UnreadStrategy = strategy

	queueEnabled, err := parseBool("QUEUE_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueEnabled = queueEnabled

	switch cfg.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.DatabaseDSN == "" {
			return Config{}, fmt.Errorf("DB_DSN is required for STORE_DRIVER=%s", cfg.StoreDriver)
		}
	case DriverRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL is required for STORE_DRIVER=%s", cfg.StoreDriver)
		}
	default:
		return Config{}, fmt.Errorf("unsupported STORE_DRIVER: %s", cfg.StoreDriver)
	}
	if cfg.QueueEnabled && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL is required when QUEUE_ENABLED is set")
	}
	if cfg.QueueEnabled && cfg.StoreDriver == DriverMemory {
		return Config{}, fmt.Errorf("QUEUE_ENABLED needs a shared store, STORE_DRIVER=%s is process-local", cfg.StoreDriver)
	}
	if strings.TrimSpace(cfg.SupportAlias) == "" {
		return Config{}, fmt.Errorf("SUPPORT_ALIAS must not be blank")
	}
	return cfg, nil
}

// Dev reports whether the service runs in a local development environment.
func (c Config) Dev() bool {
	return c.Env == "dev" || c.Env == "local"
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func parseIntWithDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func parseBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

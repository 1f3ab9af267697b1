package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 10000
)

type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	SurrealEndpoint  string
	SurrealNamespace string
	SurrealDatabase  string
	SurrealTable     string
	SurrealUser      string
	SurrealPassword  string

	// Optional. When empty the migration event feed is disabled.
	RabbitMQURL string

	LogLevel    string
	LogFormat   string
	BatchSize   int
	MetricsPort string
}

// Load reads the environment (plus an optional .env file) and validates the
// variables both binaries cannot run without. Missing values are reported
// together so a broken deployment fails with one complete message.
func Load() (*Config, error) {
	_ = godotenv.Load()

	batchSize := getEnvInt("BATCH_SIZE", 500)
	if batchSize > MaxBatchSize {
		slog.Warn("BATCH_SIZE exceeds safety limit. Clamping to maximum", "requested", batchSize, "limit", MaxBatchSize)
		batchSize = MaxBatchSize
	} else if batchSize < MinBatchSize {
		batchSize = MinBatchSize
	}

	cfg := &Config{
		PostgresHost:     getEnv("POSTGRES_HOST", ""),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", ""),
		PostgresUser:     getEnv("POSTGRES_USER", ""),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "require"),

		SurrealEndpoint:  getEnv("SURREAL_ENDPOINT", ""),
		SurrealNamespace: getEnv("SURREAL_NAMESPACE", "auth"),
		SurrealDatabase:  getEnv("SURREAL_DATABASE", "authdb"),
		SurrealTable:     getEnv("SURREAL_TABLE", "auth_user"),
		SurrealUser:      getEnv("SURREAL_USER", ""),
		SurrealPassword:  getEnv("SURREAL_PASSWORD", ""),

		RabbitMQURL: getEnv("RABBITMQ_URL", ""),

		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		LogFormat:   getEnv("LOG_FORMAT", "TEXT"),
		BatchSize:   batchSize,
		MetricsPort: getEnv("METRICS_PORT", "9090"),
	}

	var missing []string
	for name, value := range map[string]string{
		"POSTGRES_HOST":     cfg.PostgresHost,
		"POSTGRES_DATABASE": cfg.PostgresDatabase,
		"POSTGRES_USER":     cfg.PostgresUser,
		"POSTGRES_PASSWORD": cfg.PostgresPassword,
		"SURREAL_ENDPOINT":  cfg.SurrealEndpoint,
	} {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("configuration errors: %s not set", strings.Join(missing, ", "))
	}

	return cfg, nil
}

// PostgresDSN assembles the source connection string from the discrete
// variables, escaping credentials properly.
func (c *Config) PostgresDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     net.JoinHostPort(c.PostgresHost, c.PostgresPort),
		Path:     c.PostgresDatabase,
		RawQuery: "sslmode=" + url.QueryEscape(c.PostgresSSLMode),
	}
	return u.String()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

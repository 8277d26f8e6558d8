package config

import (
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	DB_USERNAME string
	DB_PASSWORD string
	DB_HOST     string
	DB_PORT     string
	DB_NAME     string
	DISABLE_TLS string

	LOG_LEVEL string

	// Tracing. TRACES_FILE is used only when no collector endpoint is set.
	OTEL_EXPORTER_OTLP_ENDPOINT string
	TRACES_FILE                 string
}

func ReadConfig() *Config {
	return &Config{
		DB_USERNAME: os.Getenv("DB_USERNAME"),
		DB_PASSWORD: os.Getenv("DB_PASSWORD"),
		DB_HOST:     getEnvOrDefault("DB_HOST", "localhost"),
		DB_PORT:     getEnvOrDefault("DB_PORT", "5432"),
		DB_NAME:     os.Getenv("DB_NAME"),
		DISABLE_TLS: os.Getenv("DISABLE_TLS"),

		LOG_LEVEL: getEnvOrDefault("LOG_LEVEL", "info"),

		OTEL_EXPORTER_OTLP_ENDPOINT: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TRACES_FILE:                 os.Getenv("TRACES_FILE"),
	}
}

// LogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.LOG_LEVEL) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

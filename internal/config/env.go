// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hireloop/agentcore/internal/app"
	"github.com/hireloop/agentcore/internal/email"
	"github.com/hireloop/agentcore/internal/llm"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// FromEnv builds the shared app configuration.
func FromEnv() app.Config {
	return app.Config{
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		RedisURL:      os.Getenv("REDIS_URL"),
		ClickHouseDSN: os.Getenv("CLICKHOUSE_DSN"),
		RoutesFile:    os.Getenv("AGENTCORE_ROUTES_FILE"),
		AgentEndpoint: os.Getenv("AGENT_ENDPOINT"),
		LLM: llm.Config{
			Endpoint: os.Getenv("LLM_ENDPOINT"),
			APIKey:   os.Getenv("LLM_API_KEY"),
			Model:    os.Getenv("LLM_MODEL"),
		},
		SMTP: email.SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     EnvOrDefaultInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
		},
		VerifyDelay:    EnvOrDefaultDuration("BRAKE_VERIFY_DELAY", 30*time.Second),
		SliceTimeout:   EnvOrDefaultDuration("BRIEFING_SLICE_TIMEOUT", 15*time.Second),
		SummaryTimeout: EnvOrDefaultDuration("BRIEFING_SUMMARY_TIMEOUT", 30*time.Second),
		CacheTTL:       EnvOrDefaultDuration("BRIEFING_CACHE_TTL", 48*time.Hour),
		RetryDelay:     EnvOrDefaultDuration("BRIEFING_RETRY_DELAY", time.Hour),
		ContextTTL:     EnvOrDefaultDuration("USER_CONTEXT_TTL", 5*time.Minute),
	}
}

// ServiceKeyHashes splits AGENTCORE_SERVICE_KEY_HASH on commas so keys can
// be rotated with two hashes live.
func ServiceKeyHashes() []string {
	v := os.Getenv("AGENTCORE_SERVICE_KEY_HASH")
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func MustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func EnvOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// EnvOrDefaultDuration accepts Go duration strings such as "90s" or "48h".
func EnvOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

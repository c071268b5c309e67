// Package config reads the worker and CLI configuration from environment
// variables.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string

	// Runtime scoping. Empty or "false" is prod, "true" is the default beta
	// tag, anything else is used as the tag verbatim.
	BetaTag string

	// Completion provider: openai, anthropic or ollama.
	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string

	DefaultModel string
	TaskModel    string

	// Telegram chat feedback. An empty token disables the transport and the
	// worker logs outbound chat calls instead.
	TelegramBotToken string
	TelegramAPIURL   string

	// PromptsDir holds the operator-defined custom prompt files.
	PromptsDir string

	// WebBaseURL is the public base used when rewriting attachment
	// references for model input.
	WebBaseURL string

	// DefaultProjectName is assigned to sessions closed without a project.
	DefaultProjectName string

	// Worker
	SweepInterval  time.Duration
	WorkerPollRate time.Duration
	ListenAddr     string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "voicedesk"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "voicedesk"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),

		BetaTag: getEnv("VOICEDESK_BETA_TAG", ""),

		LLMProvider: getEnv("VOICEDESK_LLM_PROVIDER", "openai"),
		LLMAPIKey:   getEnv("VOICEDESK_LLM_API_KEY", os.Getenv("OPENAI_API_KEY")),
		LLMBaseURL:  getEnv("VOICEDESK_LLM_BASE_URL", ""),

		DefaultModel: getEnv("VOICEDESK_DEFAULT_MODEL", "gpt-4.1"),
		TaskModel:    getEnv("VOICEDESK_TASK_MODEL", ""),

		TelegramBotToken: getEnv("VOICEDESK_TELEGRAM_BOT_TOKEN", ""),
		TelegramAPIURL:   getEnv("VOICEDESK_TELEGRAM_API_URL", ""),

		PromptsDir: getEnv("VOICEDESK_PROMPTS_DIR", "prompts"),
		WebBaseURL: getEnv("VOICEDESK_WEB_BASE_URL", ""),

		DefaultProjectName: getEnv("VOICEDESK_DEFAULT_PROJECT", "PMO"),

		SweepInterval:  getDuration("VOICEDESK_SWEEP_INTERVAL", 15*time.Second),
		WorkerPollRate: getDuration("VOICEDESK_POLL_RATE", time.Second),
		ListenAddr:     getEnv("VOICEDESK_LISTEN_ADDR", ":8090"),

		LogFile:  getEnv("VOICEDESK_LOG_FILE", "/tmp/voicedesk.log"),
		LogLevel: parseLogLevel(getEnv("VOICEDESK_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	// Bare numbers mean seconds.
	if n, err := strconv.Atoi(val); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

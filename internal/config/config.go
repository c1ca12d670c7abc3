// Package config provides configuration for the session server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Storage
	DatabaseURL   string
	WorkspaceRoot string
	EnginesFile   string

	// Agent settings
	AgentURL     string
	AgentTimeout time.Duration

	// Run pipeline
	PatchDebounce   time.Duration
	WatchPolicyFile string

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBufferSize int

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		HTTPPort:        getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:     getEnv("DATABASE_URL", "file:studio.db?cache=shared&mode=rwc"),
		WorkspaceRoot:   getEnv("WORKSPACE_ROOT", "./workspaces"),
		EnginesFile:     getEnv("ENGINES_FILE", ""),
		AgentURL:        getEnv("AGENT_URL", "http://localhost:4096"),
		AgentTimeout:    time.Duration(getEnvInt("AGENT_TIMEOUT_MS", 900000)) * time.Millisecond,
		PatchDebounce:   time.Duration(getEnvInt("PATCH_DEBOUNCE_MS", 100)) * time.Millisecond,
		WatchPolicyFile: getEnv("WATCH_POLICY_FILE", ""),
		PingInterval:    time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:    time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:     time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:  int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 16<<20)),
		SendBufferSize:  getEnvInt("SEND_BUFFER_SIZE", 256),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	UpstreamURL    string
	UpstreamAPIKey string
	UpstreamModel  string
	Voice          string
	Instructions   string

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReconnectAttempts int
	ReconnectBase     time.Duration

	MinSpeechDuration time.Duration
	ResponseDebounce  time.Duration

	SessionInactivityTimeout time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("BRIDGE_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("BRIDGE_METRICS_NAMESPACE", "voicebridge"),
		LogLevel:                 envOrDefault("BRIDGE_LOG_LEVEL", "info"),
		LogFormat:                envOrDefault("BRIDGE_LOG_FORMAT", "json"),
		UpstreamURL:              envOrDefault("UPSTREAM_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		UpstreamAPIKey:           trimEnv("UPSTREAM_API_KEY"),
		UpstreamModel:            envOrDefault("UPSTREAM_MODEL", "gpt-4o-realtime-preview"),
		Voice:                    envOrDefault("UPSTREAM_VOICE", "alloy"),
		Instructions:             trimEnv("UPSTREAM_INSTRUCTIONS"),
		DatabaseURL:              trimEnv("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
		ConnectTimeout:           10 * time.Second,
		HeartbeatInterval:        30 * time.Second,
		ReconnectAttempts:        3,
		ReconnectBase:            time.Second,
		MinSpeechDuration:        150 * time.Millisecond,
		ResponseDebounce:         500 * time.Millisecond,
		SessionInactivityTimeout: 2 * time.Minute,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("BRIDGE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ConnectTimeout, err = durationFromEnv("BRIDGE_CONNECT_TIMEOUT", cfg.ConnectTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = durationFromEnv("BRIDGE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectAttempts, err = intFromEnv("BRIDGE_RECONNECT_ATTEMPTS", cfg.ReconnectAttempts); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectBase, err = durationFromEnv("BRIDGE_RECONNECT_BASE", cfg.ReconnectBase); err != nil {
		return Config{}, err
	}
	if cfg.MinSpeechDuration, err = durationFromEnv("BRIDGE_MIN_SPEECH", cfg.MinSpeechDuration); err != nil {
		return Config{}, err
	}
	if cfg.ResponseDebounce, err = durationFromEnv("BRIDGE_RESPONSE_DEBOUNCE", cfg.ResponseDebounce); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("BRIDGE_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("BRIDGE_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}

	if cfg.ReconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_RECONNECT_ATTEMPTS must be positive")
	}
	if cfg.ReconnectBase <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_RECONNECT_BASE must be positive")
	}
	if cfg.ConnectTimeout < time.Second {
		return Config{}, fmt.Errorf("BRIDGE_CONNECT_TIMEOUT must be at least 1s")
	}
	if cfg.HeartbeatInterval < 5*time.Second {
		return Config{}, fmt.Errorf("BRIDGE_HEARTBEAT_INTERVAL must be at least 5s")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("BRIDGE_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MinSpeechDuration <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_MIN_SPEECH must be positive")
	}
	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		return Config{}, fmt.Errorf("UPSTREAM_REALTIME_URL must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

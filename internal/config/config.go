// Package config loads and validates the session runtime's configuration
// from environment variables, grounded on the teacher's getEnv* family and
// derivation style in config.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the session runtime needs at startup.
type Config struct {
	// HTTP/WebSocket transport (ambient).
	Port              int
	Host              string
	AllowedOrigins    []string
	HTTPReadTimeout   time.Duration
	HTTPWriteTimeout  time.Duration
	HTTPIdleTimeout   time.Duration
	WSReadBufferSize  int
	WSWriteBufferSize int

	// JWT bearer-token auth (ambient, minimal per spec.md §1 non-goals).
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// Persistence and identity (ambient).
	DataDir string

	// Admission (C1, spec.md §6).
	PermissionGate          bool
	MaxSessionsPerWorkspace int
	MaxSessionsGlobal       int

	// Idle timeouts (C9, spec.md §6).
	SessionIdleTimeout   time.Duration
	WorkspaceIdleTimeout time.Duration

	// Event ring capacity (C9, spec.md §6).
	EventRingCapacity int

	// Stop timeouts (C7, spec.md §6).
	StopAbortTimeout      time.Duration
	StopAbortRetryTimeout time.Duration

	// External environment construction (C10, spec.md §6).
	RuntimePathEntries []string
	RuntimeEnv         map[string]string
}

// Load reads configuration from environment variables, applying the
// defaults named throughout spec.md.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnvInt("AGENTD_PORT", 8080),
		Host:              getEnv("AGENTD_HOST", "0.0.0.0"),
		AllowedOrigins:    getEnvStringSlice("ALLOWED_ORIGINS", nil),
		HTTPReadTimeout:   getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout:  getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:   getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "pid-agentd"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		DataDir: getEnv("AGENTD_DATA_DIR", "/var/lib/pid-agentd"),

		PermissionGate:          getEnvBool("PERMISSION_GATE", true),
		MaxSessionsPerWorkspace: getEnvInt("MAX_SESSIONS_PER_WORKSPACE", 3),
		MaxSessionsGlobal:       getEnvInt("MAX_SESSIONS_GLOBAL", 5),

		SessionIdleTimeout:   getEnvDurationMs("SESSION_IDLE_TIMEOUT_MS", 10*time.Minute),
		WorkspaceIdleTimeout: getEnvDurationMs("WORKSPACE_IDLE_TIMEOUT_MS", 30*time.Minute),

		EventRingCapacity: getEnvInt("EVENT_RING_CAPACITY", 256),

		StopAbortTimeout:      getEnvDurationMs("STOP_ABORT_TIMEOUT_MS", 10*time.Second),
		StopAbortRetryTimeout: getEnvDurationMs("STOP_ABORT_RETRY_TIMEOUT_MS", 10*time.Second),

		RuntimePathEntries: getEnvStringSlice("RUNTIME_PATH_ENTRIES", []string{
			"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin",
		}),
		RuntimeEnv: getEnvStringMap("RUNTIME_ENV"),
	}

	if cfg.Port <= 0 {
		return nil, fmt.Errorf("AGENTD_PORT must be positive, got %d", cfg.Port)
	}
	if cfg.MaxSessionsPerWorkspace <= 0 {
		return nil, fmt.Errorf("MAX_SESSIONS_PER_WORKSPACE must be positive, got %d", cfg.MaxSessionsPerWorkspace)
	}
	if cfg.MaxSessionsGlobal <= 0 {
		return nil, fmt.Errorf("MAX_SESSIONS_GLOBAL must be positive, got %d", cfg.MaxSessionsGlobal)
	}
	if cfg.EventRingCapacity <= 0 {
		return nil, fmt.Errorf("EVENT_RING_CAPACITY must be positive, got %d", cfg.EventRingCapacity)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvDurationMs reads a plain millisecond integer, matching the *Ms
// naming spec.md §6 uses for its timeout fields.
func getEnvDurationMs(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// getEnvStringMap parses a comma-separated KEY=VALUE list into a map,
// generalizing the teacher's getEnvStringSlice to the runtimeEnv shape C10
// needs.
func getEnvStringMap(key string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

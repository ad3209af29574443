package config

import (
	"testing"
	"time"
)

func clearAgentdEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AGENTD_PORT", "AGENTD_HOST", "ALLOWED_ORIGINS",
		"HTTP_READ_TIMEOUT", "HTTP_WRITE_TIMEOUT", "HTTP_IDLE_TIMEOUT",
		"WS_READ_BUFFER_SIZE", "WS_WRITE_BUFFER_SIZE",
		"JWKS_ENDPOINT", "JWT_AUDIENCE", "JWT_ISSUER",
		"AGENTD_DATA_DIR", "PERMISSION_GATE",
		"MAX_SESSIONS_PER_WORKSPACE", "MAX_SESSIONS_GLOBAL",
		"SESSION_IDLE_TIMEOUT_MS", "WORKSPACE_IDLE_TIMEOUT_MS",
		"EVENT_RING_CAPACITY", "STOP_ABORT_TIMEOUT_MS", "STOP_ABORT_RETRY_TIMEOUT_MS",
		"RUNTIME_PATH_ENTRIES", "RUNTIME_ENV",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAgentdEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if !cfg.PermissionGate {
		t.Errorf("PermissionGate = false, want true by default")
	}
	if cfg.MaxSessionsPerWorkspace != 3 {
		t.Errorf("MaxSessionsPerWorkspace = %d, want 3", cfg.MaxSessionsPerWorkspace)
	}
	if cfg.MaxSessionsGlobal != 5 {
		t.Errorf("MaxSessionsGlobal = %d, want 5", cfg.MaxSessionsGlobal)
	}
	if cfg.SessionIdleTimeout != 10*time.Minute {
		t.Errorf("SessionIdleTimeout = %v, want 10m", cfg.SessionIdleTimeout)
	}
	if cfg.WorkspaceIdleTimeout != 30*time.Minute {
		t.Errorf("WorkspaceIdleTimeout = %v, want 30m", cfg.WorkspaceIdleTimeout)
	}
	if cfg.EventRingCapacity != 256 {
		t.Errorf("EventRingCapacity = %d, want 256", cfg.EventRingCapacity)
	}
	if cfg.StopAbortTimeout != 10*time.Second || cfg.StopAbortRetryTimeout != 10*time.Second {
		t.Errorf("unexpected stop timeouts: %v / %v", cfg.StopAbortTimeout, cfg.StopAbortRetryTimeout)
	}
	if len(cfg.RuntimePathEntries) == 0 {
		t.Errorf("expected nonempty default RuntimePathEntries")
	}
	if cfg.RuntimeEnv != nil {
		t.Errorf("expected nil RuntimeEnv by default, got %v", cfg.RuntimeEnv)
	}
}

func TestLoadOverridesMillisecondFields(t *testing.T) {
	clearAgentdEnv(t)
	t.Setenv("SESSION_IDLE_TIMEOUT_MS", "5000")
	t.Setenv("WORKSPACE_IDLE_TIMEOUT_MS", "60000")
	t.Setenv("STOP_ABORT_TIMEOUT_MS", "2500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.SessionIdleTimeout != 5*time.Second {
		t.Errorf("SessionIdleTimeout = %v, want 5s", cfg.SessionIdleTimeout)
	}
	if cfg.WorkspaceIdleTimeout != time.Minute {
		t.Errorf("WorkspaceIdleTimeout = %v, want 1m", cfg.WorkspaceIdleTimeout)
	}
	if cfg.StopAbortTimeout != 2500*time.Millisecond {
		t.Errorf("StopAbortTimeout = %v, want 2.5s", cfg.StopAbortTimeout)
	}
}

func TestLoadPermissionGateDisabled(t *testing.T) {
	clearAgentdEnv(t)
	t.Setenv("PERMISSION_GATE", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.PermissionGate {
		t.Errorf("expected PermissionGate disabled")
	}
}

func TestLoadRejectsNonPositiveLimits(t *testing.T) {
	clearAgentdEnv(t)
	t.Setenv("MAX_SESSIONS_GLOBAL", "0")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for zero MAX_SESSIONS_GLOBAL")
	}
}

func TestGetEnvStringMapParsesPairs(t *testing.T) {
	clearAgentdEnv(t)
	t.Setenv("RUNTIME_ENV", "FOO=bar, BAZ=qux")

	got := getEnvStringMap("RUNTIME_ENV")
	want := map[string]string{"FOO": "bar", "BAZ": "qux"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("got[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestGetEnvStringSliceOverride(t *testing.T) {
	clearAgentdEnv(t)
	t.Setenv("RUNTIME_PATH_ENTRIES", "/opt/bin, /custom/bin")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	want := []string{"/opt/bin", "/custom/bin"}
	if len(cfg.RuntimePathEntries) != len(want) {
		t.Fatalf("got %v, want %v", cfg.RuntimePathEntries, want)
	}
	for i := range want {
		if cfg.RuntimePathEntries[i] != want[i] {
			t.Errorf("RuntimePathEntries[%d] = %q, want %q", i, cfg.RuntimePathEntries[i], want[i])
		}
	}
}

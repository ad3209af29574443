package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"invalid", slog.LevelInfo},
		{"  debug  ", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSetupWithConfig_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("info", "json", &buf)
	slog.Default().Info("hello", "key", "value")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if decoded["msg"] != "hello" {
		t.Fatalf("unexpected msg field: %v", decoded["msg"])
	}
}

func TestSetupWithConfig_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("info", "text", &buf)
	slog.Default().Info("hello")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text output with msg=hello, got %q", buf.String())
	}
}

func TestSetupWithConfig_NonTerminalWriterDefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("info", "", &buf)
	slog.Default().Info("hello")

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("expected default JSON output for non-file writer, got %q: %v", buf.String(), err)
	}
}

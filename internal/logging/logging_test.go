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
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_WritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(New(&buf, "debug"), "authz")

	logger.Debug("authorization granted", "caller", "abc")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if record["component"] != "authz" {
		t.Errorf("component = %v, want authz", record["component"])
	}
	if record["caller"] != "abc" {
		t.Errorf("caller = %v, want abc", record["caller"])
	}

	source, ok := record["source"].(map[string]any)
	if !ok {
		t.Fatalf("expected source attribute, got %v", record["source"])
	}
	file, _ := source["file"].(string)
	if !strings.HasPrefix(file, "internal/logging/") {
		t.Errorf("source file not shortened: %q", file)
	}
}

func TestNew_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record written at warn level: %q", buf.String())
	}

	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn record not written at warn level")
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/plxctl/plx/internal/config"
)

func TestNewFromConfig_NoFile(t *testing.T) {
	cfg := config.Default()
	var buf bytes.Buffer

	logger, closer, err := NewFromConfig(cfg, t.TempDir(), &buf, false)
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	if closer != nil {
		t.Error("Expected no closer when no file configured")
	}

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "msg=shown") {
		t.Errorf("expected text handler output, got: %s", out)
	}
}

func TestNewFromConfig_Verbose(t *testing.T) {
	cfg := config.Default()
	var buf bytes.Buffer

	logger, _, err := NewFromConfig(cfg, t.TempDir(), &buf, true)
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	logger.Debug("debug line")

	if !strings.Contains(buf.String(), "debug line") {
		t.Errorf("verbose should enable debug: %s", buf.String())
	}
}

func TestNewFromConfig_WithFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Logging.File = filepath.Join("logs", "nested", "plx.log")
	cfg.Logging.Format = config.LogFormatJSON
	cfg.Logging.Level = config.LogLevelInfo
	var buf bytes.Buffer

	logger, closer, err := NewFromConfig(cfg, dir, &buf, false)
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	if closer == nil {
		t.Fatal("Expected closer when file configured")
	}
	defer closer.Close()

	logger.Info("to both", "key", "value")

	data, err := os.ReadFile(filepath.Join(dir, "logs", "nested", "plx.log"))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log file should hold JSON: %v", err)
	}
	if entry["msg"] != "to both" || entry["key"] != "value" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Errorf("writer should also receive the entry")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    config.LogLevel
		expected slog.Level
	}{
		{config.LogLevelDebug, slog.LevelDebug},
		{config.LogLevelInfo, slog.LevelInfo},
		{config.LogLevelWarn, slog.LevelWarn},
		{config.LogLevelError, slog.LevelError},
		{"unknown", slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	logger := WithExecutor(WithOp(WithRun(base, "u1"), "execute"), "docker")
	logger.Info("step")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for key, want := range map[string]string{"run": "u1", "op": "execute", "executor": "docker"} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %s", key, entry[key], want)
		}
	}
}

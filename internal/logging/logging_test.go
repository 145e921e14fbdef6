package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := Logger()
	t.Cleanup(func() { SetLogger(prev) })

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return &buf
}

func TestEnrichCarriesEntityIDs(t *testing.T) {
	buf := captureJSON(t)

	ctx := ContextWithMonitorID(context.Background(), "mon-1")
	ctx = ContextWithRunID(ctx, "run-1")
	ctx = ContextWithTaskID(ctx, "task-1")
	Enrich(ctx, WithComponent("monitor")).Info("dispatched")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	want := map[string]string{
		"component":  "monitor",
		"monitor_id": "mon-1",
		"run_id":     "run-1",
		"task_id":    "task-1",
		"msg":        "dispatched",
	}
	for k, v := range want {
		if rec[k] != v {
			t.Errorf("%s = %v, want %q", k, rec[k], v)
		}
	}

	buf.Reset()
	Enrich(ContextWithRunID(ctx, ""), Logger()).Info("no run")
	if strings.Contains(buf.String(), "run_id") {
		t.Errorf("empty run id logged: %s", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	buf := captureJSON(t)
	WithComponent("scheduler").Warn("materialize failed", "recurring_task_id", "r1")

	line := buf.String()
	for _, want := range []string{`"component":"scheduler"`, `"recurring_task_id":"r1"`, `"level":"WARN"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitFileOutput(t *testing.T) {
	prev := Logger()
	t.Cleanup(func() { SetLogger(prev) })

	path := filepath.Join(t.TempDir(), "logs", "taskflow.log")
	if err := Init(&Config{Level: "debug", Format: "json", Output: path}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Logger().Debug("hello", "task_id", "t1")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"task_id":"t1"`) {
		t.Errorf("log file = %q, want task_id entry", data)
	}
}

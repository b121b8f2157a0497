package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON log line, got error: %v\nraw output: %s", err, buf.String())
	}
	return entry
}

// 状態遷移ログの属性がそのままJSONのキーになる。
func TestSetup_TransitionLogShape(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf).Warn("task rejected",
		slog.String("task_id", "t-456"),
		slog.String("actor_id", "u-123"),
		slog.String("from", "pending_approval"),
		slog.String("to", "in_progress"),
		slog.Int("assignees", 2),
	)

	entry := decodeLine(t, &buf)
	want := map[string]any{
		"msg":       "task rejected",
		"level":     "WARN",
		"task_id":   "t-456",
		"actor_id":  "u-123",
		"from":      "pending_approval",
		"to":        "in_progress",
		"assignees": float64(2),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected time field")
	}
}

func TestSetup_DropsDebug(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf).Debug("hub fan-out", slog.Int("subscribers", 3))

	if buf.Len() != 0 {
		t.Errorf("debug should be suppressed at the default level, got %s", buf.String())
	}
}

func TestSetupDefault_SetsGlobalLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupDefault(&buf)
	slog.Info("worker started", slog.String("channel", "task_events"))

	entry := decodeLine(t, &buf)
	if entry["msg"] != "worker started" || entry["channel"] != "task_events" {
		t.Errorf("entry = %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.name); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestConfigure_FiltersByLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	l, closer := Configure(&buf, Options{Level: "warn"})
	defer closer.Close()

	l.Info("hidden")
	l.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message should be written")
	}
	if slog.Default() != l {
		t.Error("Configure should install the logger as default")
	}
}

func TestConfigure_WritesToRotatingFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "taskboard.log")
	var buf bytes.Buffer
	l, closer := Configure(&buf, Options{Level: "info", File: path})

	l.Info("to both", slog.String("task_id", "t-1"))
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"task_id":"t-1"`) {
		t.Errorf("file output = %s", data)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Errorf("writer output = %s", buf.String())
	}
}

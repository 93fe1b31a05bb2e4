package log

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON %q: %v", buf.String(), err)
	}
	buf.Reset()
	return out
}

func TestSetup(t *testing.T) {
	Setup("DEBUG")
	if Get() == nil {
		t.Fatal("Logger should not be nil")
	}
}

func TestSetOutputRedirects(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })

	Info("hello", "n", 3)

	out := decodeLine(t, &buf)
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
	if out["n"] != float64(3) {
		t.Errorf("Expected n 3, got %v", out["n"])
	}
}

func TestSetLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetLevel("INFO")
		SetOutput(os.Stdout)
	})

	SetLevel("WARN")
	Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("Expected INFO to be filtered at WARN, got %q", buf.String())
	}
	Warn("kept")
	if out := decodeLine(t, &buf); out["level"] != "WARN" {
		t.Errorf("Expected level WARN, got %v", out["level"])
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })

	tests := []struct {
		name  string
		log   func()
		key   string
		value string
	}{
		{name: "component", log: func() { WithComponent("runner").Info("x") }, key: "component", value: "runner"},
		{name: "task", log: func() { WithTask("task-123").Info("x") }, key: "task_id", value: "task-123"},
		{name: "stream", log: func() { WithStream("stderr").Info("x") }, key: "stream", value: "stderr"},
	}
	for _, tt := range tests {
		tt.log()
		out := decodeLine(t, &buf)
		if out[tt.key] != tt.value {
			t.Errorf("%s: expected %s %q, got %v", tt.name, tt.key, tt.value, out[tt.key])
		}
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := parseLevel("verbose"); got.String() != "INFO" {
		t.Errorf("Expected INFO fallback, got %v", got)
	}
	if got := parseLevel("debug"); got.String() != "DEBUG" {
		t.Errorf("Expected DEBUG, got %v", got)
	}
}

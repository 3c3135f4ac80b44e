package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"ERROR", LevelError},
		{"unknown", LevelInfo}, // default
		{"", LevelInfo},        // default
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := ParseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{Level(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := tt.level.String(); result != tt.expected {
				t.Errorf("Level.String() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("json") != FormatJSON {
		t.Error("json should parse as FormatJSON")
	}
	if ParseFormat("text") != FormatText || ParseFormat("") != FormatText {
		t.Error("text and empty should parse as FormatText")
	}
}

func newBufferLogger(level Level, format Format) (*logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return newLogger(level, format, zapcore.AddSync(&buf)), &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output %q: %v", buf.String(), err)
	}
	return entry
}

func TestLoggerJSON(t *testing.T) {
	l, buf := newBufferLogger(LevelDebug, FormatJSON)

	l.Info("test message", "key1", "value1", "key2", 42)

	entry := decodeLine(t, buf)
	if entry["level"] != "info" {
		t.Errorf("Expected level=info, got %v", entry["level"])
	}
	if entry["msg"] != "test message" {
		t.Errorf("Expected msg='test message', got %v", entry["msg"])
	}
	if entry["key1"] != "value1" {
		t.Errorf("Expected key1=value1, got %v", entry["key1"])
	}
	if entry["key2"] != float64(42) { // JSON numbers are float64
		t.Errorf("Expected key2=42, got %v", entry["key2"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Error("Expected ts field")
	}
}

func TestLoggerText(t *testing.T) {
	l, buf := newBufferLogger(LevelDebug, FormatText)

	l.Info("test message", "key1", "value1")

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected INFO in output, got: %s", output)
	}
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected 'test message' in output, got: %s", output)
	}
	if !strings.Contains(output, `"key1": "value1"`) {
		t.Errorf("Expected key1 field in output, got: %s", output)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(LevelWarn, FormatText)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("Debug message should be filtered")
	}
	if strings.Contains(output, "info message") {
		t.Error("Info message should be filtered")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("Warn message should be present")
	}
	if !strings.Contains(output, "error message") {
		t.Error("Error message should be present")
	}
}

func TestSetLevelAffectsDerivedLoggers(t *testing.T) {
	l, buf := newBufferLogger(LevelInfo, FormatJSON)
	child := l.WithFields("groupId", "g1")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("Debug should be filtered at info level, got %s", buf.String())
	}

	if !SetLevel(l, LevelDebug) {
		t.Fatal("SetLevel should succeed for zap loggers")
	}
	child.Debug("visible")
	entry := decodeLine(t, buf)
	if entry["msg"] != "visible" || entry["groupId"] != "g1" {
		t.Errorf("unexpected entry %v", entry)
	}

	if SetLevel(NewNop(), LevelDebug) {
		t.Error("SetLevel should report false for the nop logger")
	}
}

func TestLoggerWithRequestID(t *testing.T) {
	l, buf := newBufferLogger(LevelDebug, FormatJSON)

	l.WithRequestID("req-123").Info("test message")

	entry := decodeLine(t, buf)
	if entry["request_id"] != "req-123" {
		t.Errorf("Expected request_id=req-123, got %v", entry["request_id"])
	}
}

func TestLoggerCloneIsolation(t *testing.T) {
	l, buf := newBufferLogger(LevelDebug, FormatJSON)

	child := l.WithFields("child_field", "value")

	l.Info("parent message")
	parentEntry := decodeLine(t, buf)
	if _, ok := parentEntry["child_field"]; ok {
		t.Error("Parent logger should not have child's fields")
	}

	buf.Reset()
	child.Info("child message")
	childEntry := decodeLine(t, buf)
	if childEntry["child_field"] != "value" {
		t.Errorf("Child logger should have its fields, got %v", childEntry["child_field"])
	}
}

func TestNewLogger(t *testing.T) {
	l := New(Config{Level: "debug", Format: "json", Output: "stderr"})
	if l == nil {
		t.Fatal("New returned nil")
	}
	if NewDefault() == nil {
		t.Fatal("NewDefault returned nil")
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNop()

	// These should not panic
	l.Debug("test")
	l.Info("test")
	l.Warn("test")
	l.Error("test")

	if l.WithRequestID("req-123") == nil {
		t.Error("WithRequestID returned nil")
	}
	if l.WithFields("key", "value") == nil {
		t.Error("WithFields returned nil")
	}
	if err := Sync(l); err != nil {
		t.Errorf("Sync on nop logger: %v", err)
	}
}

func TestLoggerAllLevels(t *testing.T) {
	l, buf := newBufferLogger(LevelDebug, FormatJSON)

	tests := []struct {
		logFunc func(string, ...interface{})
		level   string
	}{
		{l.Debug, "debug"},
		{l.Info, "info"},
		{l.Warn, "warn"},
		{l.Error, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			buf.Reset()
			tt.logFunc("test message")

			entry := decodeLine(t, buf)
			if entry["level"] != tt.level {
				t.Errorf("Expected level=%s, got %v", tt.level, entry["level"])
			}
		})
	}
}

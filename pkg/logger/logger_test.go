package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"extbridge/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "extension.sandbox", "extension", "echo").Info("Extension event", "sandbox_id", "7", "ok", true)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Extension event" {
		t.Fatalf("message = %q, want %q", entry.Message, "Extension event")
	}
	if entry.Component != "extension.sandbox" {
		t.Fatalf("component = %q, want %q", entry.Component, "extension.sandbox")
	}
	if entry.Extension != "echo" {
		t.Fatalf("extension = %q, want %q", entry.Extension, "echo")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if entry.SandboxID != "7" {
		t.Fatalf("sandbox_id = %q, want %q", entry.SandboxID, "7")
	}
	if _, ok := entry.Fields["sandbox_id"]; ok {
		t.Fatal("sandbox_id should not be repeated in fields")
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
	}
}

func TestLoggerJSONRendersErrorsAndGroups(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.WithGroup("call").Warn("Invoke failed", "error", errors.New("method missing"), "elapsed", 1500*time.Millisecond)

	var entry LogEntry
	if err := json.Unmarshal(out.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if got := entry.Fields["call.error"]; got != "method missing" {
		t.Fatalf("fields.call.error = %v, want %q", got, "method missing")
	}
	if got := entry.Fields["call.elapsed"]; got != "1.5s" {
		t.Fatalf("fields.call.elapsed = %v, want %q", got, "1.5s")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envLogFormat, "text")
	defer unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerRejectsUnknownSettings(t *testing.T) {
	unsetLoggingEnv(t)

	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := newWithWriter(config.LoggingConfig{Level: "trace"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLineWriterSplitsLines(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	w := NewLineWriter(log.With("extension", "echo"), slog.LevelWarn, "stderr")
	if _, err := w.Write([]byte("first\r\nsec")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := w.Write([]byte("ond\n\n  \nthi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d log lines, want 3:\n%s", len(lines), out.String())
	}

	var messages []string
	for _, line := range lines {
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log entry: %v", err)
		}
		if entry.Level != "warn" {
			t.Fatalf("level = %q, want warn", entry.Level)
		}
		if entry.Extension != "echo" || entry.Fields["stream"] != "stderr" {
			t.Fatalf("attribution missing: %+v", entry)
		}
		messages = append(messages, entry.Message)
	}
	if strings.Join(messages, ",") != "first,second,thi" {
		t.Fatalf("messages = %v", messages)
	}
}

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	_ = os.Unsetenv(envLogLevel)
	_ = os.Unsetenv(envLogFormat)
	_ = os.Unsetenv(envLogAddSource)
}

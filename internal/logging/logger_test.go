package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{
			name:   "default config",
			config: nil,
		},
		{
			name: "debug level",
			config: &Config{
				Level:  LevelDebug,
				Output: &bytes.Buffer{},
			},
		},
		{
			name: "error level",
			config: &Config{
				Level:  LevelError,
				Output: &bytes.Buffer{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("expected debug/info to be filtered at LevelWarn, got: %s", buf.String())
	}

	logger.Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}
}

func TestLoggerArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("connection established", "app_id", 42, "alpn", "simple")

	output := buf.String()
	if !strings.Contains(output, "app_id=42") {
		t.Errorf("expected app_id=42 in output, got: %s", output)
	}
	if !strings.Contains(output, "alpn=simple") {
		t.Errorf("expected alpn=simple in output, got: %s", output)
	}
}

func TestLoggerPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Errorf("send failed for app %d: %v", 7, "would block")

	output := buf.String()
	if !strings.Contains(output, "send failed for app 7: would block") {
		t.Errorf("expected formatted message, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	t.Cleanup(func() { SetDefault(NewLogger(nil)) })

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}

	buf.Reset()
	Errorf("op %s failed", "bind")
	if !strings.Contains(buf.String(), "op bind failed") {
		t.Errorf("expected formatted error message, got: %s", buf.String())
	}
}

package logger

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{"json format with info level", "info", "json", false},
		{"json format with debug level", "debug", "json", false},
		{"json format with warn level", "warn", "json", false},
		{"json format with error level", "error", "json", false},
		{"console format with info level", "info", "console", false},
		{"uppercase log level", "INFO", "json", false},
		{"invalid log level", "invalid", "json", true},
		{"invalid log format", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				if logger != nil {
					t.Error("expected nil logger on error")
				}
				return
			}
			if logger == nil {
				t.Fatal("logger is nil")
			}
			_ = logger.Sync()
		})
	}
}

func TestLoggerLevelEnabled(t *testing.T) {
	tests := []struct {
		name            string
		configLevel     string
		testLevel       zapcore.Level
		shouldBeEnabled bool
	}{
		{"debug level should enable debug", "debug", zapcore.DebugLevel, true},
		{"info level should not enable debug", "info", zapcore.DebugLevel, false},
		{"info level should enable info", "info", zapcore.InfoLevel, true},
		{"warn level should not enable info", "warn", zapcore.InfoLevel, false},
		{"error level should enable error", "error", zapcore.ErrorLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.configLevel, "json")
			if err != nil {
				t.Fatalf("Failed to create logger: %v", err)
			}
			defer logger.Sync()

			if enabled := logger.Core().Enabled(tt.testLevel); enabled != tt.shouldBeEnabled {
				t.Errorf("Level %s enabled = %v, want %v", tt.testLevel, enabled, tt.shouldBeEnabled)
			}
		})
	}
}

func TestNewWithFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agent.log")

	logger, err := New("info", "json", path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("hello file", zap.String("key", "value"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if len(data) == 0 {
		t.Error("log file is empty")
	}
}

func TestFileLoggerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abc", "log.log")

	l, closeFn, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger() error = %v", err)
	}
	l.Info("Updating to specific changeset", zap.String("id", "abc"))
	l.Debug("copying files", zap.Int("count", 3))
	l.Error("build failed", zap.String("error", "exit status 1"))
	if err := closeFn(); err != nil {
		t.Fatalf("close error = %v", err)
	}

	// Garbage lines are skipped.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0640)
	_, _ = f.WriteString("not json\n")
	_ = f.Close()

	entries, err := ReadEntries(path)
	if err != nil {
		t.Fatalf("ReadEntries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ReadEntries() returned %d entries, want 3", len(entries))
	}

	first := entries[0]
	if first.Message != "Updating to specific changeset" || first.Level != "info" {
		t.Errorf("entries[0] = %+v", first)
	}
	if first.Time.IsZero() {
		t.Error("entries[0].Time not parsed")
	}
	if first.Fields["id"] != "abc" {
		t.Errorf("entries[0].Fields = %v, want id=abc", first.Fields)
	}
	if entries[1].Fields["count"] != float64(3) {
		t.Errorf("entries[1].Fields = %v, want count=3", entries[1].Fields)
	}
	if entries[2].Level != "error" {
		t.Errorf("entries[2].Level = %q, want error", entries[2].Level)
	}
}

func TestReadEntriesMissingFile(t *testing.T) {
	entries, err := ReadEntries(filepath.Join(t.TempDir(), "missing.log"))
	if err != nil || entries != nil {
		t.Errorf("ReadEntries() = %v, %v; want nil, nil", entries, err)
	}
}

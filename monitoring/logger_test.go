package monitoring

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "server.log")
	logger, err := NewLogger(LoggerOptions{Level: "info", Format: "console", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("model loaded")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"model loaded"`) {
		t.Fatalf("expected json entry in log file, got %s", data)
	}
	if strings.Contains(string(data), "hidden") {
		t.Fatal("debug entry should be filtered at info level")
	}
}

func TestNewLoggerRejectsBadOptions(t *testing.T) {
	if _, err := NewLogger(LoggerOptions{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := NewLogger(LoggerOptions{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

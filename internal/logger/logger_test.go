package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestLogLevels(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		level    string
		expected []string
		excluded []string
	}{
		{
			level:    "error",
			expected: []string{`"level":"error"`},
			excluded: []string{`"level":"warn"`, `"level":"info"`, `"level":"debug"`},
		},
		{
			level:    "warn",
			expected: []string{`"level":"error"`, `"level":"warn"`},
			excluded: []string{`"level":"info"`, `"level":"debug"`},
		},
		{
			level:    "info",
			expected: []string{`"level":"error"`, `"level":"warn"`, `"level":"info"`},
			excluded: []string{`"level":"debug"`},
		},
		{
			level:    "debug",
			expected: []string{`"level":"error"`, `"level":"warn"`, `"level":"info"`, `"level":"debug"`},
			excluded: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logFile := filepath.Join(tempDir, tt.level+".log")

			cfg := FileConfig{
				Path:       logFile,
				MaxSizeMB:  10,
				MaxBackups: 1,
				MaxAgeDays: 1,
				Compress:   false,
			}

			if err := InitWithFileConfig(tt.level, cfg, false); err != nil {
				t.Fatalf("failed to init logger: %v", err)
			}

			Debug("debug message")
			Info("info message")
			Warn("warn message")
			Error("error message")

			Sync()

			content, err := os.ReadFile(logFile)
			if err != nil {
				t.Fatalf("failed to read log file: %v", err)
			}
			logContent := string(content)

			for _, exp := range tt.expected {
				if !strings.Contains(logContent, exp) {
					t.Errorf("expected %s in log output", exp)
				}
			}
			for _, exc := range tt.excluded {
				if strings.Contains(logContent, exc) {
					t.Errorf("unexpected %s in log output for level %s", exc, tt.level)
				}
			}
		})
	}
}

func TestNewStructuredFields(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "fields.log")

	log, err := New("debug", FileConfig{Path: logFile, MaxSizeMB: 1}, false)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	log.Named("pagecache").Info("refresh", zap.Int("activated", 3), zap.String("channel", "height"))
	_ = log.Sync()

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(content))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, content)
	}
	if entry["logger"] != "pagecache" {
		t.Errorf("expected logger name pagecache, got %v", entry["logger"])
	}
	if entry["activated"] != float64(3) {
		t.Errorf("expected activated=3, got %v", entry["activated"])
	}
	if entry["channel"] != "height" {
		t.Errorf("expected channel=height, got %v", entry["channel"])
	}
}

func TestNewWithoutOutputs(t *testing.T) {
	log, err := New("info", FileConfig{}, false)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	if log.Core().Enabled(zap.ErrorLevel) {
		t.Error("expected a no-op logger when no output is configured")
	}
}

func TestDefaultFileConfig(t *testing.T) {
	cfg := DefaultFileConfig("/tmp/test.log")

	if cfg.Path != "/tmp/test.log" {
		t.Errorf("expected path /tmp/test.log, got %s", cfg.Path)
	}
	if cfg.MaxSizeMB != 50 {
		t.Errorf("expected MaxSizeMB 50, got %d", cfg.MaxSizeMB)
	}
	if cfg.MaxBackups != 3 {
		t.Errorf("expected MaxBackups 3, got %d", cfg.MaxBackups)
	}
	if cfg.MaxAgeDays != 7 {
		t.Errorf("expected MaxAgeDays 7, got %d", cfg.MaxAgeDays)
	}
	if !cfg.Compress {
		t.Error("expected Compress to be true")
	}
}

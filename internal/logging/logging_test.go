package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNew_JSON tests level filtering and component attributes
func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closeLog, err := New(Options{Level: "warn", Format: "json", Stderr: &buf})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer closeLog()

	log := Component(logger, "export")
	log.Info("hidden")
	log.Warn("batch failed", "entity", "expenses", "batch", "E1..E9")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if rec["component"] != "export" || rec["entity"] != "expenses" || rec["batch"] != "E1..E9" {
		t.Errorf("record = %v", rec)
	}
}

// TestNew_File tests file output
func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsync.log")
	logger, closeLog, err := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	logger.Info("cycle finished", "steps", 4)
	if err := closeLog(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if !strings.Contains(string(data), `msg="cycle finished" steps=4`) {
		t.Errorf("log file = %q", data)
	}
}

// TestParseLevel tests level names
func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "", "warning", "error"} {
		if _, err := ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("New() should reject unknown formats")
	}
}

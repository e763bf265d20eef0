package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fieldops/opsync/internal/fold"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

// TestLoad_Defaults tests the built-in configuration
func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "opsync.yaml", "{}\n")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Primary.Driver != DriverSQLite || cfg.Sync.BatchSize != 499 || cfg.Sync.StepTimeout != 5*time.Minute {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Location().String() != "America/Edmonton" {
		t.Errorf("Location() = %v", cfg.Location())
	}
	if diff := cmp.Diff(fold.DefaultFamilies(), cfg.Families); diff != "" {
		t.Errorf("Families mismatch (-want +got):\n%s", diff)
	}
}

// TestLoad_FileAndEnv tests file values and environment overrides
func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, "opsync.yaml", `
primary:
  driver: mongo
  uri: mongodb://localhost:27017
  database: fieldops
sync:
  batch_size: 200
  step_timeout: 90s
schedule:
  cron: ["0 8 * * 1-5", "0 17 * * 1-5"]
families:
  - name: jobs
    staging: jobsWriteback
    dest: jobs
    pairs:
      - {source: _id, dest: _id}
    preserve: [totalHours]
    export: jobs
`)
	t.Setenv("OPSYNC_SYNC_BATCH_SIZE", "100")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Sync.BatchSize != 100 {
		t.Errorf("batch_size = %d, want env override 100", cfg.Sync.BatchSize)
	}
	if cfg.Sync.StepTimeout != 90*time.Second {
		t.Errorf("step_timeout = %v, want 90s", cfg.Sync.StepTimeout)
	}
	if cfg.Primary.Database != "fieldops" {
		t.Errorf("primary.database = %q", cfg.Primary.Database)
	}
	if diff := cmp.Diff([]string{"0 8 * * 1-5", "0 17 * * 1-5"}, cfg.Schedule.Cron); diff != "" {
		t.Errorf("schedule.cron mismatch (-want +got):\n%s", diff)
	}
	want := []fold.Family{{
		Name:     "jobs",
		Staging:  "jobsWriteback",
		Dest:     "jobs",
		Pairs:    []fold.FieldPair{{Source: fold.IDField, Dest: fold.IDField}},
		Preserve: []string{"totalHours"},
		Export:   "jobs",
	}}
	if diff := cmp.Diff(want, cfg.Families); diff != "" {
		t.Errorf("Families mismatch (-want +got):\n%s", diff)
	}
}

// TestValidate tests rejected configurations
func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"batch ceiling", "sync:\n  batch_size: 501\n", "sync.batch_size"},
		{"time zone", "sync:\n  time_zone: Mars/Olympus\n", "sync.time_zone"},
		{"driver", "primary:\n  driver: postgres\n", "primary.driver"},
		{"mongo uri", "primary:\n  driver: mongo\n", "primary.uri"},
		{"log format", "log:\n  format: xml\n", "log.format"},
		{"family", "families:\n  - name: x\n    staging: a\n    dest: a\n", "must differ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(New(), writeConfig(t, "opsync.yaml", tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want %q", err, tt.want)
			}
		})
	}
}

// TestLoad_MissingExplicitFile tests that a named config file must exist
func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() should fail for a missing explicit config file")
	}
}

// TestEncode tests yaml and toml output
func TestEncode(t *testing.T) {
	cfg, err := Load(New(), writeConfig(t, "opsync.toml", "[sync]\nbatch_size = 250\n"))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	var y bytes.Buffer
	if err := cfg.Encode(&y, "yaml"); err != nil {
		t.Fatalf("Encode(yaml) failed: %v", err)
	}
	for _, want := range []string{"batch_size: 250", "step_timeout: 5m0s", "staging: jobsWriteback"} {
		if !strings.Contains(y.String(), want) {
			t.Errorf("yaml output missing %q:\n%s", want, y.String())
		}
	}

	var tm bytes.Buffer
	if err := cfg.Encode(&tm, "toml"); err != nil {
		t.Fatalf("Encode(toml) failed: %v", err)
	}
	if !strings.Contains(tm.String(), "batch_size = 250") || !strings.Contains(tm.String(), "[[families]]") {
		t.Errorf("toml output:\n%s", tm.String())
	}

	if err := cfg.Encode(&tm, "ini"); err == nil {
		t.Error("Encode(ini) should fail")
	}
}

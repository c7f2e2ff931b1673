package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate(Defaults()) returned error: %v", err)
	}
}

// TestDefaultsMatchSpecTimeouts pins the numeric defaults to the bounded-
// wait/retry values spec.md §5/§4.6 documents explicitly, so a regression
// that quietly drifts one of these (e.g. back toward a round-number guess)
// fails loudly instead of merely passing Validate's range checks.
func TestDefaultsMatchSpecTimeouts(t *testing.T) {
	cfg := Defaults()

	cases := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"Timeouts.OpenMovePermWait", cfg.Timeouts.OpenMovePermWait, 600 * time.Second},
		{"Timeouts.CloseMovePermWait", cfg.Timeouts.CloseMovePermWait, 300 * time.Second},
		{"Timeouts.AutofocusAckTimeout", cfg.Timeouts.AutofocusAckTimeout, 60 * time.Second},
		{"Timeouts.ReadoutBeginTimeout", cfg.Timeouts.ReadoutBeginTimeout, 1200 * time.Second},
		{"Retry.CloseupBudget", cfg.Retry.CloseupBudget, 1800 * time.Second},
		{"Watcher.CooldownEmbargo", cfg.Watcher.CooldownEmbargo, 1800 * time.Second},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Fatalf("%s = %v, want %v (per spec.md §5/§4.6)", c.name, c.got, c.want)
		}
	}

	if cfg.Watcher.DeadmanThresholdSeconds != 120 {
		t.Fatalf("Watcher.DeadmanThresholdSeconds = %v, want 120 (spec.md §4.6 rule 6) — S7's"+
			" deadman_seconds=90 scenario requires a reset to fire at this default",
			cfg.Watcher.DeadmanThresholdSeconds)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
schema_version: "1"
node_id: telescope-1
watcher:
  tick_period: 2s
  wall_clock_guard_hour: 10
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("setup WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.NodeID != "telescope-1" {
		t.Fatalf("NodeID = %q, want telescope-1", cfg.NodeID)
	}
	if cfg.Watcher.WallClockGuardHour != 10 {
		t.Fatalf("Watcher.WallClockGuardHour = %d, want 10", cfg.Watcher.WallClockGuardHour)
	}
	// Fields absent from the file fall back to Defaults().
	if cfg.Retry.OpenAttempts != 2 {
		t.Fatalf("Retry.OpenAttempts = %d, want default 2", cfg.Retry.OpenAttempts)
	}
	if cfg.Storage.DBPath != DefaultDBPath {
		t.Fatalf("Storage.DBPath = %q, want default %q", cfg.Storage.DBPath, DefaultDBPath)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("Load() on missing file returned nil error")
	}
}

func TestValidateRejectsBadSchemaVersion(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	if err := Validate(&cfg); err == nil {
		t.Fatalf("Validate() with schema_version=2 returned nil error")
	}
}

func TestValidateRejectsEmptyNodeID(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = ""
	if err := Validate(&cfg); err == nil {
		t.Fatalf("Validate() with empty node_id returned nil error")
	}
}

func TestValidateRejectsRelativeDBPath(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.DBPath = "relative/path.db"
	if err := Validate(&cfg); err == nil {
		t.Fatalf("Validate() with relative db_path returned nil error")
	}
}

func TestValidateRejectsTooShortTickPeriod(t *testing.T) {
	cfg := Defaults()
	cfg.Watcher.TickPeriod = 10 * 1000000 // 10ms, below the 100ms floor
	if err := Validate(&cfg); err == nil {
		t.Fatalf("Validate() with a 10ms tick period returned nil error")
	}
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.Observability.LogLevel = "verbose"
	if err := Validate(&cfg); err == nil {
		t.Fatalf("Validate() with log_level=verbose returned nil error")
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "9"
	cfg.NodeID = ""
	cfg.Retry.OpenAttempts = 0
	err := Validate(&cfg)
	if err == nil {
		t.Fatalf("Validate() with multiple violations returned nil error")
	}
	msg := err.Error()
	for _, want := range []string{"schema_version", "node_id", "open_attempts"} {
		if !contains(msg, want) {
			t.Fatalf("error message %q missing expected substring %q", msg, want)
		}
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Package config provides configuration loading, validation, and
// defaulting for the duskwarden nightly supervisor.
//
// Configuration file: /etc/duskwarden/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (timeouts, retry counts, window sizes).
//   - The storage database path must be absolute.
//   - Invalid config on startup: the supervisor refuses to start.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for duskwarden.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this supervisor instance in logs and metrics.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	// Telemetry configures the Aggregator's moving-window sizes.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Timeouts configures the Action Executor's bounded waits.
	Timeouts TimeoutsConfig `yaml:"timeouts"`

	// Retry configures the Action Executor's retry/budget policy.
	Retry RetryConfig `yaml:"retry"`

	// Scripts names the external executables the Action Executor invokes.
	Scripts ScriptsConfig `yaml:"scripts"`

	// Watcher configures the Watcher Loop's timing parameters.
	Watcher WatcherConfig `yaml:"watcher"`

	// Storage configures the BoltDB phase/ledger store.
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// Operator configures the read-only status introspection socket.
	Operator OperatorConfig `yaml:"operator"`

	// Scheduler configures the external target-scheduler adapter.
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// TelemetryConfig holds the Aggregator's smoothing window sizes (§4.2).
type TelemetryConfig struct {
	// WindWindowSize is the sample count for the wind speed/direction
	// moving median. Default: 10.
	WindWindowSize int `yaml:"wind_window_size"`

	// SeeingWindowSize is the sample count for the FWHM moving median.
	// Default: 10.
	SeeingWindowSize int `yaml:"seeing_window_size"`

	// SlowdownWindowSize is the sample count for the guide-count-rate
	// slowdown estimator, including its neutral pre-seed. Default: 100.
	SlowdownWindowSize int `yaml:"slowdown_window_size"`
}

// TimeoutsConfig holds the Action Executor's bounded-wait parameters
// (§5, §7).
type TimeoutsConfig struct {
	// OpenMovePermWait bounds how long Open waits for move permission;
	// Open fails if permission is not granted within it. Default: 600s.
	OpenMovePermWait time.Duration `yaml:"open_move_perm_wait"`

	// CloseMovePermWait bounds how long Close waits for move permission;
	// Close proceeds regardless of the wait's outcome. Default: 300s.
	CloseMovePermWait time.Duration `yaml:"close_move_perm_wait"`

	// AutofocusAckTimeout bounds how long Observe waits for the
	// autofocus-enable keyword to be echoed back before failing.
	// Default: 60s.
	AutofocusAckTimeout time.Duration `yaml:"autofocus_ack_timeout"`

	// ReadoutBeginTimeout bounds how long KillRobot waits for the camera
	// to report ReadoutBegin before sending the abort anyway.
	// Default: 1200s.
	ReadoutBeginTimeout time.Duration `yaml:"readout_begin_timeout"`

	// ObsNumOverrideWait bounds how long the Sequencer's ObsInfo phase
	// waits for an operator-supplied observation number override.
	// Default: 15s.
	ObsNumOverrideWait time.Duration `yaml:"obsnum_override_wait"`
}

// RetryConfig holds the Action Executor's retry/budget policy (§4.3,
// §5).
type RetryConfig struct {
	// OpenAttempts is the total number of times Open runs its script
	// before giving up. Default: 2.
	OpenAttempts int `yaml:"open_attempts"`

	// OpenPause is the pause between Open attempts. Default: 10s.
	OpenPause time.Duration `yaml:"open_pause"`

	// CloseupBudget is the wall-clock budget Close has to succeed before
	// it reports failure. Default: 1800s.
	CloseupBudget time.Duration `yaml:"closeup_budget"`

	// CloseupRetryPause is the pause between Close retries. Default: 30s.
	CloseupRetryPause time.Duration `yaml:"closeup_retry_pause"`

	// CloseupMinRetries is the number of consecutive closeup failures
	// before they are logged at error level. Default: 3.
	CloseupMinRetries int `yaml:"closeup_min_retries"`
}

// ScriptsConfig names the external executables the Action Executor
// invokes. Their internals are out of scope — only exit codes and
// launch shape matter.
type ScriptsConfig struct {
	OpenSunset string `yaml:"open_sunset"`
	OpenNight  string `yaml:"open_night"`
	CloseUp    string `yaml:"closeup"`
	Calibrate  string `yaml:"calibrate"`
	FocusCube  string `yaml:"focus_cube"`
	Observe    string `yaml:"observe"`
}

// WatcherConfig holds the Watcher Loop's timing parameters (§5).
type WatcherConfig struct {
	// TickPeriod is the interval between decision-table evaluations.
	// Default: 1s.
	TickPeriod time.Duration `yaml:"tick_period"`

	// CooldownEmbargo is how long re-opening is suppressed after a
	// weather-close episode. Default: 1800s.
	CooldownEmbargo time.Duration `yaml:"cooldown_embargo"`

	// DispatchSettle is the minimum pause after dispatching an
	// observation before the next tick's decision runs. Default: 5s.
	DispatchSettle time.Duration `yaml:"dispatch_settle"`

	// DeadmanThresholdSeconds resets the hardware deadman timer once the
	// remaining time drops to or below this value. Default: 120.
	DeadmanThresholdSeconds float64 `yaml:"deadman_threshold_seconds"`

	// WallClockGuardHour is the local hour (0-23) during which the Watcher
	// Loop unconditionally terminates, guarding against a missed sunrise
	// detection. Default: 9.
	WallClockGuardHour int `yaml:"wall_clock_guard_hour"`

	// TOOPath is the target-of-opportunity trigger file path, checked
	// ahead of the fixed list and external scheduler. Default: TOO.txt.
	TOOPath string `yaml:"too_path"`
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB phase/ledger file.
	// Default: /var/lib/duskwarden/duskwarden.db.
	DBPath string `yaml:"db_path"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the read-only status socket's parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path the status CLI connects
	// to. Permissions: 0600. Default: /run/duskwarden/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the status socket is active. Default:
	// true.
	Enabled bool `yaml:"enabled"`
}

// SchedulerConfig holds the external target-scheduler adapter's
// parameters (§1 Non-goal: selection algorithm out of scope).
type SchedulerConfig struct {
	// TriggerPath is the file-backed reference Scheduler's watched path.
	// Default: /var/lib/duskwarden/next_starlist.
	TriggerPath string `yaml:"trigger_path"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Telemetry: TelemetryConfig{
			WindWindowSize:     10,
			SeeingWindowSize:   10,
			SlowdownWindowSize: 100,
		},
		Timeouts: TimeoutsConfig{
			OpenMovePermWait:    600 * time.Second,
			CloseMovePermWait:   300 * time.Second,
			AutofocusAckTimeout: 60 * time.Second,
			ReadoutBeginTimeout: 1200 * time.Second,
			ObsNumOverrideWait:  15 * time.Second,
		},
		Retry: RetryConfig{
			OpenAttempts:      2,
			OpenPause:         10 * time.Second,
			CloseupBudget:     1800 * time.Second,
			CloseupRetryPause: 30 * time.Second,
			CloseupMinRetries: 3,
		},
		Scripts: ScriptsConfig{
			OpenSunset: "/usr/local/bin/openatsunset",
			OpenNight:  "/usr/local/bin/openatnight",
			CloseUp:    "/usr/local/bin/closeup",
			Calibrate:  "/usr/local/bin/calibrate",
			FocusCube:  "/usr/local/bin/focuscube",
			Observe:    "/usr/local/bin/observe",
		},
		Watcher: WatcherConfig{
			TickPeriod:              1 * time.Second,
			CooldownEmbargo:         1800 * time.Second,
			DispatchSettle:          5 * time.Second,
			DeadmanThresholdSeconds: 120,
			WallClockGuardHour:      9,
			TOOPath:                 "TOO.txt",
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/duskwarden/operator.sock",
		},
		Scheduler: SchedulerConfig{
			TriggerPath: "/var/lib/duskwarden/next_starlist",
		},
	}
}

// DefaultDBPath mirrors the storage package constant for use in config defaults.
const DefaultDBPath = "/var/lib/duskwarden/duskwarden.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Telemetry.WindWindowSize < 1 {
		errs = append(errs, fmt.Sprintf("telemetry.wind_window_size must be >= 1, got %d", cfg.Telemetry.WindWindowSize))
	}
	if cfg.Telemetry.SeeingWindowSize < 1 {
		errs = append(errs, fmt.Sprintf("telemetry.seeing_window_size must be >= 1, got %d", cfg.Telemetry.SeeingWindowSize))
	}
	if cfg.Telemetry.SlowdownWindowSize < 1 {
		errs = append(errs, fmt.Sprintf("telemetry.slowdown_window_size must be >= 1, got %d", cfg.Telemetry.SlowdownWindowSize))
	}
	if cfg.Retry.OpenAttempts < 1 {
		errs = append(errs, fmt.Sprintf("retry.open_attempts must be >= 1, got %d", cfg.Retry.OpenAttempts))
	}
	if cfg.Retry.CloseupBudget < time.Minute {
		errs = append(errs, fmt.Sprintf("retry.closeup_budget must be >= 1m, got %s", cfg.Retry.CloseupBudget))
	}
	if cfg.Retry.CloseupMinRetries < 1 {
		errs = append(errs, fmt.Sprintf("retry.closeup_min_retries must be >= 1, got %d", cfg.Retry.CloseupMinRetries))
	}
	if cfg.Watcher.TickPeriod < 100*time.Millisecond {
		errs = append(errs, fmt.Sprintf("watcher.tick_period must be >= 100ms, got %s", cfg.Watcher.TickPeriod))
	}
	if cfg.Watcher.WallClockGuardHour < 0 || cfg.Watcher.WallClockGuardHour > 23 {
		errs = append(errs, fmt.Sprintf("watcher.wall_clock_guard_hour must be in [0, 23], got %d", cfg.Watcher.WallClockGuardHour))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if !strings.HasPrefix(cfg.Storage.DBPath, "/") {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

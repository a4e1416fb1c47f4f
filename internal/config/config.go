// Package config provides configuration types and defaults for steward.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration options for steward.
type Config struct {
	// DataDir is the root directory for the database, lock files, logs,
	// and session-state files. Default: ~/.steward
	DataDir string `mapstructure:"data_dir"`

	Queue      QueueConfig      `mapstructure:"queue"`
	Bus        BusConfig        `mapstructure:"bus"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Tracing    TracingConfig    `mapstructure:"tracing"`

	// RolesPath points at the role capability table (YAML). Empty means
	// the built-in role set.
	RolesPath string `mapstructure:"roles_path"`
}

// QueueConfig holds project queue and process supervision knobs.
// Each field has a corresponding environment variable override.
type QueueConfig struct {
	// MaxProcessRuntimeSec is the wall-clock deadline for a setup
	// subprocess. Env: MAX_PROCESS_RUNTIME_SEC.
	MaxProcessRuntimeSec int `mapstructure:"max_process_runtime_sec"`

	// HeartbeatTimeoutSec is how long a processing project may go without
	// a heartbeat before it is treated as phantom. Env: HEARTBEAT_TIMEOUT_SEC.
	HeartbeatTimeoutSec int `mapstructure:"heartbeat_timeout_sec"`

	// MaxTimeoutExtensions bounds how many times an active project's
	// deadline may be extended. Env: MAX_TIMEOUT_EXTENSIONS.
	MaxTimeoutExtensions int `mapstructure:"max_timeout_extensions"`

	// PhantomGracePeriodSec is the minimum age before a silent project is
	// eligible for the phantom sweep. Env: PHANTOM_GRACE_PERIOD_SEC.
	PhantomGracePeriodSec int `mapstructure:"phantom_grace_period_sec"`

	// StateSyncIntervalSec is the cadence of the status polling worker.
	// Env: STATE_SYNC_INTERVAL_SEC.
	StateSyncIntervalSec int `mapstructure:"state_sync_interval_sec"`

	// TickIntervalSec is the admission loop cadence; enqueue also kicks
	// the loop immediately.
	TickIntervalSec int `mapstructure:"tick_interval_sec"`

	// GraceSec is the window between the graceful stop signal and the
	// hard kill.
	GraceSec int `mapstructure:"grace_sec"`

	// MaxRSSMB caps the supervised process's resident set; 0 disables.
	MaxRSSMB int `mapstructure:"max_rss_mb"`

	// MaxRestartsPerHour bounds the agent auto-restart policy.
	MaxRestartsPerHour int `mapstructure:"max_restarts_per_hour"`
}

// BusConfig holds agent message bus knobs.
type BusConfig struct {
	// RateLimitPerMin is the per-agent leaky bucket budget. Critical and
	// above bypass it.
	RateLimitPerMin int `mapstructure:"rate_limit_per_min"`

	// DependencyTimeoutSec releases a dependency-gated message after the
	// dependency has been pending this long.
	DependencyTimeoutSec int `mapstructure:"dependency_timeout_sec"`

	// StalePulledSec requeues a pulled-but-unacked message after this long.
	StalePulledSec int `mapstructure:"stale_pulled_sec"`

	// MessageTTLSec expires pending messages this old during bus
	// maintenance. 0 disables expiry.
	MessageTTLSec int `mapstructure:"message_ttl_sec"`

	// EmergencyBypass forces critical+ traffic past every throttle even
	// when per-channel budgets are exhausted. Env: EMERGENCY_BYPASS.
	EmergencyBypass bool `mapstructure:"emergency_bypass"`

	// DisableFastLane turns off immediate admission kicks on enqueue,
	// falling back to the periodic tick only. Env: DISABLE_FAST_LANE.
	DisableFastLane bool `mapstructure:"disable_fast_lane"`
}

// SchedulerConfig holds check-in scheduler knobs.
type SchedulerConfig struct {
	// CheckinIntervalSec is the default recurring check-in cadence.
	CheckinIntervalSec int `mapstructure:"checkin_interval_sec"`

	// CreditBackoffSec is how far tasks are pushed while credit is exhausted.
	CreditBackoffSec int `mapstructure:"credit_backoff_sec"`
}

// ComplianceConfig holds rules engine knobs.
type ComplianceConfig struct {
	// RulesPath is the heading-structured rules document watched for edits.
	RulesPath string `mapstructure:"rules_path"`

	// DebounceSec collapses bursts of file events into one reload.
	DebounceSec int `mapstructure:"debounce_sec"`

	// DedupWindowSec suppresses duplicate violation events inside the window.
	DedupWindowSec int `mapstructure:"dedup_window_sec"`
}

// NotifyConfig holds event notifier knobs.
type NotifyConfig struct {
	// RatePerMin is the per-channel notification budget. Emergency events
	// bypass it.
	RatePerMin int `mapstructure:"rate_per_min"`
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout". Default: "file".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: <data_dir>/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// EnvBindings maps dotted config keys to their environment variable
// overrides. cmd/root.go feeds these to viper.BindEnv.
func EnvBindings() map[string]string {
	return map[string]string{
		"queue.max_process_runtime_sec":  "MAX_PROCESS_RUNTIME_SEC",
		"queue.heartbeat_timeout_sec":    "HEARTBEAT_TIMEOUT_SEC",
		"queue.max_timeout_extensions":   "MAX_TIMEOUT_EXTENSIONS",
		"queue.phantom_grace_period_sec": "PHANTOM_GRACE_PERIOD_SEC",
		"queue.state_sync_interval_sec":  "STATE_SYNC_INTERVAL_SEC",
		"bus.emergency_bypass":           "EMERGENCY_BYPASS",
		"bus.disable_fast_lane":          "DISABLE_FAST_LANE",
	}
}

// DefaultDataDir returns ~/.steward or empty string if home dir unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".steward")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Queue: QueueConfig{
			MaxProcessRuntimeSec:  1800,
			HeartbeatTimeoutSec:   600,
			MaxTimeoutExtensions:  3,
			PhantomGracePeriodSec: 900,
			StateSyncIntervalSec:  300,
			TickIntervalSec:       60,
			GraceSec:              30,
			MaxRSSMB:              0,
			MaxRestartsPerHour:    3,
		},
		Bus: BusConfig{
			RateLimitPerMin:      10,
			DependencyTimeoutSec: 600,
			StalePulledSec:       300,
			MessageTTLSec:        86400,
		},
		Scheduler: SchedulerConfig{
			CheckinIntervalSec: 900,
			CreditBackoffSec:   1800,
		},
		Compliance: ComplianceConfig{
			RulesPath:      "",
			DebounceSec:    2,
			DedupWindowSec: 300,
		},
		Notify: NotifyConfig{
			RatePerMin: 10,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "file",
			FilePath:   "", // Derived from data dir at runtime
			SampleRate: 1.0,
		},
	}
}

// Durations derived from the integer-seconds knobs.

func (q QueueConfig) MaxProcessRuntime() time.Duration {
	return time.Duration(q.MaxProcessRuntimeSec) * time.Second
}

func (q QueueConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(q.HeartbeatTimeoutSec) * time.Second
}

func (q QueueConfig) PhantomGracePeriod() time.Duration {
	return time.Duration(q.PhantomGracePeriodSec) * time.Second
}

func (q QueueConfig) StateSyncInterval() time.Duration {
	return time.Duration(q.StateSyncIntervalSec) * time.Second
}

func (q QueueConfig) TickInterval() time.Duration {
	return time.Duration(q.TickIntervalSec) * time.Second
}

func (q QueueConfig) Grace() time.Duration {
	return time.Duration(q.GraceSec) * time.Second
}

func (b BusConfig) DependencyTimeout() time.Duration {
	return time.Duration(b.DependencyTimeoutSec) * time.Second
}

func (b BusConfig) StalePulled() time.Duration {
	return time.Duration(b.StalePulledSec) * time.Second
}

func (b BusConfig) MessageTTL() time.Duration {
	return time.Duration(b.MessageTTLSec) * time.Second
}

// Validate checks the configuration for errors. Zero values fall back to
// defaults before validation, so only explicit bad values are rejected.
func (c Config) Validate() error {
	if c.Queue.MaxProcessRuntimeSec < 0 {
		return fmt.Errorf("queue.max_process_runtime_sec must be >= 0, got %d", c.Queue.MaxProcessRuntimeSec)
	}
	if c.Queue.MaxTimeoutExtensions < 0 {
		return fmt.Errorf("queue.max_timeout_extensions must be >= 0, got %d", c.Queue.MaxTimeoutExtensions)
	}
	if c.Bus.RateLimitPerMin < 1 {
		return fmt.Errorf("bus.rate_limit_per_min must be >= 1, got %d", c.Bus.RateLimitPerMin)
	}
	if c.Notify.RatePerMin < 1 {
		return fmt.Errorf("notify.rate_per_min must be >= 1, got %d", c.Notify.RatePerMin)
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", or \"stdout\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled && tracing.Exporter == "file" && tracing.FilePath == "" {
		return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
	}

	return nil
}

// DBPath returns the SQLite database path under the data dir.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "steward.db")
}

// LockDir returns the directory holding daemon lock files.
func (c Config) LockDir() string {
	return filepath.Join(c.DataDir, "locks")
}

// EventLogDir returns the directory holding daily event logs.
func (c Config) EventLogDir() string {
	return filepath.Join(c.DataDir, "logs", "events")
}

// SessionStateDir returns the directory holding per-session state files
// consulted during reboot recovery.
func (c Config) SessionStateDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// LogPath returns the daemon debug log path.
func (c Config) LogPath() string {
	return filepath.Join(c.DataDir, "steward.log")
}

// DefaultTracesFilePath returns the trace export path under the data dir.
func (c Config) DefaultTracesFilePath() string {
	return filepath.Join(c.DataDir, "traces", "traces.jsonl")
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Steward Configuration

# Root directory for the database, locks, logs, and session state
# data_dir: ~/.steward

# Project queue and process supervision
queue:
  max_process_runtime_sec: 1800    # Wall-clock deadline for setup subprocesses
  heartbeat_timeout_sec: 600       # Silence threshold before phantom handling
  max_timeout_extensions: 3        # Deadline extensions before forced timeout
  phantom_grace_period_sec: 900    # Minimum age before the phantom sweep applies
  state_sync_interval_sec: 300     # Status polling cadence
  tick_interval_sec: 60            # Admission loop cadence
  grace_sec: 30                    # Graceful-stop window before hard kill
  max_rss_mb: 0                    # Resident-set cap for subprocesses (0 = off)
  max_restarts_per_hour: 3         # Agent auto-restart budget

# Agent message bus
bus:
  rate_limit_per_min: 10           # Per-agent delivery budget (critical bypasses)
  dependency_timeout_sec: 600      # Release dependency-gated messages after this
  stale_pulled_sec: 300            # Requeue pulled-but-unacked messages after this
  message_ttl_sec: 86400           # Expire pending messages after this (0 = off)
  emergency_bypass: false          # Force critical traffic past all throttles
  disable_fast_lane: false         # Disable immediate admission kicks on enqueue

# Check-in scheduler
scheduler:
  checkin_interval_sec: 900        # Default recurring check-in cadence
  credit_backoff_sec: 1800         # Task push-out while credit is exhausted

# Compliance engine
compliance:
  # rules_path: /path/to/RULES.md  # Heading-structured rules document
  debounce_sec: 2                  # File-watch debounce
  dedup_window_sec: 300            # Duplicate violation suppression window

# Event notifier
notify:
  rate_per_min: 10                 # Per-channel budget (emergency bypasses)

# Tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout (default: file)
#   file_path: ~/.steward/traces/traces.jsonl
#   sample_rate: 1.0               # Sampling rate 0.0-1.0 (default: 1.0)

# Role capability table (see roles.yaml docs)
# roles_path: /path/to/roles.yaml
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

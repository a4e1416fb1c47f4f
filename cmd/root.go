// Package cmd implements the steward CLI: operator commands over the shared
// store, the two daemon entry points, and the agent pull hook.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steward-sh/steward/internal/config"
	"github.com/steward-sh/steward/internal/log"
)

var (
	version = "dev"
	cfgFile string
	debug   bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:           "steward",
	Short:         "Multi-agent coding session orchestrator",
	Long:          `Steward supervises multi-agent coding sessions: a durable project queue, an agent message bus, lifecycle monitoring, and rules compliance.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.steward/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")
}

func initConfig() {
	// A .env next to the working directory feeds the env overrides.
	_ = godotenv.Load()

	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("queue.max_process_runtime_sec", defaults.Queue.MaxProcessRuntimeSec)
	viper.SetDefault("queue.heartbeat_timeout_sec", defaults.Queue.HeartbeatTimeoutSec)
	viper.SetDefault("queue.max_timeout_extensions", defaults.Queue.MaxTimeoutExtensions)
	viper.SetDefault("queue.phantom_grace_period_sec", defaults.Queue.PhantomGracePeriodSec)
	viper.SetDefault("queue.state_sync_interval_sec", defaults.Queue.StateSyncIntervalSec)
	viper.SetDefault("queue.tick_interval_sec", defaults.Queue.TickIntervalSec)
	viper.SetDefault("queue.grace_sec", defaults.Queue.GraceSec)
	viper.SetDefault("queue.max_rss_mb", defaults.Queue.MaxRSSMB)
	viper.SetDefault("queue.max_restarts_per_hour", defaults.Queue.MaxRestartsPerHour)
	viper.SetDefault("bus.rate_limit_per_min", defaults.Bus.RateLimitPerMin)
	viper.SetDefault("bus.dependency_timeout_sec", defaults.Bus.DependencyTimeoutSec)
	viper.SetDefault("bus.stale_pulled_sec", defaults.Bus.StalePulledSec)
	viper.SetDefault("bus.message_ttl_sec", defaults.Bus.MessageTTLSec)
	viper.SetDefault("scheduler.checkin_interval_sec", defaults.Scheduler.CheckinIntervalSec)
	viper.SetDefault("scheduler.credit_backoff_sec", defaults.Scheduler.CreditBackoffSec)
	viper.SetDefault("compliance.debounce_sec", defaults.Compliance.DebounceSec)
	viper.SetDefault("compliance.dedup_window_sec", defaults.Compliance.DedupWindowSec)
	viper.SetDefault("notify.rate_per_min", defaults.Notify.RatePerMin)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	for key, env := range config.EnvBindings() {
		_ = viper.BindEnv(key, env)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.DefaultDataDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := filepath.Join(config.DefaultDataDir(), "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)

	initLogging()
}

func initLogging() {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot create data dir for logs: %v\n", err)
		return
	}
	if _, err := log.Init(cfg.LogPath()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open log file: %v\n", err)
		return
	}
	if debug || os.Getenv("STEWARD_DEBUG") != "" {
		log.SetMinLevel(log.LevelDebug)
	} else {
		log.SetMinLevel(log.LevelInfo)
	}
}

// SetVersion injects the build version string from main.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitCode(err)
	}
	return 0
}

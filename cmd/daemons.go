package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steward-sh/steward/internal/daemon"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Run the queue daemon (admission, lifecycle, bus, compliance)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, daemon.RoleQueue)
	},
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the check-in scheduler daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, daemon.RoleScheduler)
	},
}

func runDaemon(cmd *cobra.Command, role daemon.Role) error {
	if err := cfg.Validate(); err != nil {
		return usagef("invalid configuration: %v", err)
	}

	d, err := daemon.New(cfg, role)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func init() {
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(schedulerCmd)
}

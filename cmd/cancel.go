package cmd

import (
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/procman"
	"github.com/steward-sh/steward/internal/tmux"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a queued or running project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return usagef("bad project id %q", args[0])
		}

		deps, err := openDeps()
		if err != nil {
			return err
		}
		defer deps.close()

		p, err := deps.store.Projects.Get(id)
		if err != nil {
			return err
		}
		if p.Status.IsTerminal() {
			return usagef("project %d is already %s", id, p.Status)
		}

		// Tear down the running session before recording the failure so a
		// concurrent sweep does not race the still-live process.
		if p.Status.HoldsAdmission() {
			if p.MainPID > 0 {
				terminateProcess(p.MainPID, cfg.Queue.Grace())
			}
			if p.SessionName != "" {
				_ = tmux.NewController().KillSession(p.SessionName)
			}
		}

		if err := deps.store.Projects.Transition(id, domain.StatusFailed, "cancelled by operator"); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "project %d cancelled\n", id)
		return nil
	},
}

// terminateProcess asks nicely first, then hard-kills anything still alive
// after the grace window.
func terminateProcess(pid int, grace time.Duration) {
	_ = procman.KillPID(pid, syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for procman.PIDAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if procman.PIDAlive(pid) {
		_ = procman.KillPID(pid, syscall.SIGKILL)
	}
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

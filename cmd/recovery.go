package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/steward-sh/steward/internal/domain"
	"github.com/steward-sh/steward/internal/events"
	"github.com/steward-sh/steward/internal/lock"
	"github.com/steward-sh/steward/internal/recovery"
	"github.com/steward-sh/steward/internal/tmux"
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Inspect and repair stuck projects",
}

var listStuckCmd = &cobra.Command{
	Use:   "list-stuck",
	Short: "List projects that look wedged",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := openDeps()
		if err != nil {
			return err
		}
		defer deps.close()

		stuck, err := recovery.New(deps.store, tmux.NewController()).ListStuck()
		if err != nil {
			return err
		}
		if len(stuck) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no stuck projects")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSESSION\tPID\tERROR")
		for _, p := range stuck {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
				p.ID, p.Status, dash(p.SessionName), p.MainPID, p.ErrorMessage)
		}
		return w.Flush()
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <id> <queued|failed>",
	Short: "Move a stuck project back to queued or to failed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return usagef("bad project id %q", args[0])
		}
		force, _ := cmd.Flags().GetBool("force")

		deps, err := openDeps()
		if err != nil {
			return err
		}
		defer deps.close()

		tool := recovery.New(deps.store, tmux.NewController())
		if err := tool.Reset(id, domain.ProjectStatus(args[1]), force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "project %d reset to %s\n", id, args[1])
		return nil
	},
}

var killZombieCmd = &cobra.Command{
	Use:   "kill-zombie <id>",
	Short: "Kill a zombie project's orphaned process and fail the project",
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

		life, err := deps.lifecycleManager()
		if err != nil {
			return err
		}
		if err := life.ReapZombie(id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "zombie %d reaped\n", id)
		return nil
	},
}

var diagnosticsCmd = &cobra.Command{
	Use:   "diagnostics",
	Short: "Dump a machine-readable health snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := openDeps()
		if err != nil {
			return err
		}
		defer deps.close()

		diag, err := recovery.New(deps.store, tmux.NewController()).Diagnose()
		if err != nil {
			return err
		}

		// Today's event tail rounds out the snapshot; a missing log file
		// just means an empty tail.
		todays, err := events.ReadDay(cfg.EventLogDir(), time.Now())
		if err != nil {
			todays = nil
		}
		if len(todays) > 20 {
			todays = todays[len(todays)-20:]
		}

		locks := map[string]int{
			"queue":     lock.ReadOwner(cfg.LockDir(), "queue"),
			"scheduler": lock.ReadOwner(cfg.LockDir(), "scheduler"),
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*recovery.Diagnostics
			Locks        map[string]int `json:"locks"`
			RecentEvents []events.Event `json:"recent_events"`
		}{diag, locks, todays})
	},
}

func init() {
	resetCmd.Flags().Bool("force", false, "bypass the transition rules")
	recoveryCmd.AddCommand(listStuckCmd, resetCmd, killZombieCmd, diagnosticsCmd)
	rootCmd.AddCommand(recoveryCmd)
}

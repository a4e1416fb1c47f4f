package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show one project in detail",
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

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "id:                 %d\n", p.ID)
		fmt.Fprintf(out, "status:             %s\n", p.Status)
		fmt.Fprintf(out, "priority:           %d\n", p.Priority)
		fmt.Fprintf(out, "spec:               %s\n", p.SpecPath)
		if p.ProjectPath != "" {
			fmt.Fprintf(out, "project dir:        %s\n", p.ProjectPath)
		}
		if p.BatchID != "" {
			fmt.Fprintf(out, "batch:              %s\n", p.BatchID)
		}
		if p.SessionName != "" {
			fmt.Fprintf(out, "session:            %s\n", p.SessionName)
		}
		if p.MainPID != 0 {
			fmt.Fprintf(out, "main pid:           %d\n", p.MainPID)
		}
		fmt.Fprintf(out, "retries:            %d\n", p.RetryCount)
		fmt.Fprintf(out, "timeout extensions: %d\n", p.TimeoutExtensions)
		fmt.Fprintf(out, "enqueued:           %s\n", p.EnqueuedAt.Format(time.RFC3339))
		if p.StartedAt != nil {
			fmt.Fprintf(out, "started:            %s\n", p.StartedAt.Format(time.RFC3339))
		}
		if p.HeartbeatAt != nil {
			fmt.Fprintf(out, "last heartbeat:     %s\n", p.HeartbeatAt.Format(time.RFC3339))
		}
		if p.CompletedAt != nil {
			fmt.Fprintf(out, "completed:          %s\n", p.CompletedAt.Format(time.RFC3339))
		}
		if p.ErrorMessage != "" {
			fmt.Fprintf(out, "error:              %s\n", p.ErrorMessage)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

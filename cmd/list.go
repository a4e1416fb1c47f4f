package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/steward-sh/steward/internal/domain"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects in the queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("status")
		var statuses []domain.ProjectStatus
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			status := domain.ProjectStatus(s)
			if !status.IsValid() {
				return usagef("unknown status %q", s)
			}
			statuses = append(statuses, status)
		}

		deps, err := openDeps()
		if err != nil {
			return err
		}
		defer deps.close()

		projects, err := deps.store.Projects.List(statuses...)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPRIO\tSESSION\tAGE\tSPEC")
		for _, p := range projects {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
				p.ID, p.Status, p.Priority, dash(p.SessionName),
				age(p.EnqueuedAt), filepath.Base(p.SpecPath))
		}
		return w.Flush()
	},
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func age(t time.Time) string {
	return time.Since(t).Round(time.Second).String()
}

func init() {
	listCmd.Flags().StringP("status", "s", "", "comma-separated status filter")
	rootCmd.AddCommand(listCmd)
}

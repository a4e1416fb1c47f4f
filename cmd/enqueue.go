package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <spec-file>...",
	Short: "Add projects to the work queue",
	Long: `Enqueue is idempotent: re-enqueueing a spec that is already queued or
processing returns the existing id. With --batch, all specs of one
invocation share a generated batch id.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectPath, _ := cmd.Flags().GetString("project")
		priority, _ := cmd.Flags().GetInt("priority")
		batch, _ := cmd.Flags().GetBool("batch")

		var err error
		if projectPath != "" {
			if projectPath, err = filepath.Abs(projectPath); err != nil {
				return usagef("bad project path: %v", err)
			}
		}
		batchID := ""
		if batch {
			batchID = uuid.NewString()
		}

		specs := make([]string, 0, len(args))
		for _, arg := range args {
			spec, err := filepath.Abs(arg)
			if err != nil {
				return usagef("bad spec path %q: %v", arg, err)
			}
			if _, err := os.Stat(spec); err != nil {
				return usagef("spec file %s: %v", spec, err)
			}
			specs = append(specs, spec)
		}

		deps, err := openDeps()
		if err != nil {
			return err
		}
		defer deps.close()

		for _, spec := range specs {
			id, created, err := deps.store.Projects.Enqueue(spec, projectPath, priority, batchID)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", id)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%d (already queued)\n", id)
			}
		}
		if batchID != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s\n", batchID)
		}
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("project", "", "target project directory")
	enqueueCmd.Flags().IntP("priority", "p", 0, "queue priority (higher first)")
	enqueueCmd.Flags().Bool("batch", false, "group this invocation's specs under one batch id")
	rootCmd.AddCommand(enqueueCmd)
}

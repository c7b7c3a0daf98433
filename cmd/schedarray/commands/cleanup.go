package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mxflask/schedarray/pkg/schedarray/scheduler"
)

// newCleanupCmd creates the `schedarray cleanup` command that bulk-deletes
// finished jobs.
func newCleanupCmd() *cobra.Command {
	var (
		completed     bool
		failed        bool
		cancelled     bool
		timeout       bool
		olderThanDays int
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Clean up old finished jobs",
		Long: `Cleanup deletes finished jobs in the selected states. With no state
flags it removes completed, failed and cancelled jobs.

Examples:
  schedarray cleanup
  schedarray cleanup --completed --older-than-days 7
  schedarray cleanup --timeout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var states []scheduler.JobState
			if completed {
				states = append(states, scheduler.StateCompleted)
			}
			if failed {
				states = append(states, scheduler.StateFailed)
			}
			if cancelled {
				states = append(states, scheduler.StateCancelled)
			}
			if timeout {
				states = append(states, scheduler.StateTimeout)
			}
			if len(states) == 0 {
				states = []scheduler.JobState{
					scheduler.StateCompleted, scheduler.StateFailed, scheduler.StateCancelled,
				}
			}

			var olderThan *int
			if cmd.Flags().Changed("older-than-days") {
				olderThan = &olderThanDays
			}

			sched, closeStore, err := resolveScheduler(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := sched.Cleanup(states, olderThan)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, struct {
					Deleted int64                `json:"deleted"`
					States  []scheduler.JobState `json:"states"`
				}{n, states})
			}
			fmt.Fprintf(out, "Deleted %d job(s)\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&completed, "completed", false, "delete completed jobs")
	cmd.Flags().BoolVar(&failed, "failed", false, "delete failed jobs")
	cmd.Flags().BoolVar(&cancelled, "cancelled", false, "delete cancelled jobs")
	cmd.Flags().BoolVar(&timeout, "timeout", false, "delete timed-out jobs")
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 0, "only delete jobs that ended at least N days ago")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")

	return cmd
}

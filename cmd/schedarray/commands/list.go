package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mxflask/schedarray/pkg/schedarray/scheduler"
)

// newListCmd creates the `schedarray list` command that prints jobs in
// a fixed-width table, newest first.
func newListCmd() *cobra.Command {
	var (
		state  string
		user   string
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs (like squeue)",
		Long: `List prints jobs matching the optional state and user filters,
newest submit first.

Examples:
  schedarray list
  schedarray list --state running
  schedarray list -s pending -u alice -n 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, closeStore, err := resolveScheduler(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			jobs, err := sched.ListJobs(scheduler.JobState(state), user, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, jobs)
			}

			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found")
				return nil
			}

			fmt.Fprintf(out, "%-40s %-20s %-12s %-8s %-20s\n", "Job ID", "Name", "State", "Priority", "Submitted")
			fmt.Fprintln(out, strings.Repeat("-", 100))
			for _, job := range jobs {
				fmt.Fprintln(out, formatJobRow(job))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&state, "state", "s", "", "filter by state")
	cmd.Flags().StringVarP(&user, "user", "u", "", "filter by user")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "limit the number of jobs (0 means no limit)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")

	return cmd
}

// formatJobRow renders one table line, truncating long ids and names to
// keep the columns aligned.
func formatJobRow(job *scheduler.Job) string {
	id := job.JobID
	if len(id) > 40 {
		id = id[:38] + ".."
	}
	name := job.JobName
	if len(name) > 20 {
		name = name[:18] + ".."
	}
	return fmt.Sprintf("%-40s %-20s %-12s %-8d %-20s",
		id, name, job.State, job.Priority, formatTime(job.SubmitTime))
}

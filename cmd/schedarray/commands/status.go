package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the `schedarray status` command that prints one
// job's full record.
func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show job status (like squeue)",
		Long: `Status prints the stored record of one job.

Examples:
  schedarray status 42
  schedarray status 42 --json`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, closeStore, err := resolveScheduler(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			job, err := sched.GetJobStatus(args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return notFoundErr(args[0])
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, job)
			}

			fmt.Fprintf(out, "Job ID: %s\n", job.JobID)
			fmt.Fprintf(out, "Name: %s\n", job.JobName)
			fmt.Fprintf(out, "State: %s\n", job.State)
			fmt.Fprintf(out, "Submitted: %s\n", formatTime(job.SubmitTime))
			if job.StartTime != nil {
				fmt.Fprintf(out, "Started: %s\n", formatTime(*job.StartTime))
			}
			if job.EndTime != nil {
				fmt.Fprintf(out, "Completed: %s\n", formatTime(*job.EndTime))
			}
			if job.ReturnCode != nil {
				fmt.Fprintf(out, "Return code: %d\n", *job.ReturnCode)
			}
			if job.WorkingDir != "" {
				fmt.Fprintf(out, "Working directory: %s\n", job.WorkingDir)
			}
			if job.Command != "" {
				command := job.Command
				if len(command) > 100 {
					command = command[:100] + "..."
				}
				fmt.Fprintf(out, "Command: %s\n", command)
			}
			if job.ErrorMessage != "" {
				fmt.Fprintf(out, "Error: %s\n", job.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

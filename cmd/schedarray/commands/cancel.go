package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mxflask/schedarray/pkg/schedarray/scheduler"
)

// newCancelCmd creates the `schedarray cancel` command. Pending jobs
// are cancelled outright; running jobs are marked and killed by their
// worker shortly after.
func newCancelCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel a job (like scancel)",
		Long: `Cancel stops a pending or running job. A pending job goes straight
to cancelled; a running job is killed by its worker within about a second.

Examples:
  schedarray cancel 42`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, closeStore, err := resolveScheduler(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			applied, err := sched.CancelJob(args[0])
			if err != nil {
				return err
			}
			if !applied {
				return cancelRefusedErr(sched, args[0])
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, struct {
					Cancelled bool   `json:"cancelled"`
					JobID     string `json:"job_id"`
				}{true, args[0]})
			}
			fmt.Fprintf(out, "Cancelled job %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

// cancelRefusedErr distinguishes a missing job from one already in a
// terminal state.
func cancelRefusedErr(sched *scheduler.Scheduler, jobID string) error {
	job, err := sched.GetJobStatus(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return notFoundErr(jobID)
	}
	return &scheduler.Error{
		Kind:    scheduler.KindIllegalTransition,
		Message: fmt.Sprintf("job %s is %s and cannot be cancelled", jobID, job.State),
	}
}

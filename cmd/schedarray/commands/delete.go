package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newDeleteCmd creates the `schedarray delete` command that removes one
// terminal job's record.
func newDeleteCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "delete <job_id>",
		Short: "Delete a job record",
		Long: `Delete removes the stored record of a finished job. Pending and
running jobs are refused; cancel them first.

Examples:
  schedarray delete 42`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, closeStore, err := resolveScheduler(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			applied, err := sched.DeleteJob(args[0])
			if err != nil {
				return err
			}
			if !applied {
				return notFoundErr(args[0])
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, struct {
					Deleted bool   `json:"deleted"`
					JobID   string `json:"job_id"`
				}{true, args[0]})
			}
			fmt.Fprintf(out, "Deleted job %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

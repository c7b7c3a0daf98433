package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mxflask/schedarray/pkg/schedarray/scheduler"
)

// newSubmitCmd creates the `schedarray submit` command that enqueues
// one job, sbatch-style.
func newSubmitCmd() *cobra.Command {
	var (
		script     string
		command    string
		jobName    string
		workingDir string
		cpus       int
		memory     string
		timeout    int
		priority   int
		outputFile string
		errorFile  string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job (like sbatch)",
		Long: `Submit enqueues one shell command for the worker pool. The command
comes from --command, or from the contents of the file named by --script.

Examples:
  schedarray submit -c "make test"
  schedarray submit -s ./nightly.sh -J nightly -p 10
  schedarray submit -c "python train.py" -t 3600 -o train.out -e train.err`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if script == "" && command == "" {
				return usagef("either --script or --command must be provided")
			}
			if script != "" && command != "" {
				return usagef("--script and --command are mutually exclusive")
			}

			cmdLine := command
			if script != "" {
				data, err := os.ReadFile(script)
				if err != nil {
					return fmt.Errorf("read script %q: %w", script, err)
				}
				cmdLine = string(data)
			}

			sched, closeStore, err := resolveScheduler(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			jobID, err := sched.SubmitJob(scheduler.SubmitRequest{
				Command:        cmdLine,
				JobName:        jobName,
				WorkingDir:     workingDir,
				CPUs:           cpus,
				Memory:         memory,
				TimeoutSeconds: timeout,
				Priority:       priority,
				StdoutPath:     outputFile,
				StderrPath:     errorFile,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				name := jobName
				if name == "" {
					name = jobID
				}
				return printJSON(out, struct {
					JobID   string `json:"job_id"`
					JobName string `json:"job_name"`
				}{jobID, name})
			}

			fmt.Fprintf(out, "Submitted job %s\n", jobID)
			if jobName != "" {
				fmt.Fprintf(out, "Job name: %s\n", jobName)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&script, "script", "s", "", "script file whose contents become the command")
	cmd.Flags().StringVarP(&command, "command", "c", "", "command to execute")
	cmd.Flags().StringVarP(&jobName, "job-name", "J", "", "job name")
	cmd.Flags().StringVarP(&workingDir, "working-dir", "d", "", "working directory (default: current directory)")
	cmd.Flags().IntVarP(&cpus, "cpus", "n", 1, "number of CPUs")
	cmd.Flags().StringVarP(&memory, "memory", "m", "", "memory limit (e.g. 4G)")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "timeout in seconds (0 means none)")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "job priority, higher runs first")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "stdout file")
	cmd.Flags().StringVarP(&errorFile, "error", "e", "", "stderr file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")

	return cmd
}

package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mxflask/schedarray/pkg/schedarray/scheduler"
)

// newCountsCmd creates the `schedarray counts` command that prints a
// per-state job count, including zeroes.
func newCountsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Show job counts by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, closeStore, err := resolveScheduler(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			counts, err := sched.CountByState()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, counts)
			}

			fmt.Fprintln(out, "Job counts by state:")
			for _, state := range sortedStates(counts) {
				fmt.Fprintf(out, "  %s: %d\n", state, counts[state])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

// sortedStates returns the map's keys in alphabetical order for stable
// output.
func sortedStates(counts map[scheduler.JobState]int) []scheduler.JobState {
	states := make([]scheduler.JobState, 0, len(counts))
	for state := range counts {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	return states
}

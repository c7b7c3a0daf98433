package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mxflask/schedarray/pkg/schedarray/config"
	"github.com/mxflask/schedarray/pkg/schedarray/scheduler"
	"github.com/mxflask/schedarray/pkg/schedarray/service"
)

// newServiceCmd creates the `schedarray service` command group.
func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the scheduler service",
		Long: `Service runs and inspects the worker pool that executes queued jobs.

Examples:
  schedarray service start --max-workers 4
  schedarray service status
  schedarray service stop`,
	}
	cmd.AddCommand(newServiceStartCmd(), newServiceStatusCmd(), newServiceStopCmd())
	return cmd
}

// newServiceStartCmd creates `schedarray service start`, which runs the
// worker pool in the foreground until SIGINT or SIGTERM.
func newServiceStartCmd() *cobra.Command {
	var (
		maxWorkers   int
		pollInterval float64
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler service in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			svcCfg := serviceConfig(cmd, cfg)
			if maxWorkers > 0 {
				svcCfg.MaxWorkers = maxWorkers
			}
			if cmd.Flags().Changed("poll-interval") {
				svcCfg.PollInterval = time.Duration(pollInterval * float64(time.Second))
			}

			svc := service.New(svcCfg, buildLogger(cmd, cfg, false))
			return svc.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "maximum concurrent workers (default: number of CPUs)")
	cmd.Flags().Float64Var(&pollInterval, "poll-interval", 0, "queue poll interval in seconds")
	return cmd
}

// newServiceStatusCmd creates `schedarray service status`. Exit code 0
// means a service is running, 1 means none is.
func newServiceStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			st, err := service.ReadStatus(resolveDBPath(cmd, cfg))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, st); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Service running: %t\n", st.Running)
				if st.PID != 0 {
					fmt.Fprintf(out, "PID: %d\n", st.PID)
				}
				fmt.Fprintf(out, "Workers: %d\n", st.MaxWorkers)
				fmt.Fprintln(out, "Jobs by state:")
				for _, state := range sortedStates(st.Counts) {
					fmt.Fprintf(out, "  %s: %d\n", state, st.Counts[state])
				}
				if len(st.RunningJobs) > 0 {
					fmt.Fprintln(out, "Running jobs:")
					for _, job := range st.RunningJobs {
						fmt.Fprintf(out, "  %s (worker %s)\n", job.JobID, job.WorkerID)
					}
				}
			}

			if !st.Running {
				return &scheduler.Error{
					Kind:    scheduler.KindNotFound,
					Message: "service is not running",
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

// newServiceStopCmd creates `schedarray service stop`, which signals
// the running service and waits for it to drain and exit.
func newServiceStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			dbPath := resolveDBPath(cmd, cfg)

			rec, err := service.ReadPIDRecord(service.PIDFilePath(dbPath))
			if err != nil {
				return err
			}

			// The service drains running jobs before exiting, so wait
			// at least that long plus a margin.
			stopped, err := service.StopRunning(dbPath, cfg.DrainTimeout()+5*time.Second)
			if err != nil {
				return err
			}
			if !stopped {
				return &scheduler.Error{
					Kind:    scheduler.KindNotFound,
					Message: "service is not running",
				}
			}

			out := cmd.OutOrStdout()
			if rec != nil {
				fmt.Fprintf(out, "Stopped service (pid %d)\n", rec.PID)
			} else {
				fmt.Fprintln(out, "Stopped service")
			}
			return nil
		},
	}
	return cmd
}

// serviceConfig maps the file configuration onto the service, leaving
// flag overrides to the callers.
func serviceConfig(cmd *cobra.Command, cfg *config.Config) service.Config {
	dbPath := resolveDBPath(cmd, cfg)
	return service.Config{
		DBPath:               dbPath,
		LogsDir:              config.ResolveLogsDir(cfg, dbPath),
		MaxWorkers:           cfg.MaxWorkers,
		PollInterval:         cfg.PollInterval(),
		DrainTimeout:         cfg.DrainTimeout(),
		CleanupSchedule:      cfg.Cleanup.Schedule,
		CleanupStates:        cfg.Cleanup.States,
		CleanupOlderThanDays: cfg.Cleanup.OlderThanDays,
	}
}

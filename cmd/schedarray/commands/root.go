// Package commands implements the schedarray CLI on cobra. Every
// subcommand talks to the queue through the scheduler package; the only
// state shared between invocations is the database file itself.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mxflask/schedarray/pkg/schedarray/config"
	"github.com/mxflask/schedarray/pkg/schedarray/scheduler"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "schedarray",
		Short: "SchedArray - Cross-platform job scheduler",
		Long: `SchedArray is a single-host job scheduler backed by one SQLite file.
Commands mirror the SLURM workflow:

  schedarray submit -c "make test"     # submit a job (like sbatch)
  schedarray status <job_id>           # check job status (like squeue)
  schedarray list --state running      # list jobs (like squeue)
  schedarray cancel <job_id>           # cancel a job (like scancel)
  schedarray service start             # run the worker pool`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newCancelCmd(),
		newDeleteCmd(),
		newCleanupCmd(),
		newCountsCmd(),
		newServiceCmd(),
	)

	rootCmd.PersistentFlags().String("db-path", "", "path to the SQLite database (default: $SCHEDARRAY_DB or ~/.schedarray/schedarray.db)")
	rootCmd.PersistentFlags().String("config", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "", "log output format (text or json)")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	return rootCmd
}

// Run executes the CLI and maps the outcome to the process exit code:
// 0 on success, 1 on operational errors, 2 on usage errors.
func Run(version string) int {
	err := NewRootCmd(version).Execute()
	if err == nil {
		return 0
	}

	fmt.Fprintf(os.Stderr, "error: %s\n", err)
	if isUsageError(err) {
		fmt.Fprintln(os.Stderr, "Run 'schedarray --help' for usage.")
		return 2
	}
	return 1
}

// ---------- Shared helpers ----------

// usageError marks argument-shape failures that exit 2 instead of 1.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func isUsageError(err error) bool {
	var ue *usageError
	if errors.As(err, &ue) {
		return true
	}
	// Cobra reports unknown subcommands as plain errors.
	return strings.HasPrefix(err.Error(), "unknown command")
}

// exactArgs is cobra.ExactArgs with usage-error classification.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// resolveConfig loads the file named by --config, or the default
// location when the flag is unset.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.LoadConfig(path)
}

// resolveDBPath applies the flag > env > config > default chain.
func resolveDBPath(cmd *cobra.Command, cfg *config.Config) string {
	flagPath, _ := cmd.Root().PersistentFlags().GetString("db-path")
	return config.ResolveDBPath(flagPath, cfg)
}

// resolveScheduler is the preamble shared by the one-shot commands:
// config, quiet logger, store, scheduler. The returned func closes the
// store.
func resolveScheduler(cmd *cobra.Command) (*scheduler.Scheduler, func(), error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	store, err := scheduler.OpenSQLiteJobStore(resolveDBPath(cmd, cfg))
	if err != nil {
		return nil, nil, err
	}

	sched := scheduler.New(store, buildLogger(cmd, cfg, true))
	return sched, func() { store.Close() }, nil
}

// buildLogger constructs the slog logger from flags and config. Logs go
// to stderr so --json output on stdout stays parseable. One-shot
// commands pass quiet to keep routine info lines out of the way.
func buildLogger(cmd *cobra.Command, cfg *config.Config, quiet bool) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	if quiet {
		level = slog.LevelWarn
	}
	switch {
	case verbose:
		level = slog.LevelDebug
	case cfg.LogLevel == "debug":
		level = slog.LevelDebug
	case cfg.LogLevel == "warn":
		level = slog.LevelWarn
	case cfg.LogLevel == "error":
		level = slog.LevelError
	}

	format, _ := cmd.Root().PersistentFlags().GetString("log-format")
	if format == "" {
		format = cfg.LogFormat
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// printJSON writes v as indented JSON followed by a newline.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode JSON output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// notFoundErr builds the error rendered when a job id has no row.
func notFoundErr(jobID string) error {
	return &scheduler.Error{
		Kind:    scheduler.KindNotFound,
		Message: fmt.Sprintf("job %s not found", jobID),
	}
}

// formatTime renders a timestamp for human-readable output. Stored
// times are UTC; keep them UTC here so output is stable across hosts.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

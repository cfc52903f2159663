package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	JSON       bool
	LogLevel   string
}

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

const (
	exitFailed = 1
	exitUsage  = 2
)

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	return runContext(context.Background(), args, stdout, stderr)
}

func runContext(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := buildRoot(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			_, _ = fmt.Fprintln(stderr, "airsvc:", ee.err)
		}
		return ee.code
	}
	// flag and argument errors reported by cobra itself
	_, _ = fmt.Fprintln(stderr, "airsvc:", err)
	return exitUsage
}

// buildRoot creates the root command with its subcommands
func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}

	c := &command{global: globalFlags, stdout: stdout, stderr: stderr}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(c),
		createStopCommand(c),
		createStatusCommand(c, statusFlags),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "airsvc",
		Short: "Start, stop and inspect Airflow services on this host",
		Long: `airsvc manages the long-running Airflow services of one AIRFLOW_HOME
(api-server, scheduler, triggerer, dag-processor and the celery workers
worker and worker-gpu) as detached background processes, tracked by process
records under $AIRFLOW_HOME/services-run.

Examples:
  airsvc start                      # core services
  airsvc start worker worker-gpu
  airsvc status --all
  airsvc stop scheduler --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default $AIRFLOW_HOME/airsvc.toml)")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print results as JSON")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log level (debug, info, warn, error)")

	return root
}

// createStartCommand creates the start subcommand
func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start [service...]",
		Short: "Launch services that are not already running",
		Long: `Launch each named service as a detached background process. Services
that are already running are left alone. Without arguments the core services
are started; "worker" and "worker-gpu" are qualified with this host's name.

Examples:
  airsvc start
  airsvc start scheduler triggerer
  airsvc start worker@otherhost`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), args)
		},
	}
}

// createStopCommand creates the stop subcommand
func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [service...]",
		Short: "Stop running services",
		Long: `Stop each named service. Celery workers are asked to shut down through
"airflow celery stop"; every other service receives SIGTERM. Stopping a
service that is not running succeeds.

Examples:
  airsvc stop
  airsvc stop worker worker-gpu`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), args)
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c *command, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [service...]",
		Short: "Report whether services are running",
		Long: `Report each named service as up or down. Stale process records found
along the way are removed.

Examples:
  airsvc status
  airsvc status --all
  airsvc status scheduler --watch --interval 2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), args, *flags)
		},
	}

	cmd.Flags().BoolVar(&flags.All, "all", false, "report every service kind and every recorded instance")
	cmd.Flags().BoolVar(&flags.Watch, "watch", false, "keep reporting on state changes until interrupted")
	cmd.Flags().DurationVar(&flags.Interval, "interval", defaultWatchInterval, "refresh interval in watch mode")

	return cmd
}

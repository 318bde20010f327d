// Package cli implements the timeglass command line.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vjranagit/timeglass/internal/config"
	"github.com/vjranagit/timeglass/internal/logging"
)

// Build information, set with -ldflags at release time.
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	envFile  string
	dbPath   string
	logLevel string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "timeglass",
		Short: "timeglass - per-request performance profiling for Go web services",
		Long: `timeglass measures the wall-clock time, CPU and memory of every HTTP request
a service handles, stores the measurements in an embedded database and
serves them through a JSON API.

Commands:
- serve: run the query API with the snapshot collector
- stats: print the aggregated summary
- show:  print one request with its classification`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Optional env file with TIMEGLASS_* settings")
	root.PersistentFlags().StringVar(&flags.dbPath, "db-path", "", "Data directory (overrides TIMEGLASS_DB_PATH)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (overrides TIMEGLASS_LOG_LEVEL)")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newStatsCmd(flags))
	root.AddCommand(newShowCmd(flags))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "timeglass version %s\n", Version)
			fmt.Fprintf(out, "Git commit: %s\n", GitCommit)
			fmt.Fprintf(out, "Build date: %s\n", BuildDate)
		},
	}
}

// loadConfig reads configuration and applies the global flag overrides.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return nil, err
	}
	if f.dbPath != "" {
		cfg.Storage.Path = f.dbPath
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.ToLoggingConfig())
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/distbuild/distbuild/pkg/stores"
	"github.com/distbuild/distbuild/pkg/telemetry"
)

var (
	// Global flags
	definitionPaths []string
	metadataDir     string
	storeBackend    string
	verbose         bool
	jsonOutput      bool
	logFormat       string
	traceExporter   string
	traceEndpoint   string
	metricsFile     string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "distbuild",
		Short: "distbuild - incremental distribution build orchestrator",
		Long: `distbuild runs the tasks of a distribution build in dependency order and
skips the ones whose configuration, variables, inputs and outputs did not
change since their last successful run.

Tasks are declared in CUE, YAML or JSON build definitions. Each task
provides and requires capabilities; groups nest tasks into their own
dependency scope.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			initFormatting(cmd.OutOrStdout())
		},
	}

	rootCmd.PersistentFlags().StringSliceVarP(&definitionPaths, "definition", "f", []string{"."},
		"build definition files or directories")
	rootCmd.PersistentFlags().StringVarP(&metadataDir, "metadata-dir", "m", ".distbuild",
		"directory holding diff records, task work directories and the lock")
	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", string(stores.BackendXML),
		"diff record store: xml, sqlite or memory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console or json")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "none",
		"trace exporter: none, stdout or otlp")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", "", "OTLP gRPC collector endpoint")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "",
		"write Prometheus metrics to this node exporter textfile after each build")

	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCleanCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// newTelemetry builds the telemetry of one command from the global flags.
func newTelemetry() (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Format = logFormat
	cfg.Logging.NoColor = !isTerminal(os.Stderr)
	if verbose {
		cfg.Logging.Level = "debug"
	} else if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if traceExporter != "" && traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = traceEndpoint
	}
	cfg.Metrics.TextfilePath = metricsFile
	cfg.Metrics.ListenAddress = metricsListen
	return telemetry.NewTelemetry(cfg)
}

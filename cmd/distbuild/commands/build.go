package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/distbuild/distbuild/pkg/engine"
	"github.com/distbuild/distbuild/pkg/telemetry"
)

type buildOptions struct {
	force   []string
	skip    []string
	enable  []string
	disable []string
	all     bool
}

func newBuildCommand() *cobra.Command {
	var opts buildOptions

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run every stale task of the build",
		Long: `Resolve the task order and run each task whose configuration, variables,
inputs or outputs changed since its last successful run.

Forced tasks are cleaned and run regardless of change detection. Skipped
tasks are bypassed together with their pre, post and child tasks; skip
wins over force.`,
		Example: `  # Build from the definitions in ./build
  distbuild build -f ./build

  # Rebuild the kernel even if nothing changed
  distbuild build --force kernel

  # Leave out the ISO image
  distbuild build --skip image.iso`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			_, err = runBuild(tel.WithContext(cmd.Context()), opts, cmd)
			return err
		},
	}

	cmd.Flags().StringSliceVar(&opts.force, "force", nil, "force a task to run (repeatable)")
	cmd.Flags().StringSliceVar(&opts.skip, "skip", nil, "skip a task and everything below it (repeatable)")
	cmd.Flags().StringSliceVar(&opts.enable, "enable", nil, "enable a user-toggleable task")
	cmd.Flags().StringSliceVar(&opts.disable, "disable", nil, "disable a user-toggleable task")
	cmd.Flags().BoolVar(&opts.all, "all", false, "list unchanged tasks in the summary too")

	return cmd
}

// runBuild opens the workspace, runs one build and prints its summary.
func runBuild(ctx context.Context, opts buildOptions, cmd *cobra.Command) (*engine.RunSummary, error) {
	ws, err := openWorkspace(ctx, modeBuild)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	if err := ws.toggle(opts.enable, opts.disable); err != nil {
		return nil, err
	}

	summary, err := ws.dispatcher.Execute(ctx, engine.ExecuteOptions{
		Force: opts.force,
		Skip:  opts.skip,
	})
	if summary != nil {
		if perr := printSummary(cmd.OutOrStdout(), summary, opts.all); perr != nil {
			log.Warn().Err(perr).Msg("Failed to print summary")
		}
	}
	return summary, err
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	if err := tel.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

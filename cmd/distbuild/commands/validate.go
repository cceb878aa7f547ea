package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/distbuild/distbuild/pkg/config"
	"github.com/distbuild/distbuild/pkg/engine"
	"github.com/distbuild/distbuild/pkg/tasks"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the build definition",
		Long: `Validate the build definition without running anything.

This command checks:
  - CUE, YAML and JSON syntax
  - Task entries against the built-in task schema
  - Duplicate task ids and unknown parents
  - That every scope resolves: all requirements provided, no cycles`,
		Example: `  # Validate the definitions in the current directory
  distbuild validate

  # Validate a specific file
  distbuild validate -f distro.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)
			logger := tel.Logger.Zerolog()
			w := cmd.OutOrStdout()

			def, err := config.NewLoader(config.WithLogger(logger)).Load(cmd.Context(), definitionPaths...)
			if err != nil {
				return err
			}
			if len(def.Errors) > 0 {
				if jsonOutput {
					if err := printJSON(w, def.Errors); err != nil {
						return err
					}
				} else {
					for _, e := range def.Errors {
						fmt.Fprintln(w, e.Error())
					}
				}
				return def.Err()
			}

			dir, err := baseDir()
			if err != nil {
				return err
			}
			d := engine.NewDispatcher(engine.WithConfigSource(def.Config), engine.WithLogger(logger))
			if err := tasks.NewBinder(tasks.WithBaseDir(dir), tasks.WithLogger(logger)).Register(d, def); err != nil {
				return err
			}
			if err := d.Commit(); err != nil {
				return err
			}

			fmt.Fprintf(w, "Definition OK: %d tasks from %d files\n", len(def.Tasks), len(def.SourceFiles))
			return nil
		},
	}

	return cmd
}

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/distbuild/distbuild/pkg/engine"
)

func newCleanCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clean [task...]",
		Short: "Delete diff records so tasks rebuild",
		Long: `Delete the stored diff records and work directories of the named tasks, or
of every task with --all. The next build treats these tasks as new and runs
them.`,
		Example: `  # Rebuild the kernel on the next build
  distbuild clean kernel

  # Start from scratch
  distbuild clean --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("name the tasks to clean or pass --all")
			}

			ctx := cmd.Context()
			if !all {
				if err := checkTaskIDs(ctx, args); err != nil {
					return err
				}
			}

			store, lock, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer lock.Release()
			defer store.Close()

			ids := args
			if all {
				if ids, err = store.TaskIDs(ctx); err != nil {
					return err
				}
			} else {
				known, err := store.TaskIDs(ctx)
				if err != nil {
					return err
				}
				for _, id := range ids {
					if !contains(known, id) {
						log.Debug().Str("task_id", id).Msg("No record stored for task")
					}
				}
			}

			for _, id := range ids {
				if err := store.Delete(ctx, id); err != nil {
					return fmt.Errorf("failed to delete record of %s: %w", id, err)
				}
				if err := os.RemoveAll(filepath.Join(metadataDir, workDir, id)); err != nil {
					return fmt.Errorf("failed to remove work directory of %s: %w", id, err)
				}
				log.Debug().Str("task_id", id).Msg("Deleted record")
			}
			if all {
				if err := os.RemoveAll(filepath.Join(metadataDir, workDir)); err != nil {
					return fmt.Errorf("failed to remove work directories: %w", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cleaned %d tasks\n", len(ids))
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "clean every task")

	return cmd
}

// checkTaskIDs rejects ids that the build definition does not declare.
func checkTaskIDs(ctx context.Context, ids []string) error {
	def, err := loadDefinition(ctx, log.Logger)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := def.Task(id); !ok {
			return engine.NewValidationError(fmt.Sprintf("unknown task: %s", id), nil).
				WithCode(engine.ErrCodeUnknownTask).WithTask(id)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

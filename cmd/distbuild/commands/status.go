package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/distbuild/distbuild/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	var (
		all      bool
		exitCode bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report which tasks are stale and why",
		Long: `Run the setup and check phases of every task without running or applying
anything, and report the tasks that a build would run together with the
changes that make them stale.`,
		Example: `  # List stale tasks
  distbuild status

  # Fail when anything is stale, e.g. in CI
  distbuild status --exit-code`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			ctx := tel.WithContext(cmd.Context())
			ws, err := openWorkspace(ctx, modeCheck)
			if err != nil {
				return err
			}
			defer ws.Close()

			summary, err := ws.dispatcher.Execute(ctx, engine.ExecuteOptions{CheckOnly: true})
			if err != nil {
				return err
			}
			if err := printStatus(cmd, summary, all); err != nil {
				return err
			}

			if stale := summary.Count(engine.OutcomeStale); exitCode && stale > 0 {
				return fmt.Errorf("%d stale tasks", stale)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "list up-to-date tasks too")
	cmd.Flags().BoolVar(&exitCode, "exit-code", false, "exit with status 1 when any task is stale")

	return cmd
}

func printStatus(cmd *cobra.Command, summary *engine.RunSummary, all bool) error {
	w := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(w, summary.Results)
	}

	var rows [][]string
	for _, r := range summary.Results {
		if !all && r.Outcome != engine.OutcomeStale {
			continue
		}
		rows = append(rows, []string{r.TaskID, formatOutcome(r.Outcome), formatChanges(r)})
	}
	if len(rows) > 0 {
		if err := printTable(w, []string{"TASK", "STATUS", "CHANGES"}, rows); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "%d of %d tasks stale\n", summary.Count(engine.OutcomeStale), len(summary.Results))
	return nil
}

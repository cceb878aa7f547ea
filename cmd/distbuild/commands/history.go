package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/distbuild/distbuild/pkg/engine"
	"github.com/distbuild/distbuild/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent runs or the task events of one run",
		Long: `Show the builds recorded by the sqlite store. Without arguments the most
recent runs are listed; with a run id the outcome of each task of that run
is shown.`,
		Example: `  distbuild --store sqlite history
  distbuild --store sqlite history 3f2c9a1e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, lock, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer lock.Release()
			defer store.Close()

			hs, ok := store.(stores.HistoryStore)
			if !ok {
				return fmt.Errorf("run history requires --store %s", stores.BackendSQLite)
			}
			w := cmd.OutOrStdout()

			if len(args) == 1 {
				run, err := hs.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				events, err := hs.ListTaskEvents(ctx, run.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(w, map[string]interface{}{"run": run, "tasks": events})
				}
				rows := make([][]string, len(events))
				for i, ev := range events {
					detail := strings.Join(ev.Changes, ", ")
					if ev.Error != nil {
						detail = firstLine(*ev.Error)
					}
					rows[i] = []string{
						ev.TaskID,
						formatOutcome(engine.TaskOutcome(ev.Outcome)),
						detail,
						ev.Duration.Round(time.Millisecond).String(),
					}
				}
				return printTable(w, []string{"TASK", "OUTCOME", "DETAIL", "DURATION"}, rows)
			}

			runs, err := hs.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(w, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(w, "No runs recorded")
				return nil
			}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				duration := ""
				if r.CompletedAt != nil {
					duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				rows[i] = []string{
					r.ID,
					r.StartedAt.Local().Format(time.DateTime),
					formatStatus(r.Status),
					duration,
					strconv.Itoa(r.Ran),
					strconv.Itoa(r.Unchanged),
					strconv.Itoa(r.Failed),
				}
			}
			return printTable(w, []string{"RUN", "STARTED", "STATUS", "DURATION", "RAN", "UNCHANGED", "FAILED"}, rows)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")

	return cmd
}

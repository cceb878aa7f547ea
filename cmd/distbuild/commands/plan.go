package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/distbuild/distbuild/pkg/engine"
)

// planEntry is one task of the printed plan.
type planEntry struct {
	ID       string      `json:"id"`
	Level    int         `json:"level"`
	Provides []string    `json:"provides,omitempty"`
	Requires []string    `json:"requires,omitempty"`
	Group    bool        `json:"group,omitempty"`
	Disabled bool        `json:"disabled,omitempty"`
	Pre      string      `json:"pre,omitempty"`
	Post     string      `json:"post,omitempty"`
	Children []planEntry `json:"children,omitempty"`
}

func newPlanCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the resolved execution order",
		Long: `Resolve the provides/requires graph of every scope and print the order in
which build would visit the tasks. Each task is shown with its level, the
length of the longest dependency chain leading to it within its scope.`,
		Example: `  # Print the execution tree
  distbuild plan

  # Render the dependency graph with Graphviz
  distbuild plan --dot build.dot && dot -Tsvg build.dot > build.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tel, err := newTelemetry()
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			ws, err := openWorkspace(tel.WithContext(cmd.Context()), modePlan)
			if err != nil {
				return err
			}
			defer ws.Close()

			res := ws.dispatcher.Resolution()
			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(res.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				log.Info().Str("file", dotFile).Msg("Wrote dependency graph")
			}

			entries := planEntries(ws.dispatcher, "")
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			printPlan(cmd.OutOrStdout(), entries, 0)
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write a Graphviz DOT rendering to this file")

	return cmd
}

// planEntries builds the plan tree below parentID in execution order.
func planEntries(d *engine.Dispatcher, parentID string) []planEntry {
	res := d.Resolution()
	scope, ok := res.Scopes[parentID]
	if !ok {
		return nil
	}
	levels := make(map[string]int)
	for lvl, ids := range scope.Levels {
		for _, id := range ids {
			levels[id] = lvl
		}
	}

	entries := make([]planEntry, 0, len(scope.Order))
	for _, id := range scope.Order {
		t, ok := d.Task(id)
		if !ok {
			continue
		}
		e := planEntry{
			ID:       id,
			Level:    levels[id],
			Provides: t.EffectiveProvides(),
			Requires: t.Requires,
			Group:    t.Properties.IsGroup,
			Disabled: !t.Enabled(),
			Children: planEntries(d, id),
		}
		if t.Properties.HasPre {
			e.Pre = engine.PreTaskID(id)
		}
		if t.Properties.HasPost {
			e.Post = engine.PostTaskID(id)
		}
		entries = append(entries, e)
	}
	return entries
}

func printPlan(w io.Writer, entries []planEntry, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, e := range entries {
		if e.Pre != "" {
			fmt.Fprintf(w, "%s%s\n", indent, e.Pre)
		}

		var notes []string
		if e.Group {
			notes = append(notes, "group")
		}
		if e.Disabled {
			notes = append(notes, "disabled")
		}
		if len(e.Requires) > 0 {
			notes = append(notes, "requires "+strings.Join(e.Requires, ","))
		}
		line := fmt.Sprintf("%s[%d] %s", indent, e.Level, formatBold(e.ID))
		if len(notes) > 0 {
			line += " (" + strings.Join(notes, "; ") + ")"
		}
		fmt.Fprintln(w, line)

		printPlan(w, e.Children, depth+1)
		if e.Post != "" {
			fmt.Fprintf(w, "%s%s\n", indent, e.Post)
		}
	}
}

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pterm/pterm"

	"github.com/distbuild/distbuild/pkg/engine"
)

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// initFormatting enables colors only when w is a terminal.
func initFormatting(w io.Writer) {
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		pterm.EnableColor()
		return
	}
	pterm.DisableColor()
}

func formatBold(s string) string {
	return pterm.Bold.Sprint(s)
}

func formatOutcome(outcome engine.TaskOutcome) string {
	s := string(outcome)
	switch outcome {
	case engine.OutcomeRan:
		return pterm.Green(s)
	case engine.OutcomeStale:
		return pterm.Yellow(s)
	case engine.OutcomeFailed:
		return pterm.Red(s)
	default:
		return pterm.Gray(s)
	}
}

func formatStatus(status string) string {
	switch engine.RunStatus(status) {
	case engine.RunStatusSucceeded:
		return pterm.Green(status)
	case engine.RunStatusHalted:
		return pterm.Yellow(status)
	case engine.RunStatusFailed:
		return pterm.Red(status)
	default:
		return status
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, header []string, rows [][]string) error {
	data := append(pterm.TableData{header}, rows...)
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

// printSummary writes the per-task results and totals of a run.
func printSummary(w io.Writer, summary *engine.RunSummary, all bool) error {
	if jsonOutput {
		return printJSON(w, summary)
	}

	rows := make([][]string, 0, len(summary.Results))
	for _, r := range summary.Results {
		if !all && r.Outcome == engine.OutcomeUnchanged {
			continue
		}
		rows = append(rows, []string{
			r.TaskID,
			formatOutcome(r.Outcome),
			formatChanges(r),
			r.Duration.Round(time.Millisecond).String(),
		})
	}
	if len(rows) > 0 {
		if err := printTable(w, []string{"TASK", "OUTCOME", "CHANGES", "DURATION"}, rows); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "%s %s in %s: %d ran, %d unchanged, %d disabled, %d skipped, %d failed\n",
		formatBold("Run "+shortID(summary.RunID)),
		formatStatus(string(summary.Status)),
		summary.Duration().Round(time.Millisecond),
		summary.Count(engine.OutcomeRan),
		summary.Count(engine.OutcomeUnchanged),
		summary.Count(engine.OutcomeDisabled),
		summary.Count(engine.OutcomeSkipped),
		summary.Count(engine.OutcomeFailed),
	)
	if summary.HaltedBy != "" {
		fmt.Fprintf(w, "Halted by %s\n", summary.HaltedBy)
	}
	return nil
}

func formatChanges(r engine.TaskResult) string {
	if r.Forced {
		return "forced"
	}
	if r.Error != "" {
		return firstLine(r.Error)
	}
	changes := make([]string, len(r.Changes))
	for i, c := range r.Changes {
		changes[i] = c.String()
	}
	return strings.Join(changes, ", ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

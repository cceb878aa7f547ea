package stores

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/distbuild/distbuild/pkg/engine"
)

// HistoryObserver records dispatcher runs in a HistoryStore. Store failures
// are logged and never fail the build.
type HistoryObserver struct {
	engine.NopObserver
	store  HistoryStore
	logger zerolog.Logger
}

// NewHistoryObserver creates an observer writing to store.
func NewHistoryObserver(store HistoryStore, logger zerolog.Logger) *HistoryObserver {
	return &HistoryObserver{
		store:  store,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// RunStarted implements engine.Observer.
func (h *HistoryObserver) RunStarted(ctx context.Context, runID string) context.Context {
	run := &Run{ID: runID, Status: string(engine.RunStatusRunning), StartedAt: time.Now()}
	if err := h.store.CreateRun(ctx, run); err != nil {
		h.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to record run start")
	}
	return ctx
}

// TaskFinished implements engine.Observer. The event is written even when the
// run context has been cancelled.
func (h *HistoryObserver) TaskFinished(ctx context.Context, runID string, result engine.TaskResult) {
	ctx = context.WithoutCancel(ctx)
	ev := &TaskEvent{
		RunID:     runID,
		TaskID:    result.TaskID,
		Outcome:   string(result.Outcome),
		Forced:    result.Forced,
		StartedAt: result.StartedAt,
		Duration:  result.Duration,
	}
	for _, c := range result.Changes {
		ev.Changes = append(ev.Changes, c.String())
	}
	if result.Error != "" {
		msg := result.Error
		ev.Error = &msg
	}
	if err := h.store.AppendTaskEvent(ctx, ev); err != nil {
		h.logger.Warn().Err(err).Str("task_id", result.TaskID).Msg("Failed to record task event")
	}
}

// RunFinished implements engine.Observer. An interrupted run is still marked
// finished, so it does not stay running in the history.
func (h *HistoryObserver) RunFinished(ctx context.Context, summary *engine.RunSummary, err error) {
	ctx = context.WithoutCancel(ctx)
	finished := summary.FinishedAt
	run := &Run{
		ID:          summary.RunID,
		Status:      string(summary.Status),
		StartedAt:   summary.StartedAt,
		CompletedAt: &finished,
		Ran:         summary.Count(engine.OutcomeRan),
		Unchanged:   summary.Count(engine.OutcomeUnchanged),
		Skipped:     summary.Count(engine.OutcomeSkipped),
		Failed:      summary.Count(engine.OutcomeFailed),
	}
	if err != nil {
		msg := err.Error()
		run.Error = &msg
	}
	if summary.HaltedBy != "" {
		by := summary.HaltedBy
		run.HaltedBy = &by
	}
	if ferr := h.store.FinishRun(ctx, run); ferr != nil {
		h.logger.Warn().Err(ferr).Str("run_id", summary.RunID).Msg("Failed to record run result")
	}
}

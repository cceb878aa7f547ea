package telemetry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/distbuild/distbuild/pkg/engine"
)

// Phase status label values.
const (
	PhaseStatusOK    = "ok"
	PhaseStatusError = "error"
	PhaseStatusExit  = "exit"
)

// Observer reports dispatcher runs as log entries, metrics and spans. Each
// run gets a span, each task a child span and each phase a grandchild.
type Observer struct {
	logger  zerolog.Logger
	metrics *Metrics
	tracer  *Tracer

	mu    sync.Mutex
	tasks map[string]taskSpan
}

type taskSpan struct {
	ctx  context.Context
	span trace.Span
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver creates an observer. Nil metrics or tracer disable that part.
func NewObserver(logger zerolog.Logger, metrics *Metrics, tracer *Tracer) *Observer {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Observer{
		logger:  logger.With().Str("component", "telemetry").Logger(),
		metrics: metrics,
		tracer:  tracer,
		tasks:   make(map[string]taskSpan),
	}
}

// RunStarted opens the run span.
func (o *Observer) RunStarted(ctx context.Context, runID string) context.Context {
	o.mu.Lock()
	o.tasks = make(map[string]taskSpan)
	o.mu.Unlock()

	if o.tracer != nil {
		ctx, _ = o.tracer.StartRunSpan(ctx, runID)
	}
	o.logger.Debug().Str("run_id", runID).Str("trace_id", TraceID(ctx)).Msg("Tracing run")
	return ctx
}

func (o *Observer) taskContext(ctx context.Context, taskID string) context.Context {
	if o.tracer == nil {
		return ctx
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts, ok := o.tasks[taskID]; ok {
		return ts.ctx
	}
	taskCtx, span := o.tracer.StartTaskSpan(ctx, taskID)
	o.tasks[taskID] = taskSpan{ctx: taskCtx, span: span}
	return taskCtx
}

// StartPhase opens a phase span below the task span and records the phase
// metrics when it ends.
func (o *Observer) StartPhase(ctx context.Context, task *engine.Task, phase engine.Phase) (context.Context, func(error)) {
	ctx = o.taskContext(ctx, task.ID)
	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.StartPhaseSpan(ctx, task.ID, string(phase))
	}
	timer := NewTimer()

	return ctx, func(err error) {
		status := PhaseStatusOK
		switch {
		case engine.IsHookExit(err):
			status = PhaseStatusExit
		case err != nil:
			status = PhaseStatusError
		}
		duration := timer.Duration()
		o.metrics.RecordPhase(string(phase), status, duration)

		if span != nil {
			if status == PhaseStatusError {
				RecordError(span, err)
			} else {
				RecordSuccess(span)
			}
			span.End()
		}

		o.logger.Trace().
			Str("task_id", task.ID).
			Str("phase", string(phase)).
			Str("status", status).
			Dur("duration", duration).
			Msg("Phase finished")
	}
}

// TaskFinished closes the task span and counts the outcome.
func (o *Observer) TaskFinished(ctx context.Context, runID string, result engine.TaskResult) {
	o.metrics.RecordTask(string(result.Outcome))

	o.mu.Lock()
	ts, ok := o.tasks[result.TaskID]
	delete(o.tasks, result.TaskID)
	o.mu.Unlock()

	if ok {
		ts.span.SetAttributes(
			AttrOutcome.String(string(result.Outcome)),
			AttrForced.Bool(result.Forced),
			AttrChanges.Int(len(result.Changes)),
		)
		if result.Outcome == engine.OutcomeFailed {
			ts.span.SetStatus(codes.Error, result.Error)
		}
		ts.span.End()
	} else if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("task "+string(result.Outcome), trace.WithAttributes(
			AttrTaskID.String(result.TaskID),
		))
	}

	event := o.logger.Debug()
	if result.Outcome == engine.OutcomeRan || result.Outcome == engine.OutcomeStale {
		event = o.logger.Info()
	}
	if result.Outcome == engine.OutcomeFailed {
		event = o.logger.Error().Str("error", result.Error)
	}
	changes := make([]string, len(result.Changes))
	for i, c := range result.Changes {
		changes[i] = c.String()
	}
	event.
		Str("run_id", runID).
		Str("task_id", result.TaskID).
		Str("outcome", string(result.Outcome)).
		Bool("forced", result.Forced).
		Strs("changes", changes).
		Dur("duration", result.Duration).
		Msg("Task finished")
}

// RunFinished closes the run span and records the run metrics.
func (o *Observer) RunFinished(ctx context.Context, summary *engine.RunSummary, err error) {
	o.mu.Lock()
	for id, ts := range o.tasks {
		ts.span.End()
		delete(o.tasks, id)
	}
	o.mu.Unlock()

	o.metrics.RecordRun(string(summary.Status), summary.Duration())
	o.metrics.SetStaleTasks(summary.Count(engine.OutcomeStale))

	span := trace.SpanFromContext(ctx)
	if o.tracer != nil && span.IsRecording() {
		span.SetAttributes(AttrRunStatus.String(string(summary.Status)))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}
}

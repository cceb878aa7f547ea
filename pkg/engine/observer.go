package engine

import "context"

// Observer receives notifications while the dispatcher runs.
type Observer interface {
	// RunStarted is called before the first task. The returned context is
	// used for the rest of the run.
	RunStarted(ctx context.Context, runID string) context.Context

	// StartPhase is called before a phase of a task. The returned function is
	// called with the phase result.
	StartPhase(ctx context.Context, task *Task, phase Phase) (context.Context, func(error))

	// TaskFinished is called once per visited task.
	TaskFinished(ctx context.Context, runID string, result TaskResult)

	// RunFinished is called after the run ends, successfully or not.
	RunFinished(ctx context.Context, summary *RunSummary, err error)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

// RunStarted implements Observer.
func (NopObserver) RunStarted(ctx context.Context, _ string) context.Context { return ctx }

// StartPhase implements Observer.
func (NopObserver) StartPhase(ctx context.Context, _ *Task, _ Phase) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// TaskFinished implements Observer.
func (NopObserver) TaskFinished(context.Context, string, TaskResult) {}

// RunFinished implements Observer.
func (NopObserver) RunFinished(context.Context, *RunSummary, error) {}

// MultiObserver fans notifications out to several observers in order.
type MultiObserver []Observer

// RunStarted implements Observer.
func (m MultiObserver) RunStarted(ctx context.Context, runID string) context.Context {
	for _, o := range m {
		ctx = o.RunStarted(ctx, runID)
	}
	return ctx
}

// StartPhase implements Observer.
func (m MultiObserver) StartPhase(ctx context.Context, task *Task, phase Phase) (context.Context, func(error)) {
	finish := make([]func(error), 0, len(m))
	for _, o := range m {
		var done func(error)
		ctx, done = o.StartPhase(ctx, task, phase)
		finish = append(finish, done)
	}
	return ctx, func(err error) {
		for i := len(finish) - 1; i >= 0; i-- {
			finish[i](err)
		}
	}
}

// TaskFinished implements Observer.
func (m MultiObserver) TaskFinished(ctx context.Context, runID string, result TaskResult) {
	for _, o := range m {
		o.TaskFinished(ctx, runID, result)
	}
}

// RunFinished implements Observer.
func (m MultiObserver) RunFinished(ctx context.Context, summary *RunSummary, err error) {
	for _, o := range m {
		o.RunFinished(ctx, summary, err)
	}
}

package stores

import (
	"context"
	"time"

	"github.com/distbuild/distbuild/pkg/diff"
)

// Run is a recorded dispatcher run.
type Run struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	HaltedBy    *string    `json:"halted_by,omitempty"`
	Ran         int        `json:"ran"`
	Unchanged   int        `json:"unchanged"`
	Skipped     int        `json:"skipped"`
	Failed      int        `json:"failed"`
}

// TaskEvent is the recorded outcome of one task in a run.
type TaskEvent struct {
	ID        int64         `json:"id"`
	RunID     string        `json:"run_id"`
	TaskID    string        `json:"task_id"`
	Outcome   string        `json:"outcome"`
	Forced    bool          `json:"forced"`
	Changes   []string      `json:"changes,omitempty"`
	Error     *string       `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// HistoryStore records runs and task outcomes.
type HistoryStore interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	AppendTaskEvent(ctx context.Context, event *TaskEvent) error
	ListTaskEvents(ctx context.Context, runID string) ([]*TaskEvent, error)
}

// RecordStore is a diff.Store with an explicit lifecycle.
type RecordStore interface {
	diff.Store
	Init(ctx context.Context) error
	Close() error
	// TaskIDs lists every task with a stored record.
	TaskIDs(ctx context.Context) ([]string, error)
}

package tasks

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/distbuild/distbuild/pkg/config"
	"github.com/distbuild/distbuild/pkg/engine"
)

// Binder turns the task entries of a build definition into registered
// tasks with built-in hooks.
type Binder struct {
	baseDir string
	shell   string
	logger  zerolog.Logger
	eval    *StarlarkEvaluator
	timeout time.Duration
}

// Option configures a Binder.
type Option func(*Binder)

// WithBaseDir sets the directory relative paths are resolved against.
func WithBaseDir(dir string) Option {
	return func(b *Binder) { b.baseDir = dir }
}

// WithShell sets the shell used by command tasks. Defaults to /bin/sh.
func WithShell(shell string) Option {
	return func(b *Binder) { b.shell = shell }
}

// WithScriptTimeout bounds each Starlark call of script tasks.
func WithScriptTimeout(d time.Duration) Option {
	return func(b *Binder) { b.timeout = d }
}

// WithLogger sets the logger handed to hooks.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Binder) { b.logger = logger }
}

// NewBinder creates a binder.
func NewBinder(opts ...Option) *Binder {
	b := &Binder{
		baseDir: ".",
		shell:   "/bin/sh",
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "tasks").Logger()
	b.eval = NewStarlarkEvaluator(b.timeout, b.logger)
	return b
}

// Register registers every task of def with d, in declaration order, and
// binds the hook for its kind.
func (b *Binder) Register(d *engine.Dispatcher, def *config.Definition) error {
	if err := def.Err(); err != nil {
		return err
	}
	for _, task := range def.Tasks {
		if err := d.RegisterTask(task.Spec()); err != nil {
			return err
		}
		hook, err := b.Hook(task)
		if err != nil {
			return err
		}
		if err := d.RegisterHook(task.ID, hook); err != nil {
			return err
		}
	}
	b.logger.Debug().Int("tasks", len(def.Tasks)).Msg("Registered definition tasks")
	return nil
}

// Hook returns the built-in hook for a task entry.
func (b *Binder) Hook(task config.TaskConfig) (engine.Hook, error) {
	base := declaredHook{task: task, binder: b}
	switch task.Kind {
	case "", config.KindGroup:
		return &base, nil
	case config.KindCommand:
		if task.Command == nil {
			return nil, engine.NewValidationError("command task without command", nil).WithTask(task.ID)
		}
		return &CommandHook{declaredHook: base}, nil
	case config.KindScript:
		return &ScriptHook{declaredHook: base}, nil
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unknown task kind %q", task.Kind), nil).
			WithTask(task.ID)
	}
}

// path resolves p against the base directory.
func (b *Binder) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(b.baseDir, p)
}

func (b *Binder) paths(ps []string) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = b.path(p)
	}
	return out
}

// declaredHook watches what the task entry declares and otherwise defers to
// change detection. It backs group tasks and tasks without a kind.
type declaredHook struct {
	engine.BaseHook
	task   config.TaskConfig
	binder *Binder
}

// Setup registers the declared watches.
func (h *declaredHook) Setup(tc *engine.TaskContext) error {
	if len(h.task.WatchConfig) > 0 {
		tc.WatchConfig(h.task.WatchConfig...)
	}
	for _, name := range h.task.WatchVariables {
		tc.WatchPublished(name)
	}
	if len(h.task.Inputs) > 0 {
		tc.WatchInput(h.binder.paths(h.task.Inputs)...)
	}
	if len(h.task.Outputs) > 0 {
		tc.WatchOutput(h.binder.paths(h.task.Outputs)...)
	}
	return nil
}

package tasks

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/distbuild/distbuild/pkg/engine"
)

// tailLines is how much command output is kept for error messages.
const tailLines = 20

// CommandHook runs a shell command in the Run phase. The command text,
// working directory and environment are watched as variables, so editing
// any of them makes the task stale.
type CommandHook struct {
	declaredHook
}

// Setup registers the declared watches and the command itself.
func (h *CommandHook) Setup(tc *engine.TaskContext) error {
	if err := h.declaredHook.Setup(tc); err != nil {
		return err
	}
	cmd := h.task.Command
	tc.WatchVariable("command.run", func() (any, error) { return cmd.Run, nil })
	tc.WatchVariable("command.dir", func() (any, error) { return cmd.Dir, nil })
	tc.WatchVariable("command.env", func() (any, error) { return cmd.Env, nil })
	return nil
}

func (h *CommandHook) dir() string {
	if h.task.Command.Dir == "" {
		return h.binder.baseDir
	}
	return h.binder.path(h.task.Command.Dir)
}

func (h *CommandHook) env(tc *engine.TaskContext) []string {
	env := os.Environ()
	env = append(env,
		"DISTBUILD_TASK_ID="+tc.ID(),
		"DISTBUILD_RUN_ID="+tc.RunID(),
	)
	if dir, err := tc.WorkDir(); err == nil {
		env = append(env, "DISTBUILD_WORKDIR="+dir)
	}

	keys := make([]string, 0, len(h.task.Command.Env))
	for k := range h.task.Command.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+h.task.Command.Env[k])
	}
	return env
}

// Run executes the command with the configured shell.
func (h *CommandHook) Run(tc *engine.TaskContext) error {
	logger := tc.Logger()
	cmd := exec.CommandContext(tc.Context(), h.binder.shell, "-c", h.task.Command.Run)
	cmd.Dir = h.dir()
	cmd.Env = h.env(tc)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Debug().Str("command", h.task.Command.Run).Str("dir", cmd.Dir).Msg("Running command")
	err := cmd.Run()
	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if line != "" {
			logger.Debug().Msg(line)
		}
	}
	if err != nil {
		return fmt.Errorf("command failed: %w\n%s", err, tail(out.String(), tailLines))
	}
	return nil
}

// Apply publishes the content of the configured files as variables. A
// missing file is an error only when the command ran in this run.
func (h *CommandHook) Apply(tc *engine.TaskContext) error {
	names := make([]string, 0, len(h.task.Command.Publish))
	for name := range h.task.Command.Publish {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		path := h.task.Command.Publish[name]
		if !filepath.IsAbs(path) {
			path = filepath.Join(h.dir(), path)
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) && !tc.Ran() {
			logger := tc.Logger()
			logger.Debug().Str("variable", name).Str("path", path).Msg("Nothing to publish")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read %s for variable %s: %w", path, name, err)
		}
		if err := tc.Publish(name, strings.TrimSpace(string(data))); err != nil {
			return err
		}
	}
	return nil
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

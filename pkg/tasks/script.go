package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/distbuild/distbuild/pkg/engine"
)

const (
	outputsKey  = "script.outputs"
	outputsFile = "script-outputs.json"
)

// ScriptHook runs a Starlark script. The script may define any of
// setup(ctx), clean(ctx), check(ctx), run(ctx), apply(ctx) and
// recover(ctx, error). A dict returned by run or apply is published as
// variables. Values returned by run are kept in the task's work directory
// and published again on runs where the task is unchanged.
type ScriptHook struct {
	declaredHook
	module *Module
	source string
}

func (h *ScriptHook) load(tc *engine.TaskContext) error {
	source, filename := h.task.Script, h.task.ID+".star"
	if h.task.ScriptFile != "" {
		path := h.task.ScriptFile
		if !filepath.IsAbs(path) {
			if h.task.Source != "" {
				path = filepath.Join(filepath.Dir(h.task.Source), path)
			} else {
				path = h.binder.path(path)
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}
		source, filename = string(data), path
	}

	module, err := h.binder.eval.Load(tc.Context(), filename, source, nil)
	if err != nil {
		return err
	}
	h.module = module
	h.source = source
	return nil
}

func (h *ScriptHook) call(tc *engine.TaskContext, name string, extra ...starlark.Value) (starlark.Value, error) {
	args := append([]starlark.Value{h.scriptContext(tc)}, extra...)
	return h.module.Call(tc.Context(), name, args...)
}

// Setup loads the script, watches its source and calls setup().
func (h *ScriptHook) Setup(tc *engine.TaskContext) error {
	if err := h.declaredHook.Setup(tc); err != nil {
		return err
	}
	if err := h.load(tc); err != nil {
		return err
	}
	tc.WatchVariable("script", func() (any, error) { return h.source, nil })

	if h.module.Has("setup") {
		_, err := h.call(tc, "setup")
		return err
	}
	return nil
}

// Clean calls clean().
func (h *ScriptHook) Clean(tc *engine.TaskContext) error {
	if !h.module.Has("clean") {
		return nil
	}
	_, err := h.call(tc, "clean")
	return err
}

// Check calls check() or falls back to change detection.
func (h *ScriptHook) Check(tc *engine.TaskContext) (bool, error) {
	if !h.module.Has("check") {
		return tc.Stale()
	}
	v, err := h.call(tc, "check")
	if err != nil {
		return false, err
	}
	return bool(v.Truth()), nil
}

// Run calls run() and keeps its result for Apply.
func (h *ScriptHook) Run(tc *engine.TaskContext) error {
	outputs := map[string]interface{}{}
	if h.module.Has("run") {
		v, err := h.call(tc, "run")
		if err != nil {
			return err
		}
		if outputs, err = resultOutputs("run", v); err != nil {
			return err
		}
	}
	tc.Set(outputsKey, outputs)
	return saveOutputs(tc, outputs)
}

// Apply calls apply() and publishes the outputs of run() and apply().
func (h *ScriptHook) Apply(tc *engine.TaskContext) error {
	outputs := map[string]interface{}{}
	if v, ok := tc.Get(outputsKey); ok {
		outputs = v.(map[string]interface{})
	} else {
		prev, err := loadOutputs(tc)
		if err != nil {
			return err
		}
		for k, v := range prev {
			outputs[k] = v
		}
	}

	if h.module.Has("apply") {
		v, err := h.call(tc, "apply")
		if err != nil {
			return err
		}
		applied, err := resultOutputs("apply", v)
		if err != nil {
			return err
		}
		for k, v := range applied {
			outputs[k] = v
		}
	}

	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := tc.Publish(name, outputs[name]); err != nil {
			return err
		}
	}
	return nil
}

// Recover calls recover() with the failure message.
func (h *ScriptHook) Recover(tc *engine.TaskContext, cause error) error {
	if h.module == nil || !h.module.Has("recover") {
		return nil
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := h.call(tc, "recover", starlark.String(msg))
	return err
}

func resultOutputs(fn string, v starlark.Value) (map[string]interface{}, error) {
	if v == starlark.None {
		return map[string]interface{}{}, nil
	}
	if _, ok := v.(*starlark.Dict); !ok {
		return nil, fmt.Errorf("%s() must return a dict or None, got %s", fn, v.Type())
	}
	goVal, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("%s() result: %w", fn, err)
	}
	return goVal.(map[string]interface{}), nil
}

func saveOutputs(tc *engine.TaskContext, outputs map[string]interface{}) error {
	dir, err := tc.WorkDir()
	if err != nil {
		return nil
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to encode script outputs: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, outputsFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to save script outputs: %w", err)
	}
	return nil
}

func loadOutputs(tc *engine.TaskContext) (map[string]interface{}, error) {
	dir, err := tc.WorkDir()
	if err != nil {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, outputsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read script outputs: %w", err)
	}
	var outputs map[string]interface{}
	if err := json.Unmarshal(data, &outputs); err != nil {
		logger := tc.Logger()
		logger.Warn().Err(err).Msg("Ignoring unreadable script outputs")
		return nil, nil
	}
	return outputs, nil
}

// scriptContext builds the ctx argument handed to script functions.
func (h *ScriptHook) scriptContext(tc *engine.TaskContext) starlark.Value {
	fields := starlark.StringDict{
		"id":     starlark.String(tc.ID()),
		"run_id": starlark.String(tc.RunID()),
		"forced": starlark.Bool(tc.Forced()),
		"ran":    starlark.Bool(tc.Ran()),

		"config": starlark.NewBuiltin("config", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			var def starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "default?", &def); err != nil {
				return nil, err
			}
			v, ok := tc.Config(path)
			if !ok {
				return def, nil
			}
			return toStarlarkValue(v)
		}),

		"var": starlark.NewBuiltin("var", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var def starlark.Value = starlark.None
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
				return nil, err
			}
			v, ok := tc.Var(name)
			if !ok {
				return def, nil
			}
			return toStarlarkValue(v)
		}),

		"publish": starlark.NewBuiltin("publish", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var name string
			var value starlark.Value
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
				return nil, err
			}
			goVal, err := fromStarlarkValue(value)
			if err != nil {
				return nil, err
			}
			if err := tc.Publish(name, goVal); err != nil {
				return nil, err
			}
			return starlark.None, nil
		}),

		"watch_input": h.pathsBuiltin("watch_input", tc.WatchInput),
		"watch_output": h.pathsBuiltin("watch_output", tc.WatchOutput),
		"watch_config": stringsBuiltin("watch_config", tc.WatchConfig),
		"watch_variable": stringsBuiltin("watch_variable", func(names ...string) {
			for _, name := range names {
				tc.WatchPublished(name)
			}
		}),

		"changes": starlark.NewBuiltin("changes", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			changes, err := tc.Changes()
			if err != nil {
				return nil, err
			}
			list := make([]starlark.Value, len(changes))
			for i, c := range changes {
				list[i] = starlark.String(c.String())
			}
			return starlark.NewList(list), nil
		}),

		"workdir": starlark.NewBuiltin("workdir", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
				return nil, err
			}
			dir, err := tc.WorkDir()
			if err != nil {
				return nil, err
			}
			return starlark.String(dir), nil
		}),

		"exit": starlark.NewBuiltin("exit", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			reason := "exit requested"
			if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason); err != nil {
				return nil, err
			}
			thread.SetLocal(exitKey, engine.Exit(reason).WithTask(tc.ID()))
			return nil, fmt.Errorf("exit: %s", reason)
		}),
	}
	return starlarkstruct.FromStringDict(starlark.String("ctx"), fields)
}

func (h *ScriptHook) pathsBuiltin(name string, watch func(...string)) *starlark.Builtin {
	return stringsBuiltin(name, func(paths ...string) {
		watch(h.binder.paths(paths)...)
	})
}

func stringsBuiltin(name string, fn func(...string)) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
		}
		values := make([]string, len(args))
		for i, arg := range args {
			s, ok := starlark.AsString(arg)
			if !ok {
				return nil, fmt.Errorf("%s: argument %d is %s, want string", b.Name(), i+1, arg.Type())
			}
			values[i] = s
		}
		fn(values...)
		return starlark.None, nil
	})
}

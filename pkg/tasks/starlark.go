package tasks

import (
	"context"
	encjson "encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultScriptTimeout bounds a single script call.
const DefaultScriptTimeout = 30 * time.Second

const exitKey = "distbuild.exit"

// StarlarkEvaluator loads and calls Starlark task scripts. Scripts have no
// filesystem or network access of their own; everything they can touch is
// handed to them through the ctx argument.
type StarlarkEvaluator struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = DefaultScriptTimeout
	}
	return &StarlarkEvaluator{
		timeout: timeout,
		logger:  logger,
	}
}

// Module is a loaded script.
type Module struct {
	eval     *StarlarkEvaluator
	filename string
	globals  starlark.StringDict
}

func (se *StarlarkEvaluator) newThread(filename string) *starlark.Thread {
	return &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Info().Str("script", filename).Msg(msg)
		},
	}
}

// run executes fn and cancels the thread when ctx is done or the timeout expires.
func (se *StarlarkEvaluator) run(ctx context.Context, thread *starlark.Thread, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	return fn()
}

// Load executes a script's top level. Entries of input are predeclared as
// globals next to the built-ins.
func (se *StarlarkEvaluator) Load(ctx context.Context, filename, source string, input map[string]interface{}) (*Module, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   json.Module,
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	thread := se.newThread(filename)
	var globals starlark.StringDict
	err := se.run(ctx, thread, func() error {
		var err error
		globals, err = starlark.ExecFile(thread, filename, source, predeclared)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	return &Module{eval: se, filename: filename, globals: globals}, nil
}

// Has reports whether the module defines a callable called name.
func (m *Module) Has(name string) bool {
	_, ok := m.globals[name].(starlark.Callable)
	return ok
}

// Globals returns the exported top-level values that convert to Go.
// Names starting with an underscore and functions are skipped.
func (m *Module) Globals() map[string]interface{} {
	out := make(map[string]interface{})
	for name, val := range m.globals {
		if name[0] == '_' {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		if goVal, err := fromStarlarkValue(val); err == nil {
			out[name] = goVal
		}
	}
	return out
}

// Call invokes the function called name. An exit() inside the script is
// returned as the error passed to it.
func (m *Module) Call(ctx context.Context, name string, args ...starlark.Value) (starlark.Value, error) {
	fn, ok := m.globals[name].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s does not define %s()", m.filename, name)
	}

	thread := m.eval.newThread(m.filename)
	var result starlark.Value
	err := m.eval.run(ctx, thread, func() error {
		var err error
		result, err = starlark.Call(thread, fn, starlark.Tuple(args), nil)
		return err
	})
	if exit, ok := thread.Local(exitKey).(error); ok {
		return nil, exit
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %s() failed: %w", m.filename, name, err)
	}
	return result, nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case starlark.Value:
		return val, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case encjson.Number:
		if i, ok := new(big.Int).SetString(val.String(), 10); ok {
			return starlark.MakeBigInt(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", val)
		}
		return starlark.Float(f), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		m := make(map[string]interface{}, len(val))
		for k, s := range val {
			m[k] = s
		}
		return toStarlarkValue(m)
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromStarlarkSequence(val)
	case *starlark.List:
		return fromStarlarkSequence(val)
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkSequence(seq starlark.Indexable) ([]interface{}, error) {
	list := make([]interface{}, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		item, err := fromStarlarkValue(seq.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}

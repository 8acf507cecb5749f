package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/converge/pkg/telemetry"
)

// StarlarkEvaluator runs Starlark manifests. Besides the Starlark
// universe, scripts see struct, json, the resource and purge builtins and
// every input value. Public globals that are not callables form the
// output.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout means 30s.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate runs script as manifest.star.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	return se.EvaluateFile(ctx, "manifest.star", script, input)
}

// EvaluateFile runs script, reporting errors against filename. The script
// is cancelled when ctx ends or the timeout passes. On failure the result
// still carries the execution time and error text.
func (se *StarlarkEvaluator) EvaluateFile(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()
	result := &StarlarkResult{}
	fail := func(err error) (*StarlarkResult, error) {
		result.ExecutionTime = time.Since(start)
		result.Error = err.Error()
		return result, err
	}

	predeclared, err := se.predeclared(input)
	if err != nil {
		return fail(err)
	}

	log := telemetry.FromContext(ctx).WithField("script", filename)
	thread := &starlark.Thread{
		Name:  filename,
		Print: func(_ *starlark.Thread, msg string) { log.Debug(msg) },
	}

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() { thread.Cancel(evalCtx.Err().Error()) })
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if ctxErr := evalCtx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil {
			return fail(fmt.Errorf("%s: execution timeout after %v: %w", filename, se.timeout, ctxErr))
		}
		return fail(fmt.Errorf("%s: %w", filename, ctxErr))
	}
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return fail(errors.New(evalErr.Backtrace()))
		}
		return fail(err)
	}

	result.Output = make(map[string]interface{}, len(globals))
	for _, name := range globals.Keys() {
		val := globals[name]
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, ok := val.(starlark.Callable); ok {
			continue
		}
		goVal, err := fromStarlark(val)
		if err != nil {
			return fail(fmt.Errorf("%s: global %s: %w", filename, name, err))
		}
		result.Output[name] = goVal
	}
	result.ExecutionTime = time.Since(start)
	return result, nil
}

func (se *StarlarkEvaluator) predeclared(input map[string]interface{}) (starlark.StringDict, error) {
	env := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"json":     starjson.Module,
		"resource": starlark.NewBuiltin("resource", builtinResource),
		"purge":    starlark.NewBuiltin("purge", builtinPurge),
	}
	for key, val := range input {
		sv, err := toStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", key, err)
		}
		env[key] = sv
	}
	return env, nil
}

func toStarlark(v interface{}) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		items := make([]starlark.Value, len(val))
		for i, s := range val {
			items[i] = starlark.String(s)
		}
		return starlark.NewList(items), nil
	case []interface{}:
		items := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlark(val[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}

func fromStarlark(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer %s out of range", val)
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.Dict:
		out := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			gv, err := fromStarlark(item[1])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = gv
		}
		return out, nil
	case *starlarkstruct.Struct:
		out := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			gv, err := fromStarlark(attr)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			out[name] = gv
		}
		return out, nil
	case starlark.Iterable:
		// list, tuple, range and set
		iter := val.Iterate()
		defer iter.Done()
		out := []interface{}{}
		var item starlark.Value
		for iter.Next(&item) {
			gv, err := fromStarlark(item)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported starlark type %s", v.Type())
}

// builtinResource builds a resource dict:
//
//	resource("cron", "backup", command = "/bin/backup", hour = 2)
//
// The keywords target, provider and ensure set the resource fields; every
// other keyword becomes a property.
func builtinResource(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var typ, name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 2, &typ, &name); err != nil {
		return nil, err
	}

	res := starlark.NewDict(5)
	_ = res.SetKey(starlark.String("type"), starlark.String(typ))
	_ = res.SetKey(starlark.String("name"), starlark.String(name))

	props := starlark.NewDict(len(kwargs))
	for _, kv := range kwargs {
		key := kv[0].(starlark.String)
		switch key {
		case "target", "provider", "ensure":
			if _, ok := kv[1].(starlark.String); !ok {
				return nil, fmt.Errorf("%s: %s must be a string, got %s", b.Name(), key, kv[1].Type())
			}
			_ = res.SetKey(key, kv[1])
		default:
			_ = props.SetKey(key, kv[1])
		}
	}
	if props.Len() > 0 {
		_ = res.SetKey(starlark.String("properties"), props)
	}
	return res, nil
}

// builtinPurge builds a purge scope dict: purge("cron", target = "alice").
func builtinPurge(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var typ, target string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "type", &typ, "target?", &target); err != nil {
		return nil, err
	}

	scope := starlark.NewDict(2)
	_ = scope.SetKey(starlark.String("type"), starlark.String(typ))
	if target != "" {
		_ = scope.SetKey(starlark.String("target"), starlark.String(target))
	}
	return scope, nil
}

package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.starlark.net/starlark"
)

// Starlark-backed custom constraints. Each .star file in the constraints
// directory must define check(value) returning True for valid values, or
// False / an error message string for invalid ones. The constraint name is
// the file basename, referenced from templates as
// {custom_constraint: <name>}.

const defaultConstraintTimeout = 5 * time.Second

// LoadStarlarkConstraints loads every .star file under dir and registers
// the resulting predicates as named custom constraints. Returns the names
// registered.
func LoadStarlarkConstraints(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read constraints directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".star") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		script, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read constraint %s: %w", path, err)
		}

		name := strings.TrimSuffix(entry.Name(), ".star")
		fn, err := CompileStarlarkConstraint(name, string(script))
		if err != nil {
			return nil, err
		}
		RegisterCustomConstraint(name, fn)
		names = append(names, name)
	}
	return names, nil
}

// CompileStarlarkConstraint compiles a constraint script and returns its
// validator. The script's check function runs once per validated value.
func CompileStarlarkConstraint(name, script string) (CustomConstraintFunc, error) {
	thread := &starlark.Thread{
		Name: "caldera-constraint",
		Print: func(_ *starlark.Thread, _ string) {
			// Constraint scripts have no output channel.
		},
	}

	globals, err := starlark.ExecFile(thread, name+".star", script, starlark.StringDict{})
	if err != nil {
		return nil, fmt.Errorf("constraint %q: %w", name, err)
	}

	checkVal, ok := globals["check"]
	if !ok {
		return nil, fmt.Errorf("constraint %q: no check function defined", name)
	}
	check, ok := checkVal.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("constraint %q: check is not callable", name)
	}

	return func(value interface{}) error {
		return runConstraint(name, check, value)
	}, nil
}

func runConstraint(name string, check starlark.Callable, value interface{}) error {
	arg, err := toStarlarkValue(value)
	if err != nil {
		return fmt.Errorf("custom constraint %q: %w", name, err)
	}

	type callResult struct {
		value starlark.Value
		err   error
	}
	resultCh := make(chan callResult, 1)

	thread := &starlark.Thread{Name: "caldera-constraint"}
	go func() {
		result, err := starlark.Call(thread, check, starlark.Tuple{arg}, nil)
		resultCh <- callResult{value: result, err: err}
	}()

	select {
	case <-time.After(defaultConstraintTimeout):
		thread.Cancel("constraint timeout")
		return fmt.Errorf("custom constraint %q timed out", name)
	case result := <-resultCh:
		if result.err != nil {
			return fmt.Errorf("custom constraint %q failed: %w", name, result.err)
		}
		switch out := result.value.(type) {
		case starlark.Bool:
			if bool(out) {
				return nil
			}
			return fmt.Errorf("value rejected by custom constraint %q", name)
		case starlark.String:
			return fmt.Errorf("%s", string(out))
		case starlark.NoneType:
			return nil
		default:
			return fmt.Errorf("custom constraint %q returned %s, want bool or message", name, result.value.Type())
		}
	}
}

// toStarlarkValue converts a parameter value to its Starlark equivalent.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
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
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for key, item := range val {
			converted, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

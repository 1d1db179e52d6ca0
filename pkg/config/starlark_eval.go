package config

import (
	"context"
	stdjson "encoding/json"
	"fmt"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/buildmatrix/pkg/engine"
)

const defaultScriptTimeout = 10 * time.Second

// StarlarkEvaluator runs platform generator scripts.
//
// A generator sees the document's defaults as `defaults` and its declared
// platforms as `declared`, both plain dicts and lists in their JSON shape.
// It must bind a global `platforms` to a list of platform dicts or structs.
// `struct` and the `json` module are predeclared; print is discarded.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator returns an evaluator that cancels scripts running
// longer than timeout. Zero selects a 10 second limit.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// GeneratePlatforms runs script and decodes its `platforms` global.
func (se *StarlarkEvaluator) GeneratePlatforms(ctx context.Context, filename, script string, defaults engine.DefaultsConfig, declared []engine.PlatformOverride) ([]engine.PlatformOverride, error) {
	if declared == nil {
		declared = []engine.PlatformOverride{}
	}

	thread := newThread(filename)
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   json.Module,
	}
	for name, v := range map[string]any{"defaults": defaults, "declared": declared} {
		value, err := decodeJSONValue(thread, v)
		if err != nil {
			return nil, fmt.Errorf("generator %s: passing %s: %w", filename, name, err)
		}
		predeclared[name] = value
	}

	globals, err := se.exec(ctx, thread, filename, script, predeclared)
	if err != nil {
		return nil, err
	}

	value, ok := globals["platforms"]
	if !ok {
		return nil, fmt.Errorf("generator %s does not define platforms", filename)
	}
	switch value.(type) {
	case *starlark.List, starlark.Tuple:
	default:
		return nil, fmt.Errorf("generator %s: platforms must be a list, got %s", filename, value.Type())
	}

	encoded, err := starlark.Call(thread, json.Module.Members["encode"], starlark.Tuple{value}, nil)
	if err != nil {
		return nil, fmt.Errorf("generator %s: encoding platforms: %w", filename, err)
	}
	var platforms []engine.PlatformOverride
	if err := stdjson.Unmarshal([]byte(encoded.(starlark.String)), &platforms); err != nil {
		return nil, fmt.Errorf("generator %s returned malformed platforms: %w", filename, err)
	}
	return platforms, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
	}
}

// exec runs script on thread, cancelling it when ctx ends or the timeout
// elapses. It waits for the interpreter to stop before returning.
func (se *StarlarkEvaluator) exec(ctx context.Context, thread *starlark.Thread, filename, script string, predeclared starlark.StringDict) (starlark.StringDict, error) {
	ctx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	type outcome struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		globals, err := starlark.ExecFile(thread, filename, script, predeclared)
		done <- outcome{globals, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("generator %s: %w", filename, out.err)
		}
		return out.globals, nil
	case <-ctx.Done():
		thread.Cancel(ctx.Err().Error())
		<-done
		return nil, fmt.Errorf("generator %s timed out after %v", filename, time.Since(start).Round(time.Millisecond))
	}
}

// decodeJSONValue hands v to the script through its JSON encoding.
func decodeJSONValue(thread *starlark.Thread, v any) (starlark.Value, error) {
	data, err := stdjson.Marshal(v)
	if err != nil {
		return nil, err
	}
	return starlark.Call(thread, json.Module.Members["decode"], starlark.Tuple{starlark.String(data)}, nil)
}

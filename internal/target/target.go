// Package target resolves job target specifications into runnable targets.
//
// A target may be an in-process Go function, an executable command line, a
// shell command, a Python script or module, or a named callable within a
// Python script or module. What a specification resolves to is decided by a
// single dispatch, see New.
package target

import (
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"os"
	"runtime/debug"
	"slices"
	"strings"

	"golang.org/x/text/encoding"
)

// Func is an in-process callable target. The call carries the invocation's
// arguments along with the writers the callable should use for output. A
// result of iter.Seq[any] is drained and the collected values become the
// run's result.
type Func func(ctx context.Context, call *Call) (any, error)

// Call carries the arguments and output writers for a single invocation.
type Call struct {
	Args   []any
	Kwargs map[string]any

	Stdout io.Writer
	Stderr io.Writer
}

// Target is a resolved, runnable job target. Targets are immutable; use Bind
// to derive one with different bound arguments.
type Target struct {
	kind Kind

	argv   []string // command: program and arguments
	line   string   // shell: raw command line
	fn     Func     // callable
	name   string   // callable: registered name, for process mode
	path   string   // script, script-callable: script file path
	module string   // module, module-callable: dotted module path
	entry  string   // script-callable, module-callable: callable name

	args   []any
	kwargs map[string]any

	dir     string
	process bool
	enc     encoding.Encoding
}

// Kind returns the resolved kind of the target.
func (t *Target) Kind() Kind {
	return t.kind
}

// String returns a short description of the target for display.
func (t *Target) String() string {
	switch t.kind {
	case KindCommand:
		return strings.Join(t.argv, " ")
	case KindShell:
		return t.line
	case KindCallable:
		if t.name != "" {
			return t.name
		}
		return "func"
	case KindScript:
		return t.path
	case KindScriptCallable:
		return t.path + ":" + t.entry
	case KindModule:
		return t.module
	case KindModuleCallable:
		return t.module + ":" + t.entry
	}

	return "unknown"
}

// Bind returns a copy of the target with the given arguments bound, replacing
// any previously bound arguments. The receiver is unchanged.
func (t *Target) Bind(args []any, kwargs map[string]any) *Target {
	clone := *t
	clone.args = slices.Clone(args)
	clone.kwargs = maps.Clone(kwargs)

	return &clone
}

// Invoke runs the target. Arguments on the call take precedence over bound
// arguments; writers default to the process' own stdout/stderr.
//
// For command, shell, script and module targets, the process exit code is the
// result, even when non-zero; only spawn failures and kills produce an error.
// For callable targets an error, a panic, or a non-zero child exit produces
// an error.
func (t *Target) Invoke(ctx context.Context, call *Call) (any, error) {
	c := Call{}
	if call != nil {
		c = *call
	}

	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}

	if len(c.Args) == 0 && len(c.Kwargs) == 0 {
		c.Args = t.args
		c.Kwargs = t.kwargs
	}

	if t.kind == KindCallable && !t.process {
		return t.invokeFunc(ctx, &c)
	}

	return t.invokeProcess(ctx, &c)
}

func (t *Target) invokeFunc(ctx context.Context, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	result, err = t.fn(ctx, call)
	if err != nil {
		return nil, err
	}

	// Generator-style targets return a sequence; drain it so the collected
	// values become the run's result.
	if seq, ok := result.(iter.Seq[any]); ok {
		var values []any
		for v := range seq {
			values = append(values, v)
		}
		result = values
	}

	return result, nil
}

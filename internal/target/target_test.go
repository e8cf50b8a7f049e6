package target_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/joberd/jober/internal/target"
)

func TestMain(m *testing.M) {
	target.Register("emit", emitTarget)

	// When this test binary is re-executed as a process-mode callable child,
	// dispatch to the registered function instead of running tests.
	target.MaybeBootstrap()

	os.Exit(m.Run())
}

func emitTarget(ctx context.Context, call *target.Call) (any, error) {
	for _, arg := range call.Args {
		fmt.Fprintf(call.Stdout, "%v\n", arg)
	}

	return nil, nil
}

func TestInvokeCommand(t *testing.T) {
	t.Parallel()

	t.Run("Test bound arguments", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New("echo", target.Options{Args: []any{"hello"}})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		var buf bytes.Buffer

		result, err := tgt.Invoke(t.Context(), &target.Call{Stdout: &buf})
		if err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if result != any(0) {
			t.Errorf("expected exit code result: got '%v', want '0'", result)
		}

		if got, want := buf.String(), "hello\n"; got != want {
			t.Errorf("expected output to match: got '%s', want '%s'", got, want)
		}
	})

	t.Run("Test call arguments replace bound arguments", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New("echo", target.Options{Args: []any{"hello"}})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		var buf bytes.Buffer

		if _, err := tgt.Invoke(t.Context(), &target.Call{
			Args:   []any{"goodbye"},
			Stdout: &buf,
		}); err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if got, want := buf.String(), "goodbye\n"; got != want {
			t.Errorf("expected output to match: got '%s', want '%s'", got, want)
		}
	})

	t.Run("Test keyword arguments render as options", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New([]string{"echo"}, target.Options{
			Args:   []any{"a"},
			Kwargs: map[string]any{"n": 2, "m": "x"},
		})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		var buf bytes.Buffer

		if _, err := tgt.Invoke(t.Context(), &target.Call{Stdout: &buf}); err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		// Keys render in sorted order.
		if got, want := buf.String(), "a --m x --n 2\n"; got != want {
			t.Errorf("expected output to match: got '%s', want '%s'", got, want)
		}
	})

	t.Run("Test non-zero exit code is the result", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New("false", target.Options{})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		result, err := tgt.Invoke(t.Context(), nil)
		if err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if result != any(1) {
			t.Errorf("expected exit code result: got '%v', want '1'", result)
		}
	})

	t.Run("Test spawn failure returns error", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New([]string{"/nonexistent/not-a-program"}, target.Options{})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		if _, err := tgt.Invoke(t.Context(), nil); err == nil {
			t.Error("expected invoke to return error for missing program")
		}
	})

	t.Run("Test stderr goes to the stderr writer", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New("echo oops >&2", target.Options{Shell: true})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		var out, errOut bytes.Buffer

		if _, err := tgt.Invoke(t.Context(), &target.Call{
			Stdout: &out,
			Stderr: &errOut,
		}); err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if out.Len() != 0 {
			t.Errorf("expected empty stdout: got '%s'", out.String())
		}

		if got, want := errOut.String(), "oops\n"; got != want {
			t.Errorf("expected stderr to match: got '%s', want '%s'", got, want)
		}
	})
}

func TestInvokeShell(t *testing.T) {
	t.Parallel()

	t.Run("Test exit code is the result", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New("exit 123", target.Options{Shell: true})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		result, err := tgt.Invoke(t.Context(), nil)
		if err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if result != any(123) {
			t.Errorf("expected exit code result: got '%v', want '123'", result)
		}
	})

	t.Run("Test pipeline", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New("echo hi | tr a-z A-Z", target.Options{Shell: true})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		var buf bytes.Buffer

		if _, err := tgt.Invoke(t.Context(), &target.Call{Stdout: &buf}); err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if got, want := buf.String(), "HI\n"; got != want {
			t.Errorf("expected output to match: got '%s', want '%s'", got, want)
		}
	})
}

func TestInvokeCallable(t *testing.T) {
	t.Parallel()

	t.Run("Test result and output", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New(target.Func(
			func(ctx context.Context, call *target.Call) (any, error) {
				fmt.Fprintln(call.Stdout, "working")
				return 42, nil
			},
		), target.Options{})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		var buf bytes.Buffer

		result, err := tgt.Invoke(t.Context(), &target.Call{Stdout: &buf})
		if err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if result != any(42) {
			t.Errorf("expected result to match: got '%v', want '42'", result)
		}

		if got, want := buf.String(), "working\n"; got != want {
			t.Errorf("expected output to match: got '%s', want '%s'", got, want)
		}
	})

	t.Run("Test error propagates", func(t *testing.T) {
		t.Parallel()

		wantErr := errors.New("boom")

		tgt, err := target.New(target.Func(
			func(ctx context.Context, call *target.Call) (any, error) {
				return nil, wantErr
			},
		), target.Options{})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		if _, err := tgt.Invoke(t.Context(), nil); !errors.Is(err, wantErr) {
			t.Errorf("expected error to propagate: got '%v'", err)
		}
	})

	t.Run("Test panic is recovered into error", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New(target.Func(
			func(ctx context.Context, call *target.Call) (any, error) {
				panic("on purpose")
			},
		), target.Options{})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		_, err = tgt.Invoke(t.Context(), nil)
		if err == nil || !strings.Contains(err.Error(), "panic: on purpose") {
			t.Errorf("expected panic to surface as error: got '%v'", err)
		}
	})

	t.Run("Test sequence result is drained", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New(target.Func(
			func(ctx context.Context, call *target.Call) (any, error) {
				seq := iter.Seq[any](func(yield func(any) bool) {
					for _, v := range []any{1, 2, 3} {
						if !yield(v) {
							return
						}
					}
				})

				return seq, nil
			},
		), target.Options{})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		result, err := tgt.Invoke(t.Context(), nil)
		if err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if !reflect.DeepEqual(result, []any{1, 2, 3}) {
			t.Errorf("expected drained sequence result: got '%v'", result)
		}
	})
}

func TestInvokeProcessCallable(t *testing.T) {
	t.Parallel()

	t.Run("Test registered function runs in child process", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New(target.Func(emitTarget), target.Options{
			Process: true,
			Name:    "emit",
			Args:    []any{"foo"},
		})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		var buf bytes.Buffer

		result, err := tgt.Invoke(t.Context(), &target.Call{Stdout: &buf})
		if err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if result != nil {
			t.Errorf("expected nil result from child process: got '%v'", result)
		}

		if got, want := buf.String(), "foo\n"; got != want {
			t.Errorf("expected output to match: got '%s', want '%s'", got, want)
		}
	})

	t.Run("Test unregistered name fails", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New(target.Func(emitTarget), target.Options{
			Process: true,
			Name:    "never-registered",
		})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		if _, err := tgt.Invoke(t.Context(), &target.Call{
			Stdout: io.Discard,
			Stderr: io.Discard,
		}); err == nil {
			t.Error("expected invoke to return error for unregistered name")
		}
	})

	t.Run("Test process mode requires a name", func(t *testing.T) {
		t.Parallel()

		tgt, err := target.New(target.Func(emitTarget), target.Options{Process: true})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		_, err = tgt.Invoke(t.Context(), nil)

		resolveErr := &target.ResolveError{}
		if !errors.As(err, &resolveErr) {
			t.Errorf("expected a resolve error: got '%v'", err)
		}
	})
}

func TestInvokePython(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	const echoScript = `import argparse

parser = argparse.ArgumentParser()
parser.add_argument('message')
parser.add_argument('--count', type=int, default=1)
args = parser.parse_args()

for _ in range(args.count):
    print(args.message)
`

	const echoFunctions = `import sys


def echo(message, count=1):
    for _ in range(int(count)):
        print(message)


def fail():
    raise RuntimeError('nope')


def complain():
    print('warning', file=sys.stderr)
`

	t.Run("Test script round trip", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "echo.py")
		if err := os.WriteFile(path, []byte(echoScript), 0o644); err != nil {
			t.Fatal(err)
		}

		tgt, err := target.New(path, target.Options{})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		if tgt.Kind() != target.KindScript {
			t.Fatalf("expected script kind: got '%s'", tgt.Kind())
		}

		var buf bytes.Buffer

		result, err := tgt.Invoke(t.Context(), &target.Call{
			Args:   []any{"foo"},
			Kwargs: map[string]any{"count": 2},
			Stdout: &buf,
		})
		if err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if result != any(0) {
			t.Errorf("expected zero exit code result: got '%v'", result)
		}

		if got, want := buf.String(), "foo\nfoo\n"; got != want {
			t.Errorf("expected output to match: got '%s', want '%s'", got, want)
		}
	})

	t.Run("Test script callable", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "funcs.py")
		if err := os.WriteFile(path, []byte(echoFunctions), 0o644); err != nil {
			t.Fatal(err)
		}

		tgt, err := target.New(path+":echo", target.Options{})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		var buf bytes.Buffer

		if _, err := tgt.Invoke(t.Context(), &target.Call{
			Args:   []any{"foo"},
			Kwargs: map[string]any{"count": 2},
			Stdout: &buf,
		}); err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if got, want := buf.String(), "foo\nfoo\n"; got != want {
			t.Errorf("expected output to match: got '%s', want '%s'", got, want)
		}
	})

	t.Run("Test module", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		if err := os.WriteFile(
			filepath.Join(dir, "echomod.py"),
			[]byte(echoScript),
			0o644,
		); err != nil {
			t.Fatal(err)
		}

		tgt, err := target.NewModule("echomod", target.Options{Dir: dir})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		var buf bytes.Buffer

		result, err := tgt.Invoke(t.Context(), &target.Call{
			Args:   []any{"foo"},
			Stdout: &buf,
		})
		if err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if result != any(0) {
			t.Errorf("expected zero exit code result: got '%v'", result)
		}

		if got, want := buf.String(), "foo\n"; got != want {
			t.Errorf("expected output to match: got '%s', want '%s'", got, want)
		}
	})

	t.Run("Test module callable", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		if err := os.WriteFile(
			filepath.Join(dir, "funcsmod.py"),
			[]byte(echoFunctions),
			0o644,
		); err != nil {
			t.Fatal(err)
		}

		tgt, err := target.NewModule("funcsmod:echo", target.Options{Dir: dir})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		var buf bytes.Buffer

		if _, err := tgt.Invoke(t.Context(), &target.Call{
			Args:   []any{"foo"},
			Stdout: &buf,
		}); err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if got, want := buf.String(), "foo\n"; got != want {
			t.Errorf("expected output to match: got '%s', want '%s'", got, want)
		}
	})

	t.Run("Test raising callable fails the run", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "funcs.py")
		if err := os.WriteFile(path, []byte(echoFunctions), 0o644); err != nil {
			t.Fatal(err)
		}

		tgt, err := target.New(path+":fail", target.Options{})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		if _, err := tgt.Invoke(t.Context(), &target.Call{
			Stdout: io.Discard,
			Stderr: io.Discard,
		}); err == nil {
			t.Error("expected invoke to return error for raising callable")
		}
	})

	t.Run("Test callable stderr is captured", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "funcs.py")
		if err := os.WriteFile(path, []byte(echoFunctions), 0o644); err != nil {
			t.Fatal(err)
		}

		tgt, err := target.New(path+":complain", target.Options{})
		if err != nil {
			t.Fatalf("expected resolve not to return error: got '%v'", err)
		}

		var out, errOut bytes.Buffer

		if _, err := tgt.Invoke(t.Context(), &target.Call{
			Stdout: &out,
			Stderr: &errOut,
		}); err != nil {
			t.Fatalf("expected invoke not to return error: got '%v'", err)
		}

		if got, want := errOut.String(), "warning\n"; got != want {
			t.Errorf("expected stderr to match: got '%s', want '%s'", got, want)
		}
	})
}

func TestOutputEncoding(t *testing.T) {
	t.Parallel()

	// 0xE9 is 'é' in Latin-1 and invalid on its own in UTF-8.
	tgt, err := target.New(`printf '\351\n'`, target.Options{
		Shell:    true,
		Encoding: "ISO-8859-1",
	})
	if err != nil {
		t.Fatalf("expected resolve not to return error: got '%v'", err)
	}

	var buf bytes.Buffer

	if _, err := tgt.Invoke(t.Context(), &target.Call{Stdout: &buf}); err != nil {
		t.Fatalf("expected invoke not to return error: got '%v'", err)
	}

	if got, want := buf.String(), "é\n"; got != want {
		t.Errorf("expected decoded output to match: got '%q', want '%q'", got, want)
	}
}

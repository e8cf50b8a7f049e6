package target

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/transform"
)

const (
	// termGracePeriod is how long a killed process gets between SIGTERM and
	// SIGKILL.
	termGracePeriod = 5 * time.Second

	// maxLineSize bounds a single captured output line.
	maxLineSize = 1024 * 1024
)

// invokeProcess runs the target as a child process, pumping its output into
// the call's writers line by line.
func (t *Target) invokeProcess(ctx context.Context, call *Call) (any, error) {
	argv, stdin, err := t.commandLine(call)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = t.dir

	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	if t.kind == KindCallable {
		cmd.Env = append(os.Environ(), bootstrapEnvVar+"=1")
	}

	// Ask the process to terminate on context cancellation, escalating to
	// SIGKILL after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGracePeriod

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create os pipe: %w", err)
	}

	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("failed to create os pipe: %w", err)
	}

	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		errR.Close()
		errW.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	// Close the parent's copies of the write ends so the pumps see EOF when
	// the child exits.
	outW.Close()
	errW.Close()

	var pumps errgroup.Group

	pumps.Go(func() error {
		return t.pump(outR, call.Stdout)
	})

	pumps.Go(func() error {
		return t.pump(errR, call.Stderr)
	})

	pumpErr := pumps.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("killed: %w", ctx.Err())
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if t.exitCodeIsResult() {
				return exitErr.ExitCode(), nil
			}

			return nil, fmt.Errorf("exit status %d", exitErr.ExitCode())
		}

		return nil, fmt.Errorf("failed to wait for process: %w", waitErr)
	}

	if pumpErr != nil {
		return nil, fmt.Errorf("failed to read process output: %w", pumpErr)
	}

	if t.exitCodeIsResult() {
		return 0, nil
	}

	return nil, nil
}

// exitCodeIsResult reports whether the process exit code is the run's result.
// Command-like targets follow subprocess semantics, where a non-zero exit is
// still a completed run and the code is its result. Callable targets treat a
// non-zero exit as failure.
func (t *Target) exitCodeIsResult() bool {
	switch t.kind {
	case KindCommand, KindShell, KindScript, KindModule:
		return true
	}

	return false
}

// pump copies process output to dst line by line, decoding to UTF-8 when the
// target declares a non-UTF-8 encoding.
func (t *Target) pump(src *os.File, dst io.Writer) error {
	defer src.Close()

	var r io.Reader = src
	if t.enc != nil {
		r = transform.NewReader(src, t.enc.NewDecoder())
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if _, err := fmt.Fprintf(dst, "%s\n", scanner.Bytes()); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// commandLine builds the argv and the stdin payload for a process invocation.
func (t *Target) commandLine(call *Call) ([]string, []byte, error) {
	switch t.kind {
	case KindCommand:
		argv := slices.Clone(t.argv)
		argv = append(argv, stringArgs(call.Args)...)
		argv = append(argv, kwargOptions(call.Kwargs)...)

		return argv, nil, nil

	case KindShell:
		// Shell targets run the line as-is; arguments don't apply.
		return []string{"/bin/sh", "-c", t.line}, nil, nil

	case KindScript:
		argv := []string{pythonProgram, t.path}
		argv = append(argv, stringArgs(call.Args)...)
		argv = append(argv, kwargOptions(call.Kwargs)...)

		return argv, nil, nil

	case KindModule:
		argv := []string{pythonProgram, "-m", t.module}
		argv = append(argv, stringArgs(call.Args)...)
		argv = append(argv, kwargOptions(call.Kwargs)...)

		return argv, nil, nil

	case KindScriptCallable:
		payload, err := marshalPayload(bootstrapPayload{
			Path: t.path,
			Func: t.entry,
		}, call)
		if err != nil {
			return nil, nil, err
		}

		return []string{pythonProgram, "-c", scriptCallableBootstrap}, payload, nil

	case KindModuleCallable:
		payload, err := marshalPayload(bootstrapPayload{
			Module: t.module,
			Func:   t.entry,
		}, call)
		if err != nil {
			return nil, nil, err
		}

		return []string{pythonProgram, "-c", moduleCallableBootstrap}, payload, nil

	case KindCallable:
		// Process-mode Go callable: re-exec ourselves and dispatch to the
		// registered function in the child, see MaybeBootstrap.
		if t.name == "" {
			return nil, nil, &ResolveError{
				Source: "func",
				Reason: "process mode requires a registered name",
			}
		}

		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to locate executable: %w", err)
		}

		payload, err := marshalPayload(bootstrapPayload{Func: t.name}, call)
		if err != nil {
			return nil, nil, err
		}

		return []string{exe}, payload, nil
	}

	return nil, nil, &ResolveError{Source: t.String(), Reason: "not a process target"}
}

func marshalPayload(p bootstrapPayload, call *Call) ([]byte, error) {
	// Encode empty collections explicitly so the child never sees null.
	p.Args = call.Args
	if p.Args == nil {
		p.Args = []any{}
	}

	p.Kwargs = call.Kwargs
	if p.Kwargs == nil {
		p.Kwargs = map[string]any{}
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments: %w", err)
	}

	return payload, nil
}

// stringArgs renders positional arguments as command line tokens.
func stringArgs(args []any) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = fmt.Sprintf("%v", a)
	}

	return out
}

// kwargOptions renders keyword arguments as '--key value' pairs. Keys are
// emitted in sorted order so built command lines are deterministic.
func kwargOptions(kwargs map[string]any) []string {
	keys := slices.Sorted(maps.Keys(kwargs))

	out := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, "--"+k, fmt.Sprintf("%v", kwargs[k]))
	}

	return out
}

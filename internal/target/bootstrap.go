package target

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// bootstrapEnvVar marks a child process as a bootstrap invocation. When it's
// set, MaybeBootstrap takes over the process.
const bootstrapEnvVar = "JOBER_TARGET_BOOTSTRAP"

const pythonProgram = "python3"

// moduleCallableBootstrap imports a module and calls a named function with
// arguments decoded from a JSON payload on stdin.
const moduleCallableBootstrap = `
import importlib, json, sys

payload = json.load(sys.stdin)
module = importlib.import_module(payload["module"])
func = getattr(module, payload["func"])
func(*payload["args"], **payload["kwargs"])
`

// scriptCallableBootstrap loads a script by path and calls a named function
// with arguments decoded from a JSON payload on stdin.
const scriptCallableBootstrap = `
import importlib.util, json, sys

payload = json.load(sys.stdin)
spec = importlib.util.spec_from_file_location("__jober_script__", payload["path"])
module = importlib.util.module_from_spec(spec)
spec.loader.exec_module(module)
func = getattr(module, payload["func"])
func(*payload["args"], **payload["kwargs"])
`

// bootstrapPayload is the JSON document a bootstrap child reads from stdin.
type bootstrapPayload struct {
	Path   string         `json:"path,omitempty"`
	Module string         `json:"module,omitempty"`
	Func   string         `json:"func"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

var (
	registryMu sync.Mutex
	registry   = map[string]Func{}
)

// Register makes fn invokable in a child process under the given name. Call
// it during program initialization, before MaybeBootstrap runs.
func Register(name string, fn Func) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = fn
}

func lookup(name string) (Func, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()

	fn, ok := registry[name]

	return fn, ok
}

// MaybeBootstrap dispatches a bootstrap child process to its registered
// function and exits with the outcome. In a regular process it's a no-op.
// Call it first thing in main, after targets are registered.
func MaybeBootstrap() {
	if os.Getenv(bootstrapEnvVar) == "" {
		return
	}

	os.Exit(runBootstrap(os.Stdin, os.Stdout, os.Stderr))
}

func runBootstrap(stdin io.Reader, stdout, stderr io.Writer) int {
	var payload bootstrapPayload
	if err := json.NewDecoder(stdin).Decode(&payload); err != nil {
		fmt.Fprintf(stderr, "bad bootstrap payload: %v\n", err)
		return 1
	}

	fn, ok := lookup(payload.Func)
	if !ok {
		fmt.Fprintf(stderr, "no registered target %q\n", payload.Func)
		return 1
	}

	if _, err := fn(context.Background(), &Call{
		Args:   payload.Args,
		Kwargs: payload.Kwargs,
		Stdout: stdout,
		Stderr: stderr,
	}); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	return 0
}

package target

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/kballard/go-shellquote"
	"golang.org/x/text/encoding/ianaindex"
)

type Kind int

const (
	KindUnknown Kind = iota

	// KindCommand is an executable program with arguments, run directly.
	KindCommand

	// KindShell is a command line run via the shell.
	KindShell

	// KindCallable is an in-process Go function, optionally run in a child
	// process, see Options.Process.
	KindCallable

	// KindScript is a Python script run by the Python interpreter.
	KindScript

	// KindScriptCallable is a named callable within a Python script.
	KindScriptCallable

	// KindModule is a Python module run with 'python3 -m'.
	KindModule

	// KindModuleCallable is a named callable within a Python module.
	KindModuleCallable
)

// NOTE: This slice needs to be kept in sync with any changes to the Kind
// values.
var kindNames = []string{
	"unknown",
	"command",
	"shell",
	"callable",
	"script",
	"script-callable",
	"module",
	"module-callable",
}

// String implements the Stringer interface for Kind.
func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return kindNames[0]
	}

	return kindNames[k]
}

// Options control target resolution and invocation.
type Options struct {
	// Args and Kwargs are bound onto the target and used when an invocation
	// doesn't carry its own.
	Args   []any
	Kwargs map[string]any

	// Dir is the working directory for process targets.
	Dir string

	// Shell runs a string source via the shell as-is, skipping resolution.
	Shell bool

	// Process runs a callable target in a child process instead of
	// in-process. The callable must be registered, see Register.
	Process bool

	// Name is the registered name of a callable target. Required for Process.
	Name string

	// Encoding is the IANA name of the process output encoding. Output is
	// decoded to UTF-8 before capture, replacing invalid bytes. Defaults to
	// UTF-8.
	Encoding string
}

// New resolves source into a Target. Accepted source shapes:
//
//   - Func: an in-process callable
//   - []string: argv for a command
//   - string: resolved by shape
//
// A string source is tokenized with shell quoting rules. A multi-token string
// is a command. A single token containing ':' is a script callable when the
// part before the colon ends in '.py', otherwise a module callable. A single
// token ending in '.py' is a script. A single token with an interior '.' is a
// module. Anything else is a command. Options.Shell short-circuits all of
// this and runs the string via the shell.
func New(source any, opts Options) (*Target, error) {
	t, err := fromOptions(opts)
	if err != nil {
		return nil, err
	}

	switch src := source.(type) {
	case Func:
		t.kind = KindCallable
		t.fn = src
		t.name = opts.Name

	case func(context.Context, *Call) (any, error):
		t.kind = KindCallable
		t.fn = Func(src)
		t.name = opts.Name

	case []string:
		if len(src) == 0 {
			return nil, &ResolveError{Source: "[]", Reason: "empty argv"}
		}
		t.kind = KindCommand
		t.argv = slices.Clone(src)

	case string:
		if err := t.resolveString(src, opts.Shell); err != nil {
			return nil, err
		}

	default:
		return nil, &ResolveError{
			Source: fmt.Sprintf("%T", source),
			Reason: "unsupported source type",
		}
	}

	return t, nil
}

// NewModule creates a module target directly, for when configuration names a
// module explicitly. A 'module:callable' spec resolves to the named callable
// within the module.
func NewModule(spec string, opts Options) (*Target, error) {
	t, err := fromOptions(opts)
	if err != nil {
		return nil, err
	}

	if spec == "" {
		return nil, &ResolveError{Source: spec, Reason: "empty module"}
	}

	if module, entry, ok := strings.Cut(spec, ":"); ok {
		if module == "" || entry == "" {
			return nil, &ResolveError{Source: spec, Reason: "empty callable reference"}
		}
		t.kind = KindModuleCallable
		t.module = module
		t.entry = entry
	} else {
		t.kind = KindModule
		t.module = spec
	}

	return t, nil
}

// NewScript creates a script target directly, for when configuration names a
// script explicitly. A 'path:callable' spec resolves to the named callable
// within the script.
func NewScript(spec string, opts Options) (*Target, error) {
	t, err := fromOptions(opts)
	if err != nil {
		return nil, err
	}

	if spec == "" {
		return nil, &ResolveError{Source: spec, Reason: "empty script path"}
	}

	if path, entry, ok := strings.Cut(spec, ":"); ok {
		if path == "" || entry == "" {
			return nil, &ResolveError{Source: spec, Reason: "empty callable reference"}
		}
		t.kind = KindScriptCallable
		t.path = path
		t.entry = entry
	} else {
		t.kind = KindScript
		t.path = spec
	}

	return t, nil
}

func fromOptions(opts Options) (*Target, error) {
	t := &Target{
		args:    slices.Clone(opts.Args),
		kwargs:  maps.Clone(opts.Kwargs),
		dir:     opts.Dir,
		process: opts.Process,
	}

	if opts.Encoding != "" && !strings.EqualFold(opts.Encoding, "utf-8") {
		enc, err := ianaindex.IANA.Encoding(opts.Encoding)
		if err != nil || enc == nil {
			return nil, &ResolveError{Source: opts.Encoding, Reason: "unknown encoding"}
		}
		t.enc = enc
	}

	return t, nil
}

func (t *Target) resolveString(source string, shell bool) error {
	if shell {
		if strings.TrimSpace(source) == "" {
			return &ResolveError{Source: source, Reason: "empty command line"}
		}
		t.kind = KindShell
		t.line = source

		return nil
	}

	parts, err := shellquote.Split(source)
	if err != nil {
		return &ResolveError{Source: source, Reason: err.Error()}
	}

	if len(parts) == 0 {
		return &ResolveError{Source: source, Reason: "empty command line"}
	}

	// Only a single token can be a Python target reference. Anything with
	// arguments is a plain command.
	if len(parts) == 1 {
		token := parts[0]

		if base, entry, ok := strings.Cut(token, ":"); ok {
			if base == "" || entry == "" {
				return &ResolveError{Source: source, Reason: "empty callable reference"}
			}

			if strings.HasSuffix(base, ".py") {
				t.kind = KindScriptCallable
				t.path = base
				t.entry = entry
			} else {
				t.kind = KindModuleCallable
				t.module = base
				t.entry = entry
			}

			return nil
		}

		if strings.HasSuffix(token, ".py") {
			t.kind = KindScript
			t.path = token

			return nil
		}

		// A dotted name is a module reference, unless it's a relative path
		// like './prog'.
		if strings.Contains(token, ".") && !strings.HasPrefix(token, ".") {
			t.kind = KindModule
			t.module = token

			return nil
		}
	}

	t.kind = KindCommand
	t.argv = parts

	return nil
}

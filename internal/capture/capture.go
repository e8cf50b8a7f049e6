// Package capture provides per-run redirection of target output. Instead of
// swapping the process-wide stdout/stderr, each run gets a Scope holding its
// own writers and workers inject those writers into the target invocation.
// Captured bytes are teed into an in-memory Stream for concurrent followers
// and reported line by line for run output events.
package capture

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Sink describes where one of a run's output streams goes.
//
//   - Disabled: the stream is left on the parent process' own stdout/stderr
//     and nothing is captured.
//   - Memory: the stream is captured into an in-memory Stream.
//   - Stdout: the stream goes to wherever the stdout sink goes. Only
//     meaningful as a stderr sink.
//   - Any other value is treated as a file path to write to.
type Sink string

const (
	Disabled Sink = ""
	Memory   Sink = ":memory:"
	Stdout   Sink = ":stdout:"
)

// Scope bundles the output writers for a single run. Create one with New.
type Scope struct {
	stdout io.Writer
	stderr io.Writer

	stream *Stream
	files  []*os.File
	lines  []*lineWriter

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New creates a Scope with the given sinks. When onLine is non-nil, it is
// invoked for every captured line, including the trailing newline; a final
// partial line is reported on Close. Output to a Disabled sink is not
// reported.
func New(stdout, stderr Sink, onLine func(string)) (*Scope, error) {
	s := &Scope{}

	out, err := s.writerFor(stdout, os.Stdout, onLine)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.stdout = out

	if stderr == Stdout {
		s.stderr = out
	} else {
		errOut, err := s.writerFor(stderr, os.Stderr, onLine)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.stderr = errOut
	}

	return s, nil
}

// writerFor resolves a sink to a writer, wiring up line reporting and the
// shared write lock for captured sinks.
func (s *Scope) writerFor(
	sink Sink,
	parent *os.File,
	onLine func(string),
) (io.Writer, error) {
	var base io.Writer

	switch sink {
	case Disabled:
		// Not captured, write straight through to the parent stream.
		return parent, nil

	case Memory:
		if s.stream == nil {
			s.stream = NewStream()
		}
		base = s.stream

	default:
		f, err := os.OpenFile(string(sink), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open sink file: %w", err)
		}
		s.files = append(s.files, f)
		base = f
	}

	if onLine != nil {
		lw := newLineWriter(onLine)
		s.lines = append(s.lines, lw)
		base = io.MultiWriter(base, lw)
	}

	return &syncWriter{mu: &s.mu, w: base}, nil
}

// Stdout returns the writer a run's stdout should be directed to.
func (s *Scope) Stdout() io.Writer {
	return s.stdout
}

// Stderr returns the writer a run's stderr should be directed to.
func (s *Scope) Stderr() io.Writer {
	return s.stderr
}

// Stream returns the in-memory stream of captured output, or nil if neither
// sink is Memory.
func (s *Scope) Stream() *Stream {
	return s.stream
}

// Close flushes any partial lines, completes the stream so followers receive
// io.EOF, and closes any sink files. Safe to call more than once.
func (s *Scope) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for _, lw := range s.lines {
			lw.Flush()
		}
		s.mu.Unlock()

		if s.stream != nil {
			s.stream.Finish()
		}

		for _, f := range s.files {
			if err := f.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})

	return s.closeErr
}

// syncWriter serializes writes from the stdout and stderr pump goroutines so
// captured chunks never interleave mid-write.
type syncWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.w.Write(p)
}

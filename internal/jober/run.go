package jober

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/joberd/jober/internal/capture"
)

// closedChan is returned by Done on a nil Run so callers can select on it
// without special-casing.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Run represents one execution of a Job: a status state machine plus timing,
// captured output, and the target's result or failure trace. A Run never
// transitions itself; the collector applies received events to it, so all
// observers see transitions in emission order.
//
// A nil *Run is the inert run a disabled Job produces. Its methods are safe
// to call: it reports StatusUnknown, completes immediately, and has no
// output.
type Run struct {
	jobID string
	id    string

	status AtomicStatus

	// mu guards the fields below. The collector is the only writer; the
	// mutex is there for concurrent readers.
	mu      sync.Mutex
	begTime time.Time
	endTime time.Time
	result  any
	trace   string
	outputs []string

	scope  *capture.Scope
	cancel context.CancelFunc
	events *eventer

	done chan struct{}
}

// RunInfo is the serializable summary of a Run.
type RunInfo struct {
	JobID   string    `json:"job_id"`
	RunID   string    `json:"run_id"`
	Status  Status    `json:"status"`
	BegTime time.Time `json:"beg_time,omitzero"`
	EndTime time.Time `json:"end_time,omitzero"`
}

func newRun(
	jobID string,
	runID string,
	scope *capture.Scope,
	cancel context.CancelFunc,
	events *eventer,
) *Run {
	r := &Run{
		jobID:  jobID,
		id:     runID,
		scope:  scope,
		cancel: cancel,
		events: events,
		done:   make(chan struct{}),
	}

	r.status.Store(StatusInit)

	return r
}

// ID returns the ID of the Run.
func (r *Run) ID() string {
	if r == nil {
		return ""
	}

	return r.id
}

// JobID returns the ID of the Job the Run belongs to.
func (r *Run) JobID() string {
	if r == nil {
		return ""
	}

	return r.jobID
}

// Status returns the current status of the Run.
func (r *Run) Status() Status {
	if r == nil {
		return StatusUnknown
	}

	return r.status.Load()
}

// Result returns the target's result: the exit code for subprocess targets,
// the returned value for callables. It is nil until the Run is done.
func (r *Run) Result() any {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.result
}

// Trace returns the failure detail of an errored Run, empty otherwise.
func (r *Run) Trace() string {
	if r == nil {
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.trace
}

// BegTime returns when execution of the Run began, zero while still queued.
func (r *Run) BegTime() time.Time {
	if r == nil {
		return time.Time{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.begTime
}

// EndTime returns when the Run completed, zero until terminal.
func (r *Run) EndTime() time.Time {
	if r == nil {
		return time.Time{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.endTime
}

// Output returns the output captured so far, assembled from the Run's output
// events.
func (r *Run) Output() string {
	if r == nil {
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return strings.Join(r.outputs, "")
}

// Follow returns a reader over the Run's captured output.
//
// Read returns all output since the Run started and blocks waiting for new
// output until the Run completes. It returns ErrNoCapture when the Run's
// output isn't captured to memory.
func (r *Run) Follow() (io.ReadCloser, error) {
	if r == nil || r.scope == nil {
		return nil, ErrNoCapture
	}

	stream := r.scope.Stream()
	if stream == nil {
		return nil, ErrNoCapture
	}

	return stream.NewReader(), nil
}

// Done returns a channel that is closed when the Run has completed.
func (r *Run) Done() <-chan struct{} {
	if r == nil {
		return closedChan
	}

	return r.done
}

// Wait blocks until the Run completes or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns the serializable summary of the Run.
func (r *Run) Info() RunInfo {
	if r == nil {
		return RunInfo{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return RunInfo{
		JobID:   r.jobID,
		RunID:   r.id,
		Status:  r.status.Load(),
		BegTime: r.begTime,
		EndTime: r.endTime,
	}
}

// stop kills the Run by cancelling its execution context. Stopping a Run
// that already completed returns an InvalidStatusError.
func (r *Run) stop() error {
	s := r.status.Load()
	if s.Terminal() {
		return NewInvalidStatusError(s, StatusError)
	}

	r.cancel()

	return nil
}

// applyEvent advances the Run's state from a received event. It must only be
// called from the collector goroutine. Events arriving after a terminal
// transition are ignored; terminal is final.
func (r *Run) applyEvent(ev Event) {
	if r.status.Load().Terminal() {
		return
	}

	switch ev.Type {
	case EventRunBegin:
		r.mu.Lock()
		r.begTime = ev.Time
		r.mu.Unlock()

		r.status.Store(StatusRunning)

	case EventRunOutput:
		r.mu.Lock()
		r.outputs = append(r.outputs, ev.Content)
		r.mu.Unlock()

	case EventRunDone:
		r.mu.Lock()
		r.endTime = ev.Time
		r.result = ev.result
		r.mu.Unlock()

		r.status.Store(StatusDone)
		close(r.done)

	case EventRunError:
		r.mu.Lock()
		r.endTime = ev.Time
		r.trace = ev.Trace
		r.mu.Unlock()

		r.status.Store(StatusError)
		close(r.done)
	}
}

package jober

import "time"

// EventType identifies the kind of a run lifecycle Event.
type EventType string

const (
	EventRunBegin  EventType = "job_run_begin"
	EventRunDone   EventType = "job_run_done"
	EventRunError  EventType = "job_run_error"
	EventRunOutput EventType = "job_run_output"
)

// Event is a single record in a run's lifecycle. Events are emitted by the
// worker executing the run and applied to tracked state by the collector;
// they are the only way a run's status changes after creation.
type Event struct {
	JobID   string    `json:"job_id"`
	RunID   string    `json:"run_id"`
	Type    EventType `json:"type"`
	Time    time.Time `json:"time"`
	Trace   string    `json:"trace,omitempty"`
	Content string    `json:"content,omitempty"`

	// result carries the target's return value on a done event. It never
	// leaves the process, so it's excluded from serialization.
	result any
}

// eventer emits lifecycle events for a single run into the collector queue.
// Sends block when the queue is full; the collector is always draining, so a
// full queue only ever delays the worker, it never drops an event.
type eventer struct {
	jobID string
	runID string
	queue chan<- Event
}

func (e *eventer) begin() {
	e.emit(Event{Type: EventRunBegin})
}

func (e *eventer) done(result any) {
	e.emit(Event{Type: EventRunDone, result: result})
}

func (e *eventer) error(trace string) {
	e.emit(Event{Type: EventRunError, Trace: trace})
}

func (e *eventer) output(content string) {
	e.emit(Event{Type: EventRunOutput, Content: content})
}

func (e *eventer) emit(ev Event) {
	ev.JobID = e.jobID
	ev.RunID = e.runID
	ev.Time = time.Now()

	e.queue <- ev
}

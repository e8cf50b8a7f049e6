package jober

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joberd/jober/internal/capture"
	"github.com/joberd/jober/internal/schedule"
	"github.com/joberd/jober/internal/target"
)

// Job is a named, schedulable unit of work. It owns a resolved Target and a
// bounded FIFO history of the Runs produced from it.
type Job struct {
	id    string
	name  string
	extra any

	target   *target.Target
	disabled bool

	maxInstances  int
	maxRecentRuns int

	stdout capture.Sink
	stderr capture.Sink

	every time.Duration
	cron  string

	// entryID is the Job's registered trigger, zero when it has none.
	entryID schedule.EntryID

	// pending counts dispatched trigger ticks whose Run isn't in the history
	// yet, so admission can't overshoot maxInstances between queue and
	// pickup.
	pending atomic.Int32

	logger *slog.Logger

	mu   sync.Mutex
	runs []*Run
	byID map[string]*Run
}

// JobInfo is the serializable summary of a Job.
type JobInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Extra any    `json:"extra,omitempty"`
}

// ID returns the ID of the Job.
func (job *Job) ID() string {
	return job.id
}

// Name returns the name of the Job.
func (job *Job) Name() string {
	return job.name
}

// Extra returns the opaque metadata attached to the Job.
func (job *Job) Extra() any {
	return job.extra
}

// Disabled returns whether the Job is disabled. A disabled Job never
// executes; running it produces an inert nil Run.
func (job *Job) Disabled() bool {
	return job.disabled
}

// Info returns the serializable summary of the Job.
func (job *Job) Info() JobInfo {
	return JobInfo{
		ID:    job.id,
		Name:  job.name,
		Extra: job.extra,
	}
}

// Runs returns a snapshot of the Job's run history, oldest first.
func (job *Job) Runs() []*Run {
	job.mu.Lock()
	defer job.mu.Unlock()

	return slices.Clone(job.runs)
}

// LastRun returns the most recently created Run, or nil if the Job has none.
func (job *Job) LastRun() *Run {
	job.mu.Lock()
	defer job.mu.Unlock()

	if len(job.runs) == 0 {
		return nil
	}

	return job.runs[len(job.runs)-1]
}

// Wait blocks until the Job's most recent Run completes or ctx is done. A
// Job with no Runs returns immediately.
func (job *Job) Wait(ctx context.Context) error {
	return job.LastRun().Wait(ctx)
}

// ActiveRuns returns the number of Runs in the history that have not
// completed, queued ones included.
func (job *Job) ActiveRuns() int {
	job.mu.Lock()
	defer job.mu.Unlock()

	active := 0
	for _, run := range job.runs {
		if !run.Status().Terminal() {
			active++
		}
	}

	return active
}

// Removable returns whether the Job can be removed: it has no Runs, or its
// most recent Run completed.
func (job *Job) Removable() bool {
	job.mu.Lock()
	defer job.mu.Unlock()

	if len(job.runs) == 0 {
		return true
	}

	return job.runs[len(job.runs)-1].Status().Terminal()
}

func (job *Job) run(runID string) (*Run, bool) {
	job.mu.Lock()
	defer job.mu.Unlock()

	run, exists := job.byID[runID]

	return run, exists
}

// addRun appends a Run to the history, evicting the oldest one when the
// history exceeds maxRecentRuns.
func (job *Job) addRun(run *Run) {
	job.mu.Lock()
	defer job.mu.Unlock()

	job.runs = append(job.runs, run)
	job.byID[run.id] = run

	if len(job.runs) <= job.maxRecentRuns {
		return
	}

	evicted := job.runs[0]
	job.runs = job.runs[1:]
	delete(job.byID, evicted.id)

	if !evicted.Status().Terminal() {
		// The run keeps executing detached from the Job; its remaining
		// events are dropped on arrival.
		job.logger.Warn("evicted an unfinished run from history",
			"job_id", job.id,
			"run_id", evicted.id,
			"status", evicted.Status().String(),
		)
	}
}

// dropRun removes a Run from the history. Used to roll back a Run whose
// dispatch failed.
func (job *Job) dropRun(runID string) {
	job.mu.Lock()
	defer job.mu.Unlock()

	if _, exists := job.byID[runID]; !exists {
		return
	}

	delete(job.byID, runID)
	job.runs = slices.DeleteFunc(job.runs, func(r *Run) bool {
		return r.id == runID
	})
}

// applyEvent routes an event to the addressed Run. It must only be called
// from the collector goroutine.
func (job *Job) applyEvent(ev Event) {
	run, exists := job.run(ev.RunID)
	if !exists {
		job.logger.Warn("dropping event for evicted run",
			"job_id", ev.JobID,
			"run_id", ev.RunID,
			"type", ev.Type,
		)

		return
	}

	run.applyEvent(ev)
}

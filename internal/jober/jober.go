package jober

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/joberd/jober/internal/capture"
	"github.com/joberd/jober/internal/schedule"
	"github.com/joberd/jober/internal/target"
)

const (
	// defaultMaxRecentRuns bounds a Job's run history unless overridden.
	defaultMaxRecentRuns = 3

	// eventQueueCapacity sizes the queue between pool workers and the
	// collector. A full queue blocks emitting workers; it never drops.
	eventQueueCapacity = 256
)

// Config holds Jober construction parameters. Zero values get sane defaults.
type Config struct {
	// Capture enables output capture for runs. When off, runs write to the
	// process's own stdout/stderr and emit no output events.
	Capture bool

	// Workers sizes the run worker pool and QueueCapacity bounds how many
	// dispatched runs can wait for a worker.
	Workers       int
	QueueCapacity int

	// Location is the timezone cron expressions are evaluated in. Defaults
	// to the host's local time.
	Location *time.Location

	// MaxRecentRuns bounds each Job's run history unless the JobSpec
	// overrides it.
	MaxRecentRuns int

	Logger *slog.Logger
}

// JobSpec describes a Job to create.
type JobSpec struct {
	// ID is generated if absent. Name is a display label; for a process-mode
	// callable it is also the name the callable was registered under.
	ID   string
	Name string

	// Extra is opaque caller metadata carried on the Job and reported in its
	// summary.
	Extra any

	// Source is what to run: a command line string, an argv slice, a
	// target.Func, or a module/script reference resolved per target.New.
	// Module and Script instead force the interpretation of a reference that
	// Source would take for a bare command.
	Source any
	Module string
	Script string

	// Args and Kwargs are bound onto the Job's target.
	Args   []any
	Kwargs map[string]any

	Dir      string
	Shell    bool
	Process  bool
	Encoding string

	// Every and Cron attach a periodic trigger, at most one of them.
	Every time.Duration
	Cron  string

	// MaxInstances caps how many of this Job's runs may be in flight before
	// a trigger tick is skipped. Manual runs are always admitted.
	MaxInstances  int
	MaxRecentRuns int

	Disabled bool

	// Stdout and Stderr select capture sinks: empty for the in-memory
	// accumulator, a file path, or capture.Stdout (stderr only) to merge
	// stderr into the stdout sink.
	Stdout string
	Stderr string
}

// Jober is the top-level registry: it creates and removes Jobs, dispatches
// their Runs onto a bounded worker pool, collects lifecycle events on a
// dedicated goroutine, and fans them out to listeners. The scheduler and the
// collector start lazily on first use.
type Jober struct {
	conf   Config
	logger *slog.Logger

	sched  *schedule.Scheduler
	events chan Event

	mu   sync.Mutex
	jobs map[string]*Job

	lmu          sync.Mutex
	listeners    map[int]Listener
	nextListener int

	lifeMu       sync.Mutex
	started      bool
	stopped      bool
	eventsClosed bool

	collectorDone chan struct{}

	// unknownWarn throttles the warning for events addressed to a removed
	// Job, which arrive in bursts when a Job is pruned mid-run.
	unknownWarn *rate.Limiter
}

// New creates a Jober ready to accept Jobs.
func New(conf Config) *Jober {
	if conf.MaxRecentRuns <= 0 {
		conf.MaxRecentRuns = defaultMaxRecentRuns
	}

	logger := conf.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Jober{
		conf:   conf,
		logger: logger,
		sched: schedule.New(schedule.Config{
			Workers:       conf.Workers,
			QueueCapacity: conf.QueueCapacity,
			Location:      conf.Location,
			Logger:        logger,
		}),
		events:        make(chan Event, eventQueueCapacity),
		jobs:          make(map[string]*Job),
		listeners:     make(map[int]Listener),
		collectorDone: make(chan struct{}),
		unknownWarn:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// ensureStarted starts the collector and the trigger scheduler on first use.
func (j *Jober) ensureStarted() error {
	j.lifeMu.Lock()
	defer j.lifeMu.Unlock()

	if j.stopped {
		return ErrStopped
	}
	if j.started {
		return nil
	}

	j.started = true

	go j.collect()
	j.sched.Start()

	return nil
}

// Stop halts triggers, drains queued and in-flight Runs, then shuts down the
// event collector, up to ctx cancellation. Safe to call more than once; a
// Stop that timed out can be retried.
func (j *Jober) Stop(ctx context.Context) error {
	j.lifeMu.Lock()
	j.stopped = true
	j.lifeMu.Unlock()

	if err := j.sched.Stop(ctx); err != nil {
		// Workers may still be emitting; the event queue has to stay open.
		return err
	}

	j.lifeMu.Lock()
	started := j.started
	if started && !j.eventsClosed {
		j.eventsClosed = true
		close(j.events)
	}
	j.lifeMu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-j.collectorDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MakeJob builds a Job from a spec without registering it. Most callers want
// AddJob.
func (j *Jober) MakeJob(spec JobSpec) (*Job, error) {
	if spec.Every != 0 && spec.Cron != "" {
		return nil, fmt.Errorf(
			"%w: job %q takes at most one of Every and Cron", ErrBadSpec, spec.Name)
	}
	if spec.Stdout == string(capture.Stdout) {
		return nil, fmt.Errorf(
			"%w: job %q: only the stderr sink can merge into stdout", ErrBadSpec, spec.Name)
	}

	opts := target.Options{
		Args:     spec.Args,
		Kwargs:   spec.Kwargs,
		Dir:      spec.Dir,
		Shell:    spec.Shell,
		Process:  spec.Process,
		Name:     spec.Name,
		Encoding: spec.Encoding,
	}

	var (
		tgt *target.Target
		err error
	)

	switch {
	case spec.Module != "":
		tgt, err = target.NewModule(spec.Module, opts)
	case spec.Script != "":
		tgt, err = target.NewScript(spec.Script, opts)
	default:
		tgt, err = target.New(spec.Source, opts)
	}
	if err != nil {
		return nil, err
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	maxInstances := spec.MaxInstances
	if maxInstances <= 0 {
		maxInstances = 1
	}

	maxRecentRuns := spec.MaxRecentRuns
	if maxRecentRuns <= 0 {
		maxRecentRuns = j.conf.MaxRecentRuns
	}

	stdout, stderr := capture.Disabled, capture.Disabled
	if j.conf.Capture {
		stdout, stderr = capture.Memory, capture.Memory
		if spec.Stdout != "" {
			stdout = capture.Sink(spec.Stdout)
		}
		if spec.Stderr != "" {
			stderr = capture.Sink(spec.Stderr)
		}
	}

	return &Job{
		id:            id,
		name:          spec.Name,
		extra:         spec.Extra,
		target:        tgt,
		disabled:      spec.Disabled,
		maxInstances:  maxInstances,
		maxRecentRuns: maxRecentRuns,
		stdout:        stdout,
		stderr:        stderr,
		every:         spec.Every,
		cron:          spec.Cron,
		logger:        j.logger,
		byID:          make(map[string]*Run),
	}, nil
}

// AddJob builds a Job from the spec, registers it, and attaches its trigger
// if the spec carries one. Resolution failures surface here, synchronously.
func (j *Jober) AddJob(spec JobSpec) (*Job, error) {
	job, err := j.MakeJob(spec)
	if err != nil {
		return nil, err
	}

	if err := j.register(job); err != nil {
		return nil, err
	}

	return job, nil
}

func (j *Jober) register(job *Job) error {
	if err := j.ensureStarted(); err != nil {
		return err
	}

	j.mu.Lock()
	if _, exists := j.jobs[job.id]; exists {
		j.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrJobExists, job.id)
	}
	j.jobs[job.id] = job
	j.mu.Unlock()

	switch {
	case job.disabled:
		// Registered but never scheduled.
	case job.every > 0:
		job.entryID = j.sched.Every(job.every, func() { j.dispatch(job) })
	case job.cron != "":
		id, err := j.sched.Cron(job.cron, func() { j.dispatch(job) })
		if err != nil {
			j.mu.Lock()
			delete(j.jobs, job.id)
			j.mu.Unlock()

			return fmt.Errorf("%w: job %q: %w", ErrBadSpec, job.id, err)
		}

		job.entryID = id
	}

	j.logger.Info("added job",
		"job_id", job.id,
		"name", job.name,
		"target", job.target.String(),
	)

	return nil
}

// GetJob returns the Job with the given id or ErrJobNotFound if it doesn't
// exist.
func (j *Jober) GetJob(id string) (*Job, error) {
	j.mu.Lock()
	job, exists := j.jobs[id]
	j.mu.Unlock()

	if !exists {
		return nil, ErrJobNotFound
	}

	return job, nil
}

// Jobs returns all registered Jobs, ordered by id.
func (j *Jober) Jobs() []*Job {
	j.mu.Lock()
	jobs := slices.Collect(maps.Values(j.jobs))
	j.mu.Unlock()

	slices.SortFunc(jobs, func(a, b *Job) int {
		return strings.Compare(a.id, b.id)
	})

	return jobs
}

// FindRun returns the Run with the given id from any Job's history, or
// ErrRunNotFound.
func (j *Jober) FindRun(runID string) (*Run, error) {
	j.mu.Lock()
	jobs := slices.Collect(maps.Values(j.jobs))
	j.mu.Unlock()

	for _, job := range jobs {
		if run, exists := job.run(runID); exists {
			return run, nil
		}
	}

	return nil, ErrRunNotFound
}

// RunJob creates a Run of the Job and dispatches it as soon as a worker is
// free, optionally rebinding args and kwargs for this one run without
// touching the Job's stored target. A disabled Job yields a nil inert Run
// and no error.
func (j *Jober) RunJob(id string, args []any, kwargs map[string]any) (*Run, error) {
	job, err := j.GetJob(id)
	if err != nil {
		return nil, err
	}

	if job.disabled {
		j.logger.Debug("job is disabled, not running", "job_id", job.id)
		return nil, nil
	}

	if err := j.ensureStarted(); err != nil {
		return nil, err
	}

	tgt := job.target
	if args != nil || kwargs != nil {
		tgt = tgt.Bind(args, kwargs)
	}

	run, ctx, err := j.track(job)
	if err != nil {
		return nil, err
	}

	if err := j.sched.Submit(func() { j.execute(ctx, run, tgt) }); err != nil {
		job.dropRun(run.id)
		run.cancel()
		run.scope.Close()

		return nil, err
	}

	return run, nil
}

// StopRun kills the Run with the given id. The run ends in error status with
// a trace marking it as killed. Stopping a completed Run returns an
// InvalidStatusError.
func (j *Jober) StopRun(runID string) error {
	run, err := j.FindRun(runID)
	if err != nil {
		return err
	}

	return run.stop()
}

// StopJob kills every active Run of the Job and returns how many it stopped.
func (j *Jober) StopJob(id string) (int, error) {
	job, err := j.GetJob(id)
	if err != nil {
		return 0, err
	}

	stopped := 0
	for _, run := range job.Runs() {
		if run.Status().Terminal() {
			continue
		}
		if run.stop() == nil {
			stopped++
		}
	}

	return stopped, nil
}

// RemoveJob removes the Job and its trigger. Removing a Job with an active
// Run, or one that doesn't exist, is a no-op returning false.
func (j *Jober) RemoveJob(id string) bool {
	job, err := j.GetJob(id)
	if err != nil {
		j.logger.Warn("cannot remove job", "job_id", id, "err", err)
		return false
	}

	if !job.Removable() {
		j.logger.Warn("cannot remove job with an active run", "job_id", id)
		return false
	}

	j.sched.Remove(job.entryID)

	j.mu.Lock()
	delete(j.jobs, id)
	j.mu.Unlock()

	j.logger.Info("removed job", "job_id", id, "name", job.name)

	return true
}

// PruneJobs removes every removable Job and returns the removed ones.
func (j *Jober) PruneJobs() []*Job {
	var pruned []*Job

	for _, job := range j.Jobs() {
		if job.Removable() && j.RemoveJob(job.id) {
			pruned = append(pruned, job)
		}
	}

	return pruned
}

// dispatch queues one Run of the Job on a trigger tick, skipping the tick
// when the Job is at its concurrency cap or the queue is full.
func (j *Jober) dispatch(job *Job) {
	active := job.ActiveRuns() + int(job.pending.Load())
	if active >= job.maxInstances {
		j.logger.Warn("job at max instances, skipping trigger tick",
			"job_id", job.id,
			"active", active,
		)

		return
	}

	job.pending.Add(1)

	err := j.sched.TrySubmit(func() {
		run, ctx, err := j.track(job)

		// The run, if any, is in the history now and counted as active.
		job.pending.Add(-1)

		if err != nil {
			j.logger.Error("failed to create run", "job_id", job.id, "err", err)
			return
		}

		j.execute(ctx, run, job.target)
	})
	if err != nil {
		job.pending.Add(-1)
		j.logger.Warn("skipping trigger tick", "job_id", job.id, "err", err)
	}
}

// track creates a Run against the Job: capture scope, cancellation handle,
// and a slot in the Job's history.
func (j *Jober) track(job *Job) (*Run, context.Context, error) {
	runID := uuid.NewString()

	events := &eventer{jobID: job.id, runID: runID, queue: j.events}

	var onLine func(string)
	if j.conf.Capture {
		onLine = events.output
	}

	scope, err := capture.New(job.stdout, job.stderr, onLine)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open capture sink: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	run := newRun(job.id, runID, scope, cancel, events)

	job.addRun(run)

	return run, ctx, nil
}

// execute invokes the target on the calling pool worker, emitting lifecycle
// events as it goes. Every failure becomes an error event; nothing
// propagates to the pool.
func (j *Jober) execute(ctx context.Context, run *Run, tgt *target.Target) {
	defer run.cancel()

	if ctx.Err() != nil {
		// Killed while still queued.
		run.scope.Close()
		run.events.error(fmt.Sprintf("killed: %v", ctx.Err()))

		return
	}

	run.events.begin()

	result, err := tgt.Invoke(ctx, &target.Call{
		Stdout: run.scope.Stdout(),
		Stderr: run.scope.Stderr(),
	})

	if cerr := run.scope.Close(); cerr != nil {
		j.logger.Warn("failed to close capture scope",
			"job_id", run.jobID,
			"run_id", run.id,
			"err", cerr,
		)
	}

	if err != nil {
		j.logger.Error("run failed",
			"job_id", run.jobID,
			"run_id", run.id,
			"err", err,
		)
		run.events.error(err.Error())

		return
	}

	run.events.done(result)
}

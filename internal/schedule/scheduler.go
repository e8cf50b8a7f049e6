package schedule

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultWorkers is a comfortable level of run concurrency for a single
	// host.
	DefaultWorkers = 32

	// defaultQueueCapacity bounds how many dispatched runs can be waiting
	// for a worker before triggers start skipping.
	defaultQueueCapacity = 1024
)

// Config holds Scheduler construction parameters. Zero values get sane
// defaults.
type Config struct {
	Workers       int
	QueueCapacity int
	Location      *time.Location
	Logger        *slog.Logger
}

// EntryID identifies a registered trigger.
type EntryID = cron.EntryID

// Scheduler dispatches tasks to a worker pool, either immediately or on
// interval and cron triggers.
type Scheduler struct {
	pool   *Pool
	cron   *cron.Cron
	logger *slog.Logger

	started atomic.Bool
}

// New creates a Scheduler. Trigger schedules are evaluated in the configured
// location. Triggers don't fire until Start is called; direct submissions
// work immediately.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithParser(cron.NewParser(
			cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
		cron.WithLogger(&cronLogger{logger: cfg.Logger}),
	)

	return &Scheduler{
		pool:   NewPool(cfg.Workers, cfg.QueueCapacity, cfg.Logger),
		cron:   c,
		logger: cfg.Logger,
	}
}

// Start begins firing triggers. Safe to call more than once.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.cron.Start()
}

// Stop halts triggers, waits for trigger callbacks in flight, then drains
// the worker pool. After Stop, submissions return ErrStopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.pool.Stop(ctx)
}

// Submit dispatches a task to the pool, blocking while the queue is full.
func (s *Scheduler) Submit(task Task) error {
	return s.pool.Submit(task)
}

// TrySubmit dispatches a task to the pool without blocking.
func (s *Scheduler) TrySubmit(task Task) error {
	return s.pool.TrySubmit(task)
}

// Every registers task to fire at the given interval. Intervals are rounded
// up to a whole second, the finest granularity the trigger runner supports.
func (s *Scheduler) Every(interval time.Duration, task func()) EntryID {
	return s.cron.Schedule(cron.Every(interval), cron.FuncJob(task))
}

// Cron registers task to fire per the given cron expression. Expressions use
// the standard five fields with an optional leading seconds field;
// descriptors like '@hourly' and '@every 30s' are accepted.
func (s *Scheduler) Cron(expr string, task func()) (EntryID, error) {
	return s.cron.AddFunc(expr, task)
}

// Remove drops a registered trigger.
func (s *Scheduler) Remove(id EntryID) {
	s.cron.Remove(id)
}

// cronLogger adapts the trigger runner's logging to slog. Routine messages
// are noisy, so they're demoted to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"err", err}, keysAndValues...)...)
}

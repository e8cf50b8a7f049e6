// Package history persists run outcomes to a SQLite database so they survive
// both in-memory eviction and daemon restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/joberd/jober/internal/jober"
)

const (
	writeQueueCapacity = 256
	defaultRecentLimit = 20
	writeTimeout       = 5 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id   TEXT PRIMARY KEY,
	job_id   TEXT NOT NULL,
	status   TEXT NOT NULL,
	beg_time TEXT,
	end_time TEXT,
	trace    TEXT
);
CREATE INDEX IF NOT EXISTS runs_job_id ON runs(job_id);
`

// Record is one persisted run outcome.
type Record struct {
	JobID   string    `json:"job_id"`
	RunID   string    `json:"run_id"`
	Status  string    `json:"status"`
	BegTime time.Time `json:"beg_time,omitzero"`
	EndTime time.Time `json:"end_time,omitzero"`
	Trace   string    `json:"trace,omitempty"`
}

// Recorder writes run state changes to SQLite from a single background
// writer, keeping event delivery off the database's latency.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger

	queue  chan jober.Event
	done   chan struct{}
	closed atomic.Bool
}

// New opens (creating if needed) the history database at path and starts the
// write loop.
func New(path string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}

	r := &Recorder{
		db:     db,
		logger: logger,
		queue:  make(chan jober.Event, writeQueueCapacity),
		done:   make(chan struct{}),
	}

	go r.writeLoop()

	return r, nil
}

// Listener returns an event listener that records run state changes. Output
// events are not persisted.
func (r *Recorder) Listener() jober.Listener {
	return func(ev jober.Event) {
		switch ev.Type {
		case jober.EventRunBegin, jober.EventRunDone, jober.EventRunError:
			r.enqueue(ev)
		}
	}
}

func (r *Recorder) enqueue(ev jober.Event) {
	// Sending on the closed queue panics; recovering here beats taking a
	// lock on every event.
	defer func() {
		if recover() != nil {
			r.logger.Warn("dropping history record after close",
				"job_id", ev.JobID, "run_id", ev.RunID)
		}
	}()

	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("history queue is full, dropping record",
			"job_id", ev.JobID, "run_id", ev.RunID)
	}
}

func (r *Recorder) writeLoop() {
	defer close(r.done)

	for ev := range r.queue {
		if err := r.record(ev); err != nil {
			r.logger.Warn("failed to record run history",
				"job_id", ev.JobID, "run_id", ev.RunID, "err", err)
		}
	}
}

func (r *Recorder) record(ev jober.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	stamp := ev.Time.Format(time.RFC3339Nano)

	// Upserts keep a terminal event for a run whose begin was never seen
	// (recorder attached mid-run, run killed while queued) from being lost.
	switch ev.Type {
	case jober.EventRunBegin:
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO runs(run_id, job_id, status, beg_time) VALUES(?,?,?,?)
			 ON CONFLICT(run_id) DO UPDATE SET
				status=excluded.status, beg_time=excluded.beg_time`,
			ev.RunID, ev.JobID, jober.StatusRunning.String(), stamp)

		return err

	case jober.EventRunDone:
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO runs(run_id, job_id, status, end_time) VALUES(?,?,?,?)
			 ON CONFLICT(run_id) DO UPDATE SET
				status=excluded.status, end_time=excluded.end_time`,
			ev.RunID, ev.JobID, jober.StatusDone.String(), stamp)

		return err

	case jober.EventRunError:
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO runs(run_id, job_id, status, end_time, trace) VALUES(?,?,?,?,?)
			 ON CONFLICT(run_id) DO UPDATE SET
				status=excluded.status, end_time=excluded.end_time, trace=excluded.trace`,
			ev.RunID, ev.JobID, jober.StatusError.String(), stamp, nullStr(ev.Trace))

		return err
	}

	return nil
}

// Recent returns up to limit of the job's persisted runs, newest first.
func (r *Recorder) Recent(ctx context.Context, jobID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, job_id, status, beg_time, end_time, trace
		 FROM runs WHERE job_id = ? ORDER BY beg_time DESC LIMIT ?`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}
	defer rows.Close()

	records := []Record{}

	for rows.Next() {
		var (
			rec             Record
			beg, end, trace sql.NullString
		)

		if err := rows.Scan(
			&rec.RunID, &rec.JobID, &rec.Status, &beg, &end, &trace,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run history: %w", err)
		}

		rec.BegTime = parseStamp(beg)
		rec.EndTime = parseStamp(end)
		rec.Trace = trace.String

		records = append(records, rec)
	}

	return records, rows.Err()
}

// Close stops the write loop after draining queued records and closes the
// database. Detach the listener (or stop the jober) before calling Close.
func (r *Recorder) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		close(r.queue)
	}

	<-r.done

	return r.db.Close()
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}

	return v
}

func parseStamp(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}

	return t
}

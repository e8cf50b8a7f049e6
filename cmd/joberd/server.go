package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"github.com/joberd/jober/internal/config"
	"github.com/joberd/jober/internal/history"
	"github.com/joberd/jober/internal/jober"
	"github.com/joberd/jober/internal/schedule"
	"github.com/joberd/jober/internal/target"
	"github.com/joberd/jober/internal/tlsconfig"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

type server struct {
	jober    *jober.Jober
	recorder *history.Recorder // nil when history is off
	logger   *slog.Logger
	conf     *config.Config

	workers int
	begTime time.Time

	// applied is the config entry behind each registered job, used to
	// detect changed entries on reload.
	mu      sync.Mutex
	applied map[string]config.JobConfig
}

func newServer(
	j *jober.Jober,
	recorder *history.Recorder,
	logger *slog.Logger,
	conf *config.Config,
) *server {
	workers := conf.Workers
	if workers <= 0 {
		workers = schedule.DefaultWorkers
	}

	return &server{
		jober:    j,
		recorder: recorder,
		logger:   logger,
		conf:     conf,
		workers:  workers,
		begTime:  time.Now(),
		applied:  make(map[string]config.JobConfig),
	}
}

func runServer(ctx context.Context, flags *serverFlags) error {
	conf, err := loadConfig(flags)
	if err != nil {
		return err
	}

	logger, err := newLogger(conf)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	loc, err := conf.Location()
	if err != nil {
		return err
	}

	j := jober.New(jober.Config{
		Capture:       conf.CaptureEnabled(),
		Workers:       conf.Workers,
		Location:      loc,
		MaxRecentRuns: conf.MaxRecentRuns,
		Logger:        logger,
	})

	var recorder *history.Recorder
	if conf.History != "" {
		recorder, err = history.New(conf.History, logger)
		if err != nil {
			return err
		}

		j.AddListener(recorder.Listener())
	}

	s := newServer(j, recorder, logger, conf)

	if err := s.addJobs(conf.Jobs); err != nil {
		return err
	}

	listener, err := s.listen()
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),

		// Event streams select on the request context; deriving it from the
		// group context lets shutdown end them instead of waiting for every
		// client to hang up.
		BaseContext: func(net.Listener) context.Context { return groupCtx },
	}

	group.Go(func() error {
		logger.Info(
			"serving",
			"addr", listener.Addr().String(),
			"tls", s.conf.TLSCert != "",
			"jobs", len(s.jober.Jobs()),
		)

		if err := httpServer.Serve(listener); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	if flags.watch {
		group.Go(func() error {
			return config.Watch(
				groupCtx,
				flags.configPath,
				logger,
				s.reload(flags.configPath),
			)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()

		sdNotify(logger, daemon.SdNotifyStopping)

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down http server", "err", err)
		}

		if err := j.Stop(shutdownCtx); err != nil {
			logger.Warn("failed to stop jober", "err", err)
		}

		// The jober is stopped, so no listener can still fire.
		if recorder != nil {
			if err := recorder.Close(); err != nil {
				logger.Warn("failed to close history recorder", "err", err)
			}
		}

		return nil
	})

	sdNotify(logger, daemon.SdNotifyReady)

	return group.Wait()
}

// sdNotify reports daemon state to systemd. Outside of systemd it's a no-op.
func sdNotify(logger *slog.Logger, state string) {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("failed to notify systemd", "err", err)
		return
	}

	if ok {
		logger.Debug("notified systemd", "state", state)
	}
}

func (s *server) listen() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.conf.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.conf.Listen, err)
	}

	if s.conf.TLSCert == "" {
		return listener, nil
	}

	tlsConf, err := tlsconfig.SetupTLS(&tlsconfig.Config{
		CertPath: s.conf.TLSCert,
		KeyPath:  s.conf.TLSKey,
	})
	if err != nil {
		listener.Close()
		return nil, err
	}

	return tls.NewListener(listener, tlsConf), nil
}

func (s *server) addJobs(jobs []config.JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if _, err := s.jober.AddJob(jobSpec(job)); err != nil {
			return fmt.Errorf("failed to add job %q: %w", job.Name, err)
		}

		s.applied[job.Name] = job
	}

	return nil
}

// reload returns the --watch callback: it re-reads the config document and
// reconciles the jobs list against the running registry. Daemon options are
// fixed at startup; only job entries are reapplied.
func (s *server) reload(path string) func() {
	return func() {
		conf, err := config.Load(path)
		if err != nil {
			s.logger.Warn("failed to reload config, keeping jobs", "err", err)
			return
		}

		s.logger.Info("reloading job definitions", "path", path)
		s.applyJobs(conf.Jobs)
	}
}

func (s *server) applyJobs(jobs []config.JobConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]config.JobConfig, len(jobs))

	for _, job := range jobs {
		next[job.Name] = job

		if _, err := s.jober.GetJob(job.Name); err != nil {
			// New, or pruned since the last apply.
			if _, err := s.jober.AddJob(jobSpec(job)); err != nil {
				s.logger.Warn("failed to add job on reload",
					"job_id", job.Name, "err", err)
				delete(next, job.Name)
			}

			continue
		}

		prev, known := s.applied[job.Name]
		if known && reflect.DeepEqual(prev, job) {
			continue
		}

		if !s.jober.RemoveJob(job.Name) {
			s.logger.Warn(
				"job changed but has an active run, keeping previous definition",
				"job_id", job.Name)

			if known {
				next[job.Name] = prev
			}

			continue
		}

		if _, err := s.jober.AddJob(jobSpec(job)); err != nil {
			s.logger.Warn("failed to replace job on reload",
				"job_id", job.Name, "err", err)
			delete(next, job.Name)
		}
	}

	for name, prev := range s.applied {
		if _, keep := next[name]; !keep {
			if _, err := s.jober.GetJob(name); err == nil {
				s.logger.Warn("job vanished from config, leaving it registered",
					"job_id", name)
				next[name] = prev
			}
		}
	}

	s.applied = next
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /list-jobs", s.handleListJobs)
	mux.HandleFunc("GET /get-job", s.handleGetJob)
	mux.HandleFunc("GET /list-runs", s.handleListRuns)
	mux.HandleFunc("GET /list-history", s.handleListHistory)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("POST /run-job", s.handleRunJob)
	mux.HandleFunc("POST /stop-job", s.handleStopJob)
	mux.HandleFunc("POST /prune-jobs", s.handlePruneJobs)

	return mux
}

type dataResponse struct {
	Data any `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) respond(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(dataResponse{Data: data}); err != nil {
		s.logger.Warn("failed to encode response", "err", err)
	}
}

func (s *server) reject(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(errorResponse{Error: msg}); err != nil {
		s.logger.Warn("failed to encode error response", "err", err)
	}
}

// respondError translates jober errors to HTTP status codes.
func (s *server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, jober.ErrJobNotFound),
		errors.Is(err, jober.ErrRunNotFound),
		errors.Is(err, jober.ErrNoCapture):
		code, msg = http.StatusNotFound, err.Error()

	case errors.Is(err, jober.ErrJobExists):
		code, msg = http.StatusConflict, err.Error()

	case errors.As(err, new(jober.InvalidStatusError)):
		code, msg = http.StatusConflict, err.Error()

	case errors.Is(err, jober.ErrBadSpec),
		errors.As(err, new(*target.ResolveError)):
		code, msg = http.StatusBadRequest, err.Error()

	case errors.Is(err, jober.ErrStopped):
		code, msg = http.StatusServiceUnavailable, err.Error()
	}

	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		s.logger.Warn("request rejected", "path", r.URL.Path, "err", err)
	}

	s.reject(w, code, msg)
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jober.Jobs()

	infos := make([]jober.JobInfo, 0, len(jobs))
	for _, job := range jobs {
		infos = append(infos, job.Info())
	}

	s.respond(w, infos)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jober.GetJob(r.URL.Query().Get("job_id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respond(w, job.Info())
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	job, err := s.jober.GetJob(r.URL.Query().Get("job_id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	runs := job.Runs()

	infos := make([]jober.RunInfo, 0, len(runs))
	for _, run := range runs {
		infos = append(infos, run.Info())
	}

	s.respond(w, infos)
}

type runJobRequest struct {
	JobID  string         `json:"job_id"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

type runJobResponse struct {
	JobID string `json:"job_id"`
	RunID string `json:"run_id"`
}

func (s *server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var req runJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.JobID == "" {
		s.reject(w, http.StatusBadRequest, "job_id is empty")
		return
	}

	run, err := s.jober.RunJob(req.JobID, req.Args, req.Kwargs)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if run == nil {
		// Disabled job: accepted, nothing dispatched.
		s.respond(w, nil)
		return
	}

	s.respond(w, runJobResponse{JobID: req.JobID, RunID: run.ID()})
}

type stopRequest struct {
	JobID string `json:"job_id"`
	RunID string `json:"run_id"`
}

type stopResponse struct {
	Stopped int `json:"stopped"`
}

func (s *server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case req.RunID != "":
		if err := s.jober.StopRun(req.RunID); err != nil {
			s.respondError(w, r, err)
			return
		}

		s.respond(w, stopResponse{Stopped: 1})

	case req.JobID != "":
		count, err := s.jober.StopJob(req.JobID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}

		s.respond(w, stopResponse{Stopped: count})

	default:
		s.reject(w, http.StatusBadRequest, "job_id or run_id is required")
	}
}

func (s *server) handlePruneJobs(w http.ResponseWriter, r *http.Request) {
	pruned := s.jober.PruneJobs()

	infos := make([]jober.JobInfo, 0, len(pruned))
	for _, job := range pruned {
		infos = append(infos, job.Info())
	}

	s.respond(w, infos)
}

func (s *server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.reject(w, http.StatusNotFound, "run history is not enabled")
		return
	}

	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		s.reject(w, http.StatusBadRequest, "job_id is empty")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.reject(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = n
	}

	records, err := s.recorder.Recent(r.Context(), jobID, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.respond(w, records)
}

type infoResponse struct {
	Version string    `json:"version"`
	Jobs    int       `json:"jobs"`
	Workers int       `json:"workers"`
	History bool      `json:"history"`
	BegTime time.Time `json:"beg_time"`
	Uptime  string    `json:"uptime"`
}

func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.respond(w, infoResponse{
		Version: version,
		Jobs:    len(s.jober.Jobs()),
		Workers: s.workers,
		History: s.recorder != nil,
		BegTime: s.begTime,
		Uptime:  time.Since(s.begTime).Round(time.Second).String(),
	})
}

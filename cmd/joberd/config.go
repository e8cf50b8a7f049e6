package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joberd/jober/internal/config"
	"github.com/joberd/jober/internal/jober"
)

// loadConfig reads the config document and applies flag overrides, flags
// winning.
func loadConfig(flags *serverFlags) (*config.Config, error) {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}

	if flags.history != "" {
		conf.History = flags.history
	}

	if flags.tlsCert != "" {
		conf.TLSCert = flags.tlsCert
	}

	if flags.tlsKey != "" {
		conf.TLSKey = flags.tlsKey
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if err := validateTLSPaths(conf); err != nil {
		return nil, err
	}

	return conf, nil
}

func validateTLSPaths(conf *config.Config) error {
	if conf.TLSCert == "" {
		return nil
	}

	if _, err := os.Stat(conf.TLSCert); err != nil {
		return fmt.Errorf("failed to stat tls_cert: %w", err)
	}

	if _, err := os.Stat(conf.TLSKey); err != nil {
		return fmt.Errorf("failed to stat tls_key: %w", err)
	}

	return nil
}

func newLogger(conf *config.Config) (*slog.Logger, error) {
	level, err := conf.Level()
	if err != nil {
		return nil, err
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})), nil
}

// jobSpec maps one config entry onto a jober spec. The entry name doubles as
// the job id so reloads can match entries to registered jobs.
func jobSpec(job config.JobConfig) jober.JobSpec {
	spec := jober.JobSpec{
		ID:            job.Name,
		Name:          job.Name,
		Extra:         job.Extra,
		Args:          job.Args,
		Kwargs:        job.Kwargs,
		Dir:           job.Cwd,
		Shell:         job.Shell,
		Encoding:      job.Encoding,
		Every:         time.Duration(job.Every),
		Cron:          job.Cron,
		MaxInstances:  job.MaxInstances,
		MaxRecentRuns: job.MaxRecentRuns,
		Disabled:      job.Disabled,
		Stdout:        job.Stdout,
		Stderr:        job.Stderr,
	}

	switch {
	case job.Cmd != "":
		spec.Source = job.Cmd
	case job.Module != "":
		spec.Module = job.Module
	case job.Script != "":
		spec.Script = job.Script
	}

	return spec
}

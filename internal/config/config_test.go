package config_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
	yaml "go.yaml.in/yaml/v3"

	"github.com/joberd/jober/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("Test full document", func(t *testing.T) {
		t.Parallel()

		doc := `
capture: false
n_thread_pool_workers: 8
timezone: UTC
max_recent_runs: 10
listen: "0.0.0.0:9000"
log_level: debug
history: /var/lib/joberd/history.db
jobs:
  - name: beat
    cmd: echo tick
    every: 90s
    max_instances: 2
    extra:
      owner: ops
  - name: pulse
    module: reporting.daily
    args: [7, full]
    kwargs:
      verbose: true
    cron: "0 3 * * *"
  - name: sweep
    script: /opt/sweep.star
    every: 30
    disabled: true
    stdout: /tmp/sweep.out
    stderr: ":stdout:"
`

		conf, err := config.Parse([]byte(doc))
		if err != nil {
			t.Fatalf("expected document to parse: got '%v'", err)
		}

		if conf.CaptureEnabled() {
			t.Errorf("expected capture to be off")
		}

		if got, want := conf.Workers, 8; got != want {
			t.Errorf("expected workers: got '%v', want '%v'", got, want)
		}

		if got, want := conf.Listen, "0.0.0.0:9000"; got != want {
			t.Errorf("expected listen address: got '%v', want '%v'", got, want)
		}

		loc, err := conf.Location()
		if err != nil || loc != time.UTC {
			t.Errorf("expected UTC location: got '%v' (%v)", loc, err)
		}

		level, err := conf.Level()
		if err != nil || level != slog.LevelDebug {
			t.Errorf("expected debug level: got '%v' (%v)", level, err)
		}

		if got, want := len(conf.Jobs), 3; got != want {
			t.Fatalf("expected job count: got '%v', want '%v'", got, want)
		}

		beat := conf.Jobs[0]
		if got, want := time.Duration(beat.Every), 90*time.Second; got != want {
			t.Errorf("expected interval: got '%v', want '%v'", got, want)
		}
		if got, want := beat.MaxInstances, 2; got != want {
			t.Errorf("expected max instances: got '%v', want '%v'", got, want)
		}

		pulse := conf.Jobs[1]
		if got, want := len(pulse.Args), 2; got != want {
			t.Errorf("expected arg count: got '%v', want '%v'", got, want)
		}
		if got, want := pulse.Kwargs["verbose"], true; got != want {
			t.Errorf("expected kwarg: got '%v', want '%v'", got, want)
		}

		sweep := conf.Jobs[2]
		if got, want := time.Duration(sweep.Every), 30*time.Second; got != want {
			t.Errorf("expected bare-number interval: got '%v', want '%v'", got, want)
		}
		if !sweep.Disabled {
			t.Errorf("expected job to be disabled")
		}
	})

	t.Run("Test empty document defaults", func(t *testing.T) {
		t.Parallel()

		conf, err := config.Parse(nil)
		if err != nil {
			t.Fatalf("expected empty document to parse: got '%v'", err)
		}

		if got, want := conf.Listen, config.DefaultListen; got != want {
			t.Errorf("expected default listen: got '%v', want '%v'", got, want)
		}

		if !conf.CaptureEnabled() {
			t.Errorf("expected capture to default on")
		}

		level, err := conf.Level()
		if err != nil || level != slog.LevelInfo {
			t.Errorf("expected info level: got '%v' (%v)", level, err)
		}

		loc, err := conf.Location()
		if err != nil || loc != time.Local {
			t.Errorf("expected local location: got '%v' (%v)", loc, err)
		}
	})

	t.Run("Test unknown field is rejected", func(t *testing.T) {
		t.Parallel()

		if _, err := config.Parse([]byte("listne: localhost:1\n")); err == nil {
			t.Errorf("expected unknown field to error")
		}
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	scenarios := map[string]string{
		"Missing name": `
jobs:
  - cmd: echo hi
`,
		"No source": `
jobs:
  - name: hollow
`,
		"Two sources": `
jobs:
  - name: torn
    cmd: echo hi
    module: pkg.fn
`,
		"Every and cron": `
jobs:
  - name: eager
    cmd: echo hi
    every: 5s
    cron: "* * * * *"
`,
		"Duplicate names": `
jobs:
  - name: twin
    cmd: echo one
  - name: twin
    cmd: echo two
`,
		"Bad timezone":  "timezone: Atlantis/Lemuria\n",
		"Bad log level": "log_level: loud\n",
		"Cert without key": `
tls_cert: /etc/joberd/cert.pem
`,
	}

	for scenario, doc := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			if _, err := config.Parse([]byte(doc)); err == nil {
				t.Errorf("expected document to be rejected")
			}
		})
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		doc  string
		want time.Duration
	}{
		"Go duration string": {doc: "d: 1h30m", want: 90 * time.Minute},
		"Seconds string":     {doc: `d: "45s"`, want: 45 * time.Second},
		"Bare integer":       {doc: "d: 30", want: 30 * time.Second},
		"Bare fraction":      {doc: "d: 0.5", want: 500 * time.Millisecond},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			var out struct {
				D config.Duration `yaml:"d"`
			}

			if err := yaml.Unmarshal([]byte(data.doc), &out); err != nil {
				t.Fatalf("expected duration to parse: got '%v'", err)
			}

			if got := time.Duration(out.D); got != data.want {
				t.Errorf("expected duration: got '%v', want '%v'", got, data.want)
			}
		})
	}

	t.Run("Test invalid duration", func(t *testing.T) {
		t.Parallel()

		var out struct {
			D config.Duration `yaml:"d"`
		}

		if err := yaml.Unmarshal([]byte("d: shortly"), &out); err == nil {
			t.Errorf("expected invalid duration to error")
		}
	})
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("Test load from file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "joberd.yaml")
		doc := "listen: \"127.0.0.1:7199\"\njobs:\n  - name: hi\n    cmd: echo hi\n"

		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			t.Fatalf("expected fixture write to work: got '%v'", err)
		}

		conf, err := config.Load(path)
		if err != nil {
			t.Fatalf("expected config to load: got '%v'", err)
		}

		if got, want := conf.Listen, "127.0.0.1:7199"; got != want {
			t.Errorf("expected listen address: got '%v', want '%v'", got, want)
		}
	})

	t.Run("Test missing file", func(t *testing.T) {
		t.Parallel()

		_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected missing file error: got '%v'", err)
		}
	})
}

func TestWatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "joberd.yaml")
	if err := os.WriteFile(path, []byte("listen: \"127.0.0.1:1\"\n"), 0o644); err != nil {
		t.Fatalf("expected fixture write to work: got '%v'", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 1)
	watchDone := make(chan error, 1)

	go func() {
		watchDone <- config.Watch(ctx, path, discardLogger(), func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before touching the file.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("listen: \"127.0.0.1:2\"\n"), 0o644); err != nil {
		t.Fatalf("expected rewrite to work: got '%v'", err)
	}

	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected change notification")
	}

	cancel()

	select {
	case err := <-watchDone:
		if err != nil {
			t.Errorf("expected watch to return cleanly: got '%v'", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected watch to return after cancel")
	}
}

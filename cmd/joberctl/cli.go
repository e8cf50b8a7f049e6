package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joberd/jober/internal/history"
	"github.com/joberd/jober/internal/jober"
)

// TODO: Inject version at build time.
const version = "0.1.0"

type cli struct {
	client  *http.Client
	baseURL string
}

func newCLI() *cli {
	return &cli{client: &http.Client{}}
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:          "joberctl",
		Short:        "CLI for interacting with the joberd daemon",
		Version:      version,
		SilenceUsage: true,
	}

	command.AddCommand(
		c.listCmd(),
		c.showCmd(),
		c.runsCmd(),
		c.runCmd(),
		c.stopCmd(),
		c.pruneCmd(),
		c.historyCmd(),
		c.eventsCmd(),
		c.infoCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&c.baseURL,
		"server",
		"http://127.0.0.1:7086",
		"Base URL of the joberd API",
	)

	return command
}

// Request and response shapes mirror the joberd API.

type runJobRequest struct {
	JobID  string         `json:"job_id"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

type runJobResponse struct {
	JobID string `json:"job_id"`
	RunID string `json:"run_id"`
}

type stopRequest struct {
	JobID string `json:"job_id,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

type stopResponse struct {
	Stopped int `json:"stopped"`
}

type daemonInfo struct {
	Version string    `json:"version"`
	Jobs    int       `json:"jobs"`
	Workers int       `json:"workers"`
	History bool      `json:"history"`
	BegTime time.Time `json:"beg_time"`
	Uptime  string    `json:"uptime"`
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List registered jobs",
		Example: "  joberctl list",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Data []jober.JobInfo `json:"data"`
			}

			if err := c.get(cmd.Context(), "/list-jobs", &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "ID\tNAME\tEXTRA\t\n")

			for _, job := range resp.Data {
				fmt.Fprintf(
					w,
					"%s\t%s\t%s\t\n",
					job.ID,
					job.Name,
					formatExtra(job.Extra),
				)
			}

			return w.Flush()
		},
	}
}

func (c *cli) showCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "show [flags] JOB_ID",
		Short:   "Show a job",
		Example: "  joberctl show nightly-backup",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Data jober.JobInfo `json:"data"`
			}

			if err := c.get(
				cmd.Context(), "/get-job?job_id="+args[0], &resp,
			); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "ID\tNAME\tEXTRA\t\n")
			fmt.Fprintf(
				w,
				"%s\t%s\t%s\t\n",
				resp.Data.ID,
				resp.Data.Name,
				formatExtra(resp.Data.Extra),
			)

			return w.Flush()
		},
	}
}

func (c *cli) runsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "runs [flags] JOB_ID",
		Short:   "List a job's recent runs",
		Example: "  joberctl runs nightly-backup",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Data []jober.RunInfo `json:"data"`
			}

			if err := c.get(
				cmd.Context(), "/list-runs?job_id="+args[0], &resp,
			); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "RUN ID\tSTATUS\tBEGIN\tEND\t\n")

			for _, run := range resp.Data {
				fmt.Fprintf(
					w,
					"%s\t%s\t%s\t%s\t\n",
					run.RunID,
					run.Status,
					formatTime(run.BegTime),
					formatTime(run.EndTime),
				)
			}

			return w.Flush()
		},
	}
}

func (c *cli) runCmd() *cobra.Command {
	var kwargs []string

	command := &cobra.Command{
		Use:     "run [flags] JOB_ID [ARGS]",
		Short:   "Trigger a run of a job, optionally rebinding its arguments",
		Example: "  joberctl run --kwarg level=full nightly-backup",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := runJobRequest{JobID: args[0]}

			for _, arg := range args[1:] {
				req.Args = append(req.Args, arg)
			}

			parsed, err := parseKwargs(kwargs)
			if err != nil {
				return err
			}
			req.Kwargs = parsed

			var resp struct {
				Data *runJobResponse `json:"data"`
			}

			if err := c.post(cmd.Context(), "/run-job", req, &resp); err != nil {
				return err
			}

			if resp.Data == nil {
				fmt.Fprintln(
					cmd.OutOrStdout(),
					"job is disabled, no run dispatched",
				)
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), resp.Data.RunID)

			return nil
		},
	}

	// Arguments after JOB_ID belong to the job, not to joberctl, so flags
	// must come first:
	//	`joberctl run --kwarg level=full nightly-backup --now`
	command.Flags().SetInterspersed(false)

	command.Flags().StringArrayVar(
		&kwargs,
		"kwarg",
		nil,
		"Keyword argument as key=value (repeatable)",
	)

	return command
}

func (c *cli) stopCmd() *cobra.Command {
	var isRun bool

	command := &cobra.Command{
		Use:     "stop [flags] ID",
		Short:   "Stop a job's active runs, or a single run",
		Example: "  joberctl stop nightly-backup\n  joberctl stop --run 9302033c-f8f7-4b6e-9363-a7aa201cce1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := stopRequest{JobID: args[0]}
			if isRun {
				req = stopRequest{RunID: args[0]}
			}

			var resp struct {
				Data stopResponse `json:"data"`
			}

			if err := c.post(cmd.Context(), "/stop-job", req, &resp); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stopped %d\n", resp.Data.Stopped)

			return nil
		},
	}

	command.Flags().BoolVar(&isRun, "run", false, "Treat ID as a run id")

	return command
}

func (c *cli) pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "prune",
		Short:   "Remove every job with no active run",
		Example: "  joberctl prune",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Data []jober.JobInfo `json:"data"`
			}

			if err := c.post(
				cmd.Context(), "/prune-jobs", struct{}{}, &resp,
			); err != nil {
				return err
			}

			for _, job := range resp.Data {
				fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			}

			return nil
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	var limit int

	command := &cobra.Command{
		Use:     "history [flags] JOB_ID",
		Short:   "List a job's persisted run history",
		Example: "  joberctl history --limit 5 nightly-backup",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Data []history.Record `json:"data"`
			}

			path := fmt.Sprintf("/list-history?job_id=%s&limit=%d", args[0], limit)

			if err := c.get(cmd.Context(), path, &resp); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

			fmt.Fprintf(w, "RUN ID\tSTATUS\tBEGIN\tEND\tTRACE\t\n")

			for _, rec := range resp.Data {
				fmt.Fprintf(
					w,
					"%s\t%s\t%s\t%s\t%s\t\n",
					rec.RunID,
					rec.Status,
					formatTime(rec.BegTime),
					formatTime(rec.EndTime),
					rec.Trace,
				)
			}

			return w.Flush()
		},
	}

	command.Flags().IntVar(&limit, "limit", 0, "Maximum records to return")

	return command
}

func (c *cli) eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "events",
		Short:   "Stream the event feed until interrupted",
		Example: "  joberctl events",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(
				cmd.Context(),
				http.MethodGet,
				c.baseURL+"/events",
				nil,
			)
			if err != nil {
				return err
			}

			res, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer res.Body.Close()

			if res.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s", res.Status)
			}

			scanner := bufio.NewScanner(res.Body)
			for scanner.Scan() {
				if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
					fmt.Fprintln(cmd.OutOrStdout(), data)
				}
			}

			// Interrupt ends the stream; that's a clean exit.
			if err := scanner.Err(); err != nil &&
				!errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		},
	}
}

func (c *cli) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "info",
		Short:   "Show daemon info",
		Example: "  joberctl info",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Data daemonInfo `json:"data"`
			}

			if err := c.get(cmd.Context(), "/info", &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "version: %s\n", resp.Data.Version)
			fmt.Fprintf(out, "jobs: %d\n", resp.Data.Jobs)
			fmt.Fprintf(out, "workers: %d\n", resp.Data.Workers)
			fmt.Fprintf(out, "history: %t\n", resp.Data.History)
			fmt.Fprintf(out, "uptime: %s\n", resp.Data.Uptime)

			return nil
		},
	}
}

func (c *cli) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+path,
		nil,
	)
	if err != nil {
		return err
	}

	return c.do(req, out)
}

func (c *cli) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+path,
		bytes.NewReader(data),
	)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

// do runs the request and decodes the response envelope, surfacing the
// server's error message on non-200 responses.
func (c *cli) do(req *http.Request, out any) error {
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}

		if err := json.NewDecoder(res.Body).Decode(&apiErr); err == nil &&
			apiErr.Error != "" {
			return errors.New(apiErr.Error)
		}

		return fmt.Errorf("server returned %s", res.Status)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(res.Body).Decode(out)
}

func parseKwargs(kwargs []string) (map[string]any, error) {
	if len(kwargs) == 0 {
		return nil, nil
	}

	parsed := make(map[string]any, len(kwargs))

	for _, kv := range kwargs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("kwarg %q is not key=value", kv)
		}

		parsed[k] = v
	}

	return parsed, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.Format(time.RFC3339)
}

func formatExtra(extra any) string {
	if extra == nil {
		return ""
	}

	return fmt.Sprintf("%v", extra)
}

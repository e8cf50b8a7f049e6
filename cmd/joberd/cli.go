package main

import (
	"github.com/spf13/cobra"
)

// serverFlags are the command line overrides for the config document, so a
// unit file can pin e.g. the listen address regardless of the document.
type serverFlags struct {
	configPath string
	listen     string
	logLevel   string
	history    string
	tlsCert    string
	tlsKey     string
	watch      bool
}

func rootCmd() *cobra.Command {
	flags := &serverFlags{}

	c := &cobra.Command{
		Use:          "joberd",
		Short:        "Job scheduling daemon serving the jober HTTP API",
		Example:      "  joberd --config /etc/joberd/joberd.yaml --watch",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), flags)
		},
	}

	c.Flags().StringVar(
		&flags.configPath,
		"config",
		"joberd.yaml",
		"Path to the job configuration document",
	)

	c.Flags().StringVar(
		&flags.listen,
		"listen",
		"",
		"Listen address (overrides config)",
	)

	c.Flags().StringVar(
		&flags.logLevel,
		"log-level",
		"",
		"Log level: debug, info, warn, or error (overrides config)",
	)

	c.Flags().StringVar(
		&flags.history,
		"history",
		"",
		"Path to the run history database (overrides config)",
	)

	c.Flags().StringVar(
		&flags.tlsCert,
		"tls-cert",
		"",
		"Path to the server TLS certificate (overrides config)",
	)

	c.Flags().StringVar(
		&flags.tlsKey,
		"tls-key",
		"",
		"Path to the server TLS private key (overrides config)",
	)

	c.Flags().BoolVar(
		&flags.watch,
		"watch",
		false,
		"Reload job definitions when the config document changes",
	)

	c.CompletionOptions.HiddenDefaultCmd = true

	return c
}

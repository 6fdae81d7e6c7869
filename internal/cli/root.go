// Package cli implements the calcjob command-line client.
package cli

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/calcjob/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagTimeout   time.Duration

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking CALCJOB_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("CALCJOB_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the calcjob CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "calcjob",
		Short: "calcjob: remote batch job lifecycle client",
		Long:  "calcjob submits jobs to a calcjobd server and inspects or kills them.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
			if flagTimeout > 0 {
				client.HTTPClient.Timeout = flagTimeout
			}
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "calcjobd server URL (or CALCJOB_SERVER env)")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", defaultClientTimeout, "Per-request timeout for calls to the server")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newKillCmd(),
	)

	return root
}

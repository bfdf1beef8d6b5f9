// Package cli implements the gohpc command line tool: job submission and
// listing, batch job (queue) management, and session inspection against a
// running server.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/gohpc/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking GOHPC_SERVER first.
func defaultServer() string {
	if s := os.Getenv("GOHPC_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the gohpc CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gohpc",
		Short: "GoHPC — high-throughput job orchestration for HPC sites",
		Long:  "GoHPC submits, monitors, and manages jobs and batch allocations across HPC sites.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "GoHPC server URL (or GOHPC_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newJobCmd(),
		newQueueCmd(),
		newSessionCmd(),
	)

	return root
}

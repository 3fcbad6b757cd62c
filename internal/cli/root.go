// Package cli implements the har-harvester command tree.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/config"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/harvester"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/logging"
)

// app holds the state shared by every command of one invocation.
type app struct {
	cfgFile   string
	logLevel  string
	logFormat string
	cfg       config.Config
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "har-harvester",
		Short: "Synthetic browser-test archive harvester",
		Long: `har-harvester polls the synthetics API for active browser tests, fetches
the archive of each test's latest run and delivers the flattened,
redacted records to the configured sinks. Runs already delivered are
skipped using per test and location checkpoints.`,
		Version:       harvester.Version + " (" + harvester.GitSHA + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", os.Getenv("HARVESTER_CONFIG"), "config file (YAML)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: json, text")

	root.AddCommand(
		newPollCmd(a),
		newRunCmd(a),
		newTestsCmd(a),
		newTransformCmd(a),
		newCheckpointCmd(a),
	)
	return root
}

// Execute runs the command tree until it finishes or the process receives
// SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil {
		root.PrintErrln("Error:", err)
	}
	return err
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	a.cfg = cfg

	// Records may go to stdout; logs never do.
	logging.Setup(logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

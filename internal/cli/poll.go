package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/harvester"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/metrics"
)

func newPollCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle",
		Long: `Run a single poll cycle and exit. The exit status is non-zero when the
cycle fails, including when the inventory lists no active tests.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			h, cleanup, err := buildHarvester(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}

			_, pollErr := h.Poll(cmd.Context())
			if err := cleanup(); err != nil && pollErr == nil {
				return fmt.Errorf("close backends: %w", err)
			}
			return pollErr
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run poll cycles on an interval",
		Long: `Run poll cycles until interrupted. A failed cycle is logged and the next
one starts on schedule. Prometheus metrics are served when metrics are
enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval > 0 {
				a.cfg.Harvest.Interval = interval
			}
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			log := logging.Component("run")

			metrics.Init(a.cfg.Metrics.Namespace)
			if a.cfg.Metrics.Enabled && a.cfg.Metrics.Address != "" {
				go func() {
					log.Info("metrics server listening", "address", a.cfg.Metrics.Address)
					if err := metrics.StartServer(a.cfg.Metrics.Address); err != nil {
						log.Error("metrics server stopped", "error", err)
					}
				}()
			}

			ctx := cmd.Context()
			h, cleanup, err := buildHarvester(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			log.Info("starting", "interval", a.cfg.Harvest.Interval.String())
			runCycles(ctx, h, a.cfg.Harvest.Interval, log)
			log.Info("shutdown complete")
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "time between cycles (default from config)")
	return cmd
}

type poller interface {
	Poll(ctx context.Context) (harvester.Result, error)
}

// runCycles polls every interval until ctx is done. A failed cycle does not
// stop the loop; Poll has already logged it. It returns the number of failed
// cycles.
func runCycles(ctx context.Context, p poller, interval time.Duration, log *slog.Logger) int {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failed := 0
	for {
		if _, err := p.Poll(ctx); err != nil {
			failed++
			log.Debug("cycle failed, waiting for next tick", "failed_cycles", failed)
		}
		if ctx.Err() != nil {
			return failed
		}

		select {
		case <-ctx.Done():
			return failed
		case <-ticker.C:
		}
	}
}

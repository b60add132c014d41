package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deepfence/ThreatMapper-sub001/internal/aggregator"
	"github.com/deepfence/ThreatMapper-sub001/internal/cache"
	"github.com/deepfence/ThreatMapper-sub001/internal/observability"
)

// newAggregateCmd creates the `aggregate` command: one leased rollup
// run against the configured backends, then exit. Useful for cron-style
// deployments and for forcing a refresh.
func newAggregateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Runs a single rollup pass and exits",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := observability.GetLogger()

			store, err := buildStore(ctx, logger)
			if err != nil {
				return err
			}
			cacheClient, err := cache.New(cfg.Redis, logger)
			if err != nil {
				return err
			}
			defer cacheClient.Close()

			owner, ok, err := cacheClient.AcquireLease(ctx, cfg.Aggregator.LeaseTTL)
			if err != nil {
				return err
			}
			if !ok {
				logger.Warn("Aggregator lease held elsewhere, nothing to do")
				return nil
			}
			defer func() {
				_ = cacheClient.ReleaseLease(ctx, owner)
			}()

			agg := aggregator.New(store, cacheClient, cfg.Aggregator, logger)
			return agg.Run(ctx)
		},
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deepfence/ThreatMapper-sub001/internal/aggregator"
	"github.com/deepfence/ThreatMapper-sub001/internal/attackpath"
	"github.com/deepfence/ThreatMapper-sub001/internal/cache"
	"github.com/deepfence/ThreatMapper-sub001/internal/graphstore"
	"github.com/deepfence/ThreatMapper-sub001/internal/ingest"
	"github.com/deepfence/ThreatMapper-sub001/internal/observability"
	"github.com/deepfence/ThreatMapper-sub001/internal/server"
)

// newServeCmd creates the `serve` command: the full service with the
// findings consumer, the scheduled aggregator, and the HTTP API in one
// process.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the ingestion consumer, the rollup scheduler, and the HTTP API",
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

			pipeline := ingest.NewPipeline(store, logger)
			consumer := ingest.NewConsumer(cacheClient, pipeline, logger)
			agg := aggregator.New(store, cacheClient, cfg.Aggregator, logger)
			scheduler := aggregator.NewScheduler(agg, cacheClient, cfg.Aggregator, logger)
			finder := attackpath.NewFinder(store, cacheClient, cfg.Pathfinder.TopN, logger)
			srv := server.New(cacheClient, finder, cfg.Server, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return consumer.Run(gctx) })
			g.Go(func() error { return scheduler.Run(gctx) })
			g.Go(func() error { return srv.ListenAndServe(gctx) })

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				logger.Info("Shutdown complete")
				return nil
			}
			return err
		},
	}
}

// buildStore returns the configured graph store backend: Postgres when
// enabled, the in-memory store otherwise.
func buildStore(ctx context.Context, logger *zap.Logger) (graphstore.Store, error) {
	if !cfg.Postgres.Enabled {
		return graphstore.NewMemory(logger), nil
	}

	pool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	store, err := graphstore.NewPostgres(ctx, pool, logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	logger.Info("Using Postgres graph store",
		zap.String("host", cfg.Postgres.Host),
		zap.String("dbname", cfg.Postgres.DBName))
	return store, nil
}

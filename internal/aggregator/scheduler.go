package aggregator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/internal/cache"
	"github.com/deepfence/ThreatMapper-sub001/internal/config"
)

// Scheduler fires rollup runs on an interval, taking the Redis lease
// first so only one instance aggregates at a time.
type Scheduler struct {
	agg   *Aggregator
	cache *cache.Client
	cfg   config.AggregatorConfig
	log   *zap.Logger
}

// NewScheduler creates a scheduler around an aggregator.
func NewScheduler(agg *Aggregator, cacheClient *cache.Client, cfg config.AggregatorConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		agg:   agg,
		cache: cacheClient,
		cfg:   cfg,
		log:   logger.Named("aggregator.scheduler"),
	}
}

// Run ticks until the context is cancelled. The first run fires
// immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Aggregator scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one leased rollup. Losing the lease race is normal in a
// multi-instance deployment and only logged at debug.
func (s *Scheduler) tick(ctx context.Context) {
	owner, ok, err := s.cache.AcquireLease(ctx, s.cfg.LeaseTTL)
	if err != nil {
		s.log.Error("Failed to acquire aggregator lease", zap.Error(err))
		return
	}
	if !ok {
		s.log.Debug("Aggregator lease held elsewhere, skipping run")
		return
	}
	defer func() {
		if err := s.cache.ReleaseLease(ctx, owner); err != nil {
			s.log.Warn("Failed to release aggregator lease", zap.Error(err))
		}
	}()

	// Keep the lease alive while a long run is in flight.
	renewCtx, cancelRenew := context.WithCancel(ctx)
	defer cancelRenew()
	go s.renewLoop(renewCtx, owner)

	if err := s.agg.Run(ctx); err != nil {
		s.log.Error("Rollup run failed", zap.Error(err))
	}
}

func (s *Scheduler) renewLoop(ctx context.Context, owner string) {
	interval := s.cfg.LeaseTTL / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cache.RenewLease(ctx, owner, s.cfg.LeaseTTL); err != nil {
				s.log.Warn("Failed to renew aggregator lease", zap.Error(err))
				return
			}
		}
	}
}

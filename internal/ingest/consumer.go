package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/deepfence/ThreatMapper-sub001/internal/cache"
)

// popTimeout bounds each blocking queue read so the consumer notices
// context cancellation promptly.
const popTimeout = 2 * time.Second

// Consumer drains the findings intake queue into the pipeline.
type Consumer struct {
	queue    *cache.Client
	pipeline *Pipeline
	log      *zap.Logger
}

// NewConsumer creates a queue consumer feeding the given pipeline.
func NewConsumer(queue *cache.Client, pipeline *Pipeline, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		queue:    queue,
		pipeline: pipeline,
		log:      logger.Named("ingest.consumer"),
	}
}

// Run blocks on the findings queue until the context is cancelled.
// Malformed records are logged and dropped; queue errors back off
// briefly instead of spinning.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("Findings consumer started")
	for {
		if err := ctx.Err(); err != nil {
			c.log.Info("Findings consumer stopping")
			return err
		}

		raw, err := c.queue.PopFinding(ctx, popTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.log.Error("Failed to read findings queue", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if raw == nil {
			continue
		}

		if err := c.pipeline.Ingest(ctx, raw); err != nil {
			c.log.Warn("Dropping finding record", zap.Error(err))
		}
	}
}

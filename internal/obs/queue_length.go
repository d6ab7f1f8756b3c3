// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/stakeordie/emp-job-queue-sub016/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples the pending priority queue's length and
// updates PendingQueueLength on an interval.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}
	queueKey := cfg.Matcher.PendingQueueKey

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := rdb.ZCard(ctx, queueKey).Result()
				if err != nil {
					log.Debug("queue length poll error", String("queue", queueKey), Err(err))
					continue
				}
				PendingQueueLength.Set(float64(n))
			}
		}
	}()
}

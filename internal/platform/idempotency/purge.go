package idempotency

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultPurgeBatch = 200

// SchedulePurge registers a cron job on c that deletes expired keys in batches.
func SchedulePurge(c *cron.Cron, spec string, store Store, batch int, logger *zap.Logger) (cron.EntryID, error) {
	if batch <= 0 {
		batch = defaultPurgeBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		removed, err := store.Purge(ctx, time.Now().UTC(), batch)
		if err != nil {
			logger.Warn("idempotency: purge failed", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Info("idempotency: purged expired keys", zap.Int("removed", removed))
		}
	})
}

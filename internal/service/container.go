package service

import (
	"context"
	"time"

	"tabsy-split-service/internal/config"
	"tabsy-split-service/internal/service/order"
	"tabsy-split-service/internal/service/payment"
	"tabsy-split-service/internal/service/session"
	"tabsy-split-service/internal/service/split"
	"tabsy-split-service/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Container struct {
	Split   *split.Service
	Session *session.Service
	Order   *order.Service
	Payment *payment.Service

	sweepEvery time.Duration
}

func NewContainer(db *gorm.DB, rdb *redis.Client) *Container {
	splitCfg := config.SplitConfig{}.WithDefaults()
	if config.GlobalConfig != nil {
		splitCfg = config.GlobalConfig.Split
	}
	splitSvc := split.NewServiceWithConfig(db, rdb, splitCfg)
	return &Container{
		Split:      splitSvc,
		Session:    session.NewService(db, splitSvc),
		Order:      order.NewService(db),
		Payment:    payment.NewService(splitSvc),
		sweepEvery: splitCfg.LockTimeout / 2,
	}
}

// Start launches the orphaned-lock sweeper so an abandoned payment cannot
// wedge a table forever.
func (c *Container) Start(ctx context.Context) error {
	go c.runLockSweeper(ctx)
	return nil
}

func (c *Container) runLockSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleared, err := c.Split.ForceClearStaleLocks(ctx)
			if err != nil {
				logger.Log.Warn("lock sweep failed", zap.Error(err))
				continue
			}
			if cleared > 0 {
				logger.Log.Info("cleared stale split locks", zap.Int("count", cleared))
			}
		}
	}
}

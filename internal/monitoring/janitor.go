package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically prunes the error log down to the retention window.
type Janitor struct {
	service   *Service
	logger    *zap.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewJanitor(service *Service, logger *zap.Logger, interval, retention time.Duration) *Janitor {
	return &Janitor{
		service:   service,
		logger:    logger,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer ticker.Stop()
		j.logger.Info("Starting error log janitor",
			zap.Duration("interval", j.interval),
			zap.Duration("retention", j.retention))
		for {
			select {
			case <-j.done:
				j.logger.Info("Error log janitor stopped")
				return
			case <-ctx.Done():
				j.logger.Info("Error log janitor stopped due to context cancellation")
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	}()
}

func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.done) })
	j.wg.Wait()
}

func (j *Janitor) RunOnce(ctx context.Context) {
	removed, err := j.service.CleanupOldData(ctx, j.now().Add(-j.retention))
	if err != nil {
		j.logger.Error("Failed to cleanup error logs", zap.Error(err))
		return
	}
	if removed > 0 {
		j.logger.Debug("Pruned error logs", zap.Int64("removed", removed))
	}
}

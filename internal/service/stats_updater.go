package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Delivery stats older than this are dropped.
const statsRetentionDays = 90

// StatsUpdater periodically rolls deliveries up into delivery_stats.
type StatsUpdater struct {
	monitoringService *MonitoringService
	logger            *zap.Logger
	ticker            *time.Ticker
	done              chan bool
}

func NewStatsUpdater(monitoringService *MonitoringService, logger *zap.Logger, interval time.Duration) *StatsUpdater {
	return &StatsUpdater{
		monitoringService: monitoringService,
		logger:            logger.Named("stats"),
		ticker:            time.NewTicker(interval),
		done:              make(chan bool),
	}
}

func (s *StatsUpdater) Start(ctx context.Context) {
	go func() {
		s.logger.Info("Starting stats updater")
		for {
			select {
			case <-s.done:
				s.logger.Info("Stats updater stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Stats updater stopped due to context cancellation")
				return
			case <-s.ticker.C:
				s.updateStats(ctx)
			}
		}
	}()
}

func (s *StatsUpdater) Stop() {
	s.ticker.Stop()
	close(s.done)
}

func (s *StatsUpdater) updateStats(ctx context.Context) {
	s.logger.Debug("Updating statistics")

	if err := s.monitoringService.UpdateDeliveryStats(ctx, s.monitoringService.clock.Now()); err != nil {
		s.logger.Error("Failed to update delivery stats", zap.Error(err))
	}

	if err := s.monitoringService.CleanupOldData(ctx, statsRetentionDays); err != nil {
		s.logger.Error("Failed to cleanup old data", zap.Error(err))
	}
}

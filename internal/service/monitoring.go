package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castcue/castcue/internal/clock"
	"github.com/castcue/castcue/internal/models"
)

const (
	LevelError = "ERROR"
	LevelWarn  = "WARN"

	SourceDispatch = "dispatch"
	SourceWebhook  = "webhook"
	SourceSampler  = "sampler"
)

type MonitoringService struct {
	db     *gorm.DB
	clock  clock.Clock
	logger *zap.Logger
}

func NewMonitoringService(db *gorm.DB, clk clock.Clock, logger *zap.Logger) *MonitoringService {
	if clk == nil {
		clk = clock.New()
	}
	return &MonitoringService{
		db:     db,
		clock:  clk,
		logger: logger.Named("monitoring"),
	}
}

// RecordError stores an error log row for operators.
func (m *MonitoringService) RecordError(ctx context.Context, level, source, title, message string, options ...ErrorLogOption) error {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}

	for _, option := range options {
		option(errorLog)
	}

	return m.db.WithContext(ctx).Create(errorLog).Error
}

type ErrorLogOption func(*models.ErrorLog)

func WithChannel(ch models.Channel) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.Channel = string(ch)
	}
}

func WithUser(userID string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.UserID = userID
	}
}

func WithStream(streamID uint) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.StreamID = &streamID
	}
}

func WithDraft(draftID uint) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.DraftID = &draftID
	}
}

func WithContext(context map[string]interface{}) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = string(contextBytes)
		}
	}
}

// RecordDeliveryGap logs a publish that happened but whose delivery row could
// not be written, so the audit trail can be repaired by hand.
func (m *MonitoringService) RecordDeliveryGap(ctx context.Context, d *models.Delivery, cause error) {
	opts := []ErrorLogOption{
		WithChannel(d.Channel),
		WithUser(d.UserID),
		WithStream(d.StreamID),
		WithContext(map[string]interface{}{
			"idempotency_key":  d.IdempotencyKey,
			"status":           d.Status,
			"provider_post_id": d.ProviderPostID,
			"latency_ms":       d.LatencyMS,
		}),
	}
	if d.DraftID != nil {
		opts = append(opts, WithDraft(*d.DraftID))
	}

	// The request context may already be done; the gap still has to land
	if err := m.RecordError(context.WithoutCancel(ctx), LevelError, SourceDispatch,
		"Delivery record missing", cause.Error(), opts...); err != nil {
		m.logger.Error("Failed to record delivery gap",
			zap.String("idempotency_key", d.IdempotencyKey),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

// UpdateDeliveryStats rebuilds the rollup rows for the day containing at.
func (m *MonitoringService) UpdateDeliveryStats(ctx context.Context, at time.Time) error {
	db := m.db.WithContext(ctx)
	day := at.UTC().Truncate(24 * time.Hour)
	next := day.Add(24 * time.Hour)

	for _, ch := range []models.Channel{models.ChannelX, models.ChannelDiscord} {
		var sent, failed int64
		base := db.Model(&models.Delivery{}).Where("channel = ? AND created_at >= ? AND created_at < ?", ch, day, next)
		if err := base.Session(&gorm.Session{}).Where("status = ?", models.DeliveryStatusSent).Count(&sent).Error; err != nil {
			return fmt.Errorf("failed to count sent deliveries: %w", err)
		}
		if err := base.Session(&gorm.Session{}).Where("status = ?", models.DeliveryStatusFailed).Count(&failed).Error; err != nil {
			return fmt.Errorf("failed to count failed deliveries: %w", err)
		}

		var avgLatency float64
		if err := base.Session(&gorm.Session{}).Select("COALESCE(AVG(latency_ms), 0)").Scan(&avgLatency).Error; err != nil {
			return fmt.Errorf("failed to average latency: %w", err)
		}

		var lastSent, lastFailed models.Delivery
		lastSentErr := base.Session(&gorm.Session{}).Where("status = ?", models.DeliveryStatusSent).Order("created_at desc").Take(&lastSent).Error
		lastFailedErr := base.Session(&gorm.Session{}).Where("status = ?", models.DeliveryStatusFailed).Order("created_at desc").Take(&lastFailed).Error

		var errorCount int64
		if err := db.Model(&models.ErrorLog{}).
			Where("channel = ? AND created_at >= ? AND created_at < ?", ch, day, next).
			Count(&errorCount).Error; err != nil {
			return fmt.Errorf("failed to count error logs: %w", err)
		}

		stats := models.DeliveryStats{
			Date:         day,
			Channel:      ch,
			Sent:         int(sent),
			Failed:       int(failed),
			AvgLatencyMS: avgLatency,
			ErrorCount:   int(errorCount),
		}
		if lastSentErr == nil {
			stats.LastSentAt = &lastSent.CreatedAt
		}
		if lastFailedErr == nil {
			stats.LastFailedAt = &lastFailed.CreatedAt
		}

		var existing models.DeliveryStats
		err := db.Where("date = ? AND channel = ?", day, ch).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := db.Create(&stats).Error; err != nil {
				return fmt.Errorf("failed to create delivery stats: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to load delivery stats: %w", err)
		default:
			if err := db.Model(&existing).Updates(map[string]interface{}{
				"sent":           stats.Sent,
				"failed":         stats.Failed,
				"avg_latency_ms": stats.AvgLatencyMS,
				"last_sent_at":   stats.LastSentAt,
				"last_failed_at": stats.LastFailedAt,
				"error_count":    stats.ErrorCount,
			}).Error; err != nil {
				return fmt.Errorf("failed to update delivery stats: %w", err)
			}
		}
	}

	return nil
}

func (m *MonitoringService) GetRecentErrors(ctx context.Context, limit int) ([]models.ErrorLog, error) {
	var errs []models.ErrorLog
	err := m.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&errs).Error
	return errs, err
}

func (m *MonitoringService) GetDeliveryStats(ctx context.Context, days int) ([]models.DeliveryStats, error) {
	var stats []models.DeliveryStats
	startDate := m.clock.Now().AddDate(0, 0, -days).Truncate(24 * time.Hour)

	err := m.db.WithContext(ctx).
		Where("date >= ?", startDate).
		Order("date desc, channel").
		Find(&stats).Error
	return stats, err
}

// CleanupOldData drops rollups and resolved error logs older than daysToKeep.
func (m *MonitoringService) CleanupOldData(ctx context.Context, daysToKeep int) error {
	db := m.db.WithContext(ctx)
	cutoffDate := m.clock.Now().AddDate(0, 0, -daysToKeep)

	if err := db.Where("date < ?", cutoffDate).Delete(&models.DeliveryStats{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup delivery stats: %w", err)
	}

	if err := db.Where("created_at < ? AND resolved = ?", cutoffDate, true).Delete(&models.ErrorLog{}).Error; err != nil {
		return fmt.Errorf("failed to cleanup resolved errors: %w", err)
	}

	return nil
}

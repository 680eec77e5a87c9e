package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/castcue/castcue/internal/clock"
	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/metrics"
	"github.com/castcue/castcue/internal/models"
)

type WarningLevel string

const (
	WarningOK        WarningLevel = "ok"
	WarningWarning   WarningLevel = "warning"
	WarningCritical  WarningLevel = "critical"
	WarningExhausted WarningLevel = "exhausted"
)

var levelRank = map[WarningLevel]int{
	WarningOK:        0,
	WarningWarning:   1,
	WarningCritical:  2,
	WarningExhausted: 3,
}

// Status is a point-in-time view of both counters for one user.
type Status struct {
	UserUsed        int          `json:"user_used"`
	UserLimit       int          `json:"user_limit"`
	UserRemaining   int          `json:"user_remaining"`
	GlobalUsed      int          `json:"global_used"`
	GlobalLimit     int          `json:"global_limit"`
	GlobalRemaining int          `json:"global_remaining"`
	CanPost         bool         `json:"can_post"`
	WarningLevel    WarningLevel `json:"warning_level"`
	ResetOn         time.Time    `json:"reset_on"`
}

type ResetReport struct {
	UsersReset  int  `json:"users_reset"`
	GlobalReset bool `json:"global_reset"`
}

var errCapReached = errors.New("quota cap reached")

// Ledger owns the per-user and global monthly post counters.
type Ledger struct {
	db     *gorm.DB
	cfg    config.QuotaConfig
	clock  clock.Clock
	logger *zap.Logger
}

func NewLedger(db *gorm.DB, cfg config.QuotaConfig, clk clock.Clock, logger *zap.Logger) *Ledger {
	if clk == nil {
		clk = clock.New()
	}
	return &Ledger{
		db:     db,
		cfg:    cfg,
		clock:  clk,
		logger: logger.Named("quota"),
	}
}

func (l *Ledger) GetQuota(ctx context.Context, userID string) (*Status, error) {
	user, global, err := l.ensureRows(ctx, l.db.WithContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	return buildStatus(user, global), nil
}

// ConsumeQuota takes one post unit from both counters. It returns false, with
// nothing committed, when either counter is already at its cap.
func (l *Ledger) ConsumeQuota(ctx context.Context, userID string) (bool, error) {
	db := l.db.WithContext(ctx)
	if _, _, err := l.ensureRows(ctx, db, userID); err != nil {
		metrics.RecordQuotaConsume(false, err)
		return false, err
	}

	now := l.clock.Now()
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.UserQuota{}).
			Where("user_id = ? AND used < monthly_limit", userID).
			Updates(map[string]interface{}{
				"used":       gorm.Expr("used + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to increment user quota: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errCapReached
		}

		res = tx.Model(&models.GlobalQuota{}).
			Where("id = ? AND used < monthly_limit", models.GlobalQuotaID).
			Updates(map[string]interface{}{
				"used":       gorm.Expr("used + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to increment global quota: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errCapReached
		}
		return nil
	})

	if errors.Is(err, errCapReached) {
		metrics.RecordQuotaConsume(false, nil)
		l.logger.Info("Quota cap reached", zap.String("user_id", userID))
		return false, nil
	}
	if err != nil {
		metrics.RecordQuotaConsume(false, err)
		return false, err
	}

	metrics.RecordQuotaConsume(true, nil)
	return true, nil
}

// ShouldFallbackToDiscord reports whether the remaining headroom is too low to
// attempt X at all.
func (l *Ledger) ShouldFallbackToDiscord(s *Status) bool {
	if s == nil || !s.CanPost {
		return true
	}
	return s.UserRemaining <= l.cfg.FallbackUserHeadroom ||
		s.GlobalRemaining <= l.cfg.FallbackGlobalHeadroom
}

// ResetMonthlyQuotas zeroes every counter whose period has ended. Each row is
// guarded by the reset_on it was read with, so overlapping runs reset it once.
func (l *Ledger) ResetMonthlyQuotas(ctx context.Context) (*ResetReport, error) {
	db := l.db.WithContext(ctx)
	now := l.clock.Now()
	report := &ResetReport{}

	var due []models.UserQuota
	if err := db.Where("reset_on <= ?", now).Find(&due).Error; err != nil {
		return nil, fmt.Errorf("failed to load due user quotas: %w", err)
	}

	for _, q := range due {
		res := db.Model(&models.UserQuota{}).
			Where("id = ? AND reset_on = ?", q.ID, q.ResetOn).
			Updates(map[string]interface{}{
				"used":       0,
				"reset_on":   nextResetOn(q.ResetOn, now),
				"updated_at": now,
			})
		if res.Error != nil {
			return report, fmt.Errorf("failed to reset quota for user %s: %w", q.UserID, res.Error)
		}
		if res.RowsAffected > 0 {
			report.UsersReset++
		}
	}

	var global models.GlobalQuota
	err := db.Where("id = ? AND reset_on <= ?", models.GlobalQuotaID, now).Take(&global).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return report, fmt.Errorf("failed to load global quota: %w", err)
	default:
		res := db.Model(&models.GlobalQuota{}).
			Where("id = ? AND reset_on = ?", global.ID, global.ResetOn).
			Updates(map[string]interface{}{
				"used":       0,
				"reset_on":   nextResetOn(global.ResetOn, now),
				"updated_at": now,
			})
		if res.Error != nil {
			return report, fmt.Errorf("failed to reset global quota: %w", res.Error)
		}
		report.GlobalReset = res.RowsAffected > 0
	}

	metrics.QuotaResets.Add(float64(report.UsersReset))
	l.logger.Info("Monthly quota reset completed",
		zap.Int("users_reset", report.UsersReset),
		zap.Bool("global_reset", report.GlobalReset))

	return report, nil
}

func (l *Ledger) ensureRows(ctx context.Context, db *gorm.DB, userID string) (*models.UserQuota, *models.GlobalQuota, error) {
	if userID == "" {
		return nil, nil, errors.New("user id is required")
	}
	resetOn := l.clock.Now().AddDate(0, 1, 0)

	user := models.UserQuota{
		UserID:       userID,
		MonthlyLimit: l.cfg.UserMonthlyLimit,
		ResetOn:      resetOn,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&user).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to create user quota: %w", err)
	}
	if err := db.Where("user_id = ?", userID).Take(&user).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load user quota: %w", err)
	}

	global := models.GlobalQuota{
		ID:           models.GlobalQuotaID,
		MonthlyLimit: l.cfg.GlobalMonthlyLimit,
		ResetOn:      resetOn,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&global).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to create global quota: %w", err)
	}
	if err := db.Where("id = ?", models.GlobalQuotaID).Take(&global).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load global quota: %w", err)
	}

	return &user, &global, nil
}

func buildStatus(user *models.UserQuota, global *models.GlobalQuota) *Status {
	s := &Status{
		UserUsed:        user.Used,
		UserLimit:       user.MonthlyLimit,
		UserRemaining:   max(user.MonthlyLimit-user.Used, 0),
		GlobalUsed:      global.Used,
		GlobalLimit:     global.MonthlyLimit,
		GlobalRemaining: max(global.MonthlyLimit-global.Used, 0),
		ResetOn:         user.ResetOn,
	}
	s.CanPost = s.UserRemaining > 0 && s.GlobalRemaining > 0

	s.WarningLevel = levelFor(user.Used, user.MonthlyLimit)
	if g := levelFor(global.Used, global.MonthlyLimit); levelRank[g] > levelRank[s.WarningLevel] {
		s.WarningLevel = g
	}
	return s
}

func levelFor(used, limit int) WarningLevel {
	if limit <= 0 {
		return WarningExhausted
	}
	pct := float64(used) / float64(limit)
	switch {
	case pct >= 1:
		return WarningExhausted
	case pct >= 0.9:
		return WarningCritical
	case pct >= 0.7:
		return WarningWarning
	default:
		return WarningOK
	}
}

// nextResetOn advances by whole months until the date is after now.
func nextResetOn(resetOn, now time.Time) time.Time {
	next := resetOn
	for !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}

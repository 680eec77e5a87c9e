package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/pkg/util"
)

// Notifier tells a user that a new draft is waiting.
type Notifier interface {
	NotifyDraftCreated(ctx context.Context, draft *models.Draft) error
}

// InAppNotifier stores notifications for the dashboard to pick up.
type InAppNotifier struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewInAppNotifier(db *gorm.DB, logger *zap.Logger) *InAppNotifier {
	return &InAppNotifier{db: db, logger: logger.Named("notify")}
}

func (n *InAppNotifier) NotifyDraftCreated(ctx context.Context, draft *models.Draft) error {
	title := "You're live! Your announcement is ready"
	body := draft.Title
	if body == "" {
		body = "Review and post your stream announcement."
	}

	notification := &models.Notification{
		UserID:  draft.UserID,
		Kind:    models.NotificationKindDraftCreated,
		Title:   title,
		Body:    util.Truncate(body, 1000, "…"),
		DraftID: &draft.ID,
	}
	if err := n.db.WithContext(ctx).Create(notification).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	n.logger.Debug("Draft notification created",
		zap.String("user_id", draft.UserID),
		zap.Uint("draft_id", draft.ID))
	return nil
}

package template

import (
	"context"
	"math/rand/v2"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castcue/castcue/internal/models"
)

// SystemDefaultBody is used when a user has no templates of their own.
const SystemDefaultBody = "🔴 Live now: {title}\n{category}\n{twitch_url}"

// Selector picks the template used for one announcement.
type Selector struct {
	db     *gorm.DB
	logger *zap.Logger
	intn   func(n int) int
}

func NewSelector(db *gorm.DB, logger *zap.Logger) *Selector {
	return &Selector{
		db:     db,
		logger: logger.Named("template"),
		intn:   rand.IntN,
	}
}

// SystemDefault returns the built-in template. Its ID is zero.
func SystemDefault() *models.Template {
	return &models.Template{Name: "system-default", Body: SystemDefaultBody}
}

// SelectTemplateForABTest returns the user's default template when one is
// marked, otherwise a uniformly random pick from their templates. Each call
// draws independently. It never fails: lookup errors fall back to the system
// default.
func (s *Selector) SelectTemplateForABTest(ctx context.Context, userID string) *models.Template {
	var templates []models.Template
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id").
		Find(&templates).Error; err != nil {
		s.logger.Warn("Failed to load templates, using system default",
			zap.String("user_id", userID),
			zap.Error(err))
		return SystemDefault()
	}

	for i := range templates {
		if templates[i].IsDefault {
			return &templates[i]
		}
	}

	switch len(templates) {
	case 0:
		return SystemDefault()
	case 1:
		return &templates[0]
	default:
		return &templates[s.intn(len(templates))]
	}
}

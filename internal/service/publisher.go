package service

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castcue/castcue/internal/clock"
	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/service/publisher"
	"github.com/castcue/castcue/internal/service/publisher/discord"
	"github.com/castcue/castcue/internal/service/publisher/x"
)

// PublisherService owns the outbound channels.
type PublisherService struct {
	logger  *zap.Logger
	manager *publisher.Manager
	discord *discord.Publisher
}

func NewPublisherService(cfg *config.Config, db *gorm.DB, clk clock.Clock, logger *zap.Logger) (*PublisherService, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	s := &PublisherService{
		logger:  logger,
		manager: publisher.NewPublishManager(logger),
		discord: discord.NewPublisher(db, cfg.Discord, httpClient, clk, logger),
	}

	if cfg.X.ClientID != "" {
		if err := s.manager.RegisterPublisher(x.NewPublisher(db, cfg.X, httpClient, clk, logger)); err != nil {
			return nil, fmt.Errorf("failed to register X publisher: %w", err)
		}
	} else {
		s.logger.Warn("X client id not configured, announcements go to Discord only")
	}

	if err := s.manager.RegisterPublisher(s.discord); err != nil {
		return nil, fmt.Errorf("failed to register Discord publisher: %w", err)
	}

	return s, nil
}

func (s *PublisherService) Manager() *publisher.Manager {
	return s.manager
}

// Discord is exposed for webhook registration.
func (s *PublisherService) Discord() *discord.Publisher {
	return s.discord
}

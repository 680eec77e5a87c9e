package links

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/metrics"
	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/pkg/util"
)

var ErrNotFound = errors.New("link not found")

// Rewrite is the body after link substitution.
type Rewrite struct {
	Text     string
	LinkID   uint
	ShortURL string
}

type Shortener struct {
	db      *gorm.DB
	node    *snowflake.Node
	baseURL string
	logger  *zap.Logger
}

func NewShortener(db *gorm.DB, cfg config.LinksConfig, logger *zap.Logger) (*Shortener, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &Shortener{
		db:      db,
		node:    node,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger.Named("links"),
	}, nil
}

// CampaignForStream is the campaign id used to group links for one stream.
func CampaignForStream(streamID uint) string {
	return fmt.Sprintf("stream-%d", streamID)
}

// ReplaceWithShortLink stores a new Link and swaps every literal occurrence of
// targetURL in body for its short URL. Every call creates a new Link.
func (s *Shortener) ReplaceWithShortLink(ctx context.Context, userID, body, targetURL, campaignID string) (*Rewrite, error) {
	if targetURL == "" {
		return nil, errors.New("target url is required")
	}

	link := &models.Link{
		UserID:    userID,
		ShortCode: s.node.Generate().Base58(),
		TargetURL: targetURL,
	}
	if campaignID != "" {
		link.CampaignID = &campaignID
	}

	if err := s.db.WithContext(ctx).Create(link).Error; err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}
	metrics.LinksCreated.Inc()

	shortURL := s.ShortURL(link.ShortCode)
	return &Rewrite{
		Text:     strings.ReplaceAll(body, targetURL, shortURL),
		LinkID:   link.ID,
		ShortURL: shortURL,
	}, nil
}

func (s *Shortener) ShortURL(code string) string {
	return s.baseURL + "/" + code
}

func (s *Shortener) Resolve(ctx context.Context, code string) (*models.Link, error) {
	var link models.Link
	err := s.db.WithContext(ctx).Where("short_code = ?", code).Take(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve link: %w", err)
	}
	return &link, nil
}

func (s *Shortener) RecordClick(ctx context.Context, link *models.Link, referrer, userAgent string) error {
	click := &models.Click{
		LinkID:    link.ID,
		Referrer:  util.Truncate(referrer, 1024, ""),
		UserAgent: util.Truncate(userAgent, 512, ""),
	}
	if err := s.db.WithContext(ctx).Create(click).Error; err != nil {
		return fmt.Errorf("failed to record click: %w", err)
	}
	metrics.LinkClicks.Inc()
	return nil
}

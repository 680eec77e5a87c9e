package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/castcue/castcue/internal/clock"
	"github.com/castcue/castcue/internal/config"
	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/internal/service/publisher"
	"github.com/castcue/castcue/internal/service/template"
	"github.com/castcue/castcue/pkg/util"
)

var ErrInvalidWebhookURL = errors.New("invalid discord webhook url")

var (
	webhookHosts = map[string]bool{
		"discord.com":           true,
		"discordapp.com":        true,
		"ptb.discord.com":       true,
		"canary.discord.com":    true,
		"ptb.discordapp.com":    true,
		"canary.discordapp.com": true,
	}
	webhookPath = regexp.MustCompile(`^/api(/v\d+)?/webhooks/\d+/[A-Za-z0-9_-]+/?$`)
)

const (
	maxContentLen = 2000
	maxTitleLen   = 256
)

type webhookPayload struct {
	Content   string  `json:"content"`
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Embeds    []embed `json:"embeds,omitempty"`
}

type embed struct {
	Title     string          `json:"title,omitempty"`
	URL       string          `json:"url,omitempty"`
	Color     int             `json:"color,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Thumbnail *embedThumbnail `json:"thumbnail,omitempty"`
	Fields    []embedField    `json:"fields,omitempty"`
	Footer    *embedFooter    `json:"footer,omitempty"`
}

type embedThumbnail struct {
	URL string `json:"url"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type messageResponse struct {
	ID string `json:"id"`
}

// Publisher posts announcements through a user's registered webhook.
type Publisher struct {
	db         *gorm.DB
	cfg        config.DiscordConfig
	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.Logger
}

func NewPublisher(db *gorm.DB, cfg config.DiscordConfig, httpClient *http.Client, clk clock.Clock, logger *zap.Logger) *Publisher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Publisher{
		db:         db,
		cfg:        cfg,
		httpClient: httpClient,
		clock:      clk,
		logger:     logger.Named("discord"),
	}
}

func (p *Publisher) Channel() models.Channel {
	return models.ChannelDiscord
}

func (p *Publisher) Authenticate(ctx context.Context, userID string) error {
	_, err := p.loadWebhook(ctx, userID)
	return err
}

func (p *Publisher) Publish(ctx context.Context, msg publisher.Message) (*publisher.Result, error) {
	hook, err := p.loadWebhook(ctx, msg.UserID)
	if err != nil {
		return nil, err
	}

	payload := p.buildPayload(msg)
	id, err := p.send(ctx, hook.WebhookURL, payload)
	if err != nil {
		return nil, err
	}

	return &publisher.Result{
		PostID:      id,
		PublishedAt: p.clock.Now(),
	}, nil
}

// RegisterWebhook validates the URL, sends a trial message through it and
// stores it for the user only when the trial succeeds.
func (p *Publisher) RegisterWebhook(ctx context.Context, userID, webhookURL string) (*models.DiscordWebhook, error) {
	if err := ValidateWebhookURL(webhookURL); err != nil {
		return nil, err
	}

	trial := webhookPayload{
		Content:   p.cfg.TrialMessage,
		Username:  p.cfg.Username,
		AvatarURL: p.cfg.AvatarURL,
	}
	if _, err := p.send(ctx, webhookURL, trial); err != nil {
		return nil, fmt.Errorf("trial message failed: %w", err)
	}

	now := p.clock.Now()
	hook := &models.DiscordWebhook{
		UserID:     userID,
		WebhookURL: webhookURL,
		VerifiedAt: &now,
	}
	if err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"webhook_url", "verified_at", "updated_at"}),
	}).Create(hook).Error; err != nil {
		return nil, fmt.Errorf("failed to save discord webhook: %w", err)
	}

	p.logger.Info("Discord webhook registered", zap.String("user_id", userID))
	return hook, nil
}

// ValidateWebhookURL accepts only https Discord webhook URLs.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhookURL, err)
	}
	if u.Scheme != "https" || u.User != nil || u.Port() != "" {
		return fmt.Errorf("%w: must be an https url", ErrInvalidWebhookURL)
	}
	if !webhookHosts[u.Hostname()] {
		return fmt.Errorf("%w: host %q is not discord", ErrInvalidWebhookURL, u.Hostname())
	}
	if !webhookPath.MatchString(u.Path) {
		return fmt.Errorf("%w: not a webhook path", ErrInvalidWebhookURL)
	}
	return nil
}

func (p *Publisher) buildPayload(msg publisher.Message) webhookPayload {
	e := embed{
		Title:     util.Truncate(msg.Title, maxTitleLen, "…"),
		URL:       msg.URL,
		Color:     p.cfg.EmbedColor,
		Timestamp: p.clock.Now().Format(time.RFC3339),
		Footer:    &embedFooter{Text: p.cfg.FooterText},
	}
	if !msg.StartedAt.IsZero() {
		e.Timestamp = msg.StartedAt.UTC().Format(time.RFC3339)
	}
	if msg.ThumbnailURL != "" {
		e.Thumbnail = &embedThumbnail{URL: msg.ThumbnailURL}
	}
	if msg.Category != "" {
		e.Fields = []embedField{{Name: "Category", Value: msg.Category, Inline: true}}
	}

	return webhookPayload{
		Content:   template.FitForChannel(msg.Text, finalLink(msg.Text, msg.URL), maxContentLen),
		Username:  p.cfg.Username,
		AvatarURL: p.cfg.AvatarURL,
		Embeds:    []embed{e},
	}
}

// finalLink is the URL on the last line of a rendered message.
func finalLink(text, fallback string) string {
	if fallback != "" && strings.HasSuffix(text, fallback) {
		return fallback
	}
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		line := text[i+1:]
		if strings.HasPrefix(line, "http") && !strings.ContainsAny(line, " \t") {
			return line
		}
	}
	return fallback
}

func (p *Publisher) send(ctx context.Context, webhookURL string, payload webhookPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	// wait=true makes Discord return the created message
	target, err := url.Parse(webhookURL)
	if err != nil {
		return "", publisher.NewError(models.ChannelDiscord, publisher.KindRejected, "bad webhook url", err)
	}
	q := target.Query()
	q.Set("wait", "true")
	target.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return "", publisher.NewError(models.ChannelDiscord, publisher.KindRejected, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := p.httpClient.Do(req)
	if err != nil {
		return "", publisher.NewError(models.ChannelDiscord, publisher.KindNetwork, "request failed", err)
	}
	defer res.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		e := publisher.StatusError(models.ChannelDiscord, res.StatusCode, string(data))
		if res.StatusCode == http.StatusNotFound {
			// Deleted webhook
			e.Kind = publisher.KindAuth
		}
		return "", e
	}

	var msg messageResponse
	if len(data) > 0 {
		_ = json.Unmarshal(data, &msg)
	}
	return msg.ID, nil
}

func (p *Publisher) loadWebhook(ctx context.Context, userID string) (*models.DiscordWebhook, error) {
	var hook models.DiscordWebhook
	err := p.db.WithContext(ctx).Where("user_id = ?", userID).Take(&hook).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, publisher.NewError(models.ChannelDiscord, publisher.KindNotConnected, "no discord webhook registered", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load discord webhook: %w", err)
	}
	return &hook, nil
}

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castcue/castcue/internal/clock"
	"github.com/castcue/castcue/internal/metrics"
	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/internal/service/notify"
	"github.com/castcue/castcue/internal/service/sampler"
	"github.com/castcue/castcue/internal/service/twitch"
)

var (
	// ErrInvalidSignature is final; the sender must not retry.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
)

const enrichTimeout = 5 * time.Second

type OutcomeKind string

const (
	OutcomeChallenge    OutcomeKind = "challenge"
	OutcomeDuplicate    OutcomeKind = "duplicate"
	OutcomeDraftCreated OutcomeKind = "draft_created"
	OutcomeStreamEnded  OutcomeKind = "stream_ended"
	OutcomeRevoked      OutcomeKind = "revoked"
	OutcomeIgnored      OutcomeKind = "ignored"
)

type Outcome struct {
	Kind      OutcomeKind
	Challenge string
	UserID    string
	DraftID   uint
	StreamID  uint
	AutoPost  bool
}

// Enricher looks up live stream details. It may be nil.
type Enricher interface {
	LiveStatus(ctx context.Context, broadcasterID string) (*twitch.LiveStream, error)
}

type Ingestion struct {
	db       *gorm.DB
	secret   string
	enricher Enricher
	notifier notify.Notifier
	clock    clock.Clock
	logger   *zap.Logger
}

func NewIngestion(db *gorm.DB, secret string, enricher Enricher, notifier notify.Notifier, clk clock.Clock, logger *zap.Logger) *Ingestion {
	return &Ingestion{
		db:       db,
		secret:   secret,
		enricher: enricher,
		notifier: notifier,
		clock:    clk,
		logger:   logger.Named("webhook"),
	}
}

// Handle verifies and applies one EventSub delivery.
func (i *Ingestion) Handle(ctx context.Context, h http.Header, body []byte) (*Outcome, error) {
	msgType := h.Get(twitch.HeaderMessageType)

	if err := twitch.VerifySignature(i.secret, h, body, i.clock.Now()); err != nil {
		metrics.RecordWebhookEvent(msgType, "invalid_signature")
		i.logger.Warn("Rejected webhook", zap.String("type", msgType), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	env, err := twitch.ParseEnvelope(body)
	if err != nil {
		metrics.RecordWebhookEvent(msgType, "invalid_payload")
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	msgID := h.Get(twitch.HeaderMessageID)
	logger := i.logger.With(
		zap.String("message_id", msgID),
		zap.String("type", msgType),
		zap.String("subscription", env.Subscription.Type))

	var out *Outcome
	switch msgType {
	case twitch.MessageTypeVerification:
		if env.Challenge == "" {
			err = fmt.Errorf("%w: missing challenge", ErrInvalidPayload)
			break
		}
		logger.Info("Subscription verified")
		out = &Outcome{Kind: OutcomeChallenge, Challenge: env.Challenge}
	case twitch.MessageTypeRevocation:
		logger.Warn("Subscription revoked", zap.String("status", env.Subscription.Status))
		out = &Outcome{Kind: OutcomeRevoked}
	case twitch.MessageTypeNotification:
		out, err = i.handleNotification(ctx, msgID, env, logger)
	default:
		err = fmt.Errorf("%w: unknown message type %q", ErrInvalidPayload, msgType)
	}

	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrInvalidPayload) {
			outcome = "invalid_payload"
		}
		metrics.RecordWebhookEvent(msgType, outcome)
		return nil, err
	}
	metrics.RecordWebhookEvent(msgType, string(out.Kind))
	return out, nil
}

func (i *Ingestion) handleNotification(ctx context.Context, msgID string, env *twitch.Envelope, logger *zap.Logger) (*Outcome, error) {
	dup, err := i.seen(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if dup {
		logger.Info("Duplicate message acknowledged")
		return &Outcome{Kind: OutcomeDuplicate}, nil
	}

	switch env.Subscription.Type {
	case twitch.EventStreamOnline:
		var ev twitch.StreamOnlineEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil || ev.BroadcasterUserID == "" || ev.ID == "" {
			return nil, fmt.Errorf("%w: bad stream.online event", ErrInvalidPayload)
		}
		return i.streamOnline(ctx, msgID, &ev, logger)
	case twitch.EventStreamOffline:
		var ev twitch.StreamOfflineEvent
		if err := json.Unmarshal(env.Event, &ev); err != nil || ev.BroadcasterUserID == "" {
			return nil, fmt.Errorf("%w: bad stream.offline event", ErrInvalidPayload)
		}
		return i.streamOffline(ctx, &ev, logger)
	default:
		logger.Debug("Ignoring unsupported event")
		return &Outcome{Kind: OutcomeIgnored}, nil
	}
}

// seen reports whether msgID was already applied.
func (i *Ingestion) seen(ctx context.Context, msgID string) (bool, error) {
	db := i.db.WithContext(ctx)

	var n int64
	if err := db.Model(&models.Delivery{}).Where("idempotency_key = ?", msgID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check deliveries: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if err := db.Model(&models.Draft{}).Where("source_message_id = ?", msgID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check drafts: %w", err)
	}
	return n > 0, nil
}

func (i *Ingestion) streamRecorded(ctx context.Context, providerStreamID string) (bool, error) {
	var n int64
	if err := i.db.WithContext(ctx).Model(&models.Stream{}).
		Where("provider_stream_id = ?", providerStreamID).Count(&n).Error; err != nil {
		return false, fmt.Errorf("failed to check stream: %w", err)
	}
	return n > 0, nil
}

func (i *Ingestion) streamOnline(ctx context.Context, msgID string, ev *twitch.StreamOnlineEvent, logger *zap.Logger) (*Outcome, error) {
	logger = logger.With(zap.String("broadcaster_id", ev.BroadcasterUserID))

	var conn models.TwitchConnection
	err := i.db.WithContext(ctx).Where("broadcaster_id = ?", ev.BroadcasterUserID).Take(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Warn("No connection for broadcaster, ignoring")
		return &Outcome{Kind: OutcomeIgnored}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load twitch connection: %w", err)
	}
	if conn.Login == "" {
		conn.Login = ev.BroadcasterUserLogin
	}

	recorded, err := i.streamRecorded(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	if recorded {
		logger.Info("Stream already recorded under another message id", zap.String("stream", ev.ID))
		return &Outcome{Kind: OutcomeDuplicate}, nil
	}

	stream := models.Stream{
		UserID:            conn.UserID,
		Platform:          models.PlatformTwitch,
		ProviderStreamID:  ev.ID,
		ProviderChannelID: ev.BroadcasterUserID,
		Title:             ev.BroadcasterUserName + " is live",
		StartedAt:         ev.StartedAt,
	}
	if stream.StartedAt.IsZero() {
		stream.StartedAt = i.clock.Now()
	}
	i.enrich(ctx, &stream, logger)

	draft := models.Draft{
		UserID:          conn.UserID,
		Title:           stream.Title,
		TargetURL:       conn.ChannelURL(),
		ThumbnailURL:    stream.ThumbnailURL,
		Category:        stream.Category,
		Status:          models.DraftStatusPending,
		SourceMessageID: &msgID,
	}

	err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&stream).Error; err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		draft.StreamID = stream.ID
		if err := tx.Create(&draft).Error; err != nil {
			return fmt.Errorf("failed to create draft: %w", err)
		}
		return nil
	})
	if err != nil {
		// A concurrent delivery may have won the unique index, either a retry
		// of this message or another message for the same stream
		if dup, derr := i.seen(ctx, msgID); derr == nil && dup {
			return &Outcome{Kind: OutcomeDuplicate}, nil
		}
		if dup, derr := i.streamRecorded(ctx, ev.ID); derr == nil && dup {
			logger.Info("Stream recorded concurrently under another message id", zap.String("stream", ev.ID))
			return &Outcome{Kind: OutcomeDuplicate}, nil
		}
		return nil, err
	}

	if i.notifier != nil {
		if err := i.notifier.NotifyDraftCreated(ctx, &draft); err != nil {
			logger.Warn("Failed to notify user of new draft", zap.Uint("draft_id", draft.ID), zap.Error(err))
		}
	}

	var settings models.UserSettings
	autoPost := false
	err = i.db.WithContext(ctx).Where("user_id = ?", conn.UserID).Take(&settings).Error
	switch {
	case err == nil:
		autoPost = settings.AutoPost
	case !errors.Is(err, gorm.ErrRecordNotFound):
		logger.Warn("Failed to load user settings, auto-post disabled", zap.Error(err))
	}

	logger.Info("Draft created",
		zap.String("user_id", conn.UserID),
		zap.Uint("stream_id", stream.ID),
		zap.Uint("draft_id", draft.ID),
		zap.Bool("auto_post", autoPost))

	return &Outcome{
		Kind:     OutcomeDraftCreated,
		UserID:   conn.UserID,
		DraftID:  draft.ID,
		StreamID: stream.ID,
		AutoPost: autoPost,
	}, nil
}

// enrich fills title, category and thumbnail from Helix when it answers in time.
func (i *Ingestion) enrich(ctx context.Context, s *models.Stream, logger *zap.Logger) {
	if i.enricher == nil {
		return
	}

	ectx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	live, err := i.enricher.LiveStatus(ectx, s.ProviderChannelID)
	if err != nil {
		logger.Warn("Failed to enrich stream from Helix", zap.Error(err))
		return
	}
	if live == nil {
		return
	}
	if live.Title != "" {
		s.Title = live.Title
	}
	s.Category = live.GameName
	s.ThumbnailURL = live.ThumbnailURL
	s.PeakViewers = live.ViewerCount
}

func (i *Ingestion) streamOffline(ctx context.Context, ev *twitch.StreamOfflineEvent, logger *zap.Logger) (*Outcome, error) {
	var streams []models.Stream
	if err := i.db.WithContext(ctx).
		Where("provider_channel_id = ? AND ended_at_est IS NULL", ev.BroadcasterUserID).
		Find(&streams).Error; err != nil {
		return nil, fmt.Errorf("failed to load open streams: %w", err)
	}
	if len(streams) == 0 {
		logger.Debug("No open stream for broadcaster", zap.String("broadcaster_id", ev.BroadcasterUserID))
		return &Outcome{Kind: OutcomeIgnored}, nil
	}

	now := i.clock.Now()
	out := &Outcome{Kind: OutcomeStreamEnded}
	for _, s := range streams {
		ended, err := sampler.MarkEnded(i.db.WithContext(ctx), s.ID, now)
		if err != nil {
			return nil, err
		}
		if ended {
			out.UserID = s.UserID
			out.StreamID = s.ID
			logger.Info("Stream ended", zap.Uint("stream_id", s.ID))
		}
	}
	return out, nil
}

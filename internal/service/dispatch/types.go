package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/castcue/castcue/internal/models"
	"github.com/castcue/castcue/internal/service/links"
	"github.com/castcue/castcue/internal/service/publisher"
	"github.com/castcue/castcue/internal/service/quota"
)

var (
	ErrAlreadyProcessed = errors.New("already processed")
	ErrNoChannel        = errors.New("no channel connected")
	ErrDraftNotFound    = errors.New("draft not found")
	ErrStreamNotFound   = errors.New("stream not found")
	ErrInvalidRequest   = errors.New("invalid dispatch request")
)

type Trigger string

const (
	TriggerAuto   Trigger = "auto"
	TriggerManual Trigger = "manual"
	TriggerAPI    Trigger = "api"
)

type Status string

const (
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusFallback Status = "fallback"
)

type FallbackReason string

const (
	ReasonQuotaLow       FallbackReason = "quota_low"
	ReasonQuotaExhausted FallbackReason = "quota_exhausted"
	ReasonXNotConnected  FallbackReason = "x_not_connected"
	ReasonXFailed        FallbackReason = "x_failed"
)

type Request struct {
	UserID       string    `json:"user_id"`
	StreamID     uint      `json:"stream_id"`
	DraftID      *uint     `json:"draft_id,omitempty"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Category     string    `json:"category,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Trigger      Trigger   `json:"trigger"`
}

func (r *Request) validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	case r.StreamID == 0:
		return fmt.Errorf("%w: stream id is required", ErrInvalidRequest)
	case r.URL == "":
		return fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	return nil
}

// Result is what the caller sees. Channel is the channel that carried the
// announcement, or the last one tried when everything failed.
type Result struct {
	Status         Status            `json:"status"`
	Channel        models.Channel    `json:"channel"`
	PostID         string            `json:"post_id,omitempty"`
	Error          string            `json:"error,omitempty"`
	FallbackReason FallbackReason    `json:"fallback_reason,omitempty"`
	Deliveries     []models.Delivery `json:"deliveries,omitempty"`
}

type QuotaLedger interface {
	GetQuota(ctx context.Context, userID string) (*quota.Status, error)
	ConsumeQuota(ctx context.Context, userID string) (bool, error)
	ShouldFallbackToDiscord(s *quota.Status) bool
}

type TemplateSelector interface {
	SelectTemplateForABTest(ctx context.Context, userID string) *models.Template
}

type LinkShortener interface {
	ReplaceWithShortLink(ctx context.Context, userID, body, targetURL, campaignID string) (*links.Rewrite, error)
}

type Publishers interface {
	GetPublisher(ch models.Channel) (publisher.Publisher, error)
	Connected(ctx context.Context, ch models.Channel, userID string) (bool, error)
}

type SamplingStarter interface {
	StartSampling(ctx context.Context, streamID uint) error
}

// GapRecorder keeps track of publishes whose delivery row was lost.
type GapRecorder interface {
	RecordDeliveryGap(ctx context.Context, d *models.Delivery, cause error)
}

package publisher

import (
	"context"
	"time"

	"github.com/castcue/castcue/internal/models"
)

// Message is one announcement ready for a channel.
type Message struct {
	UserID       string    `json:"user_id"`
	Text         string    `json:"text"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Category     string    `json:"category"`
	ThumbnailURL string    `json:"thumbnail_url"`
	StartedAt    time.Time `json:"started_at"`
	// MediaURLs are fetched and attached by channels that support media.
	MediaURLs []string `json:"media_urls,omitempty"`
}

type Media struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Result describes a post the provider accepted.
type Result struct {
	PostID      string    `json:"post_id"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Publisher is implemented once per outbound channel.
type Publisher interface {
	Channel() models.Channel

	// Authenticate checks that the user has a usable connection for the channel.
	Authenticate(ctx context.Context, userID string) error

	Publish(ctx context.Context, msg Message) (*Result, error)
}

// MediaUploader is implemented by channels that host attachments themselves.
type MediaUploader interface {
	UploadMedia(ctx context.Context, userID string, media Media) (string, error)
}

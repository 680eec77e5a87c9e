package models

import "time"

// Stream is one broadcast session. Owner and start time never change after insert.
type Stream struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	UserID            string     `gorm:"not null;size:64;index" json:"user_id"`
	Platform          string     `gorm:"not null;size:32;default:'twitch'" json:"platform"`
	ProviderStreamID  string     `gorm:"not null;size:128;uniqueIndex" json:"provider_stream_id"`
	ProviderChannelID string     `gorm:"not null;size:128;index" json:"provider_channel_id"`
	Title             string     `gorm:"size:500" json:"title"`
	Category          string     `gorm:"size:255" json:"category"`
	ThumbnailURL      string     `gorm:"size:1024" json:"thumbnail_url"`
	StartedAt         time.Time  `gorm:"not null" json:"started_at"`
	EndedAtEst        *time.Time `gorm:"index" json:"ended_at_est"`
	PeakViewers       int        `gorm:"not null;default:0" json:"peak_viewers"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Live reports whether the sampler should keep observing the stream.
func (s *Stream) Live() bool {
	return s.EndedAtEst == nil
}

// Sample is one viewer-count observation. Rows are never updated.
type Sample struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	StreamID    uint      `gorm:"not null;index" json:"stream_id"`
	ViewerCount int       `gorm:"not null" json:"viewer_count"`
	SampledAt   time.Time `gorm:"not null;index" json:"sampled_at"`
}

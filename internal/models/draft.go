package models

import "time"

// Draft is a pending announcement for one stream.
type Draft struct {
	ID              uint        `gorm:"primaryKey" json:"id"`
	UserID          string      `gorm:"not null;size:64;index" json:"user_id"`
	StreamID        uint        `gorm:"not null;index" json:"stream_id"`
	Title           string      `gorm:"size:500" json:"title"`
	TargetURL       string      `gorm:"not null;size:1024" json:"target_url"`
	ThumbnailURL    string      `gorm:"size:1024" json:"thumbnail_url"`
	Category        string      `gorm:"size:255" json:"category"`
	Status          DraftStatus `gorm:"not null;size:16;default:'pending';index" json:"status"`
	SourceMessageID *string     `gorm:"size:128;uniqueIndex" json:"source_message_id,omitempty"`
	CreatedAt       time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time   `gorm:"autoUpdateTime" json:"updated_at"`

	Stream Stream `gorm:"foreignKey:StreamID" json:"-"`
}

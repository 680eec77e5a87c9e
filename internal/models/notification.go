package models

import "time"

const NotificationKindDraftCreated = "draft_created"

type Notification struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UserID    string     `gorm:"not null;size:64;index" json:"user_id"`
	Kind      string     `gorm:"not null;size:32" json:"kind"`
	Title     string     `gorm:"size:255" json:"title"`
	Body      string     `gorm:"type:text" json:"body"`
	DraftID   *uint      `gorm:"index" json:"draft_id,omitempty"`
	ReadAt    *time.Time `json:"read_at"`
	CreatedAt time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

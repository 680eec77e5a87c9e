package models

import "time"

// Link maps a short code to the URL it redirects to. Never mutated.
type Link struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     string    `gorm:"not null;size:64;index" json:"user_id"`
	CampaignID *string   `gorm:"size:128;index" json:"campaign_id,omitempty"`
	ShortCode  string    `gorm:"not null;size:32;uniqueIndex" json:"short_code"`
	TargetURL  string    `gorm:"type:text;not null" json:"target_url"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type Click struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	LinkID    uint      `gorm:"not null;index" json:"link_id"`
	Referrer  string    `gorm:"size:1024" json:"referrer"`
	UserAgent string    `gorm:"size:512" json:"user_agent"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

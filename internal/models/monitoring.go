package models

import (
	"time"
)

// DeliveryStats is the per-day, per-channel rollup of delivery outcomes.
type DeliveryStats struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Date         time.Time  `gorm:"not null;uniqueIndex:idx_delivery_stats_date_channel" json:"date"`
	Channel      Channel    `gorm:"size:16;not null;uniqueIndex:idx_delivery_stats_date_channel" json:"channel"`
	Sent         int        `gorm:"default:0" json:"sent"`
	Failed       int        `gorm:"default:0" json:"failed"`
	AvgLatencyMS float64    `gorm:"default:0" json:"avg_latency_ms"`
	LastSentAt   *time.Time `json:"last_sent_at"`
	LastFailedAt *time.Time `json:"last_failed_at"`
	ErrorCount   int        `gorm:"default:0" json:"error_count"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ErrorLog keeps failures that need an operator, such as a sent post whose
// delivery row could not be written.
type ErrorLog struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Level      string     `gorm:"size:20;not null;index" json:"level"`
	Source     string     `gorm:"size:100;not null;index" json:"source"`
	Channel    string     `gorm:"size:16;index" json:"channel"`
	UserID     string     `gorm:"size:64;index" json:"user_id"`
	StreamID   *uint      `gorm:"index" json:"stream_id"`
	DraftID    *uint      `gorm:"index" json:"draft_id"`
	Title      string     `gorm:"size:500;not null" json:"title"`
	Message    string     `gorm:"type:text;not null" json:"message"`
	Context    string     `gorm:"type:text" json:"context"`
	Resolved   bool       `gorm:"default:false;index" json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// All lists every table the service migrates.
func All() []interface{} {
	return []interface{}{
		&Stream{},
		&Sample{},
		&Draft{},
		&Template{},
		&Delivery{},
		&UserQuota{},
		&GlobalQuota{},
		&Link{},
		&Click{},
		&TwitchConnection{},
		&XConnection{},
		&DiscordWebhook{},
		&UserSettings{},
		&Notification{},
		&DeliveryStats{},
		&ErrorLog{},
	}
}

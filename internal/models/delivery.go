package models

import "time"

// Delivery is the audit record of one publish attempt. Append-only.
type Delivery struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	UserID         string         `gorm:"not null;size:64;index" json:"user_id"`
	StreamID       uint           `gorm:"not null;index" json:"stream_id"`
	DraftID        *uint          `gorm:"index" json:"draft_id,omitempty"`
	Channel        Channel        `gorm:"not null;size:16;index" json:"channel"`
	Status         DeliveryStatus `gorm:"not null;size:16;index" json:"status"`
	IdempotencyKey string         `gorm:"not null;size:255;index" json:"idempotency_key"`
	ProviderPostID *string        `gorm:"size:128" json:"provider_post_id,omitempty"`
	Error          *string        `gorm:"type:text" json:"error,omitempty"`
	LatencyMS      int64          `gorm:"not null;default:0" json:"latency_ms"`
	TemplateID     *uint          `json:"template_id,omitempty"`
	LinkID         *uint          `json:"link_id,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

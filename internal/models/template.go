package models

import "time"

// Template is a reusable announcement body. Supported placeholders are
// {title}, {twitch_url} and {category}.
type Template struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"not null;size:64;index" json:"user_id"`
	Name      string    `gorm:"size:100" json:"name"`
	Body      string    `gorm:"type:text;not null" json:"body"`
	IsDefault bool      `gorm:"not null;default:false" json:"is_default"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

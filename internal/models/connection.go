package models

import "time"

// TwitchConnection maps an EventSub broadcaster to the owning user.
type TwitchConnection struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        string    `gorm:"not null;size:64;index" json:"user_id"`
	BroadcasterID string    `gorm:"not null;size:64;uniqueIndex" json:"broadcaster_id"`
	Login         string    `gorm:"size:64" json:"login"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ChannelURL is the canonical stream URL used in announcements.
func (c *TwitchConnection) ChannelURL() string {
	return "https://twitch.tv/" + c.Login
}

// XConnection holds the OAuth2 user tokens for posting to X.
type XConnection struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"not null;size:64;uniqueIndex" json:"user_id"`
	XUserID      string    `gorm:"size:64" json:"x_user_id"`
	AccessToken  string    `gorm:"type:text;not null" json:"-"`
	RefreshToken string    `gorm:"type:text" json:"-"`
	TokenType    string    `gorm:"size:32" json:"-"`
	Expiry       time.Time `json:"expiry"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type DiscordWebhook struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	UserID     string     `gorm:"not null;size:64;uniqueIndex" json:"user_id"`
	WebhookURL string     `gorm:"type:text;not null" json:"-"`
	VerifiedAt *time.Time `json:"verified_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type UserSettings struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"not null;size:64;uniqueIndex" json:"user_id"`
	AutoPost  bool      `gorm:"not null;default:false" json:"auto_post"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

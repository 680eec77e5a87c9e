package models

import "time"

type UserQuota struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       string    `gorm:"not null;size:64;uniqueIndex" json:"user_id"`
	Used         int       `gorm:"not null;default:0" json:"used"`
	MonthlyLimit int       `gorm:"not null" json:"monthly_limit"`
	ResetOn      time.Time `gorm:"not null;index" json:"reset_on"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GlobalQuotaID is the primary key of the single system-wide counter row.
const GlobalQuotaID = 1

type GlobalQuota struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Used         int       `gorm:"not null;default:0" json:"used"`
	MonthlyLimit int       `gorm:"not null" json:"monthly_limit"`
	ResetOn      time.Time `gorm:"not null" json:"reset_on"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

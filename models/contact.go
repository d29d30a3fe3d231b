package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact is one distinct sender address on the chat channel
type Contact struct {
	gorm.Model
	Address      string     `gorm:"not null;uniqueIndex" json:"address"` // phone number or channel handle
	DisplayName  string     `json:"display_name"`
	LanguageCode string     `gorm:"default:'en'" json:"language_code"`
	LastSeenAt   *time.Time `json:"last_seen_at"`

	// Relations
	Sessions []CampaignSession `gorm:"foreignKey:ContactID" json:"sessions,omitempty"`
}

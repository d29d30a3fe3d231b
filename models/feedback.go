package models

import "gorm.io/gorm"

// Feedback is a rating (and optional comment) captured through the /feedback sub-flow
type Feedback struct {
	gorm.Model
	ContactID  uint   `gorm:"not null;index" json:"contact_id"`
	SessionID  *uint  `gorm:"index" json:"session_id"`
	CampaignID *uint  `gorm:"index" json:"campaign_id"`
	Rating     string `gorm:"not null" json:"rating"`
	Comment    string `json:"comment"`
}

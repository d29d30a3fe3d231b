package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Campaign statuses
const (
	CampaignStatusActive   = "active"
	CampaignStatusUpcoming = "upcoming"
	CampaignStatusPaused   = "paused"
	CampaignStatusEnded    = "ended"
)

// ActionType is what a step does when the conversation reaches it.
type ActionType string

const (
	ActionMessage ActionType = "message"
	ActionChoice  ActionType = "choice"
	ActionInput   ActionType = "input"
	ActionAPI     ActionType = "api"
)

// ExpectsInput reports whether a step of this type waits for the contact.
func (a ActionType) ExpectsInput() bool {
	return a == ActionChoice || a == ActionInput
}

// ExpectedInput is the shape of answer an input step accepts.
type ExpectedInput string

const (
	ExpectNone     ExpectedInput = "none"
	ExpectText     ExpectedInput = "text"
	ExpectNumber   ExpectedInput = "number"
	ExpectEmail    ExpectedInput = "email"
	ExpectLocation ExpectedInput = "location"
	ExpectChoice   ExpectedInput = "choice"
)

// ChoiceMode controls how a choice step routes.
type ChoiceMode string

const (
	ChoiceBranch     ChoiceMode = "branch"
	ChoiceSequential ChoiceMode = "sequential"
)

// Campaign is a scripted conversation a contact can start by keyword or from the menu
type Campaign struct {
	gorm.Model

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Scheduling
	Status  string     `gorm:"default:'active';index" json:"status"` // active, upcoming, paused, ended
	StartAt *time.Time `json:"start_at"`
	EndAt   *time.Time `json:"end_at"`

	// Relations
	Keywords []CampaignKeyword `gorm:"foreignKey:CampaignID" json:"keywords,omitempty"`
	Steps    []CampaignStep    `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
}

// IsEligible reports whether the campaign can be started at the given time.
func (c *Campaign) IsEligible(now time.Time) bool {
	if c.Status != CampaignStatusActive && c.Status != CampaignStatusUpcoming {
		return false
	}
	if c.DeletedAt.Valid {
		return false
	}
	if c.StartAt != nil && now.Before(*c.StartAt) {
		return false
	}
	if c.EndAt != nil && now.After(*c.EndAt) {
		return false
	}
	return true
}

// CampaignKeyword is a registered trigger word for a campaign. Keywords are stored lowercase.
type CampaignKeyword struct {
	gorm.Model
	CampaignID uint   `gorm:"not null;index" json:"campaign_id"`
	Keyword    string `gorm:"not null;uniqueIndex" json:"keyword"`
}

// BeforeSave normalizes the keyword.
func (k *CampaignKeyword) BeforeSave(tx *gorm.DB) error {
	k.Keyword = strings.ToLower(strings.TrimSpace(k.Keyword))
	return nil
}

// CampaignStep is one node of a campaign script. Read-only to the engine.
type CampaignStep struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	StepNumber int  `gorm:"not null" json:"step_number"`

	ActionType    ActionType    `gorm:"not null" json:"action_type"`
	PromptText    string        `json:"prompt_text"`
	ErrorMessage  string        `json:"error_message"`
	ExpectedInput ExpectedInput `gorm:"default:'none'" json:"expected_input"`
	ChoiceMode    ChoiceMode    `gorm:"default:'branch'" json:"choice_mode"`

	// Routing
	APIID         *uint `json:"api_id"`
	NextStepID    *uint `json:"next_step_id"`
	FailureStepID *uint `json:"failure_step_id"`
	IsEndStep     bool  `gorm:"default:false" json:"is_end_step"`

	IsLanguageSelector bool   `gorm:"default:false" json:"is_language_selector"`
	TemplateSourceID   *uint  `json:"template_source_id"`
	MediaURL           string `json:"media_url"`

	// Relations
	Choices []CampaignStepChoice `gorm:"foreignKey:StepID" json:"choices,omitempty"`
}

// CampaignStepChoice is one selectable option under a choice step.
type CampaignStepChoice struct {
	gorm.Model
	StepID     uint   `gorm:"not null;index" json:"step_id"`
	ChoiceCode string `json:"choice_code"`
	Label      string `json:"label"`
	NextStepID *uint  `json:"next_step_id"`
}

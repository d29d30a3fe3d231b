package models

import "gorm.io/gorm"

// StepTemplate is localized content for a step, addressed by the step's TemplateSourceID
type StepTemplate struct {
	gorm.Model
	SourceID     uint   `gorm:"not null;uniqueIndex:idx_template_source_lang" json:"source_id"`
	LanguageCode string `gorm:"not null;uniqueIndex:idx_template_source_lang" json:"language_code"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	MediaURL     string `json:"media_url"`
	ButtonText   string `json:"button_text"` // label of the list button when choices render as a list
}

// ResolvedContent is what the content resolver returns for a step.
type ResolvedContent struct {
	ContentID    *uint             `json:"content_id,omitempty"`
	Body         string            `json:"body"`
	MediaURL     string            `json:"media_url,omitempty"`
	ButtonText   string            `json:"button_text,omitempty"`
	Placeholders map[string]string `json:"placeholders,omitempty"`
	Lang         string            `json:"lang"`
	Fallback     bool              `json:"fallback"`
}

package models

import "time"

// Delivery statuses
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// MessageDelivery tracks delivery of one outbound message through the channel
type MessageDelivery struct {
	ID                uint      `gorm:"primarykey" json:"id"`
	MessageID         string    `gorm:"not null;uniqueIndex" json:"message_id"`
	ContactAddress    string    `gorm:"not null;index" json:"contact_address"`
	SessionID         *uint     `gorm:"index" json:"session_id"`
	StepID            *uint     `json:"step_id"`
	ContentType       string    `json:"content_type"`
	Content           string    `json:"content"`
	Status            string    `gorm:"default:'pending';index" json:"status"` // pending, sent, failed
	ProviderMessageID string    `json:"provider_message_id"`
	LastError         string    `json:"last_error,omitempty"`
	RetryCount        int       `gorm:"default:0" json:"retry_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

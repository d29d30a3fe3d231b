package models

// Outbound content types
const (
	ContentText    = "text"
	ContentButtons = "buttons"
	ContentList    = "list"
	ContentMedia   = "media"
)

// OutboundMessage is one message the engine wants delivered. It is transport
// agnostic: Content is always a readable fallback for Payload.
type OutboundMessage struct {
	ID          string             `json:"id"`
	To          string             `json:"to"`
	Content     string             `json:"content"`
	ContentType string             `json:"content_type"`
	Payload     *StructuredPayload `json:"payload,omitempty"`
	StepContext StepContext        `json:"step_context"`
}

// StructuredPayload carries buttons, list rows or media for channels that support them.
type StructuredPayload struct {
	Header     string        `json:"header,omitempty"`
	Buttons    []ReplyButton `json:"buttons,omitempty"`
	ButtonText string        `json:"button_text,omitempty"`
	Sections   []ListSection `json:"sections,omitempty"`
	MediaURL   string        `json:"media_url,omitempty"`
}

// ReplyButton is a quick-reply button. ID comes back as the reply id.
type ReplyButton struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListSection groups list rows.
type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

// ListRow is one selectable list entry. ID comes back as the reply id.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// StepContext correlates an outbound message with the conversation state that produced it.
type StepContext struct {
	ContactID  uint   `json:"contact_id,omitempty"`
	CampaignID *uint  `json:"campaign_id,omitempty"`
	SessionID  *uint  `json:"session_id,omitempty"`
	StepID     *uint  `json:"step_id,omitempty"`
	ContentID  *uint  `json:"content_id,omitempty"`
	Lang       string `json:"lang,omitempty"`
}

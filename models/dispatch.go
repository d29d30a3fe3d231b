package models

import "fmt"

// Dispatch error codes
const (
	DispatchCodeDisabled    = "API_DISABLED"
	DispatchCodeTemplate    = "TEMPLATE_ERROR"
	DispatchCodeTimeout     = "TIMEOUT"
	DispatchCodeNotFound    = "API_NOT_FOUND"
	DispatchCodeTransport   = "TRANSPORT_ERROR"
	DispatchCodeBadResponse = "BAD_RESPONSE"
)

// DispatchMeta identifies who triggered an endpoint call.
type DispatchMeta struct {
	ContactID  uint
	SessionID  uint
	CampaignID *uint
	StepID     uint
}

// DispatchResult is the outcome of an endpoint call that reached the provider.
type DispatchResult struct {
	OK            bool   `json:"ok"`
	Status        int    `json:"status"`
	APIName       string `json:"api"`
	FormattedText string `json:"formatted_text,omitempty"`
	TemplateError bool   `json:"template_error,omitempty"`
	Disabled      bool   `json:"disabled,omitempty"`
}

// DispatchError is returned when an endpoint call could not complete.
type DispatchError struct {
	Status  int
	Code    string
	Message string
}

func (e *DispatchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("dispatch %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("dispatch %s: %s", e.Code, e.Message)
}

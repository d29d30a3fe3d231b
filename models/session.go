package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// SessionStatus is the lifecycle state of a campaign session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionExpired   SessionStatus = "EXPIRED"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// CampaignSession is one contact's attempt at a campaign. CampaignID is nil for
// system-only sessions such as feedback given outside any campaign.
type CampaignSession struct {
	gorm.Model
	ContactID  uint  `gorm:"not null;index:idx_session_contact_campaign" json:"contact_id"`
	CampaignID *uint `gorm:"index:idx_session_contact_campaign" json:"campaign_id"`

	Status        SessionStatus `gorm:"not null;index" json:"status"`
	CurrentStepID *uint         `json:"current_step_id"`
	LastActiveAt  time.Time     `gorm:"not null" json:"last_active_at"`

	// Short-lived sub-flow state
	ScratchKind ScratchKind `gorm:"index" json:"scratch_kind"`
	Scratch     Scratch     `json:"scratch"`
}

// IsStale reports whether the session has been idle longer than window.
func (s *CampaignSession) IsStale(now time.Time, window time.Duration) bool {
	return window > 0 && now.Sub(s.LastActiveAt) > window
}

// SessionPatch is a partial update of a session. Nil fields are left untouched;
// last_active_at is always refreshed.
type SessionPatch struct {
	Status        *SessionStatus
	CurrentStepID *uint
	Scratch       *Scratch
}

// ScratchKind tags what a session's scratch holds.
type ScratchKind string

const (
	ScratchNone                    ScratchKind = ""
	ScratchFeedbackAwaitingRating  ScratchKind = "feedback_awaiting_rating"
	ScratchFeedbackAwaitingComment ScratchKind = "feedback_awaiting_comment"
	ScratchKeywordStart            ScratchKind = "keyword_start"
)

// Scratch is a tagged union: exactly the fields belonging to Kind are meaningful.
// Use the constructors and accessors rather than filling fields by hand.
type Scratch struct {
	Kind ScratchKind `json:"kind,omitempty"`

	// feedback_awaiting_comment
	Rating string `json:"rating,omitempty"`

	// keyword_start
	Keyword string `json:"keyword,omitempty"`
	Args    string `json:"args,omitempty"`

	// feedback states keep whatever the session held before feedback started
	Previous *Scratch `json:"previous,omitempty"`
}

// KeywordStart records the keyword (and trailing argument) that created a session.
func KeywordStart(keyword, args string) Scratch {
	return Scratch{Kind: ScratchKeywordStart, Keyword: keyword, Args: args}
}

// FeedbackAwaitingRating enters feedback capture, remembering prev.
func FeedbackAwaitingRating(prev Scratch) Scratch {
	return Scratch{Kind: ScratchFeedbackAwaitingRating, Previous: prev.outerState()}
}

// FeedbackAwaitingComment records the rating and waits for a comment, remembering prev.
func FeedbackAwaitingComment(rating string, prev Scratch) Scratch {
	return Scratch{Kind: ScratchFeedbackAwaitingComment, Rating: rating, Previous: prev.outerState()}
}

// outerState returns the non-feedback state to restore once feedback closes.
func (s Scratch) outerState() *Scratch {
	if s.InFeedback() {
		return s.Previous
	}
	if s.Kind == ScratchNone {
		return nil
	}
	cp := s
	return &cp
}

// InFeedback reports whether the session is capturing feedback.
func (s Scratch) InFeedback() bool {
	return s.Kind == ScratchFeedbackAwaitingRating || s.Kind == ScratchFeedbackAwaitingComment
}

// AwaitingComment returns the stored rating when a comment is expected.
func (s Scratch) AwaitingComment() (string, bool) {
	if s.Kind != ScratchFeedbackAwaitingComment {
		return "", false
	}
	return s.Rating, true
}

// KeywordArgs returns the keyword-start metadata when present, looking through
// an in-progress feedback state.
func (s Scratch) KeywordArgs() (keyword, args string, ok bool) {
	cur := s
	if s.InFeedback() {
		if s.Previous == nil {
			return "", "", false
		}
		cur = *s.Previous
	}
	if cur.Kind != ScratchKeywordStart {
		return "", "", false
	}
	return cur.Keyword, cur.Args, true
}

// Restore drops feedback flags and returns the pre-feedback state.
func (s Scratch) Restore() Scratch {
	if !s.InFeedback() {
		return s
	}
	if s.Previous == nil {
		return Scratch{}
	}
	return *s.Previous
}

// Value implements driver.Valuer.
func (s Scratch) Value() (driver.Value, error) {
	if s.Kind == ScratchNone {
		return "{}", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *Scratch) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*s = Scratch{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scratch: unsupported type %T", value)
	}
	if len(raw) == 0 {
		*s = Scratch{}
		return nil
	}
	var out Scratch
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scratch: %w", err)
	}
	*s = out
	return nil
}

// GormDBDataType picks a JSON column type per dialect.
func (Scratch) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "postgres":
		return "JSONB"
	case "mysql":
		return "JSON"
	}
	return "TEXT"
}

// CampaignResponse is the append-only audit log of every answer a contact gave.
type CampaignResponse struct {
	ID         uint      `gorm:"primarykey" json:"id"`
	SessionID  uint      `gorm:"not null;index" json:"session_id"`
	CampaignID *uint     `gorm:"index" json:"campaign_id"`
	StepID     uint      `gorm:"not null;index" json:"step_id"`
	ChoiceID   *uint     `json:"choice_id"`
	RawInput   string    `json:"raw_input"`
	IsValid    bool      `gorm:"not null" json:"is_valid"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// Package engine runs campaign conversations: it takes one inbound chat message
// at a time and decides which session to create or advance, which step logic to
// run and which messages to send back.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"wacampaign/models"
)

// InputKind is the shape of an inbound message.
type InputKind string

const (
	KindText     InputKind = "text"
	KindButton   InputKind = "button"
	KindList     InputKind = "list"
	KindLocation InputKind = "location"
)

// InboundEvent is one message received from the chat channel.
type InboundEvent struct {
	From        string                 `json:"from" validate:"required"`
	Text        string                 `json:"text"`
	Kind        InputKind              `json:"kind" validate:"omitempty,oneof=text button list location"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	MessageID   string                 `json:"message_id,omitempty"`
	ProfileName string                 `json:"profile_name,omitempty"`
}

// Result is what Handle produced for one inbound event, in send order.
type Result struct {
	Outbound  []models.OutboundMessage `json:"outbound"`
	Duplicate bool                     `json:"duplicate,omitempty"`
}

// SessionStore persists campaign sessions and the response audit log.
// Lookups return nil, nil when nothing matches.
type SessionStore interface {
	// FindActiveSession returns the contact's most recently active ACTIVE session, any campaign.
	FindActiveSession(ctx context.Context, contactID uint) (*models.CampaignSession, error)
	// FindSession returns the latest session for (contact, campaign) in the given status.
	FindSession(ctx context.Context, contactID, campaignID uint, status models.SessionStatus) (*models.CampaignSession, error)
	// FindExpiredSession returns the contact's latest EXPIRED session tied to a campaign.
	FindExpiredSession(ctx context.Context, contactID uint) (*models.CampaignSession, error)
	CreateSession(ctx context.Context, contactID uint, campaignID *uint, scratch models.Scratch) (*models.CampaignSession, error)
	UpdateSession(ctx context.Context, id uint, patch models.SessionPatch) (*models.CampaignSession, error)
	AppendResponse(ctx context.Context, resp *models.CampaignResponse) error
	LastValidResponse(ctx context.Context, sessionID uint) (*models.CampaignResponse, error)
	LastResponse(ctx context.Context, sessionID uint) (*models.CampaignResponse, error)
}

// ContactStore resolves contacts by channel address.
type ContactStore interface {
	FindOrCreateContact(ctx context.Context, address, displayName string) (*models.Contact, error)
	UpdateLanguage(ctx context.Context, contactID uint, lang string) error
}

// CampaignReader is read-only access to campaign scripts.
// Lookups return nil, nil when nothing matches.
type CampaignReader interface {
	GetCampaign(ctx context.Context, id uint) (*models.Campaign, error)
	FindCampaignByKeyword(ctx context.Context, keyword string) (*models.Campaign, error)
	// ListCampaigns returns campaigns that may be startable; callers apply IsEligible.
	ListCampaigns(ctx context.Context) ([]models.Campaign, error)
	GetStep(ctx context.Context, id uint) (*models.CampaignStep, error)
	FirstStep(ctx context.Context, campaignID uint) (*models.CampaignStep, error)
	ListChoices(ctx context.Context, stepID uint) ([]models.CampaignStepChoice, error)
}

// CommandReader lists the configured system commands.
type CommandReader interface {
	ListCommands(ctx context.Context) ([]models.SystemCommand, error)
}

// FeedbackStore records feedback left by contacts.
type FeedbackStore interface {
	CreateFeedback(ctx context.Context, fb *models.Feedback) error
}

// ContentResolver returns localized prompt content for a step.
type ContentResolver interface {
	ResolveStepContent(ctx context.Context, session *models.CampaignSession, contact *models.Contact, step *models.CampaignStep) (*models.ResolvedContent, error)
}

// EndpointDispatcher calls an external API. Failures that never produced a
// usable response are returned as *models.DispatchError.
type EndpointDispatcher interface {
	Dispatch(ctx context.Context, apiID uint, vars map[string]string, meta models.DispatchMeta) (*models.DispatchResult, error)
}

// SessionLocker serializes work on one key. Acquire blocks until the lock is
// held or ctx ends.
type SessionLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Deduplicator remembers inbound message ids. FirstSeen is true the first time
// an id is offered; Forget lets a failed delivery be retried.
type Deduplicator interface {
	FirstSeen(ctx context.Context, messageID string) (bool, error)
	Forget(ctx context.Context, messageID string) error
}

// Deps are the engine's collaborators. Content, Dispatcher, Locker, Dedupe and Logger are optional.
type Deps struct {
	Sessions   SessionStore
	Contacts   ContactStore
	Campaigns  CampaignReader
	Commands   CommandReader
	Feedback   FeedbackStore
	Content    ContentResolver
	Dispatcher EndpointDispatcher
	Locker     SessionLocker
	Dedupe     Deduplicator
	Logger     *logrus.Entry
}

// Settings tune engine behaviour.
type Settings struct {
	SessionTimeout     time.Duration
	MaxChainHops       int
	LockTTL            time.Duration
	DefaultLanguage    string
	SupportedLanguages []string
	FeedbackRatings    []string
	Now                func() time.Time
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		SessionTimeout:     30 * time.Minute,
		MaxChainHops:       20,
		LockTTL:            30 * time.Second,
		DefaultLanguage:    "en",
		SupportedLanguages: []string{"en", "ms", "zh"},
		FeedbackRatings:    []string{"good", "neutral", "bad"},
		Now:                time.Now,
	}
}

// Engine is the conversation engine. It is safe for concurrent use; per-contact
// ordering is enforced by the configured SessionLocker.
type Engine struct {
	deps      Deps
	settings  Settings
	log       *logrus.Entry
	supported map[string]bool
	ratings   map[string]bool
}

// New builds an engine. Zero-valued settings fall back to DefaultSettings.
func New(deps Deps, settings Settings) *Engine {
	def := DefaultSettings()
	if settings.SessionTimeout <= 0 {
		settings.SessionTimeout = def.SessionTimeout
	}
	if settings.MaxChainHops <= 0 {
		settings.MaxChainHops = def.MaxChainHops
	}
	if settings.LockTTL <= 0 {
		settings.LockTTL = def.LockTTL
	}
	if settings.DefaultLanguage == "" {
		settings.DefaultLanguage = def.DefaultLanguage
	}
	if len(settings.SupportedLanguages) == 0 {
		settings.SupportedLanguages = def.SupportedLanguages
	}
	if len(settings.FeedbackRatings) == 0 {
		settings.FeedbackRatings = def.FeedbackRatings
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	log := deps.Logger
	if log == nil {
		log = logrus.WithField("component", "engine")
	}

	e := &Engine{
		deps:      deps,
		settings:  settings,
		log:       log,
		supported: make(map[string]bool),
		ratings:   make(map[string]bool),
	}
	for _, l := range settings.SupportedLanguages {
		e.supported[strings.ToLower(strings.TrimSpace(l))] = true
	}
	e.supported[strings.ToLower(settings.DefaultLanguage)] = true
	for _, r := range settings.FeedbackRatings {
		e.ratings[strings.ToLower(strings.TrimSpace(r))] = true
	}
	return e
}

// Settings returns the effective settings.
func (e *Engine) Settings() Settings {
	return e.settings
}

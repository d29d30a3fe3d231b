package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"wacampaign/models"
)

const (
	msgWelcome         = "Welcome! Type a campaign keyword or /menu to see what's available."
	msgResetDone       = "Your session has been reset. " + msgWelcome
	msgUnknownKeyword  = "Sorry, I didn't recognise that keyword."
	msgNoCampaigns     = "There are no campaigns available right now. Please check back later."
	msgMenuHeader      = "Here are the campaigns you can join:"
	msgMenuButton      = "View campaigns"
	msgUnknownCommand  = "Sorry, I don't recognise that command. Type /help to see available commands."
	msgHelpHeader      = "Available commands:"
	msgExitDone        = "You've left the campaign. Send its keyword any time to continue where you left off."
	msgNothingToExit   = "You're not in any campaign right now. Type /menu to see what's available."
	msgNothingToStart  = "You don't have a campaign in progress. Type a keyword or /menu to start one."
	msgRestarting      = "Restarting from the beginning."
	msgResuming        = "Welcome back! Resuming from where you left off."
	msgCompleted       = "Thank you! You've reached the end of this campaign. Type /menu to see other campaigns."
	msgApology         = "Sorry, something went wrong with this campaign. Please type /menu to choose another one."
	msgChoiceRetry     = "Sorry, that's not one of the options. Please choose from the list below."
	msgChoosePrompt    = "Please choose an option:"
	msgChooseButton    = "Options"
	msgInvalidNumber   = "Please enter a valid number."
	msgInvalidEmail    = "Please enter a valid email address, e.g. name@example.com."
	msgInvalidLocation = "Please share your location using the attachment button."
	msgInvalidText     = "Please type your answer in words."
	msgInvalidGeneric  = "Sorry, I didn't understand that. Please try again."

	msgFeedbackRating    = "How was your experience? Please choose a rating."
	msgFeedbackBadScore  = "Please choose one of the ratings below."
	msgFeedbackComment   = "Thanks for rating us! Reply with any comments, or type skip."
	msgFeedbackThanks    = "Thank you for your feedback!"
	msgFeedbackButton    = "Ratings"
	msgFeedbackCancelled = "Okay, feedback cancelled."

	maxButtons      = 3
	maxListRows     = 10
	maxButtonTitle  = 20
	maxRowTitle     = 24
	maxRowDesc      = 72
	menuTokenPrefix = "campaign:"
)

// turn collects the outbound messages produced while handling one event.
type turn struct {
	e       *Engine
	contact *models.Contact
	out     []models.OutboundMessage
}

func (e *Engine) newTurn(contact *models.Contact) *turn {
	return &turn{e: e, contact: contact}
}

func (t *turn) lang() string {
	if t.contact != nil && t.contact.LanguageCode != "" {
		return t.contact.LanguageCode
	}
	return t.e.settings.DefaultLanguage
}

// stepContext builds correlation ids for an outbound message.
func (t *turn) stepContext(sess *models.CampaignSession, step *models.CampaignStep) models.StepContext {
	sc := models.StepContext{Lang: t.lang()}
	if t.contact != nil {
		sc.ContactID = t.contact.ID
	}
	if sess != nil {
		id := sess.ID
		sc.SessionID = &id
		sc.CampaignID = sess.CampaignID
	}
	if step != nil {
		id := step.ID
		sc.StepID = &id
		if sc.CampaignID == nil {
			cid := step.CampaignID
			sc.CampaignID = &cid
		}
	}
	return sc
}

func (t *turn) emit(msg models.OutboundMessage) {
	msg.ID = uuid.NewString()
	if t.contact != nil {
		msg.To = t.contact.Address
	}
	if msg.ContentType == "" {
		msg.ContentType = models.ContentText
	}
	t.out = append(t.out, msg)
}

func (t *turn) text(sc models.StepContext, body string) {
	t.emit(models.OutboundMessage{Content: body, ContentType: models.ContentText, StepContext: sc})
}

func (t *turn) media(sc models.StepContext, url, caption string) {
	t.emit(models.OutboundMessage{
		Content:     caption,
		ContentType: models.ContentMedia,
		Payload:     &models.StructuredPayload{MediaURL: url},
		StepContext: sc,
	})
}

// option is one selectable entry in a rendered choice message.
type option struct {
	id, title, desc string
	// typeable marks ids the contact can type back as text
	typeable bool
}

// options renders a choice prompt as buttons, a list or numbered text, depending on count.
func (t *turn) options(sc models.StepContext, body, buttonText string, opts []option) {
	if body == "" {
		body = msgChoosePrompt
	}
	switch {
	case len(opts) == 0:
		t.text(sc, body)
	case len(opts) <= maxButtons:
		buttons := make([]models.ReplyButton, 0, len(opts))
		for _, o := range opts {
			buttons = append(buttons, models.ReplyButton{ID: o.id, Title: truncate(o.title, maxButtonTitle)})
		}
		t.emit(models.OutboundMessage{
			Content:     body + "\n\n" + numbered(opts),
			ContentType: models.ContentButtons,
			Payload:     &models.StructuredPayload{Buttons: buttons},
			StepContext: sc,
		})
	case len(opts) <= maxListRows:
		rows := make([]models.ListRow, 0, len(opts))
		for _, o := range opts {
			rows = append(rows, models.ListRow{ID: o.id, Title: truncate(o.title, maxRowTitle), Description: truncate(o.desc, maxRowDesc)})
		}
		if buttonText == "" {
			buttonText = msgChooseButton
		}
		t.emit(models.OutboundMessage{
			Content:     body + "\n\n" + numbered(opts),
			ContentType: models.ContentList,
			Payload: &models.StructuredPayload{
				ButtonText: truncate(buttonText, maxButtonTitle),
				Sections:   []models.ListSection{{Rows: rows}},
			},
			StepContext: sc,
		})
	default:
		t.text(sc, body+"\n\n"+numbered(opts))
	}
}

func numbered(opts []option) string {
	var b strings.Builder
	for i, o := range opts {
		if i > 0 {
			b.WriteByte('\n')
		}
		if o.typeable && o.id != "" && !strings.EqualFold(o.id, o.title) {
			fmt.Fprintf(&b, "%s. %s", o.id, o.title)
			continue
		}
		fmt.Fprintf(&b, "- %s", o.title)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// resolveContent returns the step's localized content, falling back to the step's own text.
func (t *turn) resolveContent(ctx context.Context, sess *models.CampaignSession, step *models.CampaignStep) *models.ResolvedContent {
	fallback := &models.ResolvedContent{
		Body:     step.PromptText,
		MediaURL: step.MediaURL,
		Lang:     t.lang(),
		Fallback: true,
	}
	if t.e.deps.Content == nil {
		return fallback
	}
	rc, err := t.e.deps.Content.ResolveStepContent(ctx, sess, t.contact, step)
	if err != nil {
		t.e.log.WithError(err).WithField("step_id", step.ID).Warn("Content resolution failed, using step prompt")
		return fallback
	}
	if rc == nil {
		return fallback
	}
	return rc
}

// prompt sends a step's prompt, including its choices when it has any.
func (t *turn) prompt(ctx context.Context, sess *models.CampaignSession, step *models.CampaignStep, choices []models.CampaignStepChoice) {
	rc := t.resolveContent(ctx, sess, step)
	sc := t.stepContext(sess, step)
	sc.ContentID = rc.ContentID
	if rc.Lang != "" {
		sc.Lang = rc.Lang
	}

	if step.ActionType != models.ActionChoice || len(choices) == 0 {
		switch {
		case rc.MediaURL != "":
			t.media(sc, rc.MediaURL, rc.Body)
		case strings.TrimSpace(rc.Body) != "":
			t.text(sc, rc.Body)
		}
		return
	}

	if rc.MediaURL != "" {
		t.media(sc, rc.MediaURL, "")
	}
	opts := make([]option, 0, len(choices))
	for _, c := range choices {
		opts = append(opts, option{id: choiceReplyID(c), title: choiceTitle(c), typeable: true})
	}
	t.options(sc, rc.Body, rc.ButtonText, opts)
}

func choiceReplyID(c models.CampaignStepChoice) string {
	if c.ChoiceCode != "" {
		return c.ChoiceCode
	}
	return strconv.FormatUint(uint64(c.ID), 10)
}

func choiceTitle(c models.CampaignStepChoice) string {
	if c.Label != "" {
		return c.Label
	}
	return c.ChoiceCode
}

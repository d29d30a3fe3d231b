package engine

import (
	"context"
	"fmt"
	"strings"

	"wacampaign/models"
)

// StepInput is a contact's answer to the step being run.
type StepInput struct {
	Text    string
	Kind    InputKind
	Payload map[string]interface{}
}

func inputFromEvent(ev InboundEvent) *StepInput {
	return &StepInput{Text: ev.Text, Kind: ev.Kind, Payload: ev.Payload}
}

// StepOutcome is the result of running one step or a chain of steps.
type StepOutcome struct {
	Outbound []models.OutboundMessage
	// NextStepID is where the conversation continues; nil when the step is
	// waiting for input or the session ended.
	NextStepID    *uint
	AwaitingInput bool
	Status        models.SessionStatus
}

type stepResult struct {
	next     *uint
	awaiting bool
	ended    bool
}

// RunStep runs a single step. A nil input enters the step: message and api
// steps execute, choice and input steps send their prompt and wait. A non-nil
// input answers a choice or input step. The session is updated in place.
func (e *Engine) RunStep(ctx context.Context, sess *models.CampaignSession, contact *models.Contact, step *models.CampaignStep, in *StepInput) (*StepOutcome, error) {
	t := e.newTurn(contact)
	r, err := t.runStep(ctx, sess, step, in)
	if err != nil {
		return nil, err
	}
	return t.outcome(sess, r), nil
}

// RunChain runs step and keeps entering following steps until one waits for
// input, the session ends, or MaxChainHops is exceeded.
func (e *Engine) RunChain(ctx context.Context, sess *models.CampaignSession, contact *models.Contact, step *models.CampaignStep, in *StepInput) (*StepOutcome, error) {
	t := e.newTurn(contact)
	r, err := t.runChain(ctx, sess, step, in)
	if err != nil {
		return nil, err
	}
	return t.outcome(sess, r), nil
}

func (t *turn) outcome(sess *models.CampaignSession, r stepResult) *StepOutcome {
	return &StepOutcome{
		Outbound:      t.out,
		NextStepID:    r.next,
		AwaitingInput: r.awaiting,
		Status:        sess.Status,
	}
}

func (t *turn) runChain(ctx context.Context, sess *models.CampaignSession, step *models.CampaignStep, in *StepInput) (stepResult, error) {
	maxHops := t.e.settings.MaxChainHops
	for hop := 1; ; hop++ {
		if hop > maxHops {
			return stepResult{}, configErrorf(sess.CampaignID, step.ID, "step chain exceeded %d hops", maxHops)
		}

		r, err := t.runStep(ctx, sess, step, in)
		if err != nil {
			return r, err
		}
		if r.awaiting || r.ended || r.next == nil {
			return r, nil
		}

		next, err := t.e.deps.Campaigns.GetStep(ctx, *r.next)
		if err != nil {
			return r, fmt.Errorf("load step %d: %w", *r.next, err)
		}
		if next == nil || next.CampaignID != step.CampaignID {
			return r, configErrorf(sess.CampaignID, step.ID, "next step %d does not exist in this campaign", *r.next)
		}
		step = next
		in = nil
	}
}

func (t *turn) runStep(ctx context.Context, sess *models.CampaignSession, step *models.CampaignStep, in *StepInput) (stepResult, error) {
	if in == nil || !step.ActionType.ExpectsInput() {
		if err := t.pin(ctx, sess, step); err != nil {
			return stepResult{}, err
		}
	}

	switch step.ActionType {
	case models.ActionMessage:
		t.prompt(ctx, sess, step, nil)
		if step.IsEndStep || step.NextStepID == nil {
			return stepResult{ended: true}, t.complete(ctx, sess, step, false)
		}
		return stepResult{next: step.NextStepID}, nil

	case models.ActionChoice:
		choices, err := t.e.deps.Campaigns.ListChoices(ctx, step.ID)
		if err != nil {
			return stepResult{}, fmt.Errorf("list choices for step %d: %w", step.ID, err)
		}
		if in == nil {
			t.prompt(ctx, sess, step, choices)
			return stepResult{awaiting: true}, nil
		}
		return t.answerChoice(ctx, sess, step, choices, in)

	case models.ActionInput:
		if in == nil {
			t.prompt(ctx, sess, step, nil)
			return stepResult{awaiting: true}, nil
		}
		return t.answerInput(ctx, sess, step, in)

	case models.ActionAPI:
		return t.runAPI(ctx, sess, step)
	}

	return stepResult{}, configErrorf(sess.CampaignID, step.ID, "unknown action type %q", step.ActionType)
}

func (t *turn) answerChoice(ctx context.Context, sess *models.CampaignSession, step *models.CampaignStep, choices []models.CampaignStepChoice, in *StepInput) (stepResult, error) {
	raw := strings.TrimSpace(in.Text)
	if raw == "" {
		raw = ReplyID(in.Payload)
	}
	sequential := step.ChoiceMode == models.ChoiceSequential
	matched := MatchChoice(choices, in.Kind, in.Text, in.Payload)

	valid := matched != nil
	if sequential {
		valid = raw != ""
	}

	resp := &models.CampaignResponse{
		SessionID:  sess.ID,
		CampaignID: sess.CampaignID,
		StepID:     step.ID,
		RawInput:   raw,
		IsValid:    valid,
	}
	if valid && !sequential {
		id := matched.ID
		resp.ChoiceID = &id
	}
	if err := t.e.deps.Sessions.AppendResponse(ctx, resp); err != nil {
		return stepResult{}, fmt.Errorf("append response: %w", err)
	}

	if !valid {
		msg := step.ErrorMessage
		if strings.TrimSpace(msg) == "" {
			msg = msgChoiceRetry
		}
		t.text(t.stepContext(sess, step), msg)
		t.prompt(ctx, sess, step, choices)
		return stepResult{awaiting: true}, t.touch(ctx, sess)
	}

	if IsLanguageSelector(step, choices, t.e.settings.SupportedLanguages) {
		code := raw
		if matched != nil {
			code = matched.ChoiceCode
		}
		if err := t.setLanguage(ctx, code); err != nil {
			return stepResult{}, err
		}
	}

	if step.IsEndStep {
		return stepResult{ended: true}, t.complete(ctx, sess, step, true)
	}

	target := matched.NextStepID
	if sequential {
		target = step.NextStepID
		if target == nil {
			return stepResult{}, configErrorf(sess.CampaignID, step.ID, "sequential choice step has no next step")
		}
	}
	if target == nil {
		return stepResult{ended: true}, t.complete(ctx, sess, step, true)
	}
	return stepResult{next: target}, nil
}

func (t *turn) answerInput(ctx context.Context, sess *models.CampaignSession, step *models.CampaignStep, in *StepInput) (stepResult, error) {
	raw, ok := ValidateInput(step.ExpectedInput, in.Kind, in.Text, in.Payload)

	resp := &models.CampaignResponse{
		SessionID:  sess.ID,
		CampaignID: sess.CampaignID,
		StepID:     step.ID,
		RawInput:   raw,
		IsValid:    ok,
	}
	if err := t.e.deps.Sessions.AppendResponse(ctx, resp); err != nil {
		return stepResult{}, fmt.Errorf("append response: %w", err)
	}

	if !ok {
		msg := step.ErrorMessage
		if strings.TrimSpace(msg) == "" {
			msg = invalidInputHint(step.ExpectedInput)
		}
		t.text(t.stepContext(sess, step), msg)
		return stepResult{awaiting: true}, t.touch(ctx, sess)
	}

	if step.IsEndStep || step.NextStepID == nil {
		return stepResult{ended: true}, t.complete(ctx, sess, step, true)
	}
	return stepResult{next: step.NextStepID}, nil
}

// pin records step as the session's current step.
func (t *turn) pin(ctx context.Context, sess *models.CampaignSession, step *models.CampaignStep) error {
	if sess.CurrentStepID != nil && *sess.CurrentStepID == step.ID {
		return nil
	}
	id := step.ID
	return t.update(ctx, sess, models.SessionPatch{CurrentStepID: &id})
}

// complete ends the session normally, optionally with a closing message.
func (t *turn) complete(ctx context.Context, sess *models.CampaignSession, step *models.CampaignStep, closing bool) error {
	status := models.SessionCompleted
	if err := t.update(ctx, sess, models.SessionPatch{Status: &status}); err != nil {
		return err
	}
	if closing {
		t.text(t.stepContext(sess, step), msgCompleted)
	}
	return nil
}

// touch refreshes the session's activity time.
func (t *turn) touch(ctx context.Context, sess *models.CampaignSession) error {
	return t.update(ctx, sess, models.SessionPatch{})
}

func (t *turn) update(ctx context.Context, sess *models.CampaignSession, patch models.SessionPatch) error {
	updated, err := t.e.deps.Sessions.UpdateSession(ctx, sess.ID, patch)
	if err != nil {
		return fmt.Errorf("update session %d: %w", sess.ID, err)
	}
	if updated != nil {
		*sess = *updated
	}
	return nil
}

func (t *turn) setLanguage(ctx context.Context, code string) error {
	lang := strings.ToLower(strings.TrimSpace(code))
	if !t.e.supported[lang] {
		lang = t.e.settings.DefaultLanguage
	}
	if t.contact.LanguageCode == lang {
		return nil
	}
	if err := t.e.deps.Contacts.UpdateLanguage(ctx, t.contact.ID, lang); err != nil {
		return fmt.Errorf("update contact language: %w", err)
	}
	t.contact.LanguageCode = lang
	return nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"wacampaign/models"
)

// Handle processes one inbound event and returns the messages to send back.
// Work for a contact is serialized by the SessionLocker, and a message id seen
// before yields an empty duplicate result. Only persistence and locking
// failures are returned as errors; the caller may retry those.
func (e *Engine) Handle(ctx context.Context, ev InboundEvent) (*Result, error) {
	ev.From = strings.TrimSpace(ev.From)
	if ev.From == "" {
		return nil, ErrMissingSender
	}
	if ev.Kind == "" {
		ev.Kind = KindText
	}

	log := e.log.WithFields(logrus.Fields{
		"from":       ev.From,
		"kind":       ev.Kind,
		"message_id": ev.MessageID,
	})

	if e.deps.Locker != nil {
		release, err := e.deps.Locker.Acquire(ctx, "contact:"+ev.From, e.settings.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("lock contact %s: %w", ev.From, err)
		}
		defer release()

		// the lock expires after LockTTL, so the work must finish before it does
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, lockBudget(e.settings.LockTTL))
		defer cancel()
	}

	dedupe := e.deps.Dedupe != nil && ev.MessageID != ""
	if dedupe {
		first, err := e.deps.Dedupe.FirstSeen(ctx, ev.MessageID)
		if err != nil {
			return nil, fmt.Errorf("check message %s: %w", ev.MessageID, err)
		}
		if !first {
			log.Info("Duplicate inbound message ignored")
			return &Result{Duplicate: true}, nil
		}
	}

	res, err := e.handle(ctx, ev)
	if err != nil {
		if dedupe {
			if ferr := e.deps.Dedupe.Forget(context.WithoutCancel(ctx), ev.MessageID); ferr != nil {
				log.WithError(ferr).Warn("Failed to release message id after error")
			}
		}
		return nil, err
	}

	log.WithField("outbound", len(res.Outbound)).Debug("Inbound event handled")
	return res, nil
}

// lockBudget is how long one Handle call may run while holding a lock of the
// given TTL, leaving room to persist and release before it lapses.
func lockBudget(ttl time.Duration) time.Duration {
	margin := ttl / 10
	if margin > time.Second {
		margin = time.Second
	}
	return ttl - margin
}

func (e *Engine) handle(ctx context.Context, ev InboundEvent) (*Result, error) {
	contact, err := e.deps.Contacts.FindOrCreateContact(ctx, ev.From, ev.ProfileName)
	if err != nil {
		return nil, fmt.Errorf("resolve contact: %w", err)
	}
	t := e.newTurn(contact)
	if err := t.route(ctx, ev); err != nil {
		return nil, err
	}
	return &Result{Outbound: t.out}, nil
}

// route decides what one inbound message means: feedback capture, a command,
// a campaign keyword, an answer to the current step, or none of those.
func (t *turn) route(ctx context.Context, ev InboundEvent) error {
	text := strings.TrimSpace(ev.Text)

	active, err := t.e.deps.Sessions.FindActiveSession(ctx, t.contact.ID)
	if err != nil {
		return fmt.Errorf("find active session: %w", err)
	}

	// Expiry is evaluated lazily. A session that lapsed is revived by this
	// same message unless the message routes somewhere else first.
	var lapsed *models.CampaignSession
	if active != nil && active.IsStale(t.e.settings.Now(), t.e.settings.SessionTimeout) {
		expired := models.SessionExpired
		if err := t.update(ctx, active, models.SessionPatch{Status: &expired}); err != nil {
			return err
		}
		t.e.log.WithFields(logrus.Fields{
			"session_id": active.ID,
			"contact_id": t.contact.ID,
		}).Info("Session expired after inactivity")
		if active.CampaignID != nil {
			lapsed = active
		}
		active = nil
	}

	if active != nil && active.Scratch.InFeedback() {
		handled, err := t.feedbackInput(ctx, active, ev, text)
		if err != nil || handled {
			return err
		}
	}

	if strings.HasPrefix(text, "/") {
		cmd, args := ParseCommand(text)
		res, err := t.command(ctx, active, cmd, args)
		if err != nil {
			return err
		}
		if res.sessionEnded {
			active = nil
		}
		if res.shouldResume && active != nil {
			return t.resume(ctx, active, false)
		}
		return nil
	}

	m, err := t.matchKeyword(ctx, ev, text, active != nil)
	if err != nil {
		return err
	}
	switch {
	case m != nil:
		return t.startCampaign(ctx, active, m)
	case lapsed != nil:
		return t.revive(ctx, lapsed)
	case active != nil && active.CampaignID != nil:
		return t.continueSession(ctx, active, ev)
	}

	hint := msgUnknownKeyword
	if text == "" {
		hint = ""
	}
	return t.showMenu(ctx, hint)
}

// continueSession feeds the message to the session's current step.
func (t *turn) continueSession(ctx context.Context, sess *models.CampaignSession, ev InboundEvent) error {
	step, err := t.currentStep(ctx, sess)
	if err != nil {
		return err
	}
	if step == nil {
		return t.failNoSteps(ctx, sess)
	}
	return t.chain(ctx, sess, step, inputFromEvent(ev))
}

func (t *turn) failNoSteps(ctx context.Context, sess *models.CampaignSession) error {
	return t.fail(ctx, sess, configErrorf(sess.CampaignID, 0, "campaign has no steps"))
}

// revive reactivates an expired session and re-enters its current step.
func (t *turn) revive(ctx context.Context, sess *models.CampaignSession) error {
	active := models.SessionActive
	scratch := sess.Scratch.Restore()
	if err := t.update(ctx, sess, models.SessionPatch{Status: &active, Scratch: &scratch}); err != nil {
		return err
	}
	t.e.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"contact_id": t.contact.ID,
	}).Info("Session revived")
	return t.resume(ctx, sess, true)
}

// resume re-enters the session's current step, re-sending its prompt.
func (t *turn) resume(ctx context.Context, sess *models.CampaignSession, notice bool) error {
	step, err := t.currentStep(ctx, sess)
	if err != nil {
		return err
	}
	if step == nil {
		return t.failNoSteps(ctx, sess)
	}
	if notice {
		t.text(t.stepContext(sess, step), msgResuming)
	}
	return t.chain(ctx, sess, step, nil)
}

// currentStep recovers where a session is: its current step, else the step of
// its last response, else the campaign's first step.
func (t *turn) currentStep(ctx context.Context, sess *models.CampaignSession) (*models.CampaignStep, error) {
	if sess.CurrentStepID != nil {
		step, err := t.e.deps.Campaigns.GetStep(ctx, *sess.CurrentStepID)
		if err != nil {
			return nil, fmt.Errorf("load step %d: %w", *sess.CurrentStepID, err)
		}
		if step != nil {
			return step, nil
		}
	}

	last, err := t.e.deps.Sessions.LastResponse(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load last response: %w", err)
	}
	if last != nil {
		step, err := t.e.deps.Campaigns.GetStep(ctx, last.StepID)
		if err != nil {
			return nil, fmt.Errorf("load step %d: %w", last.StepID, err)
		}
		if step != nil {
			return step, nil
		}
	}

	if sess.CampaignID == nil {
		return nil, nil
	}
	step, err := t.e.deps.Campaigns.FirstStep(ctx, *sess.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("load first step: %w", err)
	}
	return step, nil
}

// chain runs the step chain, turning script defects into an apology and a
// cancelled session. Other errors are returned.
func (t *turn) chain(ctx context.Context, sess *models.CampaignSession, step *models.CampaignStep, in *StepInput) error {
	_, err := t.runChain(ctx, sess, step, in)
	if err == nil {
		return nil
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return t.fail(ctx, sess, ce)
	}
	return err
}

func (t *turn) fail(ctx context.Context, sess *models.CampaignSession, ce *ConfigError) error {
	t.e.reportConfigError(ce, logrus.Fields{
		"contact_id":  t.contact.ID,
		"session_id":  sess.ID,
		"campaign_id": idOrNil(sess.CampaignID),
	})
	cancelled := models.SessionCancelled
	if err := t.update(ctx, sess, models.SessionPatch{Status: &cancelled}); err != nil {
		return err
	}
	t.text(t.stepContext(sess, nil), msgApology)
	return nil
}

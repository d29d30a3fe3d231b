package engine

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"wacampaign/models"
)

const skipToken = "skip"

// startFeedback opens the feedback sub-flow on the contact's session, creating
// a campaign-less session when there is none. An inline rating skips the picker.
func (t *turn) startFeedback(ctx context.Context, sess *models.CampaignSession, args string) error {
	rating := strings.ToLower(strings.TrimSpace(args))

	prev := models.Scratch{}
	if sess != nil {
		prev = sess.Scratch
	}
	next := models.FeedbackAwaitingRating(prev)
	if t.e.ratings[rating] {
		next = models.FeedbackAwaitingComment(rating, prev)
	}

	if sess == nil {
		created, err := t.e.deps.Sessions.CreateSession(ctx, t.contact.ID, nil, next)
		if err != nil {
			return fmt.Errorf("create feedback session: %w", err)
		}
		sess = created
	} else if err := t.update(ctx, sess, models.SessionPatch{Scratch: &next}); err != nil {
		return err
	}

	t.feedbackPrompt(sess, "")
	return nil
}

// feedbackInput handles a message while the session is capturing feedback. It
// returns false only for the commands allowed to interrupt feedback.
func (t *turn) feedbackInput(ctx context.Context, sess *models.CampaignSession, ev InboundEvent, text string) (bool, error) {
	if strings.HasPrefix(text, "/") {
		cmd, _ := ParseCommand(text)
		switch cmd {
		case models.CommandExit, models.CommandReset, models.CommandStart:
			return false, nil
		}
		t.feedbackPrompt(sess, "")
		return true, t.touch(ctx, sess)
	}

	answer := text
	if ev.Kind == KindButton || ev.Kind == KindList {
		if id := ReplyID(ev.Payload); id != "" {
			answer = id
		}
	}
	if answer == "" || ev.Kind == KindLocation {
		t.e.log.WithField("contact_id", t.contact.ID).Debug("Ignoring non-text input during feedback")
		return true, nil
	}

	if rating, ok := sess.Scratch.AwaitingComment(); ok {
		return true, t.closeFeedback(ctx, sess, rating, text)
	}

	rating := strings.ToLower(answer)
	if !t.e.ratings[rating] {
		t.feedbackPrompt(sess, msgFeedbackBadScore)
		return true, t.touch(ctx, sess)
	}
	next := models.FeedbackAwaitingComment(rating, sess.Scratch)
	if err := t.update(ctx, sess, models.SessionPatch{Scratch: &next}); err != nil {
		return true, err
	}
	t.feedbackPrompt(sess, "")
	return true, nil
}

// closeFeedback stores the feedback and puts the session back the way it was
// before feedback started.
func (t *turn) closeFeedback(ctx context.Context, sess *models.CampaignSession, rating, comment string) error {
	comment = strings.TrimSpace(comment)
	if strings.EqualFold(comment, skipToken) {
		comment = ""
	}

	sessionID := sess.ID
	fb := &models.Feedback{
		ContactID:  t.contact.ID,
		SessionID:  &sessionID,
		CampaignID: sess.CampaignID,
		Rating:     rating,
		Comment:    comment,
	}
	if err := t.e.deps.Feedback.CreateFeedback(ctx, fb); err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}

	restored := sess.Scratch.Restore()
	patch := models.SessionPatch{Scratch: &restored}
	feedbackOnly := sess.CampaignID == nil
	if feedbackOnly {
		done := models.SessionCompleted
		patch.Status = &done
	}
	if err := t.update(ctx, sess, patch); err != nil {
		return err
	}

	t.text(t.stepContext(sess, nil), msgFeedbackThanks)
	if feedbackOnly {
		return nil
	}
	return t.resume(ctx, sess, false)
}

// feedbackPrompt repeats whichever feedback question is pending.
func (t *turn) feedbackPrompt(sess *models.CampaignSession, prefix string) {
	sc := t.stepContext(sess, nil)
	if _, ok := sess.Scratch.AwaitingComment(); ok {
		t.text(sc, msgFeedbackComment)
		return
	}

	body := msgFeedbackRating
	if prefix != "" {
		body = prefix
	}
	opts := make([]option, 0, len(t.e.settings.FeedbackRatings))
	for _, r := range t.e.settings.FeedbackRatings {
		r = strings.ToLower(strings.TrimSpace(r))
		opts = append(opts, option{id: r, title: capitalize(r), typeable: true})
	}
	t.options(sc, body, msgFeedbackButton, opts)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

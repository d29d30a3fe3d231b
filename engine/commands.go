package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"wacampaign/models"
)

// CommandRequest is a slash command sent by a contact.
type CommandRequest struct {
	Contact *models.Contact
	Command string // e.g. "/feedback"
	Args    string // e.g. "good"
	RawText string
	Session *models.CampaignSession // the contact's active session, if any
}

// CommandResult is what a command produced. ShouldResume asks the caller to
// re-issue the current step's prompt; SessionEnded means the session passed in
// is no longer active.
type CommandResult struct {
	Outbound     []models.OutboundMessage
	ShouldResume bool
	SessionEnded bool
}

type commandResult struct {
	shouldResume bool
	sessionEnded bool
}

// ParseCommand splits "/Feedback good" into "/feedback" and "good".
func ParseCommand(text string) (cmd, args string) {
	return SplitKeyword(text)
}

// HandleCommand runs one command outside Handle. Handle uses the same logic.
func (e *Engine) HandleCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	cmd := strings.ToLower(strings.TrimSpace(req.Command))
	args := req.Args
	if cmd == "" {
		cmd, args = ParseCommand(req.RawText)
	}
	t := e.newTurn(req.Contact)
	res, err := t.command(ctx, req.Session, cmd, args)
	if err != nil {
		return nil, err
	}
	return &CommandResult{Outbound: t.out, ShouldResume: res.shouldResume, SessionEnded: res.sessionEnded}, nil
}

// enabledCommands merges the built-in commands with their stored rows. A
// stored row can disable or re-describe a built-in; unknown rows are ignored.
func (t *turn) enabledCommands(ctx context.Context) ([]models.SystemCommand, error) {
	rows, err := t.e.deps.Commands.ListCommands(ctx)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}

	defaults := models.DefaultSystemCommands()
	byName := make(map[string]models.SystemCommand, len(defaults))
	for _, d := range defaults {
		byName[d.Command] = d
	}
	for _, r := range rows {
		name := strings.ToLower(strings.TrimSpace(r.Command))
		d, ok := byName[name]
		if !ok {
			continue
		}
		r.Command = name
		if strings.TrimSpace(r.Description) == "" {
			r.Description = d.Description
		}
		byName[name] = r
	}

	out := make([]models.SystemCommand, 0, len(byName))
	for _, d := range defaults {
		if c := byName[d.Command]; c.IsEnabled {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (t *turn) command(ctx context.Context, sess *models.CampaignSession, cmd, args string) (commandResult, error) {
	enabled, err := t.enabledCommands(ctx)
	if err != nil {
		return commandResult{}, err
	}
	known := false
	for _, c := range enabled {
		if c.Command == cmd {
			known = true
			break
		}
	}
	if !known {
		cmd = ""
	}

	t.e.log.WithFields(logrus.Fields{
		"contact_id": t.contact.ID,
		"command":    cmd,
	}).Debug("Running command")

	switch cmd {
	case models.CommandStart:
		return commandResult{}, t.restart(ctx, sess)

	case models.CommandReset:
		if sess != nil {
			if err := t.endSession(ctx, sess, models.SessionCancelled, models.Scratch{}); err != nil {
				return commandResult{}, err
			}
		}
		t.text(t.stepContext(sess, nil), msgResetDone)
		return commandResult{sessionEnded: sess != nil}, nil

	case models.CommandExit:
		if sess == nil {
			t.text(t.stepContext(nil, nil), msgNothingToExit)
			return commandResult{}, nil
		}
		if err := t.endSession(ctx, sess, models.SessionExpired, sess.Scratch.Restore()); err != nil {
			return commandResult{}, err
		}
		msg := msgExitDone
		if sess.CampaignID == nil {
			msg = msgFeedbackCancelled
		}
		t.text(t.stepContext(sess, nil), msg)
		return commandResult{sessionEnded: true}, nil

	case models.CommandMenu:
		if sess != nil {
			if err := t.endSession(ctx, sess, models.SessionCancelled, models.Scratch{}); err != nil {
				return commandResult{}, err
			}
		}
		return commandResult{sessionEnded: sess != nil}, t.showMenu(ctx, "")

	case models.CommandFeedback:
		return commandResult{}, t.startFeedback(ctx, sess, args)

	case models.CommandHelp:
		var b strings.Builder
		b.WriteString(msgHelpHeader)
		for _, c := range enabled {
			fmt.Fprintf(&b, "\n%s - %s", c.Command, c.Description)
		}
		t.text(t.stepContext(sess, nil), b.String())
		resume := sess != nil && sess.CampaignID != nil && !sess.Scratch.InFeedback()
		return commandResult{shouldResume: resume}, nil
	}

	if sess != nil {
		if err := t.touch(ctx, sess); err != nil {
			return commandResult{}, err
		}
	}
	t.text(t.stepContext(sess, nil), msgUnknownCommand)
	return commandResult{}, nil
}

// restart sends the contact back to the first step of their campaign. It works
// on the active session, or failing that the most recently expired one.
func (t *turn) restart(ctx context.Context, sess *models.CampaignSession) error {
	target := sess
	if target != nil && target.CampaignID == nil {
		// a feedback-only session has nothing to restart
		if err := t.endSession(ctx, target, models.SessionCompleted, target.Scratch.Restore()); err != nil {
			return err
		}
		target = nil
	}
	if target == nil {
		var err error
		target, err = t.e.deps.Sessions.FindExpiredSession(ctx, t.contact.ID)
		if err != nil {
			return fmt.Errorf("find expired session: %w", err)
		}
	}
	if target == nil || target.CampaignID == nil {
		t.text(t.stepContext(nil, nil), msgNothingToStart)
		return nil
	}

	first, err := t.e.deps.Campaigns.FirstStep(ctx, *target.CampaignID)
	if err != nil {
		return fmt.Errorf("load first step: %w", err)
	}
	if first == nil {
		return t.fail(ctx, target, configErrorf(target.CampaignID, 0, "campaign has no steps"))
	}

	active := models.SessionActive
	stepID := first.ID
	scratch := target.Scratch.Restore()
	if err := t.update(ctx, target, models.SessionPatch{Status: &active, CurrentStepID: &stepID, Scratch: &scratch}); err != nil {
		return err
	}
	t.text(t.stepContext(target, first), msgRestarting)
	return t.chain(ctx, target, first, nil)
}

func (t *turn) endSession(ctx context.Context, sess *models.CampaignSession, status models.SessionStatus, scratch models.Scratch) error {
	return t.update(ctx, sess, models.SessionPatch{Status: &status, Scratch: &scratch})
}

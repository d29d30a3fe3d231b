package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"wacampaign/models"
)

// runAPI executes an api step. The step's own prompt always goes out before
// the call so the contact sees an acknowledgement while it is in flight.
func (t *turn) runAPI(ctx context.Context, sess *models.CampaignSession, step *models.CampaignStep) (stepResult, error) {
	t.prompt(ctx, sess, step, nil)

	if step.APIID == nil {
		return stepResult{}, configErrorf(sess.CampaignID, step.ID, "api step has no api configured")
	}

	vars, err := t.apiVars(ctx, sess)
	if err != nil {
		return stepResult{}, err
	}
	meta := models.DispatchMeta{
		ContactID:  t.contact.ID,
		SessionID:  sess.ID,
		CampaignID: sess.CampaignID,
		StepID:     step.ID,
	}

	var (
		res     *models.DispatchResult
		callErr error
	)
	if t.e.deps.Dispatcher == nil {
		callErr = &models.DispatchError{Code: models.DispatchCodeDisabled, Message: "no endpoint dispatcher configured"}
	} else {
		res, callErr = t.e.deps.Dispatcher.Dispatch(ctx, *step.APIID, vars, meta)
	}

	sc := t.stepContext(sess, step)
	next := step.NextStepID

	if callErr == nil && res != nil && res.OK && !res.Disabled && !res.TemplateError && strings.TrimSpace(res.FormattedText) != "" {
		t.text(sc, res.FormattedText)
		if step.IsEndStep {
			next = nil
		}
	} else {
		in := ClassifyInput{Err: callErr, Step: step}
		if res != nil {
			in.HTTPStatus = res.Status
			in.Disabled = res.Disabled
			in.APIName = res.APIName
			// a 2xx that rendered nothing is a template problem
			in.TemplateError = res.TemplateError || (res.OK && callErr == nil)
		}
		cls := Classify(in)

		fields := logrus.Fields{
			"api_id":     *step.APIID,
			"api":        in.APIName,
			"step_id":    step.ID,
			"session_id": sess.ID,
			"category":   cls.Category,
			"status":     in.HTTPStatus,
		}
		entry := t.e.log.WithFields(fields)
		if callErr != nil {
			entry = entry.WithError(callErr)
		}
		entry.Log(cls.LogLevel, "API step failed")

		t.text(sc, cls.UserMessage)
		next = step.FailureStepID
	}

	if next == nil {
		return stepResult{ended: true}, t.complete(ctx, sess, step, false)
	}
	return stepResult{next: next}, nil
}

// apiVars builds the variables passed to the endpoint. last_answer is the most
// recent valid response in this session, or the keyword argument that started it.
func (t *turn) apiVars(ctx context.Context, sess *models.CampaignSession) (map[string]string, error) {
	vars := map[string]string{
		"contact":      t.contact.Address,
		"contact_name": t.contact.DisplayName,
		"language":     t.lang(),
		"session_id":   strconv.FormatUint(uint64(sess.ID), 10),
	}
	if sess.CampaignID != nil {
		vars["campaign_id"] = strconv.FormatUint(uint64(*sess.CampaignID), 10)
	}

	kw, args, hasKeyword := sess.Scratch.KeywordArgs()
	if hasKeyword {
		vars["keyword"] = kw
		vars["keyword_args"] = args
	}

	last, err := t.e.deps.Sessions.LastValidResponse(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load last response: %w", err)
	}
	switch {
	case last != nil:
		vars["last_answer"] = last.RawInput
	case hasKeyword:
		vars["last_answer"] = args
	default:
		vars["last_answer"] = ""
	}
	return vars, nil
}

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wacampaign/models"
)

const alice = "+60123456789"

func TestHandleKeywordStartsCampaign(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)
	e := newTestEngine(s, nil)

	res, err := e.Handle(ctx, textEvent(alice, "Survey"))
	require.NoError(t, err)
	require.Len(t, res.Outbound, 2)
	assert.Equal(t, "Welcome to the survey", res.Outbound[0].Content)
	assert.Equal(t, models.ContentButtons, res.Outbound[1].ContentType)
	assert.Equal(t, []models.ReplyButton{{ID: "1", Title: "Yes"}, {ID: "2", Title: "No"}}, res.Outbound[1].Payload.Buttons)

	sess := s.onlySession()
	require.NotNil(t, sess)
	assert.Equal(t, models.SessionActive, sess.Status)
	assert.Equal(t, uint(11), *sess.CurrentStepID)
	kw, args, ok := sess.Scratch.KeywordArgs()
	require.True(t, ok)
	assert.Equal(t, "survey", kw)
	assert.Empty(t, args)

	res, err = e.Handle(ctx, textEvent(alice, "2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Sorry to hear that"}, contents(res.Outbound))
	assert.Equal(t, models.SessionCompleted, s.onlySession().Status)
}

func TestHandleButtonReply(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)
	e := newTestEngine(s, nil)

	_, err := e.Handle(ctx, textEvent(alice, "survey"))
	require.NoError(t, err)

	res, err := e.Handle(ctx, InboundEvent{
		From: alice,
		Text: "Yes",
		Kind: KindButton,
		Payload: map[string]interface{}{
			"interactive": map[string]interface{}{
				"type":         "button_reply",
				"button_reply": map[string]interface{}{"id": "1", "title": "Yes"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Great!"}, contents(res.Outbound))
}

func TestHandleInvalidChoiceKeepsStep(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)
	e := newTestEngine(s, nil)

	_, err := e.Handle(ctx, textEvent(alice, "survey"))
	require.NoError(t, err)

	res, err := e.Handle(ctx, textEvent(alice, "perhaps"))
	require.NoError(t, err)
	require.Len(t, res.Outbound, 2)
	assert.Equal(t, msgChoiceRetry, res.Outbound[0].Content)
	assert.Contains(t, res.Outbound[1].Content, "Did you enjoy it?")
	assert.Equal(t, uint(11), *s.onlySession().CurrentStepID)
}

func TestHandleUnknownInputShowsMenu(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)
	s.addCampaign(2, "Signup", "signup")
	paused := s.addCampaign(3, "Old promo", "promo")
	paused.Status = models.CampaignStatusPaused
	e := newTestEngine(s, nil)

	res, err := e.Handle(ctx, textEvent(alice, "hello there"))
	require.NoError(t, err)
	require.Len(t, res.Outbound, 1)
	msg := res.Outbound[0]
	assert.Equal(t, models.ContentList, msg.ContentType)
	assert.Contains(t, msg.Content, msgUnknownKeyword)
	rows := msg.Payload.Sections[0].Rows
	require.Len(t, rows, 2)
	assert.Equal(t, "campaign:1", rows[0].ID)
	assert.Equal(t, "campaign:2", rows[1].ID)
	assert.Empty(t, s.sessions)
}

func TestHandleMenuSelectionStartsCampaign(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)
	e := newTestEngine(s, nil)

	res, err := e.Handle(ctx, InboundEvent{
		From: alice,
		Text: "Survey",
		Kind: KindList,
		Payload: map[string]interface{}{
			"interactive": map[string]interface{}{
				"type":       "list_reply",
				"list_reply": map[string]interface{}{"id": "campaign:1", "title": "Survey"},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Outbound, 2)
	assert.Equal(t, "Welcome to the survey", res.Outbound[0].Content)
	assert.Equal(t, models.ScratchNone, s.onlySession().Scratch.Kind)
}

func TestHandleKeywordWithArgumentAutoAnswersInput(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.addCampaign(3, "Booking", "book")
	s.addStep(models.CampaignStep{Model: gorm.Model{ID: 30}, CampaignID: 3, StepNumber: 1, ActionType: models.ActionInput, ExpectedInput: models.ExpectText, PromptText: "Which area?", NextStepID: uintPtr(31)})
	s.addStep(models.CampaignStep{Model: gorm.Model{ID: 31}, CampaignID: 3, StepNumber: 2, ActionType: models.ActionAPI, APIID: uintPtr(5), PromptText: "Checking availability...", NextStepID: uintPtr(32)})
	s.addStep(models.CampaignStep{Model: gorm.Model{ID: 32}, CampaignID: 3, StepNumber: 3, ActionType: models.ActionMessage, PromptText: "Done", IsEndStep: true})

	d := &fakeDispatcher{fn: func(apiID uint, vars map[string]string) (*models.DispatchResult, error) {
		return &models.DispatchResult{OK: true, Status: 200, APIName: "slots", FormattedText: "3 slots in " + vars["last_answer"]}, nil
	}}
	e := newTestEngine(s, d)

	res, err := e.Handle(ctx, textEvent(alice, "book cheras"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Checking availability...", "3 slots in cheras", "Done"}, contents(res.Outbound))

	require.Len(t, s.responses, 1)
	assert.Equal(t, uint(30), s.responses[0].StepID)
	assert.Equal(t, "cheras", s.responses[0].RawInput)
	assert.True(t, s.responses[0].IsValid)

	require.Len(t, d.calls, 1)
	assert.Equal(t, "book", d.calls[0]["keyword"])
	assert.Equal(t, "cheras", d.calls[0]["keyword_args"])
	assert.Equal(t, alice, d.calls[0]["contact"])
	assert.Equal(t, models.SessionCompleted, s.onlySession().Status)
}

func apiFixture(s *memStore, failureStep bool) {
	s.addCampaign(4, "Weather", "weather")
	step := models.CampaignStep{Model: gorm.Model{ID: 40}, CampaignID: 4, StepNumber: 1, ActionType: models.ActionAPI, APIID: uintPtr(9), PromptText: "Looking that up...", ErrorMessage: "We don't know that town.", NextStepID: uintPtr(41)}
	if failureStep {
		step.FailureStepID = uintPtr(42)
	}
	s.addStep(step)
	s.addStep(models.CampaignStep{Model: gorm.Model{ID: 41}, CampaignID: 4, StepNumber: 2, ActionType: models.ActionMessage, PromptText: "Anything else?", IsEndStep: true})
	s.addStep(models.CampaignStep{Model: gorm.Model{ID: 42}, CampaignID: 4, StepNumber: 3, ActionType: models.ActionMessage, PromptText: "Try again later with weather <town>.", IsEndStep: true})
}

func TestHandleAPIStepServiceDownGoesToFailureStep(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	apiFixture(s, true)
	d := &fakeDispatcher{fn: func(uint, map[string]string) (*models.DispatchResult, error) {
		return nil, &models.DispatchError{Status: 503, Code: "HTTP_ERROR", Message: "upstream said: stack trace here"}
	}}
	e := newTestEngine(s, d)

	res, err := e.Handle(ctx, textEvent(alice, "weather"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Looking that up...",
		DefaultMessage(CategoryServiceDown),
		"Try again later with weather <town>.",
	}, contents(res.Outbound))
	assert.Equal(t, models.SessionCompleted, s.onlySession().Status)
}

func TestHandleAPIStepFailureWithoutFailureStepCompletes(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	apiFixture(s, false)
	d := &fakeDispatcher{fn: func(uint, map[string]string) (*models.DispatchResult, error) {
		return nil, &models.DispatchError{Status: 504, Code: models.DispatchCodeTimeout, Message: "timeout"}
	}}
	e := newTestEngine(s, d)

	res, err := e.Handle(ctx, textEvent(alice, "weather"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Looking that up...", DefaultMessage(CategoryServiceDown)}, contents(res.Outbound))
	sess := s.onlySession()
	assert.Equal(t, models.SessionCompleted, sess.Status)
	assert.Equal(t, uint(40), *sess.CurrentStepID)
}

func TestHandleAPIStepClientErrorUsesStepMessage(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	apiFixture(s, false)
	d := &fakeDispatcher{fn: func(uint, map[string]string) (*models.DispatchResult, error) {
		return &models.DispatchResult{OK: false, Status: 404, APIName: "weather"}, nil
	}}
	e := newTestEngine(s, d)

	res, err := e.Handle(ctx, textEvent(alice, "weather"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Looking that up...", "We don't know that town."}, contents(res.Outbound))
}

func TestHandleAPIStepEmptyRenderIsTemplateError(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	apiFixture(s, false)
	d := &fakeDispatcher{fn: func(uint, map[string]string) (*models.DispatchResult, error) {
		return &models.DispatchResult{OK: true, Status: 200, FormattedText: "  "}, nil
	}}
	e := newTestEngine(s, d)

	res, err := e.Handle(ctx, textEvent(alice, "weather"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Looking that up...", DefaultMessage(CategoryTemplate)}, contents(res.Outbound))
}

func TestHandleAPIStepSuccess(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	apiFixture(s, true)
	d := &fakeDispatcher{fn: func(uint, map[string]string) (*models.DispatchResult, error) {
		return &models.DispatchResult{OK: true, Status: 200, FormattedText: "Sunny, 31°C"}, nil
	}}
	e := newTestEngine(s, d)

	res, err := e.Handle(ctx, textEvent(alice, "weather"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Looking that up...", "Sunny, 31°C", "Anything else?"}, contents(res.Outbound))
}

func TestHandleAPIStepWithoutDispatcherIsDisabled(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	apiFixture(s, false)
	e := newTestEngine(s, nil)

	res, err := e.Handle(ctx, textEvent(alice, "weather"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Looking that up...", DefaultMessage(CategoryDisabled)}, contents(res.Outbound))
}

func TestHandleFinishesBeforeLockExpires(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	apiFixture(s, false)
	d := &fakeDispatcher{hang: true}

	settings := DefaultSettings()
	settings.Now = func() time.Time { return s.now() }
	settings.LockTTL = time.Second
	e := New(Deps{
		Sessions:   s,
		Contacts:   s,
		Campaigns:  s,
		Commands:   s,
		Feedback:   s,
		Dispatcher: d,
		Locker:     &serialLocker{},
	}, settings)

	started := time.Now()
	res, err := e.Handle(ctx, textEvent(alice, "weather"))
	require.NoError(t, err)
	assert.Less(t, time.Since(started), settings.LockTTL)

	require.Len(t, d.deadlines, 1)
	assert.False(t, d.deadlines[0].After(started.Add(settings.LockTTL)))
	assert.Equal(t, []string{"Looking that up...", DefaultMessage(CategoryServiceDown)}, contents(res.Outbound))
	assert.Equal(t, models.SessionCompleted, s.onlySession().Status)
}

func TestHandleConcurrentAnswersForOneContact(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)

	settings := DefaultSettings()
	settings.Now = func() time.Time { return s.now() }
	e := New(Deps{
		Sessions:  s,
		Contacts:  s,
		Campaigns: s,
		Commands:  s,
		Feedback:  s,
		Locker:    &serialLocker{},
	}, settings)

	_, err := e.Handle(ctx, textEvent(alice, "survey"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Handle(ctx, textEvent(alice, "1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	valid := 0
	for _, r := range s.responses {
		if r.StepID == 11 && r.IsValid {
			valid++
		}
	}
	assert.Equal(t, 1, valid)
	require.Len(t, s.sessions, 1)
	assert.Equal(t, models.SessionCompleted, s.sessions[0].Status)
}

func TestHandleConflictWithOtherCampaign(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)
	s.addCampaign(2, "Signup", "signup")
	s.addStep(models.CampaignStep{Model: gorm.Model{ID: 20}, CampaignID: 2, StepNumber: 1, ActionType: models.ActionInput, ExpectedInput: models.ExpectEmail, PromptText: "Your email?"})
	e := newTestEngine(s, nil)

	_, err := e.Handle(ctx, textEvent(alice, "survey"))
	require.NoError(t, err)

	res, err := e.Handle(ctx, textEvent(alice, "signup"))
	require.NoError(t, err)
	require.Len(t, res.Outbound, 1)
	assert.Contains(t, res.Outbound[0].Content, `"Survey"`)
	assert.Contains(t, res.Outbound[0].Content, "/exit")
	assert.Len(t, s.sessions, 1)
}

func TestHandleSameKeywordResumesActiveSession(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)
	e := newTestEngine(s, nil)

	_, err := e.Handle(ctx, textEvent(alice, "survey"))
	require.NoError(t, err)

	res, err := e.Handle(ctx, textEvent(alice, "survey"))
	require.NoError(t, err)
	require.Len(t, res.Outbound, 1)
	assert.Contains(t, res.Outbound[0].Content, "Did you enjoy it?")
	assert.Len(t, s.sessions, 1)
}

func TestHandleExitThenKeywordRevivesAtCurrentStep(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)
	e := newTestEngine(s, nil)

	_, err := e.Handle(ctx, textEvent(alice, "survey"))
	require.NoError(t, err)

	res, err := e.Handle(ctx, textEvent(alice, "/exit"))
	require.NoError(t, err)
	assert.Equal(t, []string{msgExitDone}, contents(res.Outbound))
	assert.Equal(t, models.SessionExpired, s.onlySession().Status)

	res, err = e.Handle(ctx, textEvent(alice, "survey"))
	require.NoError(t, err)
	require.Len(t, res.Outbound, 2)
	assert.Equal(t, msgResuming, res.Outbound[0].Content)
	assert.Contains(t, res.Outbound[1].Content, "Did you enjoy it?")

	sess := s.onlySession()
	assert.Equal(t, models.SessionActive, sess.Status)
	assert.Equal(t, uint(11), *sess.CurrentStepID)
}

func TestHandleLazyExpiryRevivesOnNextMessage(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)
	e := newTestEngine(s, nil)

	_, err := e.Handle(ctx, textEvent(alice, "survey"))
	require.NoError(t, err)

	later := testNow.Add(31 * time.Minute)
	s.now = func() time.Time { return later }

	res, err := e.Handle(ctx, textEvent(alice, "hello?"))
	require.NoError(t, err)
	require.Len(t, res.Outbound, 2)
	assert.Equal(t, msgResuming, res.Outbound[0].Content)
	assert.Contains(t, res.Outbound[1].Content, "Did you enjoy it?")

	sess := s.onlySession()
	assert.Equal(t, models.SessionActive, sess.Status)
	assert.Equal(t, uint(11), *sess.CurrentStepID)
	assert.Empty(t, s.responses, "the reviving message is not taken as an answer")
}

func TestHandleCurrentStepRecoveredFromResponses(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)
	e := newTestEngine(s, nil)

	contact, _ := s.FindOrCreateContact(ctx, alice, "")
	sess, _ := s.CreateSession(ctx, contact.ID, uintPtr(1), models.Scratch{})
	require.NoError(t, s.AppendResponse(ctx, &models.CampaignResponse{SessionID: sess.ID, StepID: 11, RawInput: "meh"}))

	res, err := e.Handle(ctx, textEvent(alice, "1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Great!"}, contents(res.Outbound))
}

func TestHandleZeroStepCampaign(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.addCampaign(5, "Empty", "empty")
	e := newTestEngine(s, nil)

	res, err := e.Handle(ctx, textEvent(alice, "empty"))
	require.NoError(t, err)
	assert.Equal(t, []string{msgApology}, contents(res.Outbound))
	assert.Equal(t, models.SessionCancelled, s.onlySession().Status)
}

func TestHandleSequentialMisconfigurationApologises(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.addCampaign(6, "Food", "food")
	s.addStep(models.CampaignStep{Model: gorm.Model{ID: 60}, CampaignID: 6, StepNumber: 1, ActionType: models.ActionChoice, ChoiceMode: models.ChoiceSequential, PromptText: "What would you like?"})
	e := newTestEngine(s, nil)

	_, err := e.Handle(ctx, textEvent(alice, "food"))
	require.NoError(t, err)

	res, err := e.Handle(ctx, textEvent(alice, "roti canai"))
	require.NoError(t, err)
	assert.Equal(t, []string{msgApology}, contents(res.Outbound))
	assert.Equal(t, models.SessionCancelled, s.onlySession().Status)
}

func TestHandleStepCycleIsCutOff(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.addCampaign(6, "Loop", "loop")
	s.addStep(models.CampaignStep{Model: gorm.Model{ID: 1}, CampaignID: 6, StepNumber: 1, ActionType: models.ActionMessage, PromptText: "ping", NextStepID: uintPtr(2)})
	s.addStep(models.CampaignStep{Model: gorm.Model{ID: 2}, CampaignID: 6, StepNumber: 2, ActionType: models.ActionMessage, PromptText: "pong", NextStepID: uintPtr(1)})
	e := newTestEngine(s, nil)

	res, err := e.Handle(ctx, textEvent(alice, "loop"))
	require.NoError(t, err)
	require.Len(t, res.Outbound, DefaultSettings().MaxChainHops+1)
	assert.Equal(t, msgApology, res.Outbound[len(res.Outbound)-1].Content)
	assert.Equal(t, models.SessionCancelled, s.onlySession().Status)
}

func TestHandleLanguageSelectorUpdatesContact(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.addCampaign(7, "Language", "lang")
	s.addStep(models.CampaignStep{Model: gorm.Model{ID: 70}, CampaignID: 7, StepNumber: 1, ActionType: models.ActionChoice, PromptText: "Choose a language", NextStepID: uintPtr(71)})
	s.addChoice(70, "en", "English", uintPtr(71))
	s.addChoice(70, "ms", "Bahasa Melayu", uintPtr(71))
	s.addChoice(70, "zh", "中文", uintPtr(71))
	s.addStep(models.CampaignStep{Model: gorm.Model{ID: 71}, CampaignID: 7, StepNumber: 2, ActionType: models.ActionMessage, PromptText: "Saved", IsEndStep: true})
	e := newTestEngine(s, nil)

	_, err := e.Handle(ctx, textEvent(alice, "lang"))
	require.NoError(t, err)

	res, err := e.Handle(ctx, textEvent(alice, "Bahasa Melayu"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Saved"}, contents(res.Outbound))
	assert.Equal(t, "ms", s.contacts[alice].LanguageCode)
	assert.Equal(t, "ms", res.Outbound[0].StepContext.Lang)
}

func TestHandleDuplicateMessageIgnored(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	surveyFixture(s)
	locker := &fakeLocker{}
	settings := DefaultSettings()
	settings.Now = s.now
	e := New(Deps{
		Sessions:  s,
		Contacts:  s,
		Campaigns: s,
		Commands:  s,
		Feedback:  s,
		Locker:    locker,
		Dedupe:    &memDedupe{},
	}, settings)

	ev := textEvent(alice, "survey")
	ev.MessageID = "wamid.1"

	res, err := e.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Len(t, res.Outbound, 2)

	res, err = e.Handle(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Empty(t, res.Outbound)
	assert.Len(t, s.sessions, 1)

	assert.Equal(t, []string{"contact:" + alice, "contact:" + alice}, locker.acquired)
	assert.Equal(t, 2, locker.released)
}

func TestHandleRequiresSender(t *testing.T) {
	e := newTestEngine(newMemStore(), nil)
	_, err := e.Handle(context.Background(), textEvent("  ", "hi"))
	assert.ErrorIs(t, err, ErrMissingSender)
}

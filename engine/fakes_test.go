package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"wacampaign/models"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func uintPtr(v uint) *uint { return &v }

// memStore is an in-memory implementation of every store the engine reads and writes.
type memStore struct {
	mu     sync.Mutex
	nextID uint
	now    func() time.Time

	contacts  map[string]*models.Contact
	campaigns map[uint]*models.Campaign
	keywords  map[string]uint
	steps     map[uint]*models.CampaignStep
	choices   map[uint][]models.CampaignStepChoice
	sessions  []*models.CampaignSession
	responses []models.CampaignResponse
	feedback  []models.Feedback
	commands  []models.SystemCommand
}

func newMemStore() *memStore {
	return &memStore{
		nextID:    1000,
		now:       func() time.Time { return testNow },
		contacts:  make(map[string]*models.Contact),
		campaigns: make(map[uint]*models.Campaign),
		keywords:  make(map[string]uint),
		steps:     make(map[uint]*models.CampaignStep),
		choices:   make(map[uint][]models.CampaignStepChoice),
	}
}

func (s *memStore) id() uint {
	s.nextID++
	return s.nextID
}

// builders

func (s *memStore) addCampaign(id uint, name string, keywords ...string) *models.Campaign {
	c := &models.Campaign{Model: gorm.Model{ID: id}, Name: name, Status: models.CampaignStatusActive}
	s.campaigns[id] = c
	for _, kw := range keywords {
		s.keywords[kw] = id
	}
	return c
}

func (s *memStore) addStep(st models.CampaignStep) *models.CampaignStep {
	if st.ChoiceMode == "" {
		st.ChoiceMode = models.ChoiceBranch
	}
	if st.ExpectedInput == "" {
		st.ExpectedInput = models.ExpectNone
	}
	cp := st
	s.steps[st.ID] = &cp
	return &cp
}

func (s *memStore) addChoice(stepID uint, code, label string, next *uint) models.CampaignStepChoice {
	c := models.CampaignStepChoice{Model: gorm.Model{ID: s.id()}, StepID: stepID, ChoiceCode: code, Label: label, NextStepID: next}
	s.choices[stepID] = append(s.choices[stepID], c)
	return c
}

func (s *memStore) session(id uint) *models.CampaignSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ID == id {
			cp := *sess
			return &cp
		}
	}
	return nil
}

func (s *memStore) sessionsFor(contactID uint) []models.CampaignSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CampaignSession
	for _, sess := range s.sessions {
		if sess.ContactID == contactID {
			out = append(out, *sess)
		}
	}
	return out
}

func (s *memStore) onlySession() *models.CampaignSession {
	if len(s.sessions) != 1 {
		return nil
	}
	return s.session(s.sessions[0].ID)
}

// ContactStore

func (s *memStore) FindOrCreateContact(ctx context.Context, address, displayName string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[address]
	if !ok {
		c = &models.Contact{Model: gorm.Model{ID: s.id()}, Address: address, DisplayName: displayName, LanguageCode: "en"}
		s.contacts[address] = c
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) UpdateLanguage(ctx context.Context, contactID uint, lang string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.contacts {
		if c.ID == contactID {
			c.LanguageCode = lang
		}
	}
	return nil
}

// SessionStore

func (s *memStore) latest(match func(*models.CampaignSession) bool) *models.CampaignSession {
	var found []*models.CampaignSession
	for _, sess := range s.sessions {
		if match(sess) {
			found = append(found, sess)
		}
	}
	if len(found) == 0 {
		return nil
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].LastActiveAt.Equal(found[j].LastActiveAt) {
			return found[i].ID > found[j].ID
		}
		return found[i].LastActiveAt.After(found[j].LastActiveAt)
	})
	cp := *found[0]
	return &cp
}

func (s *memStore) FindActiveSession(ctx context.Context, contactID uint) (*models.CampaignSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest(func(x *models.CampaignSession) bool {
		return x.ContactID == contactID && x.Status == models.SessionActive
	}), nil
}

func (s *memStore) FindSession(ctx context.Context, contactID, campaignID uint, status models.SessionStatus) (*models.CampaignSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest(func(x *models.CampaignSession) bool {
		return x.ContactID == contactID && x.CampaignID != nil && *x.CampaignID == campaignID && x.Status == status
	}), nil
}

func (s *memStore) FindExpiredSession(ctx context.Context, contactID uint) (*models.CampaignSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest(func(x *models.CampaignSession) bool {
		return x.ContactID == contactID && x.CampaignID != nil && x.Status == models.SessionExpired
	}), nil
}

func (s *memStore) CreateSession(ctx context.Context, contactID uint, campaignID *uint, scratch models.Scratch) (*models.CampaignSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &models.CampaignSession{
		Model:        gorm.Model{ID: s.id()},
		ContactID:    contactID,
		CampaignID:   campaignID,
		Status:       models.SessionActive,
		LastActiveAt: s.now(),
		ScratchKind:  scratch.Kind,
		Scratch:      scratch,
	}
	s.sessions = append(s.sessions, sess)
	cp := *sess
	return &cp, nil
}

func (s *memStore) UpdateSession(ctx context.Context, id uint, patch models.SessionPatch) (*models.CampaignSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.ID != id {
			continue
		}
		if patch.Status != nil {
			sess.Status = *patch.Status
		}
		if patch.CurrentStepID != nil {
			v := *patch.CurrentStepID
			sess.CurrentStepID = &v
		}
		if patch.Scratch != nil {
			sess.Scratch = *patch.Scratch
			sess.ScratchKind = patch.Scratch.Kind
		}
		sess.LastActiveAt = s.now()
		cp := *sess
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *memStore) AppendResponse(ctx context.Context, resp *models.CampaignResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp.ID = s.id()
	resp.CreatedAt = s.now()
	s.responses = append(s.responses, *resp)
	return nil
}

func (s *memStore) lastResponse(sessionID uint, validOnly bool) *models.CampaignResponse {
	for i := len(s.responses) - 1; i >= 0; i-- {
		r := s.responses[i]
		if r.SessionID == sessionID && (!validOnly || r.IsValid) {
			return &r
		}
	}
	return nil
}

func (s *memStore) LastValidResponse(ctx context.Context, sessionID uint) (*models.CampaignResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResponse(sessionID, true), nil
}

func (s *memStore) LastResponse(ctx context.Context, sessionID uint) (*models.CampaignResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResponse(sessionID, false), nil
}

// CampaignReader

func (s *memStore) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) FindCampaignByKeyword(ctx context.Context, keyword string) (*models.Campaign, error) {
	id, ok := s.keywords[keyword]
	if !ok {
		return nil, nil
	}
	return s.GetCampaign(ctx, id)
}

func (s *memStore) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	var out []models.Campaign
	for _, c := range s.campaigns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetStep(ctx context.Context, id uint) (*models.CampaignStep, error) {
	st, ok := s.steps[id]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *memStore) FirstStep(ctx context.Context, campaignID uint) (*models.CampaignStep, error) {
	var first *models.CampaignStep
	for _, st := range s.steps {
		if st.CampaignID != campaignID {
			continue
		}
		if first == nil || st.StepNumber < first.StepNumber {
			first = st
		}
	}
	if first == nil {
		return nil, nil
	}
	cp := *first
	return &cp, nil
}

func (s *memStore) ListChoices(ctx context.Context, stepID uint) ([]models.CampaignStepChoice, error) {
	return append([]models.CampaignStepChoice(nil), s.choices[stepID]...), nil
}

// CommandReader

func (s *memStore) ListCommands(ctx context.Context) ([]models.SystemCommand, error) {
	return s.commands, nil
}

// FeedbackStore

func (s *memStore) CreateFeedback(ctx context.Context, fb *models.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fb.ID = s.id()
	s.feedback = append(s.feedback, *fb)
	return nil
}

// fakeDispatcher answers api steps from a function. With hang set it waits for
// the context instead, like a provider that never answers.
type fakeDispatcher struct {
	calls     []map[string]string
	deadlines []time.Time
	hang      bool
	fn        func(apiID uint, vars map[string]string) (*models.DispatchResult, error)
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, apiID uint, vars map[string]string, meta models.DispatchMeta) (*models.DispatchResult, error) {
	d.calls = append(d.calls, vars)
	if deadline, ok := ctx.Deadline(); ok {
		d.deadlines = append(d.deadlines, deadline)
	}
	if d.hang {
		<-ctx.Done()
		return nil, &models.DispatchError{Status: 504, Code: models.DispatchCodeTimeout, Message: ctx.Err().Error()}
	}
	return d.fn(apiID, vars)
}

// fakeLocker records lock keys and releases.
type fakeLocker struct {
	mu       sync.Mutex
	acquired []string
	released int
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, nil
}

// serialLocker holds one mutex per key, like the real lockers.
type serialLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *serialLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	var once sync.Once
	return func() { once.Do(m.Unlock) }, nil
}

type memDedupe struct {
	seen map[string]bool
}

func (d *memDedupe) FirstSeen(ctx context.Context, id string) (bool, error) {
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDedupe) Forget(ctx context.Context, id string) error {
	delete(d.seen, id)
	return nil
}

func newTestEngine(store *memStore, dispatcher EndpointDispatcher) *Engine {
	settings := DefaultSettings()
	settings.Now = func() time.Time { return store.now() }
	return New(Deps{
		Sessions:   store,
		Contacts:   store,
		Campaigns:  store,
		Commands:   store,
		Feedback:   store,
		Dispatcher: dispatcher,
	}, settings)
}

func textEvent(from, text string) InboundEvent {
	return InboundEvent{From: from, Text: text, Kind: KindText}
}

func contents(msgs []models.OutboundMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

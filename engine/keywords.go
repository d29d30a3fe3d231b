package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"wacampaign/models"
)

const msgConflict = "You're currently in %s. Please finish it or type /exit before starting another campaign."

// SplitKeyword splits "weather cheras" into keyword "weather" and argument
// "cheras". The keyword is lowercased; the argument keeps its case.
func SplitKeyword(text string) (keyword, args string) {
	text = strings.TrimSpace(text)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	keyword = strings.ToLower(fields[0])
	args = strings.TrimSpace(text[len(fields[0]):])
	return keyword, args
}

// MenuToken is the reply id a menu row carries for a campaign.
func MenuToken(campaignID uint) string {
	return menuTokenPrefix + strconv.FormatUint(uint64(campaignID), 10)
}

func parseMenuToken(s string) (uint, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, menuTokenPrefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(s, menuTokenPrefix), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

type keywordMatch struct {
	campaign *models.Campaign
	keyword  string
	args     string
}

// matchKeyword resolves the campaign an input asks for: a menu selection token,
// an exact keyword, or (only without an active session) a keyword followed by
// an argument. Campaigns outside their eligibility window never match.
func (t *turn) matchKeyword(ctx context.Context, ev InboundEvent, text string, hasActive bool) (*keywordMatch, error) {
	now := t.e.settings.Now()

	token := ReplyID(ev.Payload)
	if token == "" {
		token = text
	}
	if id, ok := parseMenuToken(token); ok {
		c, err := t.e.deps.Campaigns.GetCampaign(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load campaign %d: %w", id, err)
		}
		if c == nil || !c.IsEligible(now) {
			return nil, nil
		}
		return &keywordMatch{campaign: c}, nil
	}

	if ev.Kind != KindText || text == "" {
		return nil, nil
	}

	exact := strings.ToLower(strings.Join(strings.Fields(text), " "))
	c, err := t.e.deps.Campaigns.FindCampaignByKeyword(ctx, exact)
	if err != nil {
		return nil, fmt.Errorf("find keyword %q: %w", exact, err)
	}
	if c != nil && c.IsEligible(now) {
		return &keywordMatch{campaign: c, keyword: exact}, nil
	}

	if hasActive {
		return nil, nil
	}
	kw, args := SplitKeyword(text)
	if args == "" {
		return nil, nil
	}
	c, err = t.e.deps.Campaigns.FindCampaignByKeyword(ctx, kw)
	if err != nil {
		return nil, fmt.Errorf("find keyword %q: %w", kw, err)
	}
	if c == nil || !c.IsEligible(now) {
		return nil, nil
	}
	return &keywordMatch{campaign: c, keyword: kw, args: args}, nil
}

// startCampaign enters the matched campaign: refusing when another campaign is
// in progress, resuming an existing session, or creating a new one.
func (t *turn) startCampaign(ctx context.Context, active *models.CampaignSession, m *keywordMatch) error {
	c := m.campaign

	if active != nil && active.CampaignID != nil {
		if *active.CampaignID != c.ID {
			name := "another campaign"
			cur, err := t.e.deps.Campaigns.GetCampaign(ctx, *active.CampaignID)
			if err != nil {
				return fmt.Errorf("load campaign %d: %w", *active.CampaignID, err)
			}
			if cur != nil {
				name = fmt.Sprintf("%q", cur.Name)
			}
			t.text(t.stepContext(active, nil), fmt.Sprintf(msgConflict, name))
			return t.touch(ctx, active)
		}
		return t.resume(ctx, active, false)
	}

	expired, err := t.e.deps.Sessions.FindSession(ctx, t.contact.ID, c.ID, models.SessionExpired)
	if err != nil {
		return fmt.Errorf("find expired session: %w", err)
	}
	if expired != nil {
		return t.revive(ctx, expired)
	}

	scratch := models.Scratch{}
	if m.keyword != "" {
		scratch = models.KeywordStart(m.keyword, m.args)
	}
	campaignID := c.ID
	sess, err := t.e.deps.Sessions.CreateSession(ctx, t.contact.ID, &campaignID, scratch)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	t.e.log.WithFields(logrus.Fields{
		"contact_id":  t.contact.ID,
		"campaign_id": c.ID,
		"session_id":  sess.ID,
		"keyword":     m.keyword,
	}).Info("Campaign session started")

	first, err := t.e.deps.Campaigns.FirstStep(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("load first step: %w", err)
	}
	if first == nil {
		return t.failNoSteps(ctx, sess)
	}

	var in *StepInput
	if first.ActionType == models.ActionInput && m.args != "" {
		if err := t.pin(ctx, sess, first); err != nil {
			return err
		}
		in = &StepInput{Text: m.args, Kind: KindText}
	}
	return t.chain(ctx, sess, first, in)
}

func (t *turn) eligibleCampaigns(ctx context.Context) ([]models.Campaign, error) {
	all, err := t.e.deps.Campaigns.ListCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	now := t.e.settings.Now()
	out := all[:0]
	for _, c := range all {
		if c.IsEligible(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// showMenu lists eligible campaigns, each row carrying its selection token.
func (t *turn) showMenu(ctx context.Context, hint string) error {
	campaigns, err := t.eligibleCampaigns(ctx)
	if err != nil {
		return err
	}
	sc := t.stepContext(nil, nil)

	if len(campaigns) == 0 {
		body := msgNoCampaigns
		if hint != "" {
			body = hint + " " + body
		}
		t.text(sc, body)
		return nil
	}

	if len(campaigns) > maxListRows {
		t.e.log.WithField("campaigns", len(campaigns)).Debug("Menu truncated to list limit")
		campaigns = campaigns[:maxListRows]
	}
	opts := make([]option, 0, len(campaigns))
	for _, c := range campaigns {
		opts = append(opts, option{id: MenuToken(c.ID), title: c.Name, desc: c.Description})
	}

	body := msgMenuHeader
	if hint != "" {
		body = hint + "\n\n" + body
	}
	// always a list so the rows carry descriptions
	rows := make([]models.ListRow, 0, len(opts))
	for _, o := range opts {
		rows = append(rows, models.ListRow{ID: o.id, Title: truncate(o.title, maxRowTitle), Description: truncate(o.desc, maxRowDesc)})
	}
	t.emit(models.OutboundMessage{
		Content:     body + "\n\n" + numbered(opts),
		ContentType: models.ContentList,
		Payload: &models.StructuredPayload{
			ButtonText: msgMenuButton,
			Sections:   []models.ListSection{{Rows: rows}},
		},
		StepContext: sc,
	})
	return nil
}

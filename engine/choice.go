package engine

import (
	"strconv"
	"strings"

	"wacampaign/models"
)

// MatchChoice finds the choice a reply selects. Structured replies match on
// choice code, then label, then numeric id; free text matches code or label.
// Matching is case-insensitive. It returns nil when nothing matches.
func MatchChoice(choices []models.CampaignStepChoice, kind InputKind, text string, payload map[string]interface{}) *models.CampaignStepChoice {
	text = strings.TrimSpace(text)

	if kind == KindButton || kind == KindList {
		id := ReplyID(payload)
		if id == "" {
			id = text
		}
		if c := matchCodeOrLabel(choices, id); c != nil {
			return c
		}
		if n, err := strconv.ParseUint(id, 10, 64); err == nil {
			for i := range choices {
				if uint64(choices[i].ID) == n {
					return &choices[i]
				}
			}
		}
		// some clients only send the title back
		if title := ReplyTitle(payload); title != "" && title != id {
			return matchCodeOrLabel(choices, title)
		}
		return nil
	}

	return matchCodeOrLabel(choices, text)
}

func matchCodeOrLabel(choices []models.CampaignStepChoice, s string) *models.CampaignStepChoice {
	if s == "" {
		return nil
	}
	for i := range choices {
		if choices[i].ChoiceCode != "" && strings.EqualFold(choices[i].ChoiceCode, s) {
			return &choices[i]
		}
	}
	for i := range choices {
		if choices[i].Label != "" && strings.EqualFold(choices[i].Label, s) {
			return &choices[i]
		}
	}
	return nil
}

// IsLanguageSelector reports whether answering step changes the contact's
// language: either the step is flagged, or every choice code is a supported
// language code.
func IsLanguageSelector(step *models.CampaignStep, choices []models.CampaignStepChoice, supported []string) bool {
	if step == nil || step.ActionType != models.ActionChoice {
		return false
	}
	if step.IsLanguageSelector {
		return true
	}
	if len(choices) == 0 {
		return false
	}
	for _, c := range choices {
		if !containsFold(supported, c.ChoiceCode) {
			return false
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}

package utils

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"
	"gorm.io/gorm"

	"wacampaign/models"
)

// ContentResolver looks up localized step content in step_templates.
type ContentResolver struct {
	DB              *gorm.DB
	DefaultLanguage string
}

func NewContentResolver(db *gorm.DB, defaultLanguage string) *ContentResolver {
	return &ContentResolver{DB: db, DefaultLanguage: defaultLanguage}
}

// ResolveStepContent picks the template for the contact's language, then the
// default language, then any language. Steps without a template source, or
// whose source has no rows, fall back to their own prompt.
func (r *ContentResolver) ResolveStepContent(ctx context.Context, sess *models.CampaignSession, contact *models.Contact, step *models.CampaignStep) (*models.ResolvedContent, error) {
	lang := r.DefaultLanguage
	if contact != nil && contact.LanguageCode != "" {
		lang = contact.LanguageCode
	}
	vars, err := r.placeholders(ctx, contact, step, lang)
	if err != nil {
		return nil, err
	}

	out := &models.ResolvedContent{
		Body:         RenderPlaceholders(step.PromptText, vars),
		MediaURL:     step.MediaURL,
		Placeholders: vars,
		Lang:         lang,
		Fallback:     true,
	}
	if step.TemplateSourceID == nil {
		return out, nil
	}

	tpl, err := r.lookup(ctx, *step.TemplateSourceID, lang)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return out, nil
	}

	out.ContentID = &tpl.ID
	out.Lang = tpl.LanguageCode
	out.Fallback = false
	out.ButtonText = tpl.ButtonText
	if strings.TrimSpace(tpl.Body) != "" {
		out.Body = RenderPlaceholders(tpl.Body, vars)
	}
	if tpl.MediaURL != "" {
		out.MediaURL = tpl.MediaURL
	}
	return out, nil
}

func (r *ContentResolver) lookup(ctx context.Context, sourceID uint, lang string) (*models.StepTemplate, error) {
	langs := []string{lang}
	if r.DefaultLanguage != "" && r.DefaultLanguage != lang {
		langs = append(langs, r.DefaultLanguage)
	}

	for _, l := range langs {
		var tpl models.StepTemplate
		err := r.DB.WithContext(ctx).Where("source_id = ? AND language_code = ?", sourceID, l).First(&tpl).Error
		if err == nil {
			return &tpl, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	var tpl models.StepTemplate
	err := r.DB.WithContext(ctx).Where("source_id = ?", sourceID).Order("id ASC").First(&tpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (r *ContentResolver) placeholders(ctx context.Context, contact *models.Contact, step *models.CampaignStep, lang string) (map[string]string, error) {
	vars := map[string]string{"language": lang}
	if contact != nil {
		vars["contact"] = contact.DisplayName
		if vars["contact"] == "" {
			vars["contact"] = contact.Address
		}
	}

	var campaign models.Campaign
	err := r.DB.WithContext(ctx).Select("id", "name").First(&campaign, step.CampaignID).Error
	switch {
	case err == nil:
		vars["campaign"] = campaign.Name
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	return vars, nil
}

// RenderPlaceholders replaces {name} tags with vars. Unknown tags are kept.
func RenderPlaceholders(text string, vars map[string]string) string {
	if !strings.Contains(text, "{") {
		return text
	}
	out, err := fasttemplate.ExecuteFuncStringWithErr(text, "{", "}", func(w io.Writer, tag string) (int, error) {
		if v, ok := vars[strings.TrimSpace(tag)]; ok {
			return w.Write([]byte(v))
		}
		return w.Write([]byte("{" + tag + "}"))
	})
	if err != nil {
		return text
	}
	return out
}

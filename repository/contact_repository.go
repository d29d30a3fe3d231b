package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"wacampaign/engine"
	"wacampaign/models"
)

// ContactRepository resolves contacts by address.
type ContactRepository struct {
	DB              *gorm.DB
	DefaultLanguage string
}

var _ engine.ContactStore = (*ContactRepository)(nil)

func NewContactRepository(db *gorm.DB, defaultLanguage string) *ContactRepository {
	return &ContactRepository{DB: db, DefaultLanguage: defaultLanguage}
}

// FindOrCreateContact returns the contact for address, creating it on first
// contact, and records when it was last seen.
func (r *ContactRepository) FindOrCreateContact(ctx context.Context, address, displayName string) (*models.Contact, error) {
	now := time.Now()
	lang := r.DefaultLanguage
	if lang == "" {
		lang = "en"
	}

	var contact models.Contact
	err := r.DB.WithContext(ctx).
		Where(models.Contact{Address: address}).
		Attrs(models.Contact{DisplayName: displayName, LanguageCode: lang}).
		FirstOrCreate(&contact).Error
	if err != nil {
		return nil, fmt.Errorf("find or create contact: %w", err)
	}

	updates := map[string]interface{}{"last_seen_at": now}
	if displayName != "" && displayName != contact.DisplayName {
		updates["display_name"] = displayName
	}
	if err := r.DB.WithContext(ctx).Model(&contact).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("touch contact: %w", err)
	}
	return &contact, nil
}

func (r *ContactRepository) UpdateLanguage(ctx context.Context, contactID uint, lang string) error {
	return r.DB.WithContext(ctx).Model(&models.Contact{}).Where("id = ?", contactID).Update("language_code", lang).Error
}

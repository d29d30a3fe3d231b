package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"wacampaign/engine"
	"wacampaign/models"
)

// SessionRepository stores campaign sessions and the response audit log.
type SessionRepository struct {
	DB *gorm.DB
}

var _ engine.SessionStore = (*SessionRepository)(nil)

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{DB: db}
}

func (r *SessionRepository) first(ctx context.Context, query *gorm.DB) (*models.CampaignSession, error) {
	var sess models.CampaignSession
	err := query.WithContext(ctx).Order("last_active_at DESC").Order("id DESC").First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *SessionRepository) FindActiveSession(ctx context.Context, contactID uint) (*models.CampaignSession, error) {
	return r.first(ctx, r.DB.Where("contact_id = ? AND status = ?", contactID, models.SessionActive))
}

func (r *SessionRepository) FindSession(ctx context.Context, contactID, campaignID uint, status models.SessionStatus) (*models.CampaignSession, error) {
	return r.first(ctx, r.DB.Where("contact_id = ? AND campaign_id = ? AND status = ?", contactID, campaignID, status))
}

func (r *SessionRepository) FindExpiredSession(ctx context.Context, contactID uint) (*models.CampaignSession, error) {
	return r.first(ctx, r.DB.Where("contact_id = ? AND campaign_id IS NOT NULL AND status = ?", contactID, models.SessionExpired))
}

func (r *SessionRepository) CreateSession(ctx context.Context, contactID uint, campaignID *uint, scratch models.Scratch) (*models.CampaignSession, error) {
	sess := &models.CampaignSession{
		ContactID:    contactID,
		CampaignID:   campaignID,
		Status:       models.SessionActive,
		LastActiveAt: time.Now(),
		ScratchKind:  scratch.Kind,
		Scratch:      scratch,
	}
	if err := r.DB.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// UpdateSession applies patch and always refreshes last_active_at.
func (r *SessionRepository) UpdateSession(ctx context.Context, id uint, patch models.SessionPatch) (*models.CampaignSession, error) {
	updates := map[string]interface{}{
		"last_active_at": time.Now(),
	}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.CurrentStepID != nil {
		updates["current_step_id"] = *patch.CurrentStepID
	}
	if patch.Scratch != nil {
		updates["scratch"] = *patch.Scratch
		updates["scratch_kind"] = patch.Scratch.Kind
	}

	res := r.DB.WithContext(ctx).Model(&models.CampaignSession{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update session %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("update session %d: %w", id, gorm.ErrRecordNotFound)
	}

	var sess models.CampaignSession
	if err := r.DB.WithContext(ctx).First(&sess, id).Error; err != nil {
		return nil, fmt.Errorf("reload session %d: %w", id, err)
	}
	return &sess, nil
}

func (r *SessionRepository) AppendResponse(ctx context.Context, resp *models.CampaignResponse) error {
	return r.DB.WithContext(ctx).Create(resp).Error
}

func (r *SessionRepository) LastValidResponse(ctx context.Context, sessionID uint) (*models.CampaignResponse, error) {
	return r.lastResponse(ctx, r.DB.Where("session_id = ? AND is_valid = ?", sessionID, true))
}

func (r *SessionRepository) LastResponse(ctx context.Context, sessionID uint) (*models.CampaignResponse, error) {
	return r.lastResponse(ctx, r.DB.Where("session_id = ?", sessionID))
}

func (r *SessionRepository) lastResponse(ctx context.Context, query *gorm.DB) (*models.CampaignResponse, error) {
	var resp models.CampaignResponse
	err := query.WithContext(ctx).Order("id DESC").First(&resp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListResponses returns a session's audit log in order.
func (r *SessionRepository) ListResponses(ctx context.Context, sessionID uint) ([]models.CampaignResponse, error) {
	var out []models.CampaignResponse
	err := r.DB.WithContext(ctx).Where("session_id = ?", sessionID).Order("id ASC").Find(&out).Error
	return out, err
}

package repository

import (
	"context"

	"gorm.io/gorm"

	"wacampaign/engine"
	"wacampaign/models"
)

// FeedbackRepository stores contact feedback.
type FeedbackRepository struct {
	DB *gorm.DB
}

var _ engine.FeedbackStore = (*FeedbackRepository)(nil)

func NewFeedbackRepository(db *gorm.DB) *FeedbackRepository {
	return &FeedbackRepository{DB: db}
}

func (r *FeedbackRepository) CreateFeedback(ctx context.Context, fb *models.Feedback) error {
	return r.DB.WithContext(ctx).Create(fb).Error
}

package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"wacampaign/engine"
	"wacampaign/models"
)

// CampaignRepository reads campaign scripts.
type CampaignRepository struct {
	DB *gorm.DB
}

var _ engine.CampaignReader = (*CampaignRepository)(nil)

func NewCampaignRepository(db *gorm.DB) *CampaignRepository {
	return &CampaignRepository{DB: db}
}

func notFoundAsNil(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

func (r *CampaignRepository) GetCampaign(ctx context.Context, id uint) (*models.Campaign, error) {
	var c models.Campaign
	if err := r.DB.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &c, nil
}

func (r *CampaignRepository) FindCampaignByKeyword(ctx context.Context, keyword string) (*models.Campaign, error) {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return nil, nil
	}

	var c models.Campaign
	err := r.DB.WithContext(ctx).
		Joins("JOIN campaign_keywords ON campaign_keywords.campaign_id = campaigns.id AND campaign_keywords.deleted_at IS NULL").
		Where("campaign_keywords.keyword = ?", keyword).
		First(&c).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	var out []models.Campaign
	err := r.DB.WithContext(ctx).
		Where("status IN ?", []string{models.CampaignStatusActive, models.CampaignStatusUpcoming}).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (r *CampaignRepository) GetStep(ctx context.Context, id uint) (*models.CampaignStep, error) {
	var s models.CampaignStep
	if err := r.DB.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, notFoundAsNil(err)
	}
	return &s, nil
}

func (r *CampaignRepository) FirstStep(ctx context.Context, campaignID uint) (*models.CampaignStep, error) {
	var s models.CampaignStep
	err := r.DB.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("step_number ASC").Order("id ASC").
		First(&s).Error
	if err != nil {
		return nil, notFoundAsNil(err)
	}
	return &s, nil
}

func (r *CampaignRepository) ListChoices(ctx context.Context, stepID uint) ([]models.CampaignStepChoice, error) {
	var out []models.CampaignStepChoice
	err := r.DB.WithContext(ctx).Where("step_id = ?", stepID).Order("id ASC").Find(&out).Error
	return out, err
}

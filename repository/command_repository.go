package repository

import (
	"context"

	"gorm.io/gorm"

	"wacampaign/engine"
	"wacampaign/models"
)

// CommandRepository reads the system command registry.
type CommandRepository struct {
	DB *gorm.DB
}

var _ engine.CommandReader = (*CommandRepository)(nil)

func NewCommandRepository(db *gorm.DB) *CommandRepository {
	return &CommandRepository{DB: db}
}

func (r *CommandRepository) ListCommands(ctx context.Context) ([]models.SystemCommand, error) {
	var out []models.SystemCommand
	err := r.DB.WithContext(ctx).Order("sort_order ASC").Order("id ASC").Find(&out).Error
	return out, err
}

// SetEnabled toggles a command.
func (r *CommandRepository) SetEnabled(ctx context.Context, command string, enabled bool) error {
	return r.DB.WithContext(ctx).Model(&models.SystemCommand{}).
		Where("command = ?", command).
		Update("is_enabled", enabled).Error
}

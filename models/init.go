package models

import "gorm.io/gorm"

// SeedSystemCommands inserts the built-in commands that are missing. Existing rows
// keep whatever enabled flag and description the dashboard gave them.
func SeedSystemCommands(db *gorm.DB) error {
	for _, cmd := range DefaultSystemCommands() {
		cmd := cmd
		if err := db.Where("command = ?", cmd.Command).FirstOrCreate(&cmd).Error; err != nil {
			return err
		}
	}
	return nil
}

// AllModels lists every table the service owns, in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Contact{},
		&Campaign{},
		&CampaignKeyword{},
		&CampaignStep{},
		&CampaignStepChoice{},
		&CampaignSession{},
		&CampaignResponse{},
		&Feedback{},
		&SystemCommand{},
		&StepTemplate{},
		&ExternalAPI{},
		&EndpointCallLog{},
		&MessageDelivery{},
	}
}

// EnsureIndexes creates indexes AutoMigrate cannot express. At most one ACTIVE
// session may exist per contact and campaign.
func EnsureIndexes(db *gorm.DB) error {
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_session
		ON campaign_sessions (contact_id, campaign_id)
		WHERE status = 'ACTIVE' AND deleted_at IS NULL`).Error
}

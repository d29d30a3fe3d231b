package models

import "gorm.io/gorm"

// System command names understood by the conversation engine
const (
	CommandStart    = "/start"
	CommandExit     = "/exit"
	CommandMenu     = "/menu"
	CommandReset    = "/reset"
	CommandFeedback = "/feedback"
	CommandHelp     = "/help"
)

// SystemCommand is a slash command that can be toggled and described from the dashboard
type SystemCommand struct {
	gorm.Model
	Command     string `gorm:"not null;uniqueIndex" json:"command"`
	Description string `json:"description"`
	IsEnabled   bool   `gorm:"default:true" json:"is_enabled"`
	SortOrder   int    `gorm:"default:0" json:"sort_order"`
}

// DefaultSystemCommands is the built-in command set, in /help order.
func DefaultSystemCommands() []SystemCommand {
	return []SystemCommand{
		{Command: CommandMenu, Description: "Show the campaigns you can join", IsEnabled: true, SortOrder: 1},
		{Command: CommandStart, Description: "Restart the current campaign from the first step", IsEnabled: true, SortOrder: 2},
		{Command: CommandExit, Description: "Leave the current campaign (you can resume later)", IsEnabled: true, SortOrder: 3},
		{Command: CommandReset, Description: "Cancel the current campaign and start over", IsEnabled: true, SortOrder: 4},
		{Command: CommandFeedback, Description: "Tell us how we are doing", IsEnabled: true, SortOrder: 5},
		{Command: CommandHelp, Description: "List the available commands", IsEnabled: true, SortOrder: 6},
	}
}

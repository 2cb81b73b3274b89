package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents a cohort member the engine nurtures
type User struct {
	gorm.Model

	// Identity
	Email string  `gorm:"uniqueIndex;not null" json:"email"`
	Name  *string `json:"name,omitempty"`

	// Chat delivery address (Telegram chat ID, empty = not linked)
	TelegramChatID string `gorm:"index" json:"telegram_chat_id,omitempty"`

	// Profile
	Timezone string `gorm:"default:'UTC'" json:"timezone"`

	// Account status: users are never hard-deleted, only deactivated
	IsActive       bool       `gorm:"default:true" json:"is_active"`
	LastActivityAt *time.Time `json:"last_activity_at"`

	// Relations
	Preference *CommunicationPreference `gorm:"foreignKey:UserID" json:"preference,omitempty"`
	States     []SequenceState          `gorm:"foreignKey:UserID" json:"states,omitempty"`
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// Channel identifies an outbound transport.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat"
)

// Interaction event types fed into scoring. Opens, clicks and replies
// raise the score; bounces and complaints lower it.
const (
	EventOpened     = "opened"
	EventClicked    = "clicked"
	EventReplied    = "replied"
	EventBounced    = "bounced"
	EventComplained = "complained"
)

// InteractionEvent is one normalized engagement signal, produced by the
// delivery status reconciler. Append-only input to scoring.
type InteractionEvent struct {
	gorm.Model
	UserID     uint      `gorm:"not null;index" json:"user_id"`
	DeliveryID *uint     `gorm:"index" json:"delivery_id,omitempty"`
	Channel    Channel   `gorm:"not null" json:"channel"`
	EventType  string    `gorm:"not null" json:"event_type"` // opened, clicked, replied, bounced, complained
	OccurredAt time.Time `gorm:"not null;index" json:"occurred_at"`
}

// ScoreFactors records how a score was assembled, for audit and admin
// display.
type ScoreFactors struct {
	Pattern        string  `json:"pattern"`
	BaseScore      int     `json:"base_score"`
	EventAdjust    int     `json:"event_adjust"`
	DecayFactor    float64 `json:"decay_factor"`
	EventsInWindow int     `json:"events_in_window"`
}

// EngagementScore is the derived 0-100 responsiveness estimate per user,
// plus per-channel sub-scores the dispatcher uses to break preference
// ties. Recomputed, never patched in place.
type EngagementScore struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex" json:"user_id"`

	Overall    int `gorm:"default:50" json:"overall"`
	EmailScore int `gorm:"default:50" json:"email_score"`
	ChatScore  int `gorm:"default:50" json:"chat_score"`

	ComputedAt time.Time    `gorm:"not null" json:"computed_at"`
	Factors    ScoreFactors `gorm:"type:jsonb;serializer:json" json:"factors"`
}

// SubScore returns the sub-score for a channel (overall as fallback).
func (s *EngagementScore) SubScore(ch Channel) int {
	switch ch {
	case ChannelEmail:
		return s.EmailScore
	case ChannelChat:
		return s.ChatScore
	}
	return s.Overall
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// Communication styles a user can pick. Each style implies a daily
// frequency cap, resolved through StyleCaps below.
const (
	StyleMaximal     = "maximal"
	StyleBalanced    = "balanced"
	StyleMinimal     = "minimal"
	StyleMeetingOnly = "meeting_only"
)

// Message classes. CriticalLogistics (imminent meeting changes) bypasses
// both the pause gate and frequency caps.
const (
	ClassNurture           = "nurture"
	ClassCriticalLogistics = "critical_logistics"
)

// StyleCaps maps a communication style to its max sent messages per
// trailing 24 hours. meeting_only means no nurture messages at all.
var StyleCaps = map[string]int{
	StyleMaximal:     3,
	StyleBalanced:    2,
	StyleMinimal:     1,
	StyleMeetingOnly: 0,
}

// CommunicationPreference holds a user's delivery preferences.
// Exactly one row per user; read on every dispatch decision.
type CommunicationPreference struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex" json:"user_id"`

	Style string `gorm:"default:'balanced'" json:"style"` // maximal, balanced, minimal, meeting_only

	// Pause state: while PausedUntil is in the future only
	// critical_logistics messages go out
	PausedUntil *time.Time `json:"paused_until"`

	// Per-channel opt-in flags. A hard bounce or complaint flips the
	// affected channel off; re-opt-in is an explicit user action.
	EmailOptIn bool `gorm:"default:true" json:"email_opt_in"`
	ChatOptIn  bool `gorm:"default:true" json:"chat_opt_in"`

	// PreferredChannel is tried first by the dispatcher
	PreferredChannel Channel `gorm:"default:'email'" json:"preferred_channel"`

	// MaxMessagesPerDay overrides the style cap when set
	MaxMessagesPerDay *int `json:"max_messages_per_day,omitempty"`

	// Relations
	User User `json:"-"`
}

// OptedIn reports whether the given channel is enabled for this user.
func (p *CommunicationPreference) OptedIn(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return p.EmailOptIn
	case ChannelChat:
		return p.ChatOptIn
	}
	return false
}

// DailyCap resolves the effective sent-messages-per-day limit.
func (p *CommunicationPreference) DailyCap() int {
	if p.MaxMessagesPerDay != nil {
		return *p.MaxMessagesPerDay
	}
	if cap, ok := StyleCaps[p.Style]; ok {
		return cap
	}
	return StyleCaps[StyleBalanced]
}

// Paused reports whether the user is paused as of the given time.
func (p *CommunicationPreference) Paused(asOf time.Time) bool {
	return p.PausedUntil != nil && p.PausedUntil.After(asOf)
}

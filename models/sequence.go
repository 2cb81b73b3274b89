package models

import (
	"time"

	"gorm.io/gorm"
)

// Sequence lifecycle statuses. Absence of a row means not-started.
// completed and cancelled are terminal.
const (
	SequenceActive    = "active"
	SequencePaused    = "paused"
	SequenceCompleted = "completed"
	SequenceCancelled = "cancelled"
)

// BranchRule optionally redirects a step based on the user's current
// engagement score and attendance snapshot. When the rule matches, the
// sequence jumps to Target instead of the next sequential step. Risk
// based rules are skipped while the attendance pattern is undefined.
type BranchRule struct {
	MinScore     *int `json:"min_score,omitempty"`      // matches when overall score < MinScore
	WhenRiskFlag bool `json:"when_risk_flag,omitempty"` // matches when the snapshot risk flag is set
	Target       int  `json:"target"`                   // step index to jump to
}

// SequenceStepDef is one timed step of a sequence definition.
type SequenceStepDef struct {
	Index        int         `json:"index"`
	DelayHours   int         `json:"delay_hours" validate:"min=0"`
	Channels     []Channel   `json:"channels" validate:"required,min=1"` // fallback order
	MessageClass string      `json:"message_class"`                      // nurture, critical_logistics
	Subject      string      `json:"subject"`
	Body         string      `json:"body" validate:"required"` // liquid template
	Branch       *BranchRule `json:"branch,omitempty"`
}

// SequenceDefinition is the static configuration for one sequence type
// (onboarding, re_engagement, ...): an ordered list of timed steps.
type SequenceDefinition struct {
	gorm.Model
	SequenceType string `gorm:"not null;uniqueIndex" json:"sequence_type"`
	Name         string `gorm:"not null" json:"name"`
	Description  string `json:"description"`
	IsActive     bool   `gorm:"default:true" json:"is_active"`

	Steps []SequenceStepDef `gorm:"type:jsonb;serializer:json" json:"steps"`

	// How many times a step may be rescheduled after total dispatch
	// failure before the sequence auto-cancels
	MaxStepRetries int `gorm:"default:3" json:"max_step_retries"`
}

// Step returns the definition for a step index, nil when out of range.
func (d *SequenceDefinition) Step(idx int) *SequenceStepDef {
	if idx < 0 || idx >= len(d.Steps) {
		return nil
	}
	return &d.Steps[idx]
}

// SequenceState tracks one user's progress through one sequence type.
// The (user_id, sequence_type) unique index plus version-checked writes
// enforce at most one live instance per user and type; finished rows are
// reactivated in place on a fresh start.
type SequenceState struct {
	gorm.Model
	UserID       uint   `gorm:"not null;uniqueIndex:idx_user_seq_type" json:"user_id"`
	SequenceType string `gorm:"not null;uniqueIndex:idx_user_seq_type" json:"sequence_type"`

	CurrentStep int        `gorm:"default:0" json:"current_step"`
	Status      string     `gorm:"default:'active'" json:"status"` // active, paused, completed, cancelled
	NextFireAt  *time.Time `gorm:"index" json:"next_fire_at"`

	// StepRetryCount counts reschedules of the current step after all
	// candidate channels failed
	StepRetryCount int `gorm:"default:0" json:"step_retry_count"`

	// Version is the optimistic concurrency token; every write goes
	// through UPDATE ... WHERE version = ?
	Version int64 `gorm:"default:0" json:"version"`

	// Relations
	User       User              `json:"-"`
	Deliveries []MessageDelivery `gorm:"foreignKey:SequenceStateID" json:"deliveries,omitempty"`
}

// Terminal reports whether the state can no longer advance.
func (s *SequenceState) Terminal() bool {
	return s.Status == SequenceCompleted || s.Status == SequenceCancelled
}

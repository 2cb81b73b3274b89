package models

import (
	"time"

	"gorm.io/gorm"
)

// Delivery statuses. A delivery only moves forward through these; a
// retry creates a new row rather than reusing one.
const (
	DeliveryPending   = "pending"
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryOpened    = "opened"
	DeliveryClicked   = "clicked"
	DeliveryFailed    = "failed"
	DeliveryBounced   = "bounced"
)

// deliveryRank orders statuses for forward-only transitions. failed and
// bounced are terminal; an opened callback can never regress a bounce.
var deliveryRank = map[string]int{
	DeliveryPending:   0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryOpened:    3,
	DeliveryClicked:   4,
	DeliveryFailed:    5,
	DeliveryBounced:   5,
}

// CanTransition reports whether a delivery may move from one status to
// another. Terminal statuses accept nothing; everything else only moves
// up in rank.
func CanTransition(from, to string) bool {
	if from == DeliveryFailed || from == DeliveryBounced {
		return false
	}
	fr, ok := deliveryRank[from]
	if !ok {
		return false
	}
	tr, ok := deliveryRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// MessageDelivery is one send attempt for one step firing. TrackingID is
// globally unique and correlates asynchronous transport callbacks.
type MessageDelivery struct {
	gorm.Model
	SequenceStateID uint `gorm:"not null;index" json:"sequence_state_id"`
	UserID          uint `gorm:"not null;index" json:"user_id"`
	StepIndex       int  `gorm:"not null" json:"step_index"`

	Channel   Channel `gorm:"not null" json:"channel"`
	Recipient string  `gorm:"not null" json:"recipient"`

	Status       string `gorm:"default:'pending';index" json:"status"`
	AttemptCount int    `gorm:"default:1" json:"attempt_count"`

	TrackingID        string `gorm:"uniqueIndex;not null" json:"tracking_id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	LastError         string `json:"last_error,omitempty"`

	// Status transition timestamps, filled as callbacks arrive
	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	OpenedAt    *time.Time `json:"opened_at"`
	ClickedAt   *time.Time `json:"clicked_at"`
	BouncedAt   *time.Time `json:"bounced_at"`
	FailedAt    *time.Time `json:"failed_at"`

	// Relations
	State SequenceState `gorm:"foreignKey:SequenceStateID" json:"-"`
}

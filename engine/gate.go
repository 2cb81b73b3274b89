package engine

import (
	"time"

	"cohortpulse/models"

	"gorm.io/gorm"
)

// Deny reasons reported by the gate.
const (
	DenyPaused      = "paused"
	DenyOptedOut    = "channel_opted_out"
	DenyRateCapped  = "frequency_cap_exceeded"
	DenyDeactivated = "user_deactivated"
)

// Decision is the gate's verdict for one send attempt.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

// Gate is the preference and safety gate. It is consulted immediately
// before every send attempt, not only at sequence start, so preference
// changes take effect on the very next scheduled step.
type Gate struct {
	DB *gorm.DB
}

func NewGate(db *gorm.DB) *Gate {
	return &Gate{DB: db}
}

// MaySend decides whether a message of the given class may go to the
// user over the channel as of the given time. critical_logistics
// bypasses both the pause gate and the frequency cap, but never a
// channel opt-out (opt-outs are bounce-driven safety).
func (g *Gate) MaySend(user *models.User, pref *models.CommunicationPreference, ch models.Channel, messageClass string, asOf time.Time) (Decision, error) {
	if !user.IsActive {
		return deny(DenyDeactivated), nil
	}
	if !pref.OptedIn(ch) {
		return deny(DenyOptedOut), nil
	}

	if messageClass == models.ClassCriticalLogistics {
		return allow(), nil
	}

	if pref.Paused(asOf) {
		return deny(DenyPaused), nil
	}

	sent, err := g.sentInWindow(user.ID, asOf)
	if err != nil {
		return Decision{}, err
	}
	if sent >= int64(pref.DailyCap()) {
		return deny(DenyRateCapped), nil
	}

	return allow(), nil
}

// sentInWindow counts messages actually sent (not just attempted) to
// the user across all channels in the trailing 24 hours.
func (g *Gate) sentInWindow(userID uint, asOf time.Time) (int64, error) {
	var count int64
	err := g.DB.Model(&models.MessageDelivery{}).
		Where("user_id = ? AND sent_at IS NOT NULL AND sent_at > ?", userID, asOf.Add(-24*time.Hour)).
		Count(&count).Error
	return count, err
}

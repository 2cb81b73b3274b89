package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"cohortpulse/models"
	"cohortpulse/utils"

	"gorm.io/gorm"
)

// callbackStatus maps transport callback event types onto delivery
// statuses. replied and complained carry engagement signal but do not
// move the delivery status.
var callbackStatus = map[string]string{
	"sent":      models.DeliverySent,
	"delivered": models.DeliveryDelivered,
	"opened":    models.DeliveryOpened,
	"clicked":   models.DeliveryClicked,
	"bounced":   models.DeliveryBounced,
}

// statusTimestampColumn names the column stamped for each status move.
var statusTimestampColumn = map[string]string{
	models.DeliverySent:      "sent_at",
	models.DeliveryDelivered: "delivered_at",
	models.DeliveryOpened:    "opened_at",
	models.DeliveryClicked:   "clicked_at",
	models.DeliveryBounced:   "bounced_at",
}

// scoringEvents are the callback event types that feed engagement
// scoring.
var scoringEvents = map[string]bool{
	models.EventOpened:     true,
	models.EventClicked:    true,
	models.EventReplied:    true,
	models.EventBounced:    true,
	models.EventComplained: true,
}

// Reconciler applies asynchronous transport callbacks to delivery
// records. Application is idempotent and independent of callback
// ordering: forward-only transitions keyed by tracking-id.
type Reconciler struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewReconciler(db *gorm.DB, logger *log.Logger) *Reconciler {
	return &Reconciler{DB: db, Logger: logger}
}

// Apply processes one callback. Unknown tracking-ids are dropped and
// logged as anomalies rather than applied; replays are no-ops.
func (r *Reconciler) Apply(ctx context.Context, trackingID, eventType string, occurredAt time.Time) error {
	var delivery models.MessageDelivery
	err := r.DB.WithContext(ctx).Where("tracking_id = ?", trackingID).First(&delivery).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		utils.LogEvent("callback_anomaly", map[string]interface{}{
			"tracking_id": trackingID,
			"event_type":  eventType,
		})
		return nil
	}
	if err != nil {
		return err
	}

	applied := false
	if target, ok := callbackStatus[eventType]; ok {
		applied, err = r.transition(ctx, &delivery, target, occurredAt)
		if err != nil {
			return err
		}
	} else {
		// Events with no status mapping (replied, complained) apply at
		// most once per delivery
		applied, err = r.firstApplication(ctx, &delivery, eventType)
		if err != nil {
			return err
		}
	}
	if !applied {
		return nil
	}

	if scoringEvents[eventType] {
		event := models.InteractionEvent{
			UserID:     delivery.UserID,
			DeliveryID: &delivery.ID,
			Channel:    delivery.Channel,
			EventType:  eventType,
			OccurredAt: occurredAt,
		}
		if err := r.DB.WithContext(ctx).Create(&event).Error; err != nil {
			return err
		}
		if _, err := RefreshScore(r.DB, delivery.UserID, time.Now()); err != nil {
			return err
		}
	}

	// Bounces and complaints opt the channel out as a safety default;
	// re-opt-in is an explicit user action
	if eventType == models.EventBounced || eventType == models.EventComplained {
		r.optOut(ctx, delivery.UserID, delivery.Channel, eventType)
	}

	utils.LogEvent("callback_applied", map[string]interface{}{
		"tracking_id": trackingID,
		"event_type":  eventType,
		"user_id":     delivery.UserID,
		"channel":     delivery.Channel,
	})
	return nil
}

// transition applies a forward-only status move. Returns false when the
// move is a replay or a regression (e.g. opened after bounced).
func (r *Reconciler) transition(ctx context.Context, delivery *models.MessageDelivery, target string, occurredAt time.Time) (bool, error) {
	if !models.CanTransition(delivery.Status, target) {
		return false, nil
	}

	updates := map[string]interface{}{"status": target}
	if col, ok := statusTimestampColumn[target]; ok {
		updates[col] = occurredAt
	}

	// Guard against a concurrent callback applying first
	res := r.DB.WithContext(ctx).Model(&models.MessageDelivery{}).
		Where("id = ? AND status = ?", delivery.ID, delivery.Status).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	delivery.Status = target
	return true, nil
}

// firstApplication records non-status events (replied, complained) at
// most once per delivery.
func (r *Reconciler) firstApplication(ctx context.Context, delivery *models.MessageDelivery, eventType string) (bool, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&models.InteractionEvent{}).
		Where("delivery_id = ? AND event_type = ?", delivery.ID, eventType).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

func (r *Reconciler) optOut(ctx context.Context, userID uint, ch models.Channel, cause string) {
	column := ""
	switch ch {
	case models.ChannelEmail:
		column = "email_opt_in"
	case models.ChannelChat:
		column = "chat_opt_in"
	default:
		return
	}
	if err := r.DB.WithContext(ctx).Model(&models.CommunicationPreference{}).
		Where("user_id = ?", userID).
		Update(column, false).Error; err != nil {
		r.Logger.Printf("Failed to opt user %d out of %s after %s: %v", userID, ch, cause, err)
		return
	}
	utils.LogEvent("channel_opted_out", map[string]interface{}{
		"user_id": userID,
		"channel": ch,
		"cause":   cause,
	})
}

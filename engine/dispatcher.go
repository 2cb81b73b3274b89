package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"cohortpulse/models"
	"cohortpulse/transport"
	"cohortpulse/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maxInlineRetries caps same-channel retries on temporary transport
// errors before the dispatcher falls back to the next channel.
const maxInlineRetries = 2

// Dispatcher resolves the channel order for a step, renders the
// message, sends it, and records delivery rows. Each send attempt gets
// its own MessageDelivery row so the full history survives for audit.
type Dispatcher struct {
	DB             *gorm.DB
	Gate           *Gate
	Renderer       *Renderer
	Transports     map[models.Channel]transport.Transport
	BaseURL        string
	TrackingSecret string
	Logger         *log.Logger

	// SendTimeout bounds each transport call; BackoffBase seeds the
	// exponential inline-retry backoff. Tests shrink both.
	SendTimeout time.Duration
	BackoffBase time.Duration
}

func NewDispatcher(db *gorm.DB, gate *Gate, transports map[models.Channel]transport.Transport, baseURL, trackingSecret string, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		DB:             db,
		Gate:           gate,
		Renderer:       NewRenderer(),
		Transports:     transports,
		BaseURL:        baseURL,
		TrackingSecret: trackingSecret,
		Logger:         logger,
		SendTimeout:    transport.DefaultSendTimeout,
		BackoffBase:    time.Second,
	}
}

// Dispatch sends one step firing to the first eligible channel. It
// returns the successful delivery, ErrAllChannelsFailed when every
// candidate failed or was unsendable, or ErrAllChannelsDenied when the
// gate alone blocked every candidate.
func (d *Dispatcher) Dispatch(ctx context.Context, state *models.SequenceState, user *models.User, pref *models.CommunicationPreference, step *models.SequenceStepDef) (*models.MessageDelivery, error) {
	score, err := CurrentScore(d.DB, user.ID, time.Now())
	if err != nil {
		return nil, err
	}
	snapshot, err := LatestSnapshot(d.DB, user.ID)
	if err != nil {
		return nil, err
	}

	subject, body, err := d.Renderer.RenderStep(step, StepContext(user, score, snapshot))
	if err != nil {
		return nil, err
	}

	attempted := false
	unsendable := false
	for _, ch := range d.candidateChannels(pref, score, step) {
		tr, ok := d.Transports[ch]
		if !ok {
			unsendable = true
			continue
		}
		recipient := recipientAddress(user, ch)
		if recipient == "" {
			d.Logger.Printf("No %s address for user %d, skipping channel", ch, user.ID)
			unsendable = true
			continue
		}

		decision, err := d.Gate.MaySend(user, pref, ch, step.MessageClass, time.Now())
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			utils.LogEvent("channel_gated", map[string]interface{}{
				"user_id": user.ID,
				"channel": ch,
				"reason":  decision.Reason,
			})
			continue
		}

		attempted = true
		delivery, err := d.sendOnChannel(ctx, state, user, step, tr, ch, recipient, subject, body)
		if err == nil {
			return delivery, nil
		}
		if transport.IsPermanent(err) {
			d.optOutChannel(user.ID, ch, err)
		}
	}

	// A channel with no transport or no address is broken, not a
	// preference state: it must burn retries so the sequence eventually
	// cancels and alerts instead of deferring forever
	if !attempted && !unsendable {
		return nil, ErrAllChannelsDenied
	}
	return nil, ErrAllChannelsFailed
}

// sendOnChannel runs the attempt loop for one channel: a pending row is
// created with a fresh tracking-id before the network call, so a crash
// between send and status update stays reconcilable from transport-side
// history.
func (d *Dispatcher) sendOnChannel(ctx context.Context, state *models.SequenceState, user *models.User, step *models.SequenceStepDef, tr transport.Transport, ch models.Channel, recipient, subject, body string) (*models.MessageDelivery, error) {
	trackingID := uuid.New().String()

	msgBody := body
	if ch == models.ChannelEmail {
		msgBody = utils.InjectTracking(body, d.BaseURL, trackingID, d.TrackingSecret)
	}

	delivery := models.MessageDelivery{
		SequenceStateID: state.ID,
		UserID:          user.ID,
		StepIndex:       step.Index,
		Channel:         ch,
		Recipient:       recipient,
		Status:          models.DeliveryPending,
		TrackingID:      trackingID,
	}
	if err := d.DB.Create(&delivery).Error; err != nil {
		return nil, fmt.Errorf("creating delivery record: %w", err)
	}

	msg := transport.Message{
		Recipient:  recipient,
		Subject:    subject,
		Body:       msgBody,
		TrackingID: trackingID,
	}

	var lastErr error
	attempts := 0
	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		sendCtx, cancel := context.WithTimeout(ctx, d.SendTimeout)
		providerID, err := tr.Send(sendCtx, msg)
		cancel()

		if err == nil {
			now := time.Now()
			if err := d.DB.Model(&delivery).Updates(map[string]interface{}{
				"status":              models.DeliverySent,
				"provider_message_id": providerID,
				"sent_at":             now,
				"attempt_count":       attempts,
			}).Error; err != nil {
				return nil, err
			}
			utils.LogEvent("message_sent", map[string]interface{}{
				"user_id":     user.ID,
				"channel":     ch,
				"tracking_id": trackingID,
				"step":        step.Index,
			})
			return &delivery, nil
		}

		lastErr = err
		if !transport.IsTemporary(err) || attempt >= maxInlineRetries {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(d.BackoffBase << attempt):
			continue
		}
		break
	}

	now := time.Now()
	if err := d.DB.Model(&delivery).Updates(map[string]interface{}{
		"status":        models.DeliveryFailed,
		"last_error":    lastErr.Error(),
		"failed_at":     now,
		"attempt_count": attempts,
	}).Error; err != nil {
		return nil, err
	}
	utils.LogError("channel_send_failed", lastErr, map[string]interface{}{
		"user_id":     user.ID,
		"channel":     ch,
		"tracking_id": trackingID,
	})
	return nil, lastErr
}

// candidateChannels orders channels: the user's explicit preference
// first, then the step's configured fallback order. When no preference
// is set, engagement sub-scores break the tie.
func (d *Dispatcher) candidateChannels(pref *models.CommunicationPreference, score *models.EngagementScore, step *models.SequenceStepDef) []models.Channel {
	var out []models.Channel
	seen := map[models.Channel]bool{}

	add := func(ch models.Channel) {
		if ch != "" && !seen[ch] {
			out = append(out, ch)
			seen[ch] = true
		}
	}

	if pref.PreferredChannel != "" {
		add(pref.PreferredChannel)
		for _, ch := range step.Channels {
			add(ch)
		}
		return out
	}

	ordered := make([]models.Channel, len(step.Channels))
	copy(ordered, step.Channels)
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if score.SubScore(ordered[j]) > score.SubScore(ordered[i]) {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for _, ch := range ordered {
		add(ch)
	}
	return out
}

// optOutChannel disables a channel after a permanent transport failure.
// Re-enabling requires an explicit user action.
func (d *Dispatcher) optOutChannel(userID uint, ch models.Channel, cause error) {
	column := ""
	switch ch {
	case models.ChannelEmail:
		column = "email_opt_in"
	case models.ChannelChat:
		column = "chat_opt_in"
	default:
		return
	}
	if err := d.DB.Model(&models.CommunicationPreference{}).
		Where("user_id = ?", userID).
		Update(column, false).Error; err != nil {
		d.Logger.Printf("Failed to opt user %d out of %s: %v", userID, ch, err)
		return
	}
	utils.LogEvent("channel_opted_out", map[string]interface{}{
		"user_id": userID,
		"channel": ch,
		"cause":   cause.Error(),
	})
}

func recipientAddress(user *models.User, ch models.Channel) string {
	switch ch {
	case models.ChannelEmail:
		return user.Email
	case models.ChannelChat:
		return user.TelegramChatID
	}
	return ""
}

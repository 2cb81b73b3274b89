package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cohortpulse/models"
	"cohortpulse/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeTransport replays a scripted error per call; nil means success.
// Once the script runs out every call succeeds.
type fakeTransport struct {
	errs  []error
	calls []transport.Message
}

func (f *fakeTransport) Send(ctx context.Context, msg transport.Message) (string, error) {
	f.calls = append(f.calls, msg)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "provider-123", nil
}

func newTestDispatcher(t *testing.T, db *gorm.DB, email, chat *fakeTransport) *Dispatcher {
	t.Helper()
	transports := map[models.Channel]transport.Transport{}
	if email != nil {
		transports[models.ChannelEmail] = email
	}
	if chat != nil {
		transports[models.ChannelChat] = chat
	}
	d := NewDispatcher(db, NewGate(db), transports, "http://localhost:5000", "test-secret", testLogger())
	d.BackoffBase = time.Millisecond
	d.SendTimeout = time.Second
	return d
}

func makeState(t *testing.T, db *gorm.DB, userID uint) *models.SequenceState {
	t.Helper()
	state := models.SequenceState{
		UserID:       userID,
		SequenceType: "onboarding",
		Status:       models.SequenceActive,
	}
	require.NoError(t, db.Create(&state).Error)
	return &state
}

func nurtureStep(channels ...models.Channel) *models.SequenceStepDef {
	return &models.SequenceStepDef{
		Index:        0,
		Channels:     channels,
		MessageClass: models.ClassNurture,
		Subject:      "Quick check-in",
		Body:         "Hi {{ user.name }}, see you at the next session.",
	}
}

func TestDispatchEmailHardFailureFallsBackToChat(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, "a@example.com")
	state := makeState(t, db, user.ID)

	email := &fakeTransport{errs: []error{&transport.PermanentError{Err: errors.New("mailbox does not exist")}}}
	chat := &fakeTransport{}
	d := newTestDispatcher(t, db, email, chat)

	delivery, err := d.Dispatch(context.Background(), state, user, user.Preference, nurtureStep(models.ChannelEmail, models.ChannelChat))
	require.NoError(t, err)

	assert.Equal(t, models.ChannelChat, delivery.Channel)
	assert.Len(t, email.calls, 1)
	assert.Len(t, chat.calls, 1)

	// The email attempt survives as a failed row
	var emailDelivery models.MessageDelivery
	require.NoError(t, db.Where("user_id = ? AND channel = ?", user.ID, models.ChannelEmail).First(&emailDelivery).Error)
	assert.Equal(t, models.DeliveryFailed, emailDelivery.Status)
	assert.Contains(t, emailDelivery.LastError, "mailbox does not exist")
	assert.NotNil(t, emailDelivery.FailedAt)

	var chatDelivery models.MessageDelivery
	require.NoError(t, db.Where("user_id = ? AND channel = ?", user.ID, models.ChannelChat).First(&chatDelivery).Error)
	assert.Equal(t, models.DeliverySent, chatDelivery.Status)
	assert.Equal(t, "provider-123", chatDelivery.ProviderMessageID)
	assert.NotNil(t, chatDelivery.SentAt)

	// Permanent failure opts the channel out
	var pref models.CommunicationPreference
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&pref).Error)
	assert.False(t, pref.EmailOptIn)
	assert.True(t, pref.ChatOptIn)
}

func TestDispatchRetriesTemporaryErrorsInline(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, "a@example.com")
	state := makeState(t, db, user.ID)

	email := &fakeTransport{errs: []error{
		&transport.TemporaryError{Err: errors.New("421 try again later")},
		&transport.TemporaryError{Err: errors.New("421 try again later")},
		nil,
	}}
	d := newTestDispatcher(t, db, email, nil)

	delivery, err := d.Dispatch(context.Background(), state, user, user.Preference, nurtureStep(models.ChannelEmail))
	require.NoError(t, err)

	assert.Equal(t, models.DeliverySent, delivery.Status)
	assert.Len(t, email.calls, 3)

	var row models.MessageDelivery
	require.NoError(t, db.First(&row, delivery.ID).Error)
	assert.Equal(t, 3, row.AttemptCount)

	// Opt-in untouched after a temporary failure
	var pref models.CommunicationPreference
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&pref).Error)
	assert.True(t, pref.EmailOptIn)
}

func TestDispatchAllChannelsFailed(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, "a@example.com")
	state := makeState(t, db, user.ID)

	flaky := errors.New("connection reset")
	email := &fakeTransport{errs: []error{
		&transport.TemporaryError{Err: flaky},
		&transport.TemporaryError{Err: flaky},
		&transport.TemporaryError{Err: flaky},
	}}
	chat := &fakeTransport{errs: []error{&transport.TemporaryError{Err: flaky}, &transport.TemporaryError{Err: flaky}, &transport.TemporaryError{Err: flaky}}}
	d := newTestDispatcher(t, db, email, chat)

	_, err := d.Dispatch(context.Background(), state, user, user.Preference, nurtureStep(models.ChannelEmail, models.ChannelChat))
	require.ErrorIs(t, err, ErrAllChannelsFailed)

	// Each channel exhausts its inline retries
	assert.Len(t, email.calls, 3)
	assert.Len(t, chat.calls, 3)

	// Every failed row keeps the full attempt history
	var failed []models.MessageDelivery
	require.NoError(t, db.Where("status = ?", models.DeliveryFailed).Find(&failed).Error)
	require.Len(t, failed, 2)
	for _, row := range failed {
		assert.Equal(t, 3, row.AttemptCount)
		assert.Contains(t, row.LastError, "connection reset")
	}
}

func TestDispatchHonorsPreferredChannel(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, "a@example.com")
	user.Preference.PreferredChannel = models.ChannelChat
	state := makeState(t, db, user.ID)

	email := &fakeTransport{}
	chat := &fakeTransport{}
	d := newTestDispatcher(t, db, email, chat)

	delivery, err := d.Dispatch(context.Background(), state, user, user.Preference, nurtureStep(models.ChannelEmail, models.ChannelChat))
	require.NoError(t, err)

	assert.Equal(t, models.ChannelChat, delivery.Channel)
	assert.Empty(t, email.calls)
}

func TestDispatchSubScoreBreaksTieWithoutPreference(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, "a@example.com")
	user.Preference.PreferredChannel = ""
	state := makeState(t, db, user.ID)

	require.NoError(t, db.Create(&models.EngagementScore{
		UserID:     user.ID,
		Overall:    60,
		EmailScore: 40,
		ChatScore:  85,
		ComputedAt: time.Now(),
	}).Error)

	email := &fakeTransport{}
	chat := &fakeTransport{}
	d := newTestDispatcher(t, db, email, chat)

	delivery, err := d.Dispatch(context.Background(), state, user, user.Preference, nurtureStep(models.ChannelEmail, models.ChannelChat))
	require.NoError(t, err)

	assert.Equal(t, models.ChannelChat, delivery.Channel)
	assert.Empty(t, email.calls)
}

func TestDispatchSkipsGatedChannels(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, "a@example.com")
	paused := time.Now().Add(48 * time.Hour)
	user.Preference.PausedUntil = &paused
	state := makeState(t, db, user.ID)

	email := &fakeTransport{}
	chat := &fakeTransport{}
	d := newTestDispatcher(t, db, email, chat)

	_, err := d.Dispatch(context.Background(), state, user, user.Preference, nurtureStep(models.ChannelEmail, models.ChannelChat))
	require.ErrorIs(t, err, ErrAllChannelsDenied)

	assert.Empty(t, email.calls)
	assert.Empty(t, chat.calls)

	var count int64
	require.NoError(t, db.Model(&models.MessageDelivery{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDispatchUnsendableChannelIsAFailure(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, "a@example.com")
	user.TelegramChatID = ""
	require.NoError(t, db.Model(user).Update("telegram_chat_id", "").Error)
	state := makeState(t, db, user.ID)

	chat := &fakeTransport{}
	d := newTestDispatcher(t, db, nil, chat)

	// A missing address is broken config, not a preference, so the
	// step burns retries instead of deferring indefinitely
	_, err := d.Dispatch(context.Background(), state, user, user.Preference, nurtureStep(models.ChannelChat))
	require.ErrorIs(t, err, ErrAllChannelsFailed)
	assert.Empty(t, chat.calls)

	// Same for a channel with no transport wired at all
	_, err = d.Dispatch(context.Background(), state, user, user.Preference, nurtureStep(models.ChannelEmail))
	require.ErrorIs(t, err, ErrAllChannelsFailed)
}

func TestDispatchRendersTemplateAndInjectsTracking(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, "a@example.com")
	state := makeState(t, db, user.ID)

	email := &fakeTransport{}
	d := newTestDispatcher(t, db, email, nil)

	_, err := d.Dispatch(context.Background(), state, user, user.Preference, nurtureStep(models.ChannelEmail))
	require.NoError(t, err)

	require.Len(t, email.calls, 1)
	msg := email.calls[0]
	assert.Equal(t, "a@example.com", msg.Recipient)
	assert.Equal(t, "Quick check-in", msg.Subject)
	assert.Contains(t, msg.Body, "Hi Jordan")
	assert.True(t, strings.Contains(msg.Body, "/track/open/"+msg.TrackingID+"/"), "email body should carry the tracking pixel")
}

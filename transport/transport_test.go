package transport

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsTemporary(&TemporaryError{Err: base}))
	assert.False(t, IsPermanent(&TemporaryError{Err: base}))

	assert.True(t, IsPermanent(&PermanentError{Err: base}))
	assert.False(t, IsTemporary(&PermanentError{Err: base}))

	// A blown deadline retries like any transient failure
	assert.True(t, IsTemporary(context.DeadlineExceeded))

	assert.False(t, IsTemporary(base))
	assert.False(t, IsPermanent(base))
}

func TestClassifySMTPError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"mailbox unavailable", errors.New("550 5.1.1 mailbox unavailable"), true},
		{"user not local", errors.New("551 user not local"), true},
		{"storage exceeded", errors.New("552 mailbox full"), true},
		{"invalid address", errors.New("553 invalid mailbox name"), true},
		{"transaction failed", errors.New("554 transaction failed"), true},
		{"greylisted", errors.New("421 service not available, try later"), false},
		{"connection refused", errors.New("dial tcp: connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifySMTPError(tt.err)
			assert.Equal(t, tt.permanent, IsPermanent(classified))
			assert.Equal(t, !tt.permanent, IsTemporary(classified))
		})
	}
}

func TestEmailSendRejectsMalformedRecipient(t *testing.T) {
	tr := NewEmailTransport("smtp.example.com", 587, "u", "p", "Pulse", "pulse@example.com", "example.com")

	_, err := tr.Send(context.Background(), Message{Recipient: "not-an-address", TrackingID: "t1"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

type fakeBot struct {
	err  error
	last tgbotapi.Chattable
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.last = c
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	return tgbotapi.Message{MessageID: 42}, nil
}

func TestChatSendReturnsProviderMessageID(t *testing.T) {
	bot := &fakeBot{}
	tr := NewChatTransportWithBot(bot)

	id, err := tr.Send(context.Background(), Message{Recipient: "700123", Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	msg, ok := bot.last.(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.EqualValues(t, 700123, msg.ChatID)
	assert.Equal(t, "hello", msg.Text)
}

func TestChatSendRejectsNonNumericRecipient(t *testing.T) {
	tr := NewChatTransportWithBot(&fakeBot{})

	_, err := tr.Send(context.Background(), Message{Recipient: "@handle"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestClassifyTelegramError(t *testing.T) {
	assert.True(t, IsPermanent(classifyTelegramError(errors.New("Bad Request: chat not found"))))
	assert.True(t, IsPermanent(classifyTelegramError(errors.New("Forbidden: bot was blocked by the user"))))
	assert.True(t, IsPermanent(classifyTelegramError(errors.New("Forbidden: user is deactivated"))))
	assert.True(t, IsTemporary(classifyTelegramError(errors.New("Too Many Requests: retry after 5"))))
}

package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramBot is the subset of the bot API the transport needs; a fake
// stands in during tests.
type TelegramBot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// ChatTransport sends nurture messages over Telegram.
type ChatTransport struct {
	bot TelegramBot
}

func NewChatTransport(token string) (*ChatTransport, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &ChatTransport{bot: bot}, nil
}

// NewChatTransportWithBot wires a custom bot implementation (tests).
func NewChatTransportWithBot(bot TelegramBot) *ChatTransport {
	return &ChatTransport{bot: bot}
}

// Send delivers one message to the recipient chat ID. A recipient that
// is not a chat ID is a permanent failure; API errors are temporary
// unless the chat is gone.
func (t *ChatTransport) Send(ctx context.Context, msg Message) (string, error) {
	chatID, err := strconv.ParseInt(msg.Recipient, 10, 64)
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("invalid chat id %q: %w", msg.Recipient, err)}
	}

	m := tgbotapi.NewMessage(chatID, msg.Body)
	m.ParseMode = tgbotapi.ModeHTML

	type sendResult struct {
		sent tgbotapi.Message
		err  error
	}
	resCh := make(chan sendResult, 1)
	go func() {
		sent, err := t.bot.Send(m)
		resCh <- sendResult{sent: sent, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", &TemporaryError{Err: ctx.Err()}
	case res := <-resCh:
		if res.err != nil {
			return "", classifyTelegramError(res.err)
		}
		return strconv.Itoa(res.sent.MessageID), nil
	}
}

func classifyTelegramError(err error) error {
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "chat not found"),
		strings.Contains(s, "bot was blocked"),
		strings.Contains(s, "user is deactivated"):
		return &PermanentError{Err: err}
	default:
		return &TemporaryError{Err: err}
	}
}

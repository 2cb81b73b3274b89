package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/badoux/checkmail"
	"gopkg.in/gomail.v2"
)

// EmailTransport sends nurture emails over SMTP.
type EmailTransport struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromName  string
	FromEmail string

	// MessageIDDomain is stamped into the Message-ID header together
	// with the tracking-id so the reply watcher can correlate replies
	MessageIDDomain string
}

func NewEmailTransport(host string, port int, username, password, fromName, fromEmail, messageIDDomain string) *EmailTransport {
	return &EmailTransport{
		Host:            host,
		Port:            port,
		Username:        username,
		Password:        password,
		FromName:        fromName,
		FromEmail:       fromEmail,
		MessageIDDomain: messageIDDomain,
	}
}

// Send delivers one rendered message. The recipient address is checked
// before dialing; a malformed address is a permanent failure.
func (t *EmailTransport) Send(ctx context.Context, msg Message) (string, error) {
	if err := checkmail.ValidateFormat(msg.Recipient); err != nil {
		return "", &PermanentError{Err: fmt.Errorf("invalid recipient %q: %w", msg.Recipient, err)}
	}

	messageID := fmt.Sprintf("<%s@%s>", msg.TrackingID, t.MessageIDDomain)

	m := gomail.NewMessage()
	m.SetHeader("From", fmt.Sprintf("%s <%s>", t.FromName, t.FromEmail))
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/html", msg.Body)

	d := gomail.NewDialer(t.Host, t.Port, t.Username, t.Password)

	// gomail has no context support, so the dial-and-send runs in a
	// goroutine and the caller's deadline wins
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return "", &TemporaryError{Err: ctx.Err()}
	case err := <-errCh:
		if err != nil {
			return "", classifySMTPError(err)
		}
		return messageID, nil
	}
}

// classifySMTPError sorts SMTP failures into the retry taxonomy. 5xx
// recipient rejections are permanent; connection trouble is temporary.
func classifySMTPError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TemporaryError{Err: err}
	}

	s := err.Error()
	switch {
	case strings.Contains(s, "550"), strings.Contains(s, "551"), strings.Contains(s, "553"):
		// Mailbox unavailable / not local / invalid address
		return &PermanentError{Err: err}
	case strings.Contains(s, "552"), strings.Contains(s, "554"):
		return &PermanentError{Err: err}
	default:
		return &TemporaryError{Err: err}
	}
}

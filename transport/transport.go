package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Message is a rendered step ready to hand to a transport.
type Message struct {
	Recipient  string // email address or chat ID, depending on channel
	Subject    string
	Body       string
	TrackingID string
}

// Transport sends a rendered message over one channel. Send returns the
// provider-side message ID when the provider reports one.
type Transport interface {
	Send(ctx context.Context, msg Message) (providerMessageID string, err error)
}

// DefaultSendTimeout bounds every transport call. A call that outlives
// it counts as failed for fallback purposes; the unique tracking-id
// absorbs any late success callback.
const DefaultSendTimeout = 10 * time.Second

// TemporaryError marks a transient transport failure (timeout, 5xx,
// rate limit) worth an inline retry before falling back.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string { return fmt.Sprintf("temporary transport error: %v", e.Err) }
func (e *TemporaryError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix (invalid
// address, hard bounce at submission). The affected channel gets opted
// out for the recipient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent transport error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTemporary reports whether err should be retried inline.
func IsTemporary(err error) bool {
	var te *TemporaryError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether err warrants a channel opt-out.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

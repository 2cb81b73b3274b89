package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"time"

	"cohortpulse/config"
	"cohortpulse/engine"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

const replyPollInterval = 5 * time.Minute

// ReplyWatcher polls the sending mailbox over IMAP and correlates
// inbound mail back to deliveries. Outgoing email carries a Message-ID
// of the form <trackingID@domain>, so any reply referencing that id in
// In-Reply-To or References resolves to its delivery without storing
// provider thread state.
type ReplyWatcher struct {
	IMAP       config.IMAPConfig
	Reconciler *engine.Reconciler
	Logger     *log.Logger
}

func NewReplyWatcher(imapCfg config.IMAPConfig, reconciler *engine.Reconciler, logger *log.Logger) *ReplyWatcher {
	return &ReplyWatcher{
		IMAP:       imapCfg,
		Reconciler: reconciler,
		Logger:     logger,
	}
}

func (rw *ReplyWatcher) Start(ctx context.Context) {
	if rw.IMAP.Host == "" {
		rw.Logger.Println("Reply watcher disabled: no IMAP host configured")
		return
	}
	rw.Logger.Println("Reply watcher started")

	ticker := time.NewTicker(replyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Println("Reply watcher shutting down...")
			return
		case <-ticker.C:
			if err := rw.PollOnce(ctx); err != nil {
				rw.Logger.Printf("Reply poll failed: %v", err)
			}
		}
	}
}

// PollOnce fetches unseen messages, applies reply events for any that
// reference an outgoing tracking id, and marks everything processed as
// seen so the next poll starts clean.
func (rw *ReplyWatcher) PollOnce(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", rw.IMAP.Host, rw.IMAP.Port)
	imapClient, err := client.DialTLS(addr, &tls.Config{ServerName: rw.IMAP.Host})
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(rw.IMAP.Username, rw.IMAP.Password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	if _, err := imapClient.Select(rw.IMAP.Mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, imap.FetchItem("BODY.PEEK[]")}, messages)
	}()

	for msg := range messages {
		if err := rw.processMessage(ctx, msg); err != nil {
			rw.Logger.Printf("Failed to process message %d: %v", msg.SeqNum, err)
			continue
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}

	// Mark the batch seen regardless of correlation: unmatched mail is
	// ordinary inbox traffic, not something to re-scan every poll
	seen := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := imapClient.Store(seqset, seen, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark messages seen: %v", err)
	}

	return nil
}

func (rw *ReplyWatcher) processMessage(ctx context.Context, msg *imap.Message) error {
	if msg.Envelope == nil {
		return nil
	}

	candidates := extractMessageIDs(msg.Envelope.InReplyTo)

	// References carries the full thread, picking up replies-to-replies
	// that drop In-Reply-To
	section := &imap.BodySectionName{}
	if literal := msg.GetBody(section); literal != nil {
		if mr, err := mail.CreateReader(literal); err == nil {
			refs := mr.Header.Get("References")
			candidates = append(candidates, extractMessageIDs(refs)...)
		}
	}

	occurredAt := msg.Envelope.Date
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	for _, trackingID := range candidates {
		if err := rw.Reconciler.Apply(ctx, trackingID, "replied", occurredAt); err != nil {
			return err
		}
	}
	return nil
}

// extractMessageIDs pulls the local parts out of a message-id header
// value like "<id1@domain> <id2@domain>", keeping only uuid-shaped ids
// so ordinary inbox threads never reach the reconciler.
func extractMessageIDs(header string) []string {
	var out []string
	for _, token := range strings.Fields(header) {
		token = strings.TrimPrefix(token, "<")
		token = strings.TrimSuffix(token, ">")
		at := strings.Index(token, "@")
		if at <= 0 {
			continue
		}
		local := token[:at]
		if _, err := uuid.Parse(local); err != nil {
			continue
		}
		out = append(out, local)
	}
	return out
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// ParticipantSession is one attendee's join/leave pair for a meeting,
// as reported by the meeting provider.
type ParticipantSession struct {
	Email    string     `json:"participant_email"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at"`
}

// AttendanceLister fetches the attendance roster for a meeting.
type AttendanceLister interface {
	ListAttendance(ctx context.Context, meetingID uint) ([]ParticipantSession, error)
}

// CalendarClient talks to the meeting provider's REST API using an
// OAuth2 client-credentials grant.
type CalendarClient struct {
	baseURL string
	client  *http.Client
}

func NewCalendarClient(baseURL, clientID, clientSecret, tokenURL string) *CalendarClient {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return &CalendarClient{
		baseURL: baseURL,
		client:  cfg.Client(context.Background()),
	}
}

// ListAttendance fetches who was in the meeting and for how long.
func (c *CalendarClient) ListAttendance(ctx context.Context, meetingID uint) ([]ParticipantSession, error) {
	url := fmt.Sprintf("%s/meetings/%d/attendance", c.baseURL, meetingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TemporaryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &TemporaryError{Err: fmt.Errorf("attendance fetch failed: %s", resp.Status)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attendance fetch failed: %s", resp.Status)
	}

	var sessions []ParticipantSession
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decoding attendance roster: %w", err)
	}
	return sessions, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cohortpulse/models"
	"cohortpulse/transport"
	"cohortpulse/utils"

	"gorm.io/gorm"
)

// ReEngagementSequence is auto-started for users whose fresh snapshot
// raises the risk flag. Start keeps it a no-op when already running.
const ReEngagementSequence = "re_engagement"

// Ingest normalizes meeting attendance rosters into attendance records
// and keeps the derived snapshot and score fresh.
type Ingest struct {
	DB       *gorm.DB
	Calendar transport.AttendanceLister
	Machine  *Machine
	Logger   *log.Logger

	// MinAttendanceMinutes is the shortest stay that still counts as
	// attended
	MinAttendanceMinutes int
}

func NewIngest(db *gorm.DB, calendar transport.AttendanceLister, machine *Machine, minMinutes int, logger *log.Logger) *Ingest {
	return &Ingest{
		DB:                   db,
		Calendar:             calendar,
		Machine:              machine,
		Logger:               logger,
		MinAttendanceMinutes: minMinutes,
	}
}

// IngestMeeting pulls the attendance roster for a finished meeting,
// writes attendance records, rebuilds snapshots/scores, and starts the
// re-engagement sequence for users who just turned risky.
func (in *Ingest) IngestMeeting(ctx context.Context, meetingID, cohortID uint) error {
	sessions, err := in.Calendar.ListAttendance(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("listing attendance for meeting %d: %w", meetingID, err)
	}

	now := time.Now()
	for _, session := range sessions {
		user, err := in.findOrCreateUser(ctx, session.Email)
		if err != nil {
			utils.LogError("ingest_user_failed", err, map[string]interface{}{
				"meeting_id": meetingID,
				"email":      session.Email,
			})
			continue
		}

		minutes := sessionMinutes(session, now)
		attended := minutes >= in.MinAttendanceMinutes

		if err := in.upsertRecord(ctx, user.ID, meetingID, cohortID, attended, minutes, now); err != nil {
			return err
		}

		if attended {
			if err := in.DB.WithContext(ctx).Model(user).Update("last_activity_at", now).Error; err != nil {
				in.Logger.Printf("Failed to touch last activity for user %d: %v", user.ID, err)
			}
		}

		snapshot, err := RefreshSnapshot(in.DB, user.ID, cohortID, now)
		if err != nil {
			return err
		}
		if _, err := RefreshScore(in.DB, user.ID, now); err != nil {
			return err
		}

		if snapshot.RiskFlag {
			if _, err := in.Machine.Start(ctx, user.ID, ReEngagementSequence); err != nil && !errors.Is(err, ErrBadDefinition) {
				return err
			}
		}
	}

	utils.LogEvent("meeting_ingested", map[string]interface{}{
		"meeting_id":   meetingID,
		"cohort_id":    cohortID,
		"participants": len(sessions),
	})
	return nil
}

// upsertRecord writes the (user, meeting) attendance outcome; a second
// ingest of the same meeting corrects the row in place.
func (in *Ingest) upsertRecord(ctx context.Context, userID, meetingID, cohortID uint, attended bool, minutes int, now time.Time) error {
	var record models.AttendanceRecord
	err := in.DB.WithContext(ctx).
		Where("user_id = ? AND meeting_id = ?", userID, meetingID).
		First(&record).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		record = models.AttendanceRecord{
			UserID:          userID,
			MeetingID:       meetingID,
			CohortID:        cohortID,
			Attended:        attended,
			DurationMinutes: minutes,
			RecordedAt:      now,
		}
		return in.DB.WithContext(ctx).Create(&record).Error
	case err != nil:
		return err
	default:
		return in.DB.WithContext(ctx).Model(&record).Updates(map[string]interface{}{
			"attended":         attended,
			"duration_minutes": minutes,
		}).Error
	}
}

// findOrCreateUser resolves a roster email; users are created on first
// interaction.
func (in *Ingest) findOrCreateUser(ctx context.Context, email string) (*models.User, error) {
	if email == "" {
		return nil, fmt.Errorf("roster entry missing email")
	}

	var user models.User
	err := in.DB.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = models.User{Email: email}
		if err := in.DB.WithContext(ctx).Create(&user).Error; err != nil {
			return nil, err
		}
		pref := models.CommunicationPreference{
			UserID:           user.ID,
			Style:            models.StyleBalanced,
			EmailOptIn:       true,
			ChatOptIn:        true,
			PreferredChannel: models.ChannelEmail,
		}
		if err := in.DB.WithContext(ctx).Create(&pref).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func sessionMinutes(session transport.ParticipantSession, now time.Time) int {
	left := now
	if session.LeftAt != nil {
		left = *session.LeftAt
	}
	minutes := int(left.Sub(session.JoinedAt).Minutes())
	if minutes < 0 {
		return 0
	}
	return minutes
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// Attendance patterns derived from the trailing attendance rate.
const (
	PatternPerfect      = "perfect"      // rate >= 0.90
	PatternRegular      = "regular"      // rate >= 0.70
	PatternInconsistent = "inconsistent" // rate >= 0.40
	PatternGhost        = "ghost"        // rate < 0.40
	PatternUndefined    = "undefined"    // no scheduled meetings yet
)

// AttendanceRecord is one user's outcome for one scheduled meeting.
// Append-only; a correction re-writes the same (user, meeting) row.
type AttendanceRecord struct {
	gorm.Model
	UserID    uint `gorm:"not null;index;uniqueIndex:idx_user_meeting" json:"user_id"`
	MeetingID uint `gorm:"not null;uniqueIndex:idx_user_meeting" json:"meeting_id"`
	CohortID  uint `gorm:"not null;index" json:"cohort_id"`

	Attended        bool      `gorm:"default:false" json:"attended"`
	DurationMinutes int       `gorm:"default:0" json:"duration_minutes"`
	RecordedAt      time.Time `gorm:"not null" json:"recorded_at"`
}

// AttendanceSnapshot is the derived view over a user's attendance
// history within a cohort. It is a cache: always reproducible from the
// AttendanceRecord history, rebuilt rather than patched.
type AttendanceSnapshot struct {
	gorm.Model
	UserID   uint      `gorm:"not null;index" json:"user_id"`
	CohortID uint      `gorm:"not null;index" json:"cohort_id"`
	AsOf     time.Time `gorm:"not null" json:"as_of"`

	// AttendanceRate is nil when the user has no scheduled meetings;
	// downstream consumers treat that as insufficient data.
	AttendanceRate *float64 `json:"attendance_rate"`
	Pattern        string   `gorm:"default:'undefined'" json:"pattern"`
	CurrentStreak  int      `gorm:"default:0" json:"current_streak"`
	RiskFlag       bool     `gorm:"default:false" json:"risk_flag"`
}

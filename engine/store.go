package engine

import (
	"errors"
	"time"

	"cohortpulse/models"

	"gorm.io/gorm"
)

// RefreshSnapshot rebuilds and persists the attendance snapshot for a
// user within a cohort. Snapshots are derived cache rows: always
// recomputed from the full AttendanceRecord history, never patched.
func RefreshSnapshot(db *gorm.DB, userID, cohortID uint, asOf time.Time) (*models.AttendanceSnapshot, error) {
	var records []models.AttendanceRecord
	if err := db.Where("user_id = ? AND cohort_id = ?", userID, cohortID).
		Order("recorded_at ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	// Last snapshots, oldest first, for trend detection
	var previous []models.AttendanceSnapshot
	if err := db.Where("user_id = ? AND cohort_id = ?", userID, cohortID).
		Order("as_of DESC").
		Limit(3).
		Find(&previous).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(previous)-1; i < j; i, j = i+1, j-1 {
		previous[i], previous[j] = previous[j], previous[i]
	}

	snap := BuildSnapshot(records, previous, userID, cohortID, asOf)
	if err := db.Create(&snap).Error; err != nil {
		return nil, err
	}
	return &snap, nil
}

// RefreshScore recomputes and persists the engagement score for a user.
// Runs synchronously on new attendance records and delivery status
// updates, and from the periodic decay sweep.
func RefreshScore(db *gorm.DB, userID uint, asOf time.Time) (*models.EngagementScore, error) {
	snapshot, err := LatestSnapshot(db, userID)
	if err != nil {
		return nil, err
	}

	var events []models.InteractionEvent
	since := asOf.Add(-decayWindow - eventWindow)
	if err := db.Where("user_id = ? AND occurred_at >= ?", userID, since).
		Order("occurred_at ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}

	score := ComputeScore(snapshot, events, userID, asOf)

	var existing models.EngagementScore
	err = db.Where("user_id = ?", userID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := db.Create(&score).Error; err != nil {
			return nil, err
		}
		return &score, nil
	case err != nil:
		return nil, err
	default:
		score.ID = existing.ID
		score.CreatedAt = existing.CreatedAt
		if err := db.Save(&score).Error; err != nil {
			return nil, err
		}
		return &score, nil
	}
}

// LatestSnapshot returns a user's most recent attendance snapshot, nil
// when none exists yet (insufficient data).
func LatestSnapshot(db *gorm.DB, userID uint) (*models.AttendanceSnapshot, error) {
	var snap models.AttendanceSnapshot
	err := db.Where("user_id = ?", userID).Order("as_of DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// CurrentScore returns a user's stored score, or a neutral default when
// no score has been computed yet.
func CurrentScore(db *gorm.DB, userID uint, asOf time.Time) (*models.EngagementScore, error) {
	var score models.EngagementScore
	err := db.Where("user_id = ?", userID).First(&score).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		neutral := ComputeScore(nil, nil, userID, asOf)
		return &neutral, nil
	}
	if err != nil {
		return nil, err
	}
	return &score, nil
}

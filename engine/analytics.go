package engine

import (
	"sort"
	"time"

	"cohortpulse/models"
)

const (
	// attendanceWindow is how many trailing meetings feed the rate
	attendanceWindow = 12

	// riskDropPoints is the total percentage-point drop across the last
	// three snapshots that raises the risk flag
	riskDropPoints = 0.15
)

// BuildSnapshot derives an AttendanceSnapshot from a user's attendance
// history within a cohort. previous holds earlier snapshots, newest
// last, used only for trend detection. Deterministic for a given input
// set and asOf time.
func BuildSnapshot(records []models.AttendanceRecord, previous []models.AttendanceSnapshot, userID, cohortID uint, asOf time.Time) models.AttendanceSnapshot {
	snap := models.AttendanceSnapshot{
		UserID:   userID,
		CohortID: cohortID,
		AsOf:     asOf,
		Pattern:  models.PatternUndefined,
	}

	if len(records) == 0 {
		return snap
	}

	// Oldest first, so the window is the most recent meetings
	sorted := make([]models.AttendanceRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].RecordedAt.Before(sorted[j].RecordedAt)
	})

	window := sorted
	if len(window) > attendanceWindow {
		window = window[len(window)-attendanceWindow:]
	}

	attended := 0
	for _, r := range window {
		if r.Attended {
			attended++
		}
	}
	rate := float64(attended) / float64(len(window))
	snap.AttendanceRate = &rate
	snap.Pattern = classifyPattern(rate)
	snap.CurrentStreak = currentStreak(sorted)
	snap.RiskFlag = riskFlag(snap, previous)

	return snap
}

// classifyPattern buckets an attendance rate. Lower bounds are
// inclusive: exactly 0.90 is perfect, exactly 0.70 is regular.
func classifyPattern(rate float64) string {
	switch {
	case rate >= 0.90:
		return models.PatternPerfect
	case rate >= 0.70:
		return models.PatternRegular
	case rate >= 0.40:
		return models.PatternInconsistent
	default:
		return models.PatternGhost
	}
}

// currentStreak counts consecutive attended meetings from the most
// recent backwards; any miss resets it to zero.
func currentStreak(sorted []models.AttendanceRecord) int {
	streak := 0
	for i := len(sorted) - 1; i >= 0; i-- {
		if !sorted[i].Attended {
			break
		}
		streak++
	}
	return streak
}

// riskFlag is set when the rate has been monotonically falling by at
// least 15 points across the last three snapshots, or when the pattern
// just crossed from perfect/regular into inconsistent/ghost.
func riskFlag(current models.AttendanceSnapshot, previous []models.AttendanceSnapshot) bool {
	if current.AttendanceRate == nil {
		return false
	}

	if len(previous) > 0 {
		last := previous[len(previous)-1]
		if healthyPattern(last.Pattern) && !healthyPattern(current.Pattern) && current.Pattern != models.PatternUndefined {
			return true
		}
	}

	if len(previous) >= 2 {
		a := previous[len(previous)-2]
		b := previous[len(previous)-1]
		if a.AttendanceRate != nil && b.AttendanceRate != nil {
			monotone := *a.AttendanceRate > *b.AttendanceRate && *b.AttendanceRate > *current.AttendanceRate
			if monotone && *a.AttendanceRate-*current.AttendanceRate >= riskDropPoints {
				return true
			}
		}
	}

	return false
}

func healthyPattern(p string) bool {
	return p == models.PatternPerfect || p == models.PatternRegular
}

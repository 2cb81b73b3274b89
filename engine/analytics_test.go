package engine

import (
	"testing"
	"time"

	"cohortpulse/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSnapshotPatternThresholds(t *testing.T) {
	start := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)
	asOf := start.Add(30 * 24 * time.Hour)

	tests := []struct {
		name     string
		attended []bool
		wantRate float64
		wantPat  string
	}{
		{"exactly ninety percent is perfect", []bool{true, true, true, true, true, true, true, true, true, false}, 0.9, models.PatternPerfect},
		{"all attended", []bool{true, true, true, true}, 1.0, models.PatternPerfect},
		{"exactly seventy percent is regular", []bool{true, true, true, true, true, true, true, false, false, false}, 0.7, models.PatternRegular},
		{"exactly forty percent is inconsistent", []bool{true, true, true, true, false, false, false, false, false, false}, 0.4, models.PatternInconsistent},
		{"below forty is ghost", []bool{true, false, false, false, false, false, false, false, false, false}, 0.1, models.PatternGhost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := attendanceRecords(1, 1, start, tt.attended...)
			snap := BuildSnapshot(records, nil, 1, 1, asOf)

			require.NotNil(t, snap.AttendanceRate)
			assert.InDelta(t, tt.wantRate, *snap.AttendanceRate, 1e-9)
			assert.Equal(t, tt.wantPat, snap.Pattern)
		})
	}
}

func TestBuildSnapshotNoMeetings(t *testing.T) {
	snap := BuildSnapshot(nil, nil, 1, 1, time.Now())

	assert.Nil(t, snap.AttendanceRate)
	assert.Equal(t, models.PatternUndefined, snap.Pattern)
	assert.Zero(t, snap.CurrentStreak)
	assert.False(t, snap.RiskFlag)
}

func TestBuildSnapshotTrailingWindow(t *testing.T) {
	start := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)

	// Ten old misses followed by twelve attends: only the trailing
	// twelve meetings count
	attended := make([]bool, 0, 22)
	for i := 0; i < 10; i++ {
		attended = append(attended, false)
	}
	for i := 0; i < 12; i++ {
		attended = append(attended, true)
	}

	snap := BuildSnapshot(attendanceRecords(1, 1, start, attended...), nil, 1, 1, start.Add(60*24*time.Hour))

	require.NotNil(t, snap.AttendanceRate)
	assert.InDelta(t, 1.0, *snap.AttendanceRate, 1e-9)
	assert.Equal(t, models.PatternPerfect, snap.Pattern)
}

func TestBuildSnapshotStreak(t *testing.T) {
	start := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)

	snap := BuildSnapshot(attendanceRecords(1, 1, start, true, true, false, true, true, true), nil, 1, 1, start.Add(10*24*time.Hour))
	assert.Equal(t, 3, snap.CurrentStreak)

	snap = BuildSnapshot(attendanceRecords(1, 1, start, true, true, false), nil, 1, 1, start.Add(10*24*time.Hour))
	assert.Zero(t, snap.CurrentStreak)
}

func TestRiskFlagMonotoneDrop(t *testing.T) {
	start := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)
	asOf := start.Add(30 * 24 * time.Hour)

	rate := func(r float64) *float64 { return &r }
	previous := []models.AttendanceSnapshot{
		{AttendanceRate: rate(0.95), Pattern: models.PatternPerfect},
		{AttendanceRate: rate(0.85), Pattern: models.PatternRegular},
	}

	// 12 meetings at 75% keeps the pattern regular but continues the
	// slide: 0.95 -> 0.85 -> 0.75 is a 20 point monotone drop
	attended := []bool{true, true, true, false, true, true, true, false, true, true, true, false}
	snap := BuildSnapshot(attendanceRecords(1, 1, start, attended...), previous, 1, 1, asOf)

	assert.True(t, snap.RiskFlag)
}

func TestRiskFlagPatternCrossing(t *testing.T) {
	start := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)
	rate := 0.75
	previous := []models.AttendanceSnapshot{
		{AttendanceRate: &rate, Pattern: models.PatternRegular},
	}

	// Regular to inconsistent is a crossing even without three snapshots
	attended := []bool{true, false, true, false, false, true, false, false, true, false}
	snap := BuildSnapshot(attendanceRecords(1, 1, start, attended...), previous, 1, 1, start.Add(30*24*time.Hour))

	assert.Equal(t, models.PatternInconsistent, snap.Pattern)
	assert.True(t, snap.RiskFlag)
}

func TestRiskFlagStableAttendance(t *testing.T) {
	start := time.Date(2026, 1, 5, 18, 0, 0, 0, time.UTC)
	rate := 0.9
	previous := []models.AttendanceSnapshot{
		{AttendanceRate: &rate, Pattern: models.PatternPerfect},
		{AttendanceRate: &rate, Pattern: models.PatternPerfect},
	}

	attended := []bool{true, true, true, true, true, true, true, true, true, false}
	snap := BuildSnapshot(attendanceRecords(1, 1, start, attended...), previous, 1, 1, start.Add(30*24*time.Hour))

	assert.False(t, snap.RiskFlag)
}

package engine

import (
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"cohortpulse/models"
	"cohortpulse/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openTestDB returns an isolated in-memory database with the full
// schema. cache=shared keeps the database alive across the pooled
// connections gorm opens.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.CommunicationPreference{},
		&models.AttendanceRecord{},
		&models.AttendanceSnapshot{},
		&models.InteractionEvent{},
		&models.EngagementScore{},
		&models.SequenceDefinition{},
		&models.SequenceState{},
		&models.MessageDelivery{},
	))
	return db
}

func testLogger() *log.Logger {
	return log.New(os.Stdout, "TEST: ", log.LstdFlags)
}

func createTestUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()

	user := models.User{
		Email:          email,
		Name:           utils.Pointer("Jordan"),
		TelegramChatID: "700123",
		IsActive:       true,
	}
	require.NoError(t, db.Create(&user).Error)

	pref := models.CommunicationPreference{
		UserID:     user.ID,
		Style:      models.StyleBalanced,
		EmailOptIn: true,
		ChatOptIn:  true,
	}
	require.NoError(t, db.Create(&pref).Error)
	user.Preference = &pref
	return &user
}

func seedDefinition(t *testing.T, db *gorm.DB, sequenceType string, steps []models.SequenceStepDef) *models.SequenceDefinition {
	t.Helper()

	def := models.SequenceDefinition{
		SequenceType:   sequenceType,
		Name:           sequenceType,
		IsActive:       true,
		Steps:          steps,
		MaxStepRetries: 3,
	}
	require.NoError(t, db.Create(&def).Error)
	return &def
}

func attendanceRecords(userID, cohortID uint, start time.Time, attended ...bool) []models.AttendanceRecord {
	records := make([]models.AttendanceRecord, len(attended))
	for i, a := range attended {
		records[i] = models.AttendanceRecord{
			UserID:     userID,
			MeetingID:  uint(i + 1),
			CohortID:   cohortID,
			Attended:   a,
			RecordedAt: start.Add(time.Duration(i) * 24 * time.Hour),
		}
	}
	return records
}

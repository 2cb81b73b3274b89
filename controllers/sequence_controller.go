package controller

import (
	"context"
	"log"
	"time"

	"cohortpulse/engine"
	"cohortpulse/models"
	"cohortpulse/worker"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type SequenceController struct {
	DB      *gorm.DB
	Machine *engine.Machine
	Ingest  *engine.Ingest
	Ticker  *worker.TickWorker
	Logger  *log.Logger
}

func NewSequenceController(db *gorm.DB, machine *engine.Machine, ingest *engine.Ingest, ticker *worker.TickWorker, logger *log.Logger) *SequenceController {
	return &SequenceController{
		DB:      db,
		Machine: machine,
		Ingest:  ingest,
		Ticker:  ticker,
		Logger:  logger,
	}
}

// StartSequence starts (or restarts) a sequence of the given type for a
// user. Starting an already-running sequence is a no-op and returns the
// existing state.
func (sc *SequenceController) StartSequence(c *fiber.Ctx) error {
	sequenceType := c.Params("type")

	var input struct {
		UserID uint `json:"user_id"`
	}
	if err := c.BodyParser(&input); err != nil || input.UserID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	var user models.User
	if err := sc.DB.First(&user, input.UserID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	}

	state, err := sc.Machine.Start(c.Context(), input.UserID, sequenceType)
	if err != nil {
		sc.Logger.Printf("Failed to start sequence %s for user %d: %v", sequenceType, input.UserID, err)
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(state)
}

func (sc *SequenceController) PauseSequence(c *fiber.Ctx) error {
	return sc.transition(c, sc.Machine.Pause, "pause")
}

func (sc *SequenceController) ResumeSequence(c *fiber.Ctx) error {
	return sc.transition(c, sc.Machine.Resume, "resume")
}

func (sc *SequenceController) CancelSequence(c *fiber.Ctx) error {
	return sc.transition(c, sc.Machine.Cancel, "cancel")
}

func (sc *SequenceController) transition(c *fiber.Ctx, fn func(ctx context.Context, stateID uint) error, action string) error {
	stateID, err := c.ParamsInt("id")
	if err != nil || stateID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence state id",
		})
	}

	if err := fn(c.Context(), uint(stateID)); err != nil {
		sc.Logger.Printf("Failed to %s sequence state %d: %v", action, stateID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to " + action + " sequence",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Sequence " + action + " applied",
	})
}

// ListActiveSequences returns active and paused states, newest first.
func (sc *SequenceController) ListActiveSequences(c *fiber.Ctx) error {
	var states []models.SequenceState
	if err := sc.DB.
		Where("status IN ?", []string{models.SequenceActive, models.SequencePaused}).
		Order("next_fire_at ASC NULLS LAST").
		Limit(200).
		Find(&states).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch sequences",
		})
	}

	return c.JSON(fiber.Map{
		"sequences": states,
		"count":     len(states),
	})
}

// RunTicks processes all currently due sequence states inline, outside
// the periodic schedule.
func (sc *SequenceController) RunTicks(c *fiber.Ctx) error {
	sc.Ticker.ProcessDue(c.Context())
	return c.JSON(fiber.Map{
		"message": "Tick sweep completed",
	})
}

// IngestMeeting pulls the roster for a finished meeting and refreshes
// attendance, snapshots and scores for every participant.
func (sc *SequenceController) IngestMeeting(c *fiber.Ctx) error {
	meetingID, err := c.ParamsInt("id")
	if err != nil || meetingID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid meeting id",
		})
	}

	var input struct {
		CohortID uint `json:"cohort_id"`
	}
	if err := c.BodyParser(&input); err != nil || input.CohortID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "cohort_id is required",
		})
	}

	if err := sc.Ingest.IngestMeeting(c.Context(), uint(meetingID), input.CohortID); err != nil {
		sc.Logger.Printf("Failed to ingest meeting %d: %v", meetingID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to ingest meeting",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Meeting ingested",
	})
}

// GetEngagement returns a user's current score and latest snapshot.
func (sc *SequenceController) GetEngagement(c *fiber.Ctx) error {
	userID, err := c.ParamsInt("id")
	if err != nil || userID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid user id",
		})
	}

	score, err := engine.CurrentScore(sc.DB, uint(userID), time.Now())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch score",
		})
	}
	snapshot, err := engine.LatestSnapshot(sc.DB, uint(userID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch snapshot",
		})
	}

	return c.JSON(fiber.Map{
		"score":    score,
		"snapshot": snapshot,
	})
}

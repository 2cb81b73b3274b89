package controller

import (
	"log"
	"time"

	"cohortpulse/engine"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type WebhookController struct {
	DB         *gorm.DB
	Reconciler *engine.Reconciler
	Logger     *log.Logger
}

func NewWebhookController(db *gorm.DB, reconciler *engine.Reconciler, logger *log.Logger) *WebhookController {
	return &WebhookController{
		DB:         db,
		Reconciler: reconciler,
		Logger:     logger,
	}
}

// HandleEmailWebhook processes provider callbacks (delivered, bounced,
// opened, clicked, complained) for email deliveries
func (wc *WebhookController) HandleEmailWebhook(c *fiber.Ctx) error {
	return wc.handleCallback(c)
}

// HandleChatWebhook processes chat provider callbacks. Same payload
// shape as email; the delivery row already knows its channel.
func (wc *WebhookController) HandleChatWebhook(c *fiber.Ctx) error {
	return wc.handleCallback(c)
}

func (wc *WebhookController) handleCallback(c *fiber.Ctx) error {
	var input struct {
		TrackingID string `json:"tracking_id"`
		EventType  string `json:"event_type"`
		Timestamp  int64  `json:"timestamp"`
	}

	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if input.TrackingID == "" || input.EventType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "tracking_id and event_type are required",
		})
	}

	occurredAt := time.Now()
	if input.Timestamp > 0 {
		occurredAt = time.Unix(input.Timestamp, 0)
	}

	// Unknown tracking-ids and replays are absorbed inside Apply;
	// providers always get a 200 so they stop retrying
	if err := wc.Reconciler.Apply(c.Context(), input.TrackingID, input.EventType, occurredAt); err != nil {
		wc.Logger.Printf("Failed to apply callback %s/%s: %v", input.TrackingID, input.EventType, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process webhook",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Webhook processed successfully",
	})
}

package controller

import (
	"log"
	"time"

	"cohortpulse/engine"
	"cohortpulse/utils"

	"github.com/gofiber/fiber/v2"
)

type TrackingController struct {
	Reconciler     *engine.Reconciler
	TrackingSecret string
	Logger         *log.Logger
}

func NewTrackingController(reconciler *engine.Reconciler, trackingSecret string, logger *log.Logger) *TrackingController {
	return &TrackingController{
		Reconciler:     reconciler,
		TrackingSecret: trackingSecret,
		Logger:         logger,
	}
}

// HandleOpenTracking serves the tracking pixel and records an open.
func (tc *TrackingController) HandleOpenTracking(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	token := c.Params("token")

	if !utils.ValidTrackingToken(trackingID, token, tc.TrackingSecret) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	if err := tc.Reconciler.Apply(c.Context(), trackingID, "opened", time.Now()); err != nil {
		tc.Logger.Printf("Failed to record open for %s: %v", trackingID, err)
	}

	// The pixel is served no matter what: a broken image in the email
	// is worse than a lost open
	return c.Type("gif").Send(transparentPixel())
}

// HandleClickTracking records a click and redirects to the original URL.
func (tc *TrackingController) HandleClickTracking(c *fiber.Ctx) error {
	trackingID := c.Params("trackingID")
	token := c.Params("token")
	originalURL := c.Query("url")

	if !utils.ValidTrackingToken(trackingID, token, tc.TrackingSecret) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}
	if originalURL == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing url")
	}

	if err := tc.Reconciler.Apply(c.Context(), trackingID, "clicked", time.Now()); err != nil {
		tc.Logger.Printf("Failed to record click for %s: %v", trackingID, err)
	}

	return c.Redirect(originalURL, fiber.StatusFound)
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}

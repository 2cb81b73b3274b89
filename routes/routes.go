package routes

import (
	"log"
	"os"

	"cohortpulse/config"
	controller "cohortpulse/controllers"
	"cohortpulse/engine"
	"cohortpulse/middleware"
	"cohortpulse/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"
)

// Deps carries the engine components the HTTP surface hangs off.
type Deps struct {
	Reconciler *engine.Reconciler
	Machine    *engine.Machine
	Ingest     *engine.Ingest
	Ticker     *worker.TickWorker
}

func SetupRoutes(app *fiber.App, db *gorm.DB, deps Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	setupCallbackRoutes(app, db, deps)
	setupAdminRoutes(app, db, deps)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}

// setupCallbackRoutes wires the unauthenticated inbound surface:
// provider webhooks and first-party open/click tracking. Tracking URLs
// carry their own HMAC token instead of a session.
func setupCallbackRoutes(app *fiber.App, db *gorm.DB, deps Deps) {
	webhookController := controller.NewWebhookController(db, deps.Reconciler, log.New(os.Stdout, "WEBHOOK: ", log.LstdFlags))
	trackingController := controller.NewTrackingController(deps.Reconciler, config.AppConfig.TrackingSecret, log.New(os.Stdout, "TRACK: ", log.LstdFlags))

	webhooks := app.Group("/webhooks", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	webhooks.Post("/email", webhookController.HandleEmailWebhook)
	webhooks.Post("/chat", webhookController.HandleChatWebhook)

	app.Get("/track/open/:trackingID/:token", trackingController.HandleOpenTracking)
	app.Get("/track/click/:trackingID/:token", trackingController.HandleClickTracking)
}

// setupAdminRoutes wires the JWT-protected operator API.
func setupAdminRoutes(app *fiber.App, db *gorm.DB, deps Deps) {
	sequenceController := controller.NewSequenceController(db, deps.Machine, deps.Ingest, deps.Ticker, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))

	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	sequences := api.Group("/sequences")
	sequences.Get("/active", sequenceController.ListActiveSequences)
	sequences.Post("/:type/start", sequenceController.StartSequence)
	sequences.Post("/:id/pause", sequenceController.PauseSequence)
	sequences.Post("/:id/resume", sequenceController.ResumeSequence)
	sequences.Post("/:id/cancel", sequenceController.CancelSequence)

	api.Get("/users/:id/engagement", sequenceController.GetEngagement)

	// Trigger endpoints fan out into dispatch work, so they get their
	// own rate limit on top of auth
	triggers := api.Group("", middleware.TriggerRateLimiter())
	triggers.Post("/ticks/run", sequenceController.RunTicks)
	triggers.Post("/meetings/:id/ingest", sequenceController.IngestMeeting)

	log.Println("API routes initialized successfully")
}

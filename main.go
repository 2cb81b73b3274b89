package main

import (
	"context"
	"log"
	"os"
	"time"

	"cohortpulse/config"
	"cohortpulse/engine"
	"cohortpulse/middleware"
	"cohortpulse/models"
	"cohortpulse/routes"
	"cohortpulse/transport"
	"cohortpulse/worker"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
)

func main() {
	logger := log.New(os.Stdout, "PULSE: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Fatalf("Failed to initialize sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection; ConnectDB migrates the schema
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Transports: email is always on, chat only when a bot token is
	// configured
	transports := map[models.Channel]transport.Transport{
		models.ChannelEmail: transport.NewEmailTransport(
			config.AppConfig.SMTP.Host,
			config.AppConfig.SMTP.Port,
			config.AppConfig.SMTP.Username,
			config.AppConfig.SMTP.Password,
			config.AppConfig.SMTP.FromName,
			config.AppConfig.SMTP.FromEmail,
			config.AppConfig.SMTP.Host,
		),
	}
	if config.AppConfig.TelegramToken != "" {
		chat, err := transport.NewChatTransport(config.AppConfig.TelegramToken)
		if err != nil {
			logger.Fatalf("Failed to initialize chat transport: %v", err)
		}
		transports[models.ChannelChat] = chat
	}

	// Engine wiring
	gate := engine.NewGate(config.DB)
	dispatcher := engine.NewDispatcher(config.DB, gate, transports,
		config.AppConfig.BaseURL, config.AppConfig.TrackingSecret,
		log.New(os.Stdout, "DISPATCH: ", log.LstdFlags))
	machine := engine.NewMachine(config.DB, dispatcher, log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	machine.RetryWindow = time.Duration(config.AppConfig.StepRetryWindowHours) * time.Hour
	reconciler := engine.NewReconciler(config.DB, log.New(os.Stdout, "RECONCILE: ", log.LstdFlags))

	calendar := transport.NewCalendarClient(
		config.AppConfig.Calendar.BaseURL,
		config.AppConfig.Calendar.ClientID,
		config.AppConfig.Calendar.ClientSecret,
		config.AppConfig.Calendar.TokenURL,
	)
	ingest := engine.NewIngest(config.DB, calendar, machine,
		config.AppConfig.MinAttendanceMinutes,
		log.New(os.Stdout, "INGEST: ", log.LstdFlags))

	// Workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tickWorker := worker.NewTickWorker(machine,
		config.AppConfig.TickIntervalMinutes, config.AppConfig.TickWorkers,
		log.New(os.Stdout, "TICK: ", log.LstdFlags))
	go tickWorker.Start(ctx)

	decayWorker := worker.NewDecayWorker(config.DB, log.New(os.Stdout, "DECAY: ", log.LstdFlags))
	go decayWorker.Start(ctx)

	replyWatcher := worker.NewReplyWatcher(config.AppConfig.IMAP, reconciler, log.New(os.Stdout, "REPLY: ", log.LstdFlags))
	go replyWatcher.Start(ctx)

	// HTTP surface
	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, config.DB, routes.Deps{
		Reconciler: reconciler,
		Machine:    machine,
		Ingest:     ingest,
		Ticker:     tickWorker,
	})

	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}

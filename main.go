package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"wacampaign/config"
	controller "wacampaign/controllers"
	"wacampaign/engine"
	"wacampaign/middleware"
	"wacampaign/repository"
	"wacampaign/routes"
	"wacampaign/utils"
	"wacampaign/worker"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logrus.WithError(err).Warn("Failed to initialize Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	db := config.DB

	deps := engine.Deps{
		Sessions:   repository.NewSessionRepository(db),
		Contacts:   repository.NewContactRepository(db, cfg.Engine.DefaultLanguage),
		Campaigns:  repository.NewCampaignRepository(db),
		Commands:   repository.NewCommandRepository(db),
		Feedback:   repository.NewFeedbackRepository(db),
		Content:    utils.NewContentResolver(db, cfg.Engine.DefaultLanguage),
		Dispatcher: utils.NewEndpointDispatcher(db, cfg.EncryptionKey, cfg.Engine.DispatchTimeout),
		Logger:     logrus.WithField("component", "engine"),
	}

	var rateLimitStorage fiber.Storage
	if rdb := config.NewRedisClient(cfg.Redis); rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			logrus.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()

		deps.Locker = utils.NewRedisSessionLock(rdb)
		deps.Dedupe = utils.NewRedisDeduplicator(rdb, cfg.Engine.DedupeTTL)
		rateLimitStorage = middleware.NewRedisStorage(rdb)
		logrus.Info("Using Redis for session locks and de-duplication")
	} else {
		deps.Locker = utils.NewMemorySessionLock()
		deps.Dedupe = utils.NewMemoryDeduplicator(cfg.Engine.DedupeTTL)
		logrus.Warn("Redis disabled, session locks are local to this instance")
	}

	eng := engine.New(deps, cfg.EngineSettings())

	var sender worker.Sender
	if cfg.WhatsApp.AccessToken != "" {
		sender = utils.NewWhatsAppSender(cfg.WhatsApp.APIBaseURL, cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.AccessToken)
	} else {
		sender = utils.LogSender{Logger: logrus.WithField("component", "sender")}
		logrus.Warn("WhatsApp access token not set, outbound messages are only logged")
	}

	feed := controller.NewConversationFeed()
	delivery := worker.NewDeliveryWorker(db, sender, feed, cfg.DeliveryQueueSize, cfg.DeliveryMaxRetries)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go delivery.Start(ctx)

	opts := routes.Options{
		DB:                 db,
		Webhook:            controller.NewWebhookController(eng, delivery, cfg.WhatsApp.VerifyToken),
		Feed:               feed,
		AppSecret:          cfg.WhatsApp.AppSecret,
		OperatorJWTSecret:  cfg.OperatorJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		SimulatorRateLimit: cfg.SimulatorRateLimit,
		RateLimitStorage:   rateLimitStorage,
	}
	if cfg.EnableSimulator {
		opts.Simulator = controller.NewSimulatorController(eng, feed)
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "wacampaign",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	routes.SetupRoutes(app, opts)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logrus.Info("Shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logrus.WithError(err).Error("Server shutdown failed")
		}
	}()

	// Start server
	logrus.Infof("🚀 Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}

	cancel()
	<-delivery.Done()
	logrus.Info("Delivery worker stopped")
}

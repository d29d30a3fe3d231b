package routes

import (
	controller "wacampaign/controllers"
	"wacampaign/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"
)

// Options carries everything the HTTP surface needs.
type Options struct {
	DB        *gorm.DB
	Webhook   *controller.WebhookController
	Simulator *controller.SimulatorController // nil disables /simulate
	Feed      *controller.ConversationFeed

	AppSecret          string
	OperatorJWTSecret  string
	CORSAllowedOrigins []string
	SimulatorRateLimit int
	RateLimitStorage   fiber.Storage // nil keeps limiter state in memory
}

var requestLog = logger.Config{
	Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
}

func SetupWebhookRoutes(app *fiber.App, opts Options) {
	webhook := app.Group("/webhook", logger.New(requestLog))

	webhook.Get("/", opts.Webhook.Verify)
	webhook.Post("/", middleware.WebhookSignature(opts.AppSecret), opts.Webhook.Receive)
}

func SetupOperatorRoutes(app *fiber.App, opts Options) {
	protected := middleware.Protected(opts.OperatorJWTSecret)

	if opts.Simulator != nil {
		app.Post("/simulate",
			protected,
			logger.New(requestLog),
			middleware.SimulatorRateLimiter(opts.SimulatorRateLimit, opts.RateLimitStorage),
			opts.Simulator.Simulate,
		)
	}

	// Live conversation feed
	if opts.Feed != nil {
		app.Get("/ws/feed", protected, controller.RequireUpgrade, opts.Feed.Handler())
	}
}

func SetupRoutes(app *fiber.App, opts Options) {
	app.Use(recover.New())

	corsConfig := middleware.DefaultCORSConfig()
	if len(opts.CORSAllowedOrigins) > 0 {
		corsConfig.AllowedOrigins = opts.CORSAllowedOrigins
	}
	app.Use(middleware.CORS(corsConfig))

	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		status := fiber.Map{"status": "ok"}
		if opts.DB != nil {
			if sqlDB, err := opts.DB.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "database": "unreachable"})
			}
			status["database"] = "ok"
		}
		if opts.Feed != nil {
			status["feed_clients"] = opts.Feed.Clients()
		}
		return c.JSON(status)
	})

	SetupWebhookRoutes(app, opts)
	SetupOperatorRoutes(app, opts)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}

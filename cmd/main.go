package main

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/joho/godotenv"

	"IsokoPay/internal/database"
	"IsokoPay/internal/handlers"
	"IsokoPay/internal/routes"
	"IsokoPay/internal/services"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, using environment variables")
	}

	// Connect to database
	if err := database.Connect(); err != nil {
		log.Fatal("❌ Failed to connect to database:", err)
	}
	defer database.Close()

	// Run migrations
	if err := database.Migrate(); err != nil {
		log.Fatal("❌ Failed to migrate database:", err)
	}
	log.Println("✅ Database connected and migrated successfully")

	// External collaborators, injected into the escrow service
	ledger := services.NewLedgerService()
	sms := services.NewSMSService()
	email := services.NewEmailService()

	// Typed nil must not leak into the interface; the dispute handler checks
	// uploads against nil to reject evidence attachments
	var uploads services.EvidenceStore
	if cld, err := services.NewCloudinaryService(); err != nil {
		log.Printf("⚠️  Cloudinary not configured, dispute evidence uploads disabled: %v", err)
	} else {
		uploads = cld
	}

	escrowService := services.NewEscrowService(database.DB, ledger, sms, email)

	// Settlement scheduler with an email alert hook
	alertEmail := os.Getenv("ALERT_EMAIL")
	scheduler := services.NewSettlementScheduler(escrowService, func(job string, jobErr error) {
		if err := email.SendSchedulerAlert(alertEmail, job, jobErr); err != nil {
			log.Printf("⚠️  failed to deliver scheduler alert for %s: %v", job, err)
		}
	})
	scheduler.StartAll()
	defer scheduler.StopAll()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:   "IsokoPay Escrow Engine v1.0",
		BodyLimit: 10 * 1024 * 1024,
	})

	// Middleware
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	// Health check route
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Welcome to the IsokoPay Escrow Engine",
			"status":  "running",
			"version": "1.0",
		})
	})

	// Setup application routes
	routes.SetupRoutes(app)
	routes.SetupEscrowRoutes(app, handlers.NewEscrowHandler(escrowService), handlers.NewDisputeHandler(escrowService, uploads))
	routes.SetupAdminRoutes(app, handlers.NewAdminHandler(escrowService, scheduler))

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("🚀 IsokoPay escrow engine starting on http://localhost:%s", port)
	log.Fatal(app.Listen(":" + port))
}

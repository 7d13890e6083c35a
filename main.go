package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"challenge-pledge-system/handlers"
	"challenge-pledge-system/middleware"
	"challenge-pledge-system/models"
	"challenge-pledge-system/services"
	"challenge-pledge-system/utils"
	"challenge-pledge-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New()

	// 🔐❗ GLOBAL: Only Gateway requests allowed (Stripe webhooks excepted)
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-Session-Token, X-Service-Token, Stripe-Signature",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	if err := utils.InitAuditStore(); err != nil {
		log.Fatal("failed to initialize R2 audit store:", err)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Challenge{},
		&models.Transaction{},
		&models.WebhookEvent{},
		&models.Association{},
		&models.RateLimitCounter{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	gateway := services.NewStripeGateway()
	mailer := services.NewMailerFromEnv()

	challengeService := services.NewChallengeService(db, gateway, mailer)
	paymentService := services.NewPaymentService(db, gateway)
	webhookService := services.NewWebhookService(db, gateway, mailer)
	webhookService.Archive = utils.ArchiveWebhookPayload

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	associationClient := workers.NewAssociationSyncClient(db)
	go workers.PollAssociations(ctx, associationClient, 60*time.Second)

	recoveryWorker := workers.NewPaymentRecoveryWorker(db, gateway, webhookService)
	go recoveryWorker.Start(ctx, 15*time.Minute)

	challengeService.StartExpirySweep()

	// ✅ Setup routes — enforced Gateway auth + consistent /s/ prefix
	handlers.SetupChallengeRoutes(app, challengeService)
	handlers.SetupPaymentRoutes(app, paymentService, webhookService)

	go func() {
		if err := app.Listen(":5100"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5100")
	log.Println("✅ Association directory polling running (every 60s)")
	log.Println("✅ Stuck-payment recovery worker running (every 15m)")
	log.Println("✅ Challenge expiry sweep scheduled")
	log.Println("✅ GatewayAuthMiddleware enforced globally — all requests must come from Gateway")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}

package handlers

import (
	"challenge-pledge-system/middleware"
	"challenge-pledge-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupPaymentRoutes(app *fiber.App, paymentService *services.PaymentService, webhookService *services.WebhookService) {
	// 🔓 Stripe calls this directly — authenticated by event signature, not by
	// the gateway token (the gateway middleware skips /webhooks/)
	app.Post("/webhooks/stripe", webhookService.HandleStripeWebhook)

	// 🔐 Authenticated checkout initiation
	secured := app.Group("/s", middleware.UserContextMiddleware())
	secured.Post("/payments/checkout-session", paymentService.CreateCheckoutSession)
}

package handlers

import (
	"challenge-pledge-system/middleware"
	"challenge-pledge-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupChallengeRoutes(app *fiber.App, challengeService *services.ChallengeService) {
	// 🔐 All challenge routes require user context from the Gateway
	secured := app.Group("/s", middleware.UserContextMiddleware())

	secured.Post("/challenges", challengeService.CreateChallenge)
	secured.Get("/challenges", challengeService.GetUserChallenges)
	secured.Get("/challenges/summary", challengeService.GetUserChallengesSummary)
	secured.Get("/challenges/:id", challengeService.GetChallenge)
	secured.Delete("/challenges/:id", challengeService.DeleteChallenge)

	// Outcome declarations
	secured.Post("/challenges/:id/success", challengeService.MarkSuccessful)
	secured.Post("/challenges/:id/failure", challengeService.MarkFailed)
}

// services/payment_service.go
package services

import (
	"fmt"
	"log"
	"time"

	"challenge-pledge-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentService opens checkout sessions for challenge stakes. It enforces
// the one-in-flight-attempt invariant: a challenge never has two open payment
// attempts, backed by the partial unique index on transactions.
type PaymentService struct {
	DB      *gorm.DB
	Gateway PaymentGateway
	Limiter *RateLimiter
}

func NewPaymentService(db *gorm.DB, gateway PaymentGateway) *PaymentService {
	return &PaymentService{
		DB:      db,
		Gateway: gateway,
		Limiter: &RateLimiter{DB: db, Max: 3, Window: 5 * time.Minute},
	}
}

// CreateCheckoutSession verifies ownership, payable status and amount bounds,
// asks the gateway for a hosted payment page, and records the attempt as an
// initiated transaction carrying the returned session id.
func (s *PaymentService) CreateCheckoutSession(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "user context missing"})
	}

	var req struct {
		ChallengeID string `json:"challenge_id"`
		Amount      int64  `json:"amount"`
	}
	if err := c.BodyParser(&req); err != nil || req.ChallengeID == "" || req.Amount == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	allowed, err := s.Limiter.Allow(fmt.Sprintf("checkout:%s:%s", userID, c.IP()))
	if err != nil {
		log.Printf("DB Error checking rate limit: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create checkout session"})
	}
	if !allowed {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too many payment attempts, retry later"})
	}

	min, max := PaymentBounds()
	if req.Amount < min || req.Amount > max {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("%s (%d-%d EUR)", ErrAmountOutOfRange.Error(), min, max),
		})
	}

	var challenge models.Challenge
	if err := s.DB.Where("id = ? AND user_id = ?", req.ChallengeID, userID).First(&challenge).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "challenge not found"})
		}
		log.Printf("DB Error fetching challenge %s: %v", req.ChallengeID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if !challenge.Status.Payable() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "challenge is not payable in its current status"})
	}

	// At most one open attempt per challenge. A paid (or dispositioned)
	// attempt means the stake is already committed.
	var existing models.Transaction
	err = s.DB.Where("challenge_id = ?", req.ChallengeID).Order("created_at DESC").First(&existing).Error
	hasExisting := err == nil
	if err != nil && err != gorm.ErrRecordNotFound {
		log.Printf("DB Error fetching transaction for challenge %s: %v", req.ChallengeID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if hasExisting && existing.Status != models.TransactionStatusInitiated && existing.Status != models.TransactionStatusFailed {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "challenge is already paid"})
	}

	commission := CalculateCommission(req.Amount)
	result, err := s.Gateway.CreateCheckoutSession(c.Context(), CheckoutSessionInput{
		ChallengeID:     challenge.ID,
		UserID:          userID,
		Title:           challenge.Title,
		AssociationName: challenge.AssociationName,
		Amount:          req.Amount,
		Commission:      commission,
	})
	if err != nil {
		log.Printf("❌ Gateway error creating checkout session for challenge %s: %v", challenge.ID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "payment gateway error"})
	}

	if hasExisting {
		// Refresh the previous attempt instead of opening a second one. The
		// update re-checks the status it saw above: a confirmation webhook
		// that landed during the gateway call must not be overwritten.
		res := s.DB.Model(&models.Transaction{}).
			Where("id = ? AND status IN ?", existing.ID, []string{
				string(models.TransactionStatusInitiated),
				string(models.TransactionStatusFailed),
			}).
			Updates(map[string]interface{}{
				"amount":            req.Amount,
				"commission":        commission,
				"status":            models.TransactionStatusInitiated,
				"stripe_session_id": result.SessionID,
				"stripe_payment_id": "",
			})
		if res.Error != nil {
			log.Printf("DB Error refreshing transaction %s: %v", existing.ID, res.Error)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to record transaction"})
		}
		if res.RowsAffected == 0 {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "challenge is already paid"})
		}
	} else {
		t := models.Transaction{
			ID:              uuid.NewString(),
			ChallengeID:     challenge.ID,
			UserID:          userID,
			Amount:          req.Amount,
			Commission:      commission,
			Status:          models.TransactionStatusInitiated,
			PaymentType:     "one-time",
			StripeSessionID: result.SessionID,
		}
		if err := s.DB.Create(&t).Error; err != nil {
			// Unique partial index: a concurrent initiation won the race.
			log.Printf("⚠️ Failed to create transaction for challenge %s (concurrent attempt?): %v", challenge.ID, err)
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": ErrAlreadyPaid.Error()})
		}
	}

	return c.JSON(fiber.Map{
		"redirect_url": result.RedirectURL,
		"session_id":   result.SessionID,
	})
}

// services/challenge_service.go
package services

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"challenge-pledge-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"gorm.io/gorm"
)

type ChallengeService struct {
	DB      *gorm.DB
	Gateway PaymentGateway
	Mailer  Mailer
}

func NewChallengeService(db *gorm.DB, gateway PaymentGateway, mailer Mailer) *ChallengeService {
	return &ChallengeService{DB: db, Gateway: gateway, Mailer: mailer}
}

// CreateChallenge creates a draft challenge. The payment attempt is opened
// separately through the checkout endpoint.
func (s *ChallengeService) CreateChallenge(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "user context missing"})
	}
	userEmail, _ := c.Locals("user_email").(string)

	var req struct {
		Title         string     `json:"title"`
		Description   string     `json:"description"`
		Amount        int64      `json:"amount"`
		DurationDays  int        `json:"duration_days"`
		StartDate     *time.Time `json:"start_date"`
		AssociationID string     `json:"association_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Title == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "title is required"})
	}
	if req.DurationDays <= 0 || req.DurationDays > 365 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "duration_days must be between 1 and 365"})
	}
	min, max := PaymentBounds()
	if req.Amount < min || req.Amount > max {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("%s (%d-%d EUR)", ErrAmountOutOfRange.Error(), min, max),
		})
	}

	startDate := time.Now()
	if req.StartDate != nil {
		startDate = *req.StartDate
	}

	var associationName string
	if req.AssociationID != "" {
		var assoc models.Association
		err := s.DB.Where("id = ? AND is_active = ?", req.AssociationID, true).First(&assoc).Error
		if err == gorm.ErrRecordNotFound {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown association"})
		}
		if err != nil {
			log.Printf("DB Error fetching association %s: %v", req.AssociationID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
		}
		associationName = assoc.Name
	}

	challenge := models.Challenge{
		ID:              uuid.NewString(),
		UserID:          userID,
		UserEmail:       userEmail,
		AssociationID:   req.AssociationID,
		AssociationName: associationName,
		Title:           req.Title,
		Slug:            slug.Make(req.Title),
		Description:     req.Description,
		Amount:          req.Amount,
		DurationDays:    req.DurationDays,
		StartDate:       startDate,
		Status:          models.ChallengeStatusDraft,
	}
	if err := s.DB.Create(&challenge).Error; err != nil {
		log.Printf("DB Error creating challenge: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create challenge"})
	}

	return c.Status(fiber.StatusCreated).JSON(challenge)
}

// GetChallenge returns one challenge with its latest transaction as a derived
// read-side join (the challenge row itself never stores a back-pointer).
func (s *ChallengeService) GetChallenge(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	id := c.Params("id")

	var challenge models.Challenge
	if err := s.DB.Where("id = ? AND user_id = ?", id, userID).First(&challenge).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "challenge not found"})
		}
		log.Printf("DB Error fetching challenge %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	var transaction models.Transaction
	err := s.DB.Where("challenge_id = ?", id).Order("created_at DESC").First(&transaction).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		log.Printf("DB Error fetching transaction for challenge %s: %v", id, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	resp := fiber.Map{"challenge": challenge}
	if err == nil {
		resp["transaction"] = transaction
	}
	return c.JSON(resp)
}

// GetUserChallenges lists the caller's challenges, newest first, with an
// optional status filter and pagination.
func (s *ChallengeService) GetUserChallenges(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page <= 0 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.Query("limit", "10"))
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	query := s.DB.Model(&models.Challenge{}).Where("user_id = ?", userID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		log.Printf("DB Error counting challenges: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	var challenges []models.Challenge
	if err := query.Order("created_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&challenges).Error; err != nil {
		log.Printf("DB Error listing challenges: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	totalPages := 0
	if total > 0 {
		totalPages = int(math.Ceil(float64(total) / float64(limit)))
	}
	return c.JSON(fiber.Map{
		"challenges": challenges,
		"pagination": fiber.Map{
			"total":       total,
			"page":        page,
			"limit":       limit,
			"total_pages": totalPages,
		},
	})
}

// DeleteChallenge removes a draft. Once a challenge has been paid it is never
// deleted.
func (s *ChallengeService) DeleteChallenge(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	id := c.Params("id")

	res := s.DB.Where("id = ? AND user_id = ? AND status = ?", id, userID, models.ChallengeStatusDraft).
		Delete(&models.Challenge{})
	if res.Error != nil {
		log.Printf("DB Error deleting challenge %s: %v", id, res.Error)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if res.RowsAffected == 0 {
		var exists int64
		s.DB.Model(&models.Challenge{}).Where("id = ? AND user_id = ?", id, userID).Count(&exists)
		if exists > 0 {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "only draft challenges can be deleted"})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "challenge not found"})
	}
	return c.JSON(fiber.Map{"message": "challenge deleted"})
}

// GetUserChallengesSummary aggregates the caller's challenge stats, including
// donated amounts grouped by association (commission already deducted).
func (s *ChallengeService) GetUserChallengesSummary(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)

	type statusCount struct {
		Status models.ChallengeStatus
		Count  int64
	}
	var counts []statusCount
	if err := s.DB.Model(&models.Challenge{}).
		Select("status, COUNT(*) as count").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&counts).Error; err != nil {
		log.Printf("DB Error aggregating challenges: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	var total, successful, failed, active int64
	for _, sc := range counts {
		total += sc.Count
		switch sc.Status {
		case models.ChallengeStatusValidated:
			successful = sc.Count
		case models.ChallengeStatusFailed:
			failed = sc.Count
		case models.ChallengeStatusActive:
			active = sc.Count
		}
	}

	// Donations derive from failed challenges; the association receives the
	// stake minus commission.
	var donations []models.Challenge
	if err := s.DB.Where("user_id = ? AND status = ?", userID, models.ChallengeStatusFailed).
		Find(&donations).Error; err != nil {
		log.Printf("DB Error fetching donations: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}

	rate := CommissionRate()
	var totalDonated float64
	type assocDonation struct {
		ID     string  `json:"id"`
		Name   string  `json:"name"`
		Amount float64 `json:"amount"`
	}
	byAssoc := map[string]*assocDonation{}
	for _, ch := range donations {
		payout := math.Round(float64(ch.Amount)*(1-rate)*100) / 100
		totalDonated += payout
		if ch.AssociationID == "" {
			continue
		}
		if d, ok := byAssoc[ch.AssociationID]; ok {
			d.Amount += payout
		} else {
			name := ch.AssociationName
			if name == "" {
				name = "Association inconnue"
			}
			byAssoc[ch.AssociationID] = &assocDonation{ID: ch.AssociationID, Name: name, Amount: payout}
		}
	}
	assocList := make([]assocDonation, 0, len(byAssoc))
	for _, d := range byAssoc {
		assocList = append(assocList, *d)
	}

	return c.JSON(fiber.Map{
		"total_challenges":      total,
		"successful_challenges": successful,
		"failed_challenges":     failed,
		"active_challenges":     active,
		"total_donated":         math.Round(totalDonated*100) / 100,
		"associations":          assocList,
	})
}

type outcomeResult struct {
	challenge         models.Challenge
	transaction       models.Transaction
	transactionStatus models.TransactionStatus
	payout            float64
}

// MarkSuccessful declares the challenge won. The challenge transition is a
// compare-and-set conditioned on status=active and the end date, so a racing
// declare-failure loses cleanly with InvalidTransition instead of silently
// overwriting. The stake is refunded minus commission, unless the user opts
// to donate it anyway.
func (s *ChallengeService) MarkSuccessful(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	id := c.Params("id")

	var req struct {
		Note         string `json:"note"`
		DonateAnyway bool   `json:"donate_anyway"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
	}

	target := models.TransactionStatusRefunded
	if req.DonateAnyway {
		target = models.TransactionStatusDonated
	}

	result, err := s.declareOutcome(id, userID, models.ChallengeStatusValidated, target, req.Note)
	if err != nil {
		return s.outcomeError(c, err)
	}

	if !req.DonateAnyway && result.transaction.StripePaymentID != "" {
		refundCents := int64(math.Round(result.payout * 100))
		refundID, err := s.Gateway.RefundPayment(c.Context(), result.transaction.StripePaymentID, refundCents)
		if err != nil {
			// The transition is already durable; the refund failure is logged
			// for manual follow-up.
			log.Printf("❌ Refund failed for transaction %s: %v", result.transaction.ID, err)
		} else if err := s.DB.Model(&models.Transaction{}).Where("id = ?", result.transaction.ID).
			Update("refund_id", refundID).Error; err != nil {
			log.Printf("DB Error recording refund id on transaction %s: %v", result.transaction.ID, err)
		}
	}

	if s.Mailer != nil {
		s.Mailer.SendChallengeValidated(result.challenge.UserEmail, result.challenge.Title,
			result.payout, req.DonateAnyway, result.challenge.AssociationName)
	}

	return c.JSON(fiber.Map{
		"message": "challenge validated",
		"data": fiber.Map{
			"challenge_id":       id,
			"new_status":         models.ChallengeStatusValidated,
			"transaction_status": target,
			"refund_amount":      result.payout,
		},
	})
}

// MarkFailed declares the challenge lost: the paid stake minus commission
// goes to the chosen association.
func (s *ChallengeService) MarkFailed(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	id := c.Params("id")

	var req struct {
		Note string `json:"note"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
	}

	result, err := s.declareOutcome(id, userID, models.ChallengeStatusFailed, models.TransactionStatusDonated, req.Note)
	if err != nil {
		return s.outcomeError(c, err)
	}

	if s.Mailer != nil {
		s.Mailer.SendChallengeFailed(result.challenge.UserEmail, result.challenge.Title,
			result.payout, result.challenge.AssociationName)
	}

	return c.JSON(fiber.Map{
		"message": "challenge marked as failed",
		"data": fiber.Map{
			"challenge_id":       id,
			"new_status":         models.ChallengeStatusFailed,
			"transaction_status": models.TransactionStatusDonated,
			"donation_amount":    result.payout,
			"association_name":   result.challenge.AssociationName,
		},
	})
}

// declareOutcome performs the two-row terminal transition atomically: the
// challenge leaves active and the paid transaction is dispositioned in one
// database transaction, or neither happens.
func (s *ChallengeService) declareOutcome(challengeID, userID string, challengeStatus models.ChallengeStatus, transactionStatus models.TransactionStatus, note string) (*outcomeResult, error) {
	now := time.Now()
	result := &outcomeResult{transactionStatus: transactionStatus}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND user_id = ?", challengeID, userID).First(&result.challenge).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return err
		}

		res := tx.Model(&models.Challenge{}).
			Where("id = ? AND status = ? AND end_date >= ?", challengeID, models.ChallengeStatusActive, now).
			Updates(map[string]interface{}{
				"status":       challengeStatus,
				"outcome_note": note,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}

		res = tx.Model(&models.Transaction{}).
			Where("challenge_id = ? AND status = ?", challengeID, models.TransactionStatusPaid).
			Update("status", transactionStatus)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Active challenge without a paid transaction: inconsistent, refuse.
			return ErrInvalidTransition
		}

		if err := tx.Where("challenge_id = ? AND status = ?", challengeID, transactionStatus).
			First(&result.transaction).Error; err != nil {
			return err
		}
		result.payout = float64(result.transaction.Amount) - result.transaction.Commission
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("✅ Challenge %s → %s, transaction %s → %s (payout %.2f)",
		challengeID, challengeStatus, result.transaction.ID, transactionStatus, result.payout)
	return result, nil
}

func (s *ChallengeService) outcomeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "challenge not found"})
	case errors.Is(err, ErrInvalidTransition):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "challenge is not active or past its end date"})
	default:
		log.Printf("DB Error declaring outcome: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to update challenge"})
	}
}

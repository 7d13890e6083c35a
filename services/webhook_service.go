// services/webhook_service.go
package services

import (
	"errors"
	"log"
	"time"

	"challenge-pledge-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookService is the reconciliation engine: it turns verified gateway
// events into state transitions on the Challenge/Transaction pair. Every
// transition runs inside one database transaction together with the
// idempotency-ledger claim, so an event either fully applies once or not at
// all — regardless of redelivery, reordering, or crashes mid-flight.
type WebhookService struct {
	DB      *gorm.DB
	Gateway PaymentGateway
	Mailer  Mailer

	// Archive, when set, receives the raw payload of each newly-processed
	// event for out-of-band audit storage. Best-effort.
	Archive func(eventID string, payload []byte)
}

func NewWebhookService(db *gorm.DB, gateway PaymentGateway, mailer Mailer) *WebhookService {
	return &WebhookService{DB: db, Gateway: gateway, Mailer: mailer}
}

// HandleStripeWebhook is the inbound event endpoint. Duplicates are
// acknowledged with a 200 (an error would put the gateway into a retry
// storm); only a bad signature earns a 4xx; datastore trouble earns a 5xx so
// the gateway redelivers — which the ledger makes safe.
func (s *WebhookService) HandleStripeWebhook(c *fiber.Ctx) error {
	payload := c.Body()
	sig := c.Get("Stripe-Signature")

	ev, err := s.Gateway.VerifyEvent(payload, sig)
	if err != nil {
		log.Printf("🚫 [WEBHOOK] Signature verification failed: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "webhook signature verification failed"})
	}

	if err := s.ProcessEvent(ev); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return c.JSON(fiber.Map{"received": true, "duplicate": true})
		}
		log.Printf("❌ [WEBHOOK] Processing failed for event %s (%s): %v", ev.ID, ev.Type, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook processing failed"})
	}

	if s.Archive != nil {
		go s.Archive(ev.ID, append([]byte(nil), payload...))
	}

	return c.JSON(fiber.Map{"received": true})
}

// ProcessEvent claims the event in the idempotency ledger and applies its
// transition atomically. Returns ErrDuplicateEvent when the id was already
// claimed; unhandled event types are claimed and otherwise ignored.
func (s *WebhookService) ProcessEvent(ev *PaymentEvent) error {
	var notify func()

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		claim := models.WebhookEvent{
			ID:            uuid.NewString(),
			StripeEventID: ev.ID,
			EventType:     string(ev.Type),
			Payload:       ev.RawPayload,
		}
		// Unique-constraint-backed insert, not read-then-write: two concurrent
		// deliveries of the same event race here and exactly one wins.
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_event_id"}},
			DoNothing: true,
		}).Create(&claim)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrDuplicateEvent
		}

		switch ev.Type {
		case EventCheckoutCompleted:
			return s.applyCheckoutCompleted(tx, ev)
		case EventPaymentSucceeded:
			n, err := s.applyPaymentSucceeded(tx, ev.Intent)
			notify = n
			return err
		case EventPaymentFailed:
			return s.applyPaymentFailed(tx, ev)
		case EventCheckoutExpired:
			return s.applyCheckoutExpired(tx, ev)
		default:
			log.Printf("ℹ️ [WEBHOOK] Unhandled event type %s (%s) — acknowledged", ev.Type, ev.ID)
			return nil
		}
	})

	if err == nil && notify != nil {
		notify()
	}
	return err
}

// applyCheckoutCompleted records the gateway session/intent identifiers on
// the open transaction. The payment is not yet marked paid here.
func (s *WebhookService) applyCheckoutCompleted(tx *gorm.DB, ev *PaymentEvent) error {
	if ev.Session == nil || ev.Session.ChallengeID == "" {
		log.Printf("⚠️ [WEBHOOK] checkout.session.completed %s carries no challenge id — ignoring", ev.ID)
		return nil
	}

	updates := map[string]interface{}{"stripe_session_id": ev.Session.SessionID}
	if ev.Session.PaymentIntentID != "" {
		updates["stripe_payment_id"] = ev.Session.PaymentIntentID
	}
	if ev.Session.PaymentMethodID != "" {
		updates["payment_method_id"] = ev.Session.PaymentMethodID
	}

	res := tx.Model(&models.Transaction{}).
		Where("challenge_id = ? AND status IN ?", ev.Session.ChallengeID, models.OpenTransactionStatuses).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		log.Printf("⚠️ [WEBHOOK] No open transaction for challenge %s on checkout completion — ignoring", ev.Session.ChallengeID)
	}
	return nil
}

// applyPaymentSucceeded confirms the payment: transaction → paid and
// challenge → active in the same transaction, or neither. A paid amount that
// disagrees with the stored stake forces the transaction to failed instead —
// the gateway report is never trusted over the stored stake.
func (s *WebhookService) applyPaymentSucceeded(tx *gorm.DB, intent *PaymentIntentData) (func(), error) {
	if intent == nil || (intent.ChallengeID == "" && intent.IntentID == "") {
		log.Printf("⚠️ [WEBHOOK] payment_intent.succeeded carries no correlation ids — ignoring")
		return nil, nil
	}

	// Key on the specific intent id first. Falling back to the challenge id is
	// only safe when the intent is entirely unknown (the succeeded event beat
	// the checkout.session.completed one): a known intent on a closed attempt
	// is a stale delivery and must never land on a newer attempt.
	var t models.Transaction
	var err error
	if intent.IntentID != "" {
		err = tx.Where("stripe_payment_id = ? AND status IN ?", intent.IntentID, models.OpenTransactionStatuses).
			First(&t).Error
		if err == gorm.ErrRecordNotFound {
			var known int64
			if cErr := tx.Model(&models.Transaction{}).
				Where("stripe_payment_id = ?", intent.IntentID).Count(&known).Error; cErr != nil {
				return nil, cErr
			}
			if known > 0 {
				log.Printf("⚠️ [WEBHOOK] Intent %s belongs to a closed attempt — ignoring", intent.IntentID)
				return nil, nil
			}
			if intent.ChallengeID != "" {
				err = tx.Where("challenge_id = ? AND status IN ?", intent.ChallengeID, models.OpenTransactionStatuses).
					First(&t).Error
			}
		}
	} else {
		err = tx.Where("challenge_id = ? AND status IN ?", intent.ChallengeID, models.OpenTransactionStatuses).
			First(&t).Error
	}
	if err == gorm.ErrRecordNotFound {
		log.Printf("⚠️ [WEBHOOK] No open transaction for payment intent %s — ignoring", intent.IntentID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Status == models.TransactionStatusPaid {
		// A different event for the same attempt already confirmed it.
		return nil, nil
	}

	now := time.Now()

	// Amount guard: the reported paid amount must match the stored stake
	// within one cent, or the attempt is recorded as failed.
	expectedCents := t.Amount * 100
	if diff := intent.AmountReceived - expectedCents; diff > 1 || diff < -1 {
		log.Printf("🚨 [WEBHOOK] Amount mismatch on transaction %s: stake %d cents, gateway reported %d cents — marking failed",
			t.ID, expectedCents, intent.AmountReceived)
		return nil, tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", t.ID, models.TransactionStatusInitiated).
			Updates(map[string]interface{}{
				"status":              models.TransactionStatusFailed,
				"stripe_payment_id":   intent.IntentID,
				"webhook_received_at": &now,
			}).Error
	}

	res := tx.Model(&models.Transaction{}).
		Where("id = ? AND status = ?", t.ID, models.TransactionStatusInitiated).
		Updates(map[string]interface{}{
			"status":              models.TransactionStatusPaid,
			"stripe_payment_id":   intent.IntentID,
			"webhook_received_at": &now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Lost the race to a concurrent confirmation of the same attempt.
		return nil, nil
	}

	var ch models.Challenge
	if err := tx.Where("id = ?", t.ChallengeID).First(&ch).Error; err != nil {
		return nil, err
	}
	endDate := ch.StartDate.AddDate(0, 0, ch.DurationDays)

	res = tx.Model(&models.Challenge{}).
		Where("id = ? AND status = ?", ch.ID, models.ChallengeStatusDraft).
		Updates(map[string]interface{}{
			"status":   models.ChallengeStatusActive,
			"end_date": &endDate,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		log.Printf("⚠️ [WEBHOOK] Challenge %s is no longer draft — activation skipped", ch.ID)
		return nil, nil
	}

	log.Printf("✅ [WEBHOOK] Payment confirmed: transaction %s paid, challenge %s active until %s",
		t.ID, ch.ID, endDate.Format("2006-01-02"))

	mailer, email := s.Mailer, ch.UserEmail
	title, amount := ch.Title, t.Amount
	return func() {
		if mailer != nil {
			mailer.SendChallengeActivated(email, title, amount, endDate)
		}
	}, nil
}

// applyPaymentFailed marks the attempt failed and releases the challenge for
// a retry. The lookup keys strictly on the payment-intent id: a stale failure
// event for an old attempt must never touch a newer attempt, and the
// challenge reset is conditioned so an already-active challenge is never
// demoted.
func (s *WebhookService) applyPaymentFailed(tx *gorm.DB, ev *PaymentEvent) error {
	if ev.Intent == nil || ev.Intent.IntentID == "" {
		log.Printf("⚠️ [WEBHOOK] payment_intent.payment_failed %s carries no intent id — ignoring", ev.ID)
		return nil
	}

	var t models.Transaction
	err := tx.Where("stripe_payment_id = ?", ev.Intent.IntentID).First(&t).Error
	if err == gorm.ErrRecordNotFound {
		log.Printf("⚠️ [WEBHOOK] No transaction for failed payment intent %s — ignoring", ev.Intent.IntentID)
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now()
	res := tx.Model(&models.Transaction{}).
		Where("id = ? AND status IN ?", t.ID, models.OpenTransactionStatuses).
		Updates(map[string]interface{}{
			"status":              models.TransactionStatusFailed,
			"webhook_received_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	return tx.Model(&models.Challenge{}).
		Where("id = ? AND status NOT IN ?", t.ChallengeID, []string{
			string(models.ChallengeStatusActive),
			string(models.ChallengeStatusValidated),
			string(models.ChallengeStatusFailed),
			string(models.ChallengeStatusExpired),
		}).
		Update("status", models.ChallengeStatusDraft).Error
}

// applyCheckoutExpired closes out an abandoned checkout session. Expiry is
// reported by the gateway as its own event; there is no local timer.
func (s *WebhookService) applyCheckoutExpired(tx *gorm.DB, ev *PaymentEvent) error {
	if ev.Session == nil || ev.Session.SessionID == "" {
		log.Printf("⚠️ [WEBHOOK] checkout.session.expired %s carries no session id — ignoring", ev.ID)
		return nil
	}

	now := time.Now()
	res := tx.Model(&models.Transaction{}).
		Where("stripe_session_id = ? AND status = ?", ev.Session.SessionID, models.TransactionStatusInitiated).
		Updates(map[string]interface{}{
			"status":              models.TransactionStatusFailed,
			"webhook_received_at": &now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		log.Printf("⚠️ [WEBHOOK] No initiated transaction for expired session %s — ignoring", ev.Session.SessionID)
	}
	return nil
}

// RecoverPayment applies a payment the recovery worker found confirmed on the
// gateway but still initiated locally (e.g. the webhook delivery was lost).
// It reuses the same conditioned transitions as the webhook path, so applying
// an already-reconciled intent is a no-op. No ledger claim: there is no
// provider event id, and the CAS updates make the operation idempotent.
func (s *WebhookService) RecoverPayment(intent *PaymentIntentData) error {
	var notify func()
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		n, err := s.applyPaymentSucceeded(tx, intent)
		notify = n
		return err
	})
	if err == nil && notify != nil {
		notify()
	}
	return err
}

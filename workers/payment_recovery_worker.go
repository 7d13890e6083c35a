package workers

import (
	"context"
	"log"
	"time"

	"challenge-pledge-system/models"
	"challenge-pledge-system/services"

	"gorm.io/gorm"
)

// PaymentRecoveryWorker re-checks transactions stuck in initiated against the
// gateway. A lost webhook delivery (or one that 5xx'd past the gateway's
// retry budget) would otherwise strand a paid challenge in draft forever.
type PaymentRecoveryWorker struct {
	DB         *gorm.DB
	Gateway    services.PaymentGateway
	Reconciler *services.WebhookService

	// MinAge keeps the worker away from attempts whose checkout session may
	// still legitimately complete.
	MinAge time.Duration
}

func NewPaymentRecoveryWorker(db *gorm.DB, gateway services.PaymentGateway, reconciler *services.WebhookService) *PaymentRecoveryWorker {
	return &PaymentRecoveryWorker{
		DB:         db,
		Gateway:    gateway,
		Reconciler: reconciler,
		MinAge:     45 * time.Minute,
	}
}

func (w *PaymentRecoveryWorker) Start(ctx context.Context, interval time.Duration) {
	log.Println("Starting stuck-payment recovery worker...")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Payment recovery worker stopped.")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *PaymentRecoveryWorker) runOnce(ctx context.Context) {
	cutoff := time.Now().Add(-w.MinAge)

	var stuck []models.Transaction
	if err := w.DB.
		Where("status = ? AND stripe_payment_id <> '' AND created_at < ?",
			models.TransactionStatusInitiated, cutoff).
		Limit(50).
		Find(&stuck).Error; err != nil {
		log.Printf("❌ [RECOVERY] DB error fetching stuck transactions: %v", err)
		return
	}
	if len(stuck) == 0 {
		return
	}
	log.Printf("[RECOVERY] Found %d potentially stuck transaction(s)", len(stuck))

	for _, t := range stuck {
		intent, err := w.Gateway.GetPaymentIntent(ctx, t.StripePaymentID)
		if err != nil {
			log.Printf("❌ [RECOVERY] Failed to check intent %s: %v", t.StripePaymentID, err)
			continue
		}
		if intent.Status != "succeeded" {
			continue
		}
		if err := w.Reconciler.RecoverPayment(intent); err != nil {
			log.Printf("❌ [RECOVERY] Failed to reconcile transaction %s: %v", t.ID, err)
			continue
		}
		log.Printf("✅ [RECOVERY] Reconciled stuck transaction %s (intent %s)", t.ID, intent.IntentID)
	}
}

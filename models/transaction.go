package models

import (
	"time"
)

type TransactionStatus string

const (
	TransactionStatusInitiated TransactionStatus = "initiated"
	TransactionStatusPaid      TransactionStatus = "paid"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
	TransactionStatusDonated   TransactionStatus = "donated"
)

// OpenTransactionStatuses are the non-terminal statuses: a payment attempt
// that is still in flight (initiated) or confirmed but not yet dispositioned
// (paid). The partial unique index below allows at most one such row per
// challenge at any time.
var OpenTransactionStatuses = []string{
	string(TransactionStatusInitiated),
	string(TransactionStatusPaid),
}

// Transaction is one payment attempt for a challenge. It belongs to exactly
// one challenge; its status is the sole signal the reconciliation engine uses
// to drive the parent challenge.
type Transaction struct {
	ID          string  `json:"id" gorm:"primaryKey"`
	ChallengeID string  `json:"challenge_id" gorm:"not null;index;index:idx_transactions_challenge_open,unique,where:status = 'initiated' OR status = 'paid'"`
	UserID      string  `json:"user_id" gorm:"not null;index"` // Denormalized for fast lookup
	Amount      int64   `json:"amount" gorm:"not null"`        // Stake in whole euros, must match the gateway-reported paid amount
	Commission  float64 `json:"commission"`                    // Stake x commission rate, rounded to 2 decimals

	Status      TransactionStatus `json:"status" gorm:"type:varchar(16);default:'initiated';index"`
	PaymentType string            `json:"payment_type" gorm:"type:varchar(16);default:'one-time'"`

	// Gateway correlation identifiers
	StripeSessionID string `json:"stripe_session_id,omitempty" gorm:"index"`
	StripePaymentID string `json:"stripe_payment_id,omitempty" gorm:"index"` // payment-intent id
	PaymentMethodID string `json:"payment_method_id,omitempty"`
	RefundID        string `json:"refund_id,omitempty"`

	CreatedAt         time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt         time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	WebhookReceivedAt *time.Time `json:"webhook_received_at,omitempty"`
}

// Terminal reports whether the status closes out the payment attempt.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionStatusFailed, TransactionStatusRefunded, TransactionStatusDonated:
		return true
	}
	return false
}

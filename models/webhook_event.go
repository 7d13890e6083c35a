package models

import (
	"time"
)

// WebhookEvent is the idempotency ledger. One row per distinct provider event
// id, inserted in the same database transaction as the state transition the
// event drives. The unique index on StripeEventID is what rejects the second
// delivery of a redelivered event; rows are never updated or deleted.
type WebhookEvent struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	StripeEventID string    `json:"stripe_event_id" gorm:"uniqueIndex;not null"`
	EventType     string    `json:"event_type" gorm:"not null;index"`
	Payload       []byte    `json:"-" gorm:"type:bytes"` // Raw provider payload, kept for audit/replay
	ReceivedAt    time.Time `json:"received_at" gorm:"autoCreateTime"`
}

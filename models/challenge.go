package models

import (
	"time"
)

type ChallengeStatus string

const (
	ChallengeStatusDraft     ChallengeStatus = "draft"
	ChallengeStatusActive    ChallengeStatus = "active"
	ChallengeStatusValidated ChallengeStatus = "validated"
	ChallengeStatusFailed    ChallengeStatus = "failed"
	ChallengeStatusExpired   ChallengeStatus = "expired"
)

// Challenge is a user's commitment: a personal goal backed by a money stake.
// It starts in draft, becomes active only once the payment provider confirms
// the stake, and ends in validated/failed by user declaration (or expired by
// the sweep). Transactions reference the challenge one-directionally; the
// challenge never stores a back-pointer.
type Challenge struct {
	ID              string          `json:"id" gorm:"primaryKey"`
	UserID          string          `json:"user_id" gorm:"not null;index"`
	UserEmail       string          `json:"user_email,omitempty"` // Denormalized from gateway context for notifications
	AssociationID   string          `json:"association_id,omitempty" gorm:"index"`
	AssociationName string          `json:"association_name,omitempty"` // Denormalized at creation time
	Title           string          `json:"title" gorm:"not null"`
	Slug            string          `json:"slug" gorm:"index"`
	Description     string          `json:"description,omitempty" gorm:"type:text"`
	Amount          int64           `json:"amount" gorm:"not null"` // Stake in whole euros
	DurationDays    int             `json:"duration_days" gorm:"not null"`
	StartDate       time.Time       `json:"start_date" gorm:"not null"`
	EndDate         *time.Time      `json:"end_date,omitempty"` // Set on activation: start_date + duration_days
	Status          ChallengeStatus `json:"status" gorm:"type:varchar(16);default:'draft';index"`
	OutcomeNote     string          `json:"outcome_note,omitempty" gorm:"type:text"`
	CreatedAt       time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

// Payable reports whether a checkout session may be opened for the challenge.
func (s ChallengeStatus) Payable() bool {
	return s == ChallengeStatusDraft || s == ChallengeStatusFailed
}

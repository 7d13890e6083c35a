package services

import (
	"errors"
	"testing"
	"time"

	"challenge-pledge-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestProcessEvent_PaymentSucceededActivatesChallenge(t *testing.T) {
	db := newTestDB(t)
	svc := NewWebhookService(db, &fakeGateway{}, NoopMailer{})

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ch := seedChallenge(t, db, &models.Challenge{
		Amount:       50,
		DurationDays: 30,
		StartDate:    start,
		Status:       models.ChallengeStatusDraft,
	})
	seedTransaction(t, db, &models.Transaction{
		ChallengeID: ch.ID,
		Amount:      50,
		Status:      models.TransactionStatusInitiated,
	})

	completed := &PaymentEvent{
		ID:         "evt_1",
		Type:       EventCheckoutCompleted,
		RawPayload: []byte(`{}`),
		Session: &CheckoutSessionData{
			SessionID:       "cs_1",
			PaymentIntentID: "pi_1",
			ChallengeID:     ch.ID,
		},
	}
	require.NoError(t, svc.ProcessEvent(completed))

	require.NoError(t, svc.ProcessEvent(succeededEvent("evt_2", ch.ID, "pi_1", 5000)))

	var tr models.Transaction
	require.NoError(t, db.Where("challenge_id = ?", ch.ID).First(&tr).Error)
	assert.Equal(t, models.TransactionStatusPaid, tr.Status)
	assert.Equal(t, "cs_1", tr.StripeSessionID)
	assert.Equal(t, "pi_1", tr.StripePaymentID)
	require.NotNil(t, tr.WebhookReceivedAt)

	var got models.Challenge
	require.NoError(t, db.First(&got, "id = ?", ch.ID).Error)
	assert.Equal(t, models.ChallengeStatusActive, got.Status)
	require.NotNil(t, got.EndDate)
	assert.WithinDuration(t, start.AddDate(0, 0, 30), *got.EndDate, time.Second)
}

func TestProcessEvent_AmountMismatchFailsTransaction(t *testing.T) {
	db := newTestDB(t)
	svc := NewWebhookService(db, &fakeGateway{}, NoopMailer{})

	ch := seedChallenge(t, db, &models.Challenge{Amount: 50})
	seedTransaction(t, db, &models.Transaction{ChallengeID: ch.ID, Amount: 50})

	// Gateway reports 45.00 EUR against a 50 EUR stake.
	require.NoError(t, svc.ProcessEvent(succeededEvent("evt_1", ch.ID, "pi_1", 4500)))

	var tr models.Transaction
	require.NoError(t, db.Where("challenge_id = ?", ch.ID).First(&tr).Error)
	assert.Equal(t, models.TransactionStatusFailed, tr.Status)

	var got models.Challenge
	require.NoError(t, db.First(&got, "id = ?", ch.ID).Error)
	assert.Equal(t, models.ChallengeStatusDraft, got.Status)
	assert.Nil(t, got.EndDate)
}

func TestProcessEvent_DuplicateEventIsClaimedOnce(t *testing.T) {
	db := newTestDB(t)
	svc := NewWebhookService(db, &fakeGateway{}, NoopMailer{})

	ch := seedChallenge(t, db, &models.Challenge{Amount: 50})
	seedTransaction(t, db, &models.Transaction{ChallengeID: ch.ID, Amount: 50})

	ev := succeededEvent("evt_dup", ch.ID, "pi_1", 5000)
	require.NoError(t, svc.ProcessEvent(ev))

	err := svc.ProcessEvent(succeededEvent("evt_dup", ch.ID, "pi_1", 5000))
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	var ledgerRows int64
	require.NoError(t, db.Model(&models.WebhookEvent{}).
		Where("stripe_event_id = ?", "evt_dup").Count(&ledgerRows).Error)
	assert.Equal(t, int64(1), ledgerRows)

	var tr models.Transaction
	require.NoError(t, db.Where("challenge_id = ?", ch.ID).First(&tr).Error)
	assert.Equal(t, models.TransactionStatusPaid, tr.Status)
}

func TestProcessEvent_PaymentFailedReleasesChallenge(t *testing.T) {
	db := newTestDB(t)
	svc := NewWebhookService(db, &fakeGateway{}, NoopMailer{})

	ch := seedChallenge(t, db, &models.Challenge{Amount: 50})
	seedTransaction(t, db, &models.Transaction{
		ChallengeID:     ch.ID,
		Amount:          50,
		StripePaymentID: "pi_1",
	})

	ev := &PaymentEvent{
		ID:         "evt_1",
		Type:       EventPaymentFailed,
		RawPayload: []byte(`{}`),
		Intent:     &PaymentIntentData{IntentID: "pi_1", ChallengeID: ch.ID},
	}
	require.NoError(t, svc.ProcessEvent(ev))

	var tr models.Transaction
	require.NoError(t, db.Where("stripe_payment_id = ?", "pi_1").First(&tr).Error)
	assert.Equal(t, models.TransactionStatusFailed, tr.Status)

	var got models.Challenge
	require.NoError(t, db.First(&got, "id = ?", ch.ID).Error)
	assert.Equal(t, models.ChallengeStatusDraft, got.Status)
}

func TestProcessEvent_StaleFailureNeverTouchesNewerAttempt(t *testing.T) {
	db := newTestDB(t)
	svc := NewWebhookService(db, &fakeGateway{}, NoopMailer{})

	end := time.Now().AddDate(0, 0, 20)
	ch := seedChallenge(t, db, &models.Challenge{
		Amount:  50,
		Status:  models.ChallengeStatusActive,
		EndDate: &end,
	})
	// Old attempt already failed, newer attempt confirmed.
	seedTransaction(t, db, &models.Transaction{
		ChallengeID:     ch.ID,
		Amount:          50,
		Status:          models.TransactionStatusFailed,
		StripePaymentID: "pi_old",
	})
	seedTransaction(t, db, &models.Transaction{
		ChallengeID:     ch.ID,
		Amount:          50,
		Status:          models.TransactionStatusPaid,
		StripePaymentID: "pi_new",
	})

	// A late failure delivery for the old intent arrives after activation.
	ev := &PaymentEvent{
		ID:         "evt_late",
		Type:       EventPaymentFailed,
		RawPayload: []byte(`{}`),
		Intent:     &PaymentIntentData{IntentID: "pi_old", ChallengeID: ch.ID},
	}
	require.NoError(t, svc.ProcessEvent(ev))

	var paid models.Transaction
	require.NoError(t, db.Where("stripe_payment_id = ?", "pi_new").First(&paid).Error)
	assert.Equal(t, models.TransactionStatusPaid, paid.Status)

	var got models.Challenge
	require.NoError(t, db.First(&got, "id = ?", ch.ID).Error)
	assert.Equal(t, models.ChallengeStatusActive, got.Status)
}

func TestProcessEvent_StaleSuccessForClosedAttemptIgnored(t *testing.T) {
	db := newTestDB(t)
	svc := NewWebhookService(db, &fakeGateway{}, NoopMailer{})

	ch := seedChallenge(t, db, &models.Challenge{Amount: 50})
	// First attempt failed, user retried with a fresh attempt.
	seedTransaction(t, db, &models.Transaction{
		ChallengeID:     ch.ID,
		Amount:          50,
		Status:          models.TransactionStatusFailed,
		StripePaymentID: "pi_old",
	})
	fresh := seedTransaction(t, db, &models.Transaction{
		ChallengeID: ch.ID,
		Amount:      50,
	})

	// A late success delivery for the failed attempt must not confirm the
	// fresh one via the shared challenge id.
	require.NoError(t, svc.ProcessEvent(succeededEvent("evt_late", ch.ID, "pi_old", 5000)))

	var got models.Transaction
	require.NoError(t, db.First(&got, "id = ?", fresh.ID).Error)
	assert.Equal(t, models.TransactionStatusInitiated, got.Status)

	var gotCh models.Challenge
	require.NoError(t, db.First(&gotCh, "id = ?", ch.ID).Error)
	assert.Equal(t, models.ChallengeStatusDraft, gotCh.Status)
}

func TestProcessEvent_ActivationFailureRollsBackLedgerAndTransaction(t *testing.T) {
	db := newTestDB(t)
	svc := NewWebhookService(db, &fakeGateway{}, NoopMailer{})

	ch := seedChallenge(t, db, &models.Challenge{Amount: 50})
	seedTransaction(t, db, &models.Transaction{ChallengeID: ch.ID, Amount: 50})

	// Force a datastore failure between the transaction confirmation and the
	// challenge activation.
	failActivation := errors.New("datastore failure during challenge update")
	require.NoError(t, db.Callback().Update().Before("gorm:update").
		Register("fail_challenge_update", func(tx *gorm.DB) {
			if tx.Statement.Table == "challenges" {
				tx.AddError(failActivation)
			}
		}))

	err := svc.ProcessEvent(succeededEvent("evt_1", ch.ID, "pi_1", 5000))
	require.ErrorIs(t, err, failActivation)

	require.NoError(t, db.Callback().Update().Remove("fail_challenge_update"))

	// Everything rolled back together: no partial transition, and no ledger
	// row that would block redelivery.
	var ledgerRows int64
	require.NoError(t, db.Model(&models.WebhookEvent{}).
		Where("stripe_event_id = ?", "evt_1").Count(&ledgerRows).Error)
	assert.Equal(t, int64(0), ledgerRows)

	var tr models.Transaction
	require.NoError(t, db.Where("challenge_id = ?", ch.ID).First(&tr).Error)
	assert.Equal(t, models.TransactionStatusInitiated, tr.Status)

	var gotCh models.Challenge
	require.NoError(t, db.First(&gotCh, "id = ?", ch.ID).Error)
	assert.Equal(t, models.ChallengeStatusDraft, gotCh.Status)

	// The gateway retries the 5xx; the redelivered event now applies fully.
	require.NoError(t, svc.ProcessEvent(succeededEvent("evt_1", ch.ID, "pi_1", 5000)))

	require.NoError(t, db.Where("challenge_id = ?", ch.ID).First(&tr).Error)
	assert.Equal(t, models.TransactionStatusPaid, tr.Status)
	require.NoError(t, db.First(&gotCh, "id = ?", ch.ID).Error)
	assert.Equal(t, models.ChallengeStatusActive, gotCh.Status)
}

func TestProcessEvent_CheckoutExpiredFailsInitiatedAttempt(t *testing.T) {
	db := newTestDB(t)
	svc := NewWebhookService(db, &fakeGateway{}, NoopMailer{})

	ch := seedChallenge(t, db, &models.Challenge{Amount: 50})
	seedTransaction(t, db, &models.Transaction{
		ChallengeID:     ch.ID,
		Amount:          50,
		StripeSessionID: "cs_1",
	})

	ev := &PaymentEvent{
		ID:         "evt_1",
		Type:       EventCheckoutExpired,
		RawPayload: []byte(`{}`),
		Session:    &CheckoutSessionData{SessionID: "cs_1", ChallengeID: ch.ID},
	}
	require.NoError(t, svc.ProcessEvent(ev))

	var tr models.Transaction
	require.NoError(t, db.Where("stripe_session_id = ?", "cs_1").First(&tr).Error)
	assert.Equal(t, models.TransactionStatusFailed, tr.Status)
}

func TestProcessEvent_UnknownTypeIsAcknowledged(t *testing.T) {
	db := newTestDB(t)
	svc := NewWebhookService(db, &fakeGateway{}, NoopMailer{})

	ev := &PaymentEvent{
		ID:         "evt_odd",
		Type:       EventType("invoice.created"),
		RawPayload: []byte(`{}`),
	}
	require.NoError(t, svc.ProcessEvent(ev))

	var ledgerRows int64
	require.NoError(t, db.Model(&models.WebhookEvent{}).
		Where("stripe_event_id = ?", "evt_odd").Count(&ledgerRows).Error)
	assert.Equal(t, int64(1), ledgerRows)
}

func TestRecoverPayment_AppliesLostConfirmation(t *testing.T) {
	db := newTestDB(t)
	svc := NewWebhookService(db, &fakeGateway{}, NoopMailer{})

	ch := seedChallenge(t, db, &models.Challenge{Amount: 50})
	seedTransaction(t, db, &models.Transaction{
		ChallengeID:     ch.ID,
		Amount:          50,
		StripePaymentID: "pi_stuck",
	})

	intent := &PaymentIntentData{
		IntentID:       "pi_stuck",
		ChallengeID:    ch.ID,
		AmountReceived: 5000,
		Status:         "succeeded",
	}
	require.NoError(t, svc.RecoverPayment(intent))

	var got models.Challenge
	require.NoError(t, db.First(&got, "id = ?", ch.ID).Error)
	assert.Equal(t, models.ChallengeStatusActive, got.Status)

	// Re-applying the same intent is a no-op.
	require.NoError(t, svc.RecoverPayment(intent))

	var paidRows int64
	require.NoError(t, db.Model(&models.Transaction{}).
		Where("challenge_id = ? AND status = ?", ch.ID, models.TransactionStatusPaid).
		Count(&paidRows).Error)
	assert.Equal(t, int64(1), paidRows)
}

package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"challenge-pledge-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Challenge{},
		&models.Transaction{},
		&models.WebhookEvent{},
		&models.Association{},
		&models.RateLimitCounter{},
	))
	return db
}

// fakeGateway records outbound calls and serves canned intent lookups.
type fakeGateway struct {
	sessions   []CheckoutSessionInput
	sessionErr error

	// onCreateSession, when set, runs while the caller is suspended on the
	// gateway call, before the session is returned.
	onCreateSession func()

	intents map[string]*PaymentIntentData

	refunds   map[string]int64
	refundErr error
}

func (f *fakeGateway) VerifyEvent(payload []byte, sigHeader string) (*PaymentEvent, error) {
	return nil, ErrBadSignature
}

func (f *fakeGateway) CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (*CheckoutSessionResult, error) {
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	if f.onCreateSession != nil {
		f.onCreateSession()
	}
	f.sessions = append(f.sessions, in)
	return &CheckoutSessionResult{
		SessionID:   fmt.Sprintf("cs_test_%d", len(f.sessions)),
		RedirectURL: "https://checkout.example/pay",
	}, nil
}

func (f *fakeGateway) GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntentData, error) {
	if pi, ok := f.intents[intentID]; ok {
		return pi, nil
	}
	return nil, errors.New("no such intent")
}

func (f *fakeGateway) RefundPayment(ctx context.Context, intentID string, amountCents int64) (string, error) {
	if f.refundErr != nil {
		return "", f.refundErr
	}
	if f.refunds == nil {
		f.refunds = map[string]int64{}
	}
	f.refunds[intentID] = amountCents
	return "re_" + intentID, nil
}

func seedChallenge(t *testing.T, db *gorm.DB, ch *models.Challenge) *models.Challenge {
	t.Helper()
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	if ch.UserID == "" {
		ch.UserID = "user-1"
	}
	if ch.Title == "" {
		ch.Title = "Courir 5 km par jour"
	}
	if ch.Amount == 0 {
		ch.Amount = 50
	}
	if ch.DurationDays == 0 {
		ch.DurationDays = 30
	}
	if ch.StartDate.IsZero() {
		ch.StartDate = time.Now()
	}
	if ch.Status == "" {
		ch.Status = models.ChallengeStatusDraft
	}
	require.NoError(t, db.Create(ch).Error)
	return ch
}

func seedTransaction(t *testing.T, db *gorm.DB, tr *models.Transaction) *models.Transaction {
	t.Helper()
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.UserID == "" {
		tr.UserID = "user-1"
	}
	if tr.Amount == 0 {
		tr.Amount = 50
	}
	if tr.Status == "" {
		tr.Status = models.TransactionStatusInitiated
	}
	if tr.PaymentType == "" {
		tr.PaymentType = "one-time"
	}
	require.NoError(t, db.Create(tr).Error)
	return tr
}

// authed simulates the user-context middleware the gateway normally fills in.
func authed(userID, email string, h fiber.Handler) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("user_id", userID)
		c.Locals("user_email", email)
		return h(c)
	}
}

func succeededEvent(eventID, challengeID, intentID string, amountCents int64) *PaymentEvent {
	return &PaymentEvent{
		ID:         eventID,
		Type:       EventPaymentSucceeded,
		OccurredAt: time.Now(),
		RawPayload: []byte(`{}`),
		Intent: &PaymentIntentData{
			IntentID:       intentID,
			ChallengeID:    challengeID,
			AmountReceived: amountCents,
			Status:         "succeeded",
		},
	}
}

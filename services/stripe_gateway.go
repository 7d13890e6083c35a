// services/stripe_gateway.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/refund"
	"github.com/stripe/stripe-go/v76/webhook"
)

type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.session.completed"
	EventPaymentSucceeded  EventType = "payment_intent.succeeded"
	EventPaymentFailed     EventType = "payment_intent.payment_failed"
	EventCheckoutExpired   EventType = "checkout.session.expired"
)

// CheckoutSessionData carries the fields the reconciliation engine needs from
// a checkout.session.* event.
type CheckoutSessionData struct {
	SessionID       string
	PaymentIntentID string
	ChallengeID     string
	UserID          string
	PaymentMethodID string
}

// PaymentIntentData carries the fields the reconciliation engine needs from a
// payment_intent.* event (or a direct intent lookup).
type PaymentIntentData struct {
	IntentID       string
	ChallengeID    string
	UserID         string
	AmountReceived int64 // cents, as reported by the gateway
	Status         string
}

// PaymentEvent is a verified provider event, decoded once at the ingress
// boundary. Exactly one of Session/Intent is set for the known event types;
// both are nil for unhandled types, which downstream acknowledges and ignores.
type PaymentEvent struct {
	ID         string
	Type       EventType
	OccurredAt time.Time
	RawPayload []byte

	Session *CheckoutSessionData
	Intent  *PaymentIntentData
}

type CheckoutSessionInput struct {
	ChallengeID     string
	UserID          string
	Title           string
	AssociationName string
	Amount          int64 // whole euros
	Commission      float64
}

type CheckoutSessionResult struct {
	SessionID   string
	RedirectURL string
}

// PaymentGateway is the outbound card-payment collaborator. The engine only
// ever sees this interface; StripeGateway is the production implementation.
type PaymentGateway interface {
	VerifyEvent(payload []byte, sigHeader string) (*PaymentEvent, error)
	CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (*CheckoutSessionResult, error)
	GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntentData, error)
	RefundPayment(ctx context.Context, intentID string, amountCents int64) (string, error)
}

type StripeGateway struct {
	webhookSecret string
	baseURL       string
}

// checkoutSessionExpiry is the gateway-enforced session lifetime (Stripe's
// minimum is 30 minutes).
const checkoutSessionExpiry = 30 * time.Minute

func NewStripeGateway() *StripeGateway {
	key := os.Getenv("STRIPE_SECRET_KEY")
	if key == "" {
		log.Fatal("❌ STRIPE_SECRET_KEY is not set — cannot talk to the payment gateway")
	}
	secret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if secret == "" {
		log.Fatal("❌ STRIPE_WEBHOOK_SECRET is not set — cannot verify webhook deliveries")
	}
	stripe.Key = key

	baseURL := os.Getenv("APP_BASE_URL")
	if baseURL == "" {
		log.Println("⚠️ APP_BASE_URL not set, using default: http://localhost:3000")
		baseURL = "http://localhost:3000"
	}

	return &StripeGateway{webhookSecret: secret, baseURL: baseURL}
}

// VerifyEvent checks the provider signature against the signing secret and
// decodes the payload into the typed event. No side effects; must run before
// any state is touched.
func (g *StripeGateway) VerifyEvent(payload []byte, sigHeader string) (*PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	ev := &PaymentEvent{
		ID:         event.ID,
		Type:       EventType(event.Type),
		OccurredAt: time.Unix(event.Created, 0),
		RawPayload: payload,
	}

	switch ev.Type {
	case EventCheckoutCompleted, EventCheckoutExpired:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session payload: %w", err)
		}
		data := &CheckoutSessionData{
			SessionID:   cs.ID,
			ChallengeID: cs.Metadata["challenge_id"],
			UserID:      cs.Metadata["user_id"],
		}
		if cs.PaymentIntent != nil {
			data.PaymentIntentID = cs.PaymentIntent.ID
		}
		if cs.PaymentMethodConfigurationDetails != nil {
			data.PaymentMethodID = cs.PaymentMethodConfigurationDetails.ID
		}
		ev.Session = data

	case EventPaymentSucceeded, EventPaymentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("failed to decode payment intent payload: %w", err)
		}
		challengeID := pi.Metadata["challenge_id"]
		if challengeID == "" {
			challengeID = pi.Metadata["challengeId"] // older sessions used camelCase keys
		}
		ev.Intent = &PaymentIntentData{
			IntentID:       pi.ID,
			ChallengeID:    challengeID,
			UserID:         pi.Metadata["user_id"],
			AmountReceived: pi.AmountReceived,
			Status:         string(pi.Status),
		}

	default:
		// Unknown event types stay payload-less; the engine acknowledges them.
	}

	return ev, nil
}

// CreateCheckoutSession opens a hosted payment page for the challenge stake.
// Challenge and user ids ride along as opaque correlation metadata on both the
// session and its payment intent.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (*CheckoutSessionResult, error) {
	beneficiary := in.AssociationName
	if beneficiary == "" {
		beneficiary = "Non spécifiée"
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		ExpiresAt:          stripe.Int64(time.Now().Add(checkoutSessionExpiry).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String("eur"),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:        stripe.String(fmt.Sprintf("Engagement: %s", in.Title)),
					Description: stripe.String(fmt.Sprintf("Bénéficiaire: %s", beneficiary)),
				},
				UnitAmount: stripe.Int64(in.Amount * 100),
			},
			Quantity: stripe.Int64(1),
		}},
		SuccessURL: stripe.String(fmt.Sprintf("%s/payment/success?session_id={CHECKOUT_SESSION_ID}", g.baseURL)),
		CancelURL:  stripe.String(fmt.Sprintf("%s/payment/cancel?challenge_id=%s", g.baseURL, in.ChallengeID)),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{
				"challenge_id": in.ChallengeID,
				"user_id":      in.UserID,
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("challenge_id", in.ChallengeID)
	params.AddMetadata("user_id", in.UserID)
	params.AddMetadata("commission", fmt.Sprintf("%.2f", in.Commission))

	s, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return &CheckoutSessionResult{SessionID: s.ID, RedirectURL: s.URL}, nil
}

// GetPaymentIntent fetches the current gateway-side state of a payment
// intent. Used by the recovery worker to re-check stuck attempts.
func (g *StripeGateway) GetPaymentIntent(ctx context.Context, intentID string) (*PaymentIntentData, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := paymentintent.Get(intentID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payment intent %s: %w", intentID, err)
	}
	challengeID := pi.Metadata["challenge_id"]
	if challengeID == "" {
		challengeID = pi.Metadata["challengeId"]
	}
	return &PaymentIntentData{
		IntentID:       pi.ID,
		ChallengeID:    challengeID,
		UserID:         pi.Metadata["user_id"],
		AmountReceived: pi.AmountReceived,
		Status:         string(pi.Status),
	}, nil
}

// RefundPayment refunds part of a confirmed payment (the stake minus the
// commission) and returns the gateway refund id.
func (g *StripeGateway) RefundPayment(ctx context.Context, intentID string, amountCents int64) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	r, err := refund.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to refund payment intent %s: %w", intentID, err)
	}
	return r.ID, nil
}

package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// ErrSignatureVerification is returned when a webhook payload fails signature validation.
// It is the only webhook error a transport layer should reject the delivery for.
var ErrSignatureVerification = errors.New("payments: webhook signature verification failed")

// WebhookEventKind classifies Stripe events into the outcomes reconciliation cares about.
type WebhookEventKind string

const (
	WebhookCheckoutCompleted WebhookEventKind = "checkout_completed"
	WebhookPaymentSucceeded  WebhookEventKind = "payment_succeeded"
	WebhookPaymentFailed     WebhookEventKind = "payment_failed"
	WebhookIgnored           WebhookEventKind = "ignored"
)

// WebhookEvent is the normalised view of a verified Stripe event.
type WebhookEvent struct {
	ID              string
	Kind            WebhookEventKind
	StripeType      string
	OrderID         string
	SessionID       string
	PaymentIntentID string
	AmountMinor     int64
	Currency        string
	FailureReason   string
	OccurredAt      time.Time
}

// StripeWebhookParser verifies and normalises incoming Stripe webhook deliveries.
type StripeWebhookParser struct {
	secret string
}

// NewStripeWebhookParser builds a parser bound to the endpoint signing secret.
func NewStripeWebhookParser(secret string) (*StripeWebhookParser, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: webhook signing secret is required")
	}
	return &StripeWebhookParser{secret: secret}, nil
}

// Parse verifies the payload signature and maps the event to a WebhookEvent.
// Events outside the checkout flow come back with Kind WebhookIgnored.
func (p *StripeWebhookParser) Parse(payload []byte, signatureHeader string) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("payments: webhook parser is nil")
	}

	// Accounts can pin an API version older than the one stripe-go expects;
	// those deliveries are still authentic, so only the signature decides.
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}

	out := WebhookEvent{
		ID:         event.ID,
		Kind:       WebhookIgnored,
		StripeType: string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return WebhookEvent{}, fmt.Errorf("payments: decode checkout session: %w", err)
		}
		out.Kind = WebhookCheckoutCompleted
		out.SessionID = session.ID
		out.OrderID = session.Metadata[MetadataOrderID]
		out.AmountMinor = session.AmountTotal
		out.Currency = strings.ToLower(string(session.Currency))
		if session.PaymentIntent != nil {
			out.PaymentIntentID = session.PaymentIntent.ID
		}
	case "payment_intent.succeeded":
		intent, err := decodeWebhookIntent(event.Data.Raw)
		if err != nil {
			return WebhookEvent{}, err
		}
		out.Kind = WebhookPaymentSucceeded
		out.PaymentIntentID = intent.ID
		out.OrderID = intent.Metadata[MetadataOrderID]
		out.AmountMinor = intent.Amount
		out.Currency = strings.ToLower(string(intent.Currency))
	case "payment_intent.payment_failed":
		intent, err := decodeWebhookIntent(event.Data.Raw)
		if err != nil {
			return WebhookEvent{}, err
		}
		out.Kind = WebhookPaymentFailed
		out.PaymentIntentID = intent.ID
		out.OrderID = intent.Metadata[MetadataOrderID]
		out.AmountMinor = intent.Amount
		out.Currency = strings.ToLower(string(intent.Currency))
		if intent.LastPaymentError != nil {
			out.FailureReason = intent.LastPaymentError.Msg
		}
	}

	return out, nil
}

func decodeWebhookIntent(raw json.RawMessage) (*stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return nil, fmt.Errorf("payments: decode payment intent: %w", err)
	}
	return &intent, nil
}

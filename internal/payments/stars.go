package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pawreel/api/internal/domain"
)

// StarsCurrency is the Telegram Stars currency code.
const StarsCurrency = "XTR"

// DefaultStarsFreshness bounds how long an issued invoice payload stays redeemable.
const DefaultStarsFreshness = time.Hour

var (
	// ErrPaymentExpired is returned when a stars payload is older than the freshness window.
	ErrPaymentExpired = errors.New("payments: stars payload expired")
	// ErrPayloadInvalid is returned when a stars payload cannot be decoded or fails validation.
	ErrPayloadInvalid = errors.New("payments: stars payload invalid")
)

// StarsPayload is the blob embedded in a stars invoice and echoed back on payment.
type StarsPayload struct {
	OrderID   string    `json:"order_id"`
	CreatedAt time.Time `json:"created_at"`
	Nonce     string    `json:"nonce"`
}

// StarsAdapter issues invoice payloads and converts confirmed stars payments
// into normalised outcomes.
type StarsAdapter struct {
	freshness time.Duration
	now       func() time.Time
}

// StarsOption customises adapter behaviour.
type StarsOption func(*StarsAdapter)

// WithStarsFreshness overrides the payload freshness window.
func WithStarsFreshness(window time.Duration) StarsOption {
	return func(a *StarsAdapter) {
		if window > 0 {
			a.freshness = window
		}
	}
}

// WithStarsClock overrides the time source, primarily for testing.
func WithStarsClock(clock func() time.Time) StarsOption {
	return func(a *StarsAdapter) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewStarsAdapter constructs a stars adapter with the default freshness window.
func NewStarsAdapter(opts ...StarsOption) *StarsAdapter {
	a := &StarsAdapter{
		freshness: DefaultStarsFreshness,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// EncodePayload produces the invoice payload blob for the given order.
func (a *StarsAdapter) EncodePayload(orderID string) (string, error) {
	if a == nil {
		return "", errors.New("payments: stars adapter is nil")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", ErrPayloadInvalid
	}

	now := a.now().UTC()
	data, err := json.Marshal(StarsPayload{
		OrderID:   orderID,
		CreatedAt: now,
		Nonce:     ulid.Make().String(),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodePayload parses and validates a payload blob echoed back by the provider.
func (a *StarsAdapter) DecodePayload(raw string) (StarsPayload, error) {
	if a == nil {
		return StarsPayload{}, errors.New("payments: stars adapter is nil")
	}

	var payload StarsPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return StarsPayload{}, ErrPayloadInvalid
	}
	payload.OrderID = strings.TrimSpace(payload.OrderID)
	if payload.OrderID == "" || payload.CreatedAt.IsZero() {
		return StarsPayload{}, ErrPayloadInvalid
	}
	if a.now().UTC().Sub(payload.CreatedAt.UTC()) > a.freshness {
		return StarsPayload{}, ErrPaymentExpired
	}
	return payload, nil
}

// Outcome validates the payload and builds the normalised payment outcome for reconciliation.
func (a *StarsAdapter) Outcome(rawPayload, chargeID string, amountMinor int64) (domain.PaymentOutcome, error) {
	payload, err := a.DecodePayload(rawPayload)
	if err != nil {
		return domain.PaymentOutcome{}, err
	}
	chargeID = strings.TrimSpace(chargeID)
	if chargeID == "" {
		return domain.PaymentOutcome{}, ErrPayloadInvalid
	}

	return domain.PaymentOutcome{
		OrderID:           payload.OrderID,
		Provider:          domain.PaymentProviderChat,
		ProviderReference: chargeID,
		AmountMinor:       amountMinor,
		Currency:          StarsCurrency,
		OccurredAt:        a.now().UTC(),
	}, nil
}

// CreateCheckoutSession satisfies the Provider interface by issuing an invoice payload.
// Stars invoices are delivered in-chat, so there is no redirect URL to return.
func (a *StarsAdapter) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (CheckoutSession, error) {
	payload, err := a.EncodePayload(req.OrderID)
	if err != nil {
		return CheckoutSession{}, err
	}
	return CheckoutSession{
		ID:        req.OrderID,
		Provider:  "stars",
		Payload:   payload,
		ExpiresAt: a.now().UTC().Add(a.freshness),
	}, nil
}

// Refund is not supported for stars payments.
func (a *StarsAdapter) Refund(context.Context, RefundRequest) (PaymentDetails, error) {
	return PaymentDetails{}, errors.New("payments: stars refunds are handled by provider support")
}

// LookupPayment is not supported for stars payments.
func (a *StarsAdapter) LookupPayment(context.Context, LookupRequest) (PaymentDetails, error) {
	return PaymentDetails{}, errors.New("payments: stars payments cannot be looked up")
}

package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusCreated indicates the order exists but has not been paid for.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusPaid indicates payment succeeded and production can begin.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusInProgress indicates the order is actively being produced.
	OrderStatusInProgress OrderStatus = "in_progress"
	// OrderStatusCompleted indicates the produced video has been delivered.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was cancelled before production.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentStatus enumerates payment settlement states independent of the
// production lifecycle.
type PaymentStatus string

const (
	// PaymentStatusPending indicates no settlement has been confirmed yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates a provider confirmed settlement exactly once.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the most recent payment attempt failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the settled amount was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentProvider identifies which rail settled (or attempted to settle) an order.
type PaymentProvider string

const (
	// PaymentProviderStripe is the card checkout rail.
	PaymentProviderStripe PaymentProvider = "stripe"
	// PaymentProviderChat is the in-chat stars rail.
	PaymentProviderChat PaymentProvider = "chat"
)

// StripeCorrelation stores provider references for a card checkout attempt.
type StripeCorrelation struct {
	SessionID       string
	PaymentIntentID string
	CustomerID      string
}

// ChatCorrelation stores provider references for an in-chat stars payment.
type ChatCorrelation struct {
	ChargeID string
}

// PaymentCorrelation links an order to at most one provider-side payment.
// Both branches nil means no payment has been correlated yet.
type PaymentCorrelation struct {
	Stripe *StripeCorrelation
	Chat   *ChatCorrelation
}

// Provider reports which rail the correlation belongs to, or empty when none.
func (c PaymentCorrelation) Provider() PaymentProvider {
	switch {
	case c.Stripe != nil:
		return PaymentProviderStripe
	case c.Chat != nil:
		return PaymentProviderChat
	default:
		return ""
	}
}

// Recipient stores the delivery contact snapshot used for notifications.
type Recipient struct {
	ChatID   int64
	Email    string
	Language string
}

// Order captures one user-submitted video production request.
type Order struct {
	ID                  string
	OwnerID             string
	Photos              []string
	Script              string
	Status              OrderStatus
	PaymentStatus       PaymentStatus
	Correlation         PaymentCorrelation
	AmountMinor         int64
	Currency            string
	VideoRef            *string
	CancelReason        *string
	Notes               map[string]any
	Recipient           Recipient
	CreatedAt           time.Time
	UpdatedAt           time.Time
	PaidAt              *time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	CancelledAt         *time.Time
}

// CheckoutSession represents PSP checkout session metadata returned to callers.
type CheckoutSession struct {
	SessionID   string
	PSP         string
	RedirectURL string
	ExpiresAt   time.Time
}

// PaymentOutcome is the normalized result of a provider settlement event.
// It is transient: produced by an adapter and consumed once by reconciliation.
type PaymentOutcome struct {
	OrderID           string
	Provider          PaymentProvider
	ProviderReference string
	AmountMinor       int64
	Currency          string
	OccurredAt        time.Time
}

// PaymentFailure signals a failed settlement attempt for an order.
type PaymentFailure struct {
	OrderID           string
	Provider          PaymentProvider
	ProviderReference string
	Reason            string
	OccurredAt        time.Time
}

// StatusChange pairs the before/after statuses of a lifecycle transition for
// notification consumers.
type StatusChange struct {
	OrderID    string
	OldStatus  OrderStatus
	NewStatus  OrderStatus
	Recipient  Recipient
	OccurredAt time.Time
}

// QueueEstimate reports the advisory wait derived from orders awaiting
// production.
type QueueEstimate struct {
	PendingOrders  int
	MinutesPerItem int
	TotalMinutes   int
	GeneratedAt    time.Time
}

// SignedUploadResponse returns signed URL payloads for photo upload flows.
type SignedUploadResponse struct {
	StorageKey string
	URL        string
	Method     string
	Headers    map[string]string
	ExpiresAt  time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

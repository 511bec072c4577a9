package services

import (
	"context"
	"time"

	domain "github.com/pawreel/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination           = domain.Pagination
	Order                = domain.Order
	OrderStatus          = domain.OrderStatus
	PaymentStatus        = domain.PaymentStatus
	PaymentCorrelation   = domain.PaymentCorrelation
	PaymentOutcome       = domain.PaymentOutcome
	PaymentFailure       = domain.PaymentFailure
	CheckoutSession      = domain.CheckoutSession
	QueueEstimate        = domain.QueueEstimate
	Recipient            = domain.Recipient
	StatusChange         = domain.StatusChange
	SignedUploadResponse = domain.SignedUploadResponse
	SystemHealthReport   = domain.SystemHealthReport
	SystemHealthCheck    = domain.SystemHealthCheck
)

// OrderService owns the order lifecycle: creation, reads, and guarded status transitions.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Get(ctx context.Context, orderID string) (Order, error)
	FindByCheckoutSession(ctx context.Context, sessionID string) (Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	Transition(ctx context.Context, cmd TransitionOrderCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// ReconciliationService applies normalized payment outcomes to orders idempotently.
type ReconciliationService interface {
	Apply(ctx context.Context, outcome PaymentOutcome) (Order, error)
	Fail(ctx context.Context, failure PaymentFailure) (Order, error)
	ValidateStarsConfirmation(ctx context.Context, cmd ValidateStarsCommand) (Order, error)
}

// CheckoutService coordinates provider checkout-session creation and correlation storage.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error)
}

// QueueService derives the advisory production wait estimate from order state.
type QueueService interface {
	Estimate(ctx context.Context) (QueueEstimate, error)
}

// UploadService issues signed URLs for order photo uploads and video downloads.
type UploadService interface {
	IssuePhotoUpload(ctx context.Context, cmd PhotoUploadCommand) (SignedUploadResponse, error)
	IssueVideoDownload(ctx context.Context, cmd VideoDownloadCommand) (string, error)
}

// SystemService aggregates utility endpoints (health checks, build metadata).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// StatusNotifier delivers fire-and-forget status change notifications to recipients.
type StatusNotifier interface {
	NotifyStatusChange(ctx context.Context, change StatusChange) error
}

// OrderEventPublisher emits lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishStatusChange(ctx context.Context, message StatusEventMessage) (string, error)
	PublishProductionJob(ctx context.Context, message ProductionJobMessage) (string, error)
}

// StatusEventMessage is the wire payload for a status-changed event.
type StatusEventMessage struct {
	OrderID    string    `json:"orderId"`
	OldStatus  string    `json:"oldStatus"`
	NewStatus  string    `json:"newStatus"`
	ChatID     int64     `json:"chatId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ProductionJobMessage enqueues one paid order for video production.
type ProductionJobMessage struct {
	OrderID        string    `json:"orderId"`
	OwnerID        string    `json:"ownerId"`
	Photos         []string  `json:"photos"`
	Script         string    `json:"script,omitempty"`
	QueuedAt       time.Time `json:"queuedAt"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// Command and DTO definitions ------------------------------------------------

type CreateOrderCommand struct {
	OwnerID     string
	Photos      []string
	Script      string
	AmountMinor int64
	Currency    string
	Recipient   Recipient
	Notes       map[string]any
}

type OrderListFilter struct {
	OwnerID  string
	Statuses []OrderStatus
	Pagination
}

type TransitionOrderCommand struct {
	OrderID  string
	Target   OrderStatus
	VideoRef string
	Notes    string
	ActorID  string
}

type CancelOrderCommand struct {
	OrderID string
	Reason  string
	ActorID string
}

type ValidateStarsCommand struct {
	ConfirmingOrderID string
	PayloadOrderID    string
}

type CreateCheckoutSessionCommand struct {
	OrderID    string
	SuccessURL string
	CancelURL  string
	Locale     string
}

type PhotoUploadCommand struct {
	OwnerID     string
	OrderID     string
	FileName    string
	ContentType string
	SizeBytes   int64
}

type VideoDownloadCommand struct {
	RequesterID string
	OrderID     string
}

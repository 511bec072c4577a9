package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/payments"
	"github.com/pawreel/api/internal/repositories"
)

// ReconciliationServiceDeps bundles collaborators for the payment reconciliation service.
type ReconciliationServiceDeps struct {
	Orders   repositories.OrderRepository
	Events   OrderEventPublisher
	Notifier StatusNotifier
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationService struct {
	orders   repositories.OrderRepository
	events   OrderEventPublisher
	notifier StatusNotifier
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

var _ ReconciliationService = (*reconciliationService)(nil)

// NewReconciliationService wires dependencies into a concrete ReconciliationService.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reconciliationService{
		orders:   deps.Orders,
		events:   deps.Events,
		notifier: deps.Notifier,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Apply settles the order referenced by the outcome. Duplicate deliveries for
// an already-paid order succeed without mutation; the whole read-check-write
// runs inside one storage transaction so concurrent deliveries serialize.
func (s *reconciliationService) Apply(ctx context.Context, outcome PaymentOutcome) (Order, error) {
	orderID := strings.TrimSpace(outcome.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: outcome order id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(outcome.ProviderReference) == "" {
		return Order{}, fmt.Errorf("%w: outcome provider reference is required", ErrOrderInvalidInput)
	}

	now := s.now()
	occurredAt := outcome.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	var prevStatus domain.OrderStatus
	alreadyPaid := false

	updated, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		prevStatus = order.Status
		if order.PaymentStatus == domain.PaymentStatusPaid {
			alreadyPaid = true
			return nil
		}

		order.PaymentStatus = domain.PaymentStatusPaid
		recordCorrelation(order, outcome)
		if outcome.AmountMinor > 0 {
			order.AmountMinor = outcome.AmountMinor
		}
		if currency := strings.TrimSpace(outcome.Currency); currency != "" {
			order.Currency = strings.ToLower(currency)
		}

		return applyStatusTransition(order, domain.OrderStatusPaid, transitionFields{}, now)
	})
	if err != nil {
		if errors.Is(mapOrderRepositoryError(err), ErrOrderNotFound) {
			s.logger(ctx, "reconciliation.order.missing", map[string]any{
				"order":     orderID,
				"provider":  string(outcome.Provider),
				"reference": outcome.ProviderReference,
			})
		}
		return Order{}, mapOrderRepositoryError(err)
	}

	if alreadyPaid {
		s.logger(ctx, "reconciliation.duplicate", map[string]any{
			"order":     orderID,
			"provider":  string(outcome.Provider),
			"reference": outcome.ProviderReference,
		})
		return updated, nil
	}

	s.announceStatusChange(ctx, updated, prevStatus, occurredAt)
	s.enqueueProduction(ctx, updated, outcome.ProviderReference, now)

	return updated, nil
}

// Fail records a failed settlement attempt. The production status is left
// untouched and a settled order is never downgraded.
func (s *reconciliationService) Fail(ctx context.Context, failure PaymentFailure) (Order, error) {
	orderID := strings.TrimSpace(failure.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: failure order id is required", ErrOrderInvalidInput)
	}

	now := s.now()

	updated, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		if order.PaymentStatus == domain.PaymentStatusPaid {
			return nil
		}
		order.PaymentStatus = domain.PaymentStatusFailed
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(mapOrderRepositoryError(err), ErrOrderNotFound) {
			s.logger(ctx, "reconciliation.order.missing", map[string]any{
				"order":    orderID,
				"provider": string(failure.Provider),
			})
		}
		return Order{}, mapOrderRepositoryError(err)
	}

	s.logger(ctx, "reconciliation.payment.failed", map[string]any{
		"order":    orderID,
		"provider": string(failure.Provider),
		"reason":   failure.Reason,
	})

	return updated, nil
}

// ValidateStarsConfirmation guards the synchronous stars confirmation path
// before any invoice settlement is attempted.
func (s *reconciliationService) ValidateStarsConfirmation(ctx context.Context, cmd ValidateStarsCommand) (Order, error) {
	confirming := strings.TrimSpace(cmd.ConfirmingOrderID)
	if confirming == "" {
		return Order{}, fmt.Errorf("%w: confirming order id is required", ErrOrderInvalidInput)
	}

	if payload := strings.TrimSpace(cmd.PayloadOrderID); payload != "" && payload != confirming {
		return Order{}, fmt.Errorf("%w: payload references order %s", payments.ErrPayloadInvalid, payload)
	}

	order, err := s.orders.FindByID(ctx, confirming)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	if order.PaymentStatus == domain.PaymentStatusPaid {
		return Order{}, fmt.Errorf("%w: order %s", ErrAlreadyPaid, order.ID)
	}

	return order, nil
}

func (s *reconciliationService) announceStatusChange(ctx context.Context, order Order, prevStatus domain.OrderStatus, occurredAt time.Time) {
	if s.events != nil {
		_, err := s.events.PublishStatusChange(ctx, StatusEventMessage{
			OrderID:    order.ID,
			OldStatus:  string(prevStatus),
			NewStatus:  string(order.Status),
			ChatID:     order.Recipient.ChatID,
			OccurredAt: occurredAt,
		})
		if err != nil {
			s.logger(ctx, "reconciliation.status.publish.failed", map[string]any{
				"order": order.ID,
				"error": err.Error(),
			})
		}
	}

	if s.notifier != nil {
		err := s.notifier.NotifyStatusChange(ctx, StatusChange{
			OrderID:    order.ID,
			OldStatus:  prevStatus,
			NewStatus:  order.Status,
			Recipient:  order.Recipient,
			OccurredAt: occurredAt,
		})
		if err != nil {
			s.logger(ctx, "reconciliation.status.notify.failed", map[string]any{
				"order": order.ID,
				"error": err.Error(),
			})
		}
	}
}

func (s *reconciliationService) enqueueProduction(ctx context.Context, order Order, reference string, queuedAt time.Time) {
	if s.events == nil {
		return
	}
	_, err := s.events.PublishProductionJob(ctx, ProductionJobMessage{
		OrderID:        order.ID,
		OwnerID:        order.OwnerID,
		Photos:         order.Photos,
		Script:         order.Script,
		QueuedAt:       queuedAt,
		IdempotencyKey: reference,
	})
	if err != nil {
		s.logger(ctx, "reconciliation.production.publish.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}
}

func (s *reconciliationService) now() time.Time {
	return s.clock()
}

// recordCorrelation files the provider reference into the matching correlation
// slot. For the card rail the checkout session id is stored at session
// creation time, so a differing reference is the payment intent.
func recordCorrelation(order *domain.Order, outcome PaymentOutcome) {
	reference := strings.TrimSpace(outcome.ProviderReference)
	switch outcome.Provider {
	case domain.PaymentProviderChat:
		order.Correlation.Chat = &domain.ChatCorrelation{ChargeID: reference}
	case domain.PaymentProviderStripe:
		if order.Correlation.Stripe == nil {
			order.Correlation.Stripe = &domain.StripeCorrelation{SessionID: reference}
			return
		}
		if reference != order.Correlation.Stripe.SessionID {
			order.Correlation.Stripe.PaymentIntentID = reference
		}
	}
}

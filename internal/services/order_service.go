package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/repositories"
)

const (
	orderIDPrefix = "ord_"

	defaultMaxPhotos       = 10
	defaultMaxScriptLength = 1000
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusCreated:    {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:       {domain.OrderStatusInProgress, domain.OrderStatusCancelled},
	domain.OrderStatusInProgress: {domain.OrderStatusCompleted},
}

var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusCreated,
	domain.OrderStatusPaid,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Events          OrderEventPublisher
	Notifier        StatusNotifier
	Clock           func() time.Time
	IDGenerator     func() string
	MaxPhotos       int
	MaxScriptLength int
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders          repositories.OrderRepository
	events          OrderEventPublisher
	notifier        StatusNotifier
	clock           func() time.Time
	newID           func() string
	maxPhotos       int
	maxScriptLength int
	logger          func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	maxPhotos := deps.MaxPhotos
	if maxPhotos <= 0 {
		maxPhotos = defaultMaxPhotos
	}

	maxScript := deps.MaxScriptLength
	if maxScript <= 0 {
		maxScript = defaultMaxScriptLength
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:   deps.Orders,
		events:   deps.Events,
		notifier: deps.Notifier,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:           idGen,
		maxPhotos:       maxPhotos,
		maxScriptLength: maxScript,
		logger:          logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return Order{}, fmt.Errorf("%w: owner id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Photos) == 0 {
		return Order{}, fmt.Errorf("%w: at least one photo is required", ErrOrderInvalidInput)
	}
	if len(cmd.Photos) > s.maxPhotos {
		return Order{}, fmt.Errorf("%w: got %d, limit %d", ErrMaxPhotosExceeded, len(cmd.Photos), s.maxPhotos)
	}
	for _, key := range cmd.Photos {
		if strings.TrimSpace(key) == "" {
			return Order{}, fmt.Errorf("%w: photo keys must be non-empty", ErrOrderInvalidInput)
		}
	}
	script := strings.TrimSpace(cmd.Script)
	if len([]rune(script)) > s.maxScriptLength {
		return Order{}, fmt.Errorf("%w: %d characters, limit %d", ErrScriptTooLong, len([]rune(script)), s.maxScriptLength)
	}
	if cmd.AmountMinor <= 0 {
		return Order{}, fmt.Errorf("%w: amount must be positive", ErrOrderInvalidInput)
	}
	currency := strings.ToLower(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		return Order{}, fmt.Errorf("%w: currency is required", ErrOrderInvalidInput)
	}

	now := s.now()
	order := Order{
		ID:            orderIDPrefix + s.newID(),
		OwnerID:       ownerID,
		Photos:        slices.Clone(cmd.Photos),
		Script:        script,
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusPending,
		AmountMinor:   cmd.AmountMinor,
		Currency:      currency,
		Notes:         cloneMap(cmd.Notes),
		Recipient:     cmd.Recipient,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	return order, nil
}

func (s *orderService) Get(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) FindByCheckoutSession(ctx context.Context, sessionID string) (Order, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return Order{}, fmt.Errorf("%w: checkout session id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByCheckoutSession(ctx, sessionID)
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, repositories.OrderFilter{
		OwnerID:  strings.TrimSpace(filter.OwnerID),
		Statuses: filter.Statuses,
	}, filter.Pagination)
	if err != nil {
		return domain.CursorPage[Order]{}, mapOrderRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) Transition(ctx context.Context, cmd TransitionOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.TrimSpace(string(cmd.Target)))
	if target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}

	now := s.now()
	var prevStatus domain.OrderStatus

	updated, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		prevStatus = order.Status
		return applyStatusTransition(order, target, transitionFields{
			videoRef: strings.TrimSpace(cmd.VideoRef),
			notes:    strings.TrimSpace(cmd.Notes),
		}, now)
	})
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	if updated.Status != prevStatus {
		s.announceStatusChange(ctx, updated, prevStatus, now)
	}

	return updated, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.now()
	var prevStatus domain.OrderStatus

	updated, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		prevStatus = order.Status
		if order.Status == domain.OrderStatusCancelled {
			return nil
		}
		if !slices.Contains(cancellableStatuses, order.Status) {
			return fmt.Errorf("%w: order status %q cannot be cancelled", ErrInvalidTransition, order.Status)
		}
		return applyStatusTransition(order, domain.OrderStatusCancelled, transitionFields{
			cancelReason: strings.TrimSpace(cmd.Reason),
		}, now)
	})
	if err != nil {
		return Order{}, mapOrderRepositoryError(err)
	}

	if updated.Status != prevStatus {
		s.announceStatusChange(ctx, updated, prevStatus, now)
	}

	return updated, nil
}

func (s *orderService) announceStatusChange(ctx context.Context, order Order, prevStatus domain.OrderStatus, occurredAt time.Time) {
	if s.events != nil {
		_, err := s.events.PublishStatusChange(ctx, StatusEventMessage{
			OrderID:    order.ID,
			OldStatus:  string(prevStatus),
			NewStatus:  string(order.Status),
			ChatID:     order.Recipient.ChatID,
			OccurredAt: occurredAt,
		})
		if err != nil {
			s.logger(ctx, "order.status.publish.failed", map[string]any{
				"order":  order.ID,
				"status": string(order.Status),
				"error":  err.Error(),
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
			s.logger(ctx, "order.status.notify.failed", map[string]any{
				"order": order.ID,
				"error": err.Error(),
			})
		}
	}
}

func (s *orderService) now() time.Time {
	return s.clock()
}

type transitionFields struct {
	videoRef     string
	cancelReason string
	notes        string
}

// applyStatusTransition mutates the order in place, enforcing the adjacency
// graph and first-entry timestamp semantics. A target equal to the current
// status is a no-op so duplicate administrative calls stay harmless.
func applyStatusTransition(order *domain.Order, target domain.OrderStatus, fields transitionFields, now time.Time) error {
	if order.Status == target {
		return nil
	}

	if !canTransition(order.Status, target) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, order.Status, target)
	}

	switch target {
	case domain.OrderStatusPaid:
		// An administrative override to paid records a manual settlement;
		// reconciliation marks payment_status before reaching this point.
		order.PaymentStatus = domain.PaymentStatusPaid
		if order.PaidAt == nil {
			order.PaidAt = &now
		}
	case domain.OrderStatusInProgress:
		if order.PaymentStatus != domain.PaymentStatusPaid {
			return fmt.Errorf("%w: payment not settled", ErrInvalidTransition)
		}
		if order.ProcessingStartedAt == nil {
			order.ProcessingStartedAt = &now
		}
	case domain.OrderStatusCompleted:
		if order.PaymentStatus != domain.PaymentStatusPaid {
			return fmt.Errorf("%w: payment not settled", ErrInvalidTransition)
		}
		ref := fields.videoRef
		if ref == "" && order.VideoRef != nil {
			ref = *order.VideoRef
		}
		if ref == "" {
			return fmt.Errorf("%w: delivered video reference is required", ErrInvalidTransition)
		}
		order.VideoRef = &ref
		if order.CompletedAt == nil {
			order.CompletedAt = &now
		}
	case domain.OrderStatusCancelled:
		if fields.cancelReason != "" {
			order.CancelReason = &fields.cancelReason
		}
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	}

	if fields.notes != "" {
		if order.Notes == nil {
			order.Notes = map[string]any{}
		}
		order.Notes["statusNote"] = fields.notes
	}

	order.Status = target
	order.UpdatedAt = now
	return nil
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	next, ok := orderStateTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	return maps.Clone(src)
}

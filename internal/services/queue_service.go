package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/repositories"
)

const defaultMinutesPerOrder = 30

// Orders awaiting production: settled but not yet delivered.
var queuedStatuses = []domain.OrderStatus{
	domain.OrderStatusPaid,
	domain.OrderStatusInProgress,
}

// QueueServiceDeps bundles collaborators for the queue estimator.
type QueueServiceDeps struct {
	Orders          repositories.OrderRepository
	MinutesPerOrder int
	Clock           func() time.Time
}

type queueService struct {
	orders          repositories.OrderRepository
	minutesPerOrder int
	clock           func() time.Time
}

var _ QueueService = (*queueService)(nil)

// NewQueueService constructs the advisory production queue estimator.
func NewQueueService(deps QueueServiceDeps) (QueueService, error) {
	if deps.Orders == nil {
		return nil, errors.New("queue service: order repository is required")
	}

	minutes := deps.MinutesPerOrder
	if minutes <= 0 {
		minutes = defaultMinutesPerOrder
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &queueService{
		orders:          deps.Orders,
		minutesPerOrder: minutes,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Estimate recomputes the advisory wait on every call. The result is a pure
// read over order state, so staleness under concurrent settlement is fine.
func (s *queueService) Estimate(ctx context.Context) (QueueEstimate, error) {
	count, err := s.orders.CountByStatuses(ctx, queuedStatuses)
	if err != nil {
		return QueueEstimate{}, mapOrderRepositoryError(err)
	}

	return QueueEstimate{
		PendingOrders:  count,
		MinutesPerItem: s.minutesPerOrder,
		TotalMinutes:   count * s.minutesPerOrder,
		GeneratedAt:    s.clock(),
	}, nil
}

package repositories

import (
	"context"

	domain "github.com/pawreel/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderFilter narrows order list queries.
type OrderFilter struct {
	OwnerID  string
	Statuses []domain.OrderStatus
}

// OrderRepository persists order documents and guards lifecycle mutations.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByCheckoutSession resolves the order correlated with a card checkout session.
	FindByCheckoutSession(ctx context.Context, sessionID string) (domain.Order, error)
	// Mutate loads the order, applies fn, and persists the result as a single
	// atomic read-modify-write. Concurrent mutations of the same order are
	// serialized by the storage layer; fn returning an error aborts the write.
	Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error)
	CountByStatuses(ctx context.Context, statuses []domain.OrderStatus) (int, error)
	List(ctx context.Context, filter OrderFilter, pager domain.Pagination) (domain.CursorPage[domain.Order], error)
}

// HealthRepository aggregates backing-service health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pawreel/api/internal/payments"
	"github.com/pawreel/api/internal/platform/config"
	pstorage "github.com/pawreel/api/internal/platform/storage"
	"github.com/pawreel/api/internal/repositories"
	"github.com/pawreel/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders         services.OrderService
	Reconciliation services.ReconciliationService
	Checkout       services.CheckoutService
	Queue          services.QueueService
	Uploads        services.UploadService
	System         services.SystemService
}

// Dependencies carries the infrastructure collaborators the service layer is built on.
type Dependencies struct {
	Payments      *payments.Manager
	SignedStorage *pstorage.Client
	Events        services.OrderEventPublisher
	Notifier      services.StatusNotifier
	System        services.SystemService
	Logger        *zap.Logger
	Clock         func() time.Time
	IDGenerator   func() string
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring supplies Firestore-backed
// repositories and real providers, while tests can inject in-memory substitutes.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, deps Dependencies) (Services, error) {
	var svc Services

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ordersRepo := reg.Orders()
	if ordersRepo == nil {
		return Services{}, errors.New("order repository is required")
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          ordersRepo,
		Events:          deps.Events,
		Notifier:        deps.Notifier,
		Clock:           clock,
		IDGenerator:     deps.IDGenerator,
		MaxPhotos:       cfg.Pricing.MaxPhotos,
		MaxScriptLength: cfg.Pricing.MaxScriptLength,
		Logger:          zapEventLogger(logger.Named("orders")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	reconciliationSvc, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:   ordersRepo,
		Events:   deps.Events,
		Notifier: deps.Notifier,
		Clock:    clock,
		Logger:   zapEventLogger(logger.Named("reconciliation")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation service: %w", err)
	}
	svc.Reconciliation = reconciliationSvc

	if deps.Payments != nil {
		checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
			Orders:   ordersRepo,
			Payments: deps.Payments,
			Clock:    clock,
			Logger:   zapEventLogger(logger.Named("checkout")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build checkout service: %w", err)
		}
		svc.Checkout = checkoutSvc
	}

	queueSvc, err := services.NewQueueService(services.QueueServiceDeps{
		Orders:          ordersRepo,
		MinutesPerOrder: cfg.Queue.MinutesPerOrder,
		Clock:           clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build queue service: %w", err)
	}
	svc.Queue = queueSvc

	if deps.SignedStorage != nil {
		uploadSvc, err := services.NewUploadService(services.UploadServiceDeps{
			Orders:      ordersRepo,
			Storage:     deps.SignedStorage,
			PhotoBucket: cfg.Storage.PhotosBucket,
			VideoBucket: cfg.Storage.VideosBucket,
			IDGenerator: deps.IDGenerator,
			Logger:      zapEventLogger(logger.Named("uploads")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build upload service: %w", err)
		}
		svc.Uploads = uploadSvc
	}

	svc.System = deps.System

	return svc, nil
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service log", zFields...)
	}
}

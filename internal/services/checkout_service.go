package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/payments"
	"github.com/pawreel/api/internal/repositories"
)

const defaultCheckoutDescription = "Pet video production"

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutOrderNotPayable indicates the order is not in a state that accepts payment.
	ErrCheckoutOrderNotPayable = errors.New("checkout: order not payable")
	// ErrCheckoutPaymentFailed indicates the PSP session could not be created.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
)

// checkoutSessionManager abstracts payments.Manager for easier testing.
type checkoutSessionManager interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutRequest) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders   repositories.OrderRepository
	Payments checkoutSessionManager
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders   repositories.OrderRepository
	payments checkoutSessionManager
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ CheckoutService = (*checkoutService)(nil)

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:   deps.Orders,
		payments: deps.Payments,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession allocates a PSP session for an unpaid order and stores
// the session correlation so webhook deliveries can be matched later.
func (s *checkoutService) CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error) {
	if s == nil || s.orders == nil || s.payments == nil {
		return CheckoutSession{}, ErrCheckoutUnavailable
	}

	orderID := strings.TrimSpace(cmd.OrderID)
	successURL := strings.TrimSpace(cmd.SuccessURL)
	cancelURL := strings.TrimSpace(cmd.CancelURL)
	if orderID == "" || successURL == "" || cancelURL == "" {
		return CheckoutSession{}, ErrCheckoutInvalidInput
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return CheckoutSession{}, s.translateOrderError(err)
	}

	if order.Status != domain.OrderStatusCreated || order.PaymentStatus != domain.PaymentStatusPending {
		return CheckoutSession{}, fmt.Errorf("%w: status %s, payment %s", ErrCheckoutOrderNotPayable, order.Status, order.PaymentStatus)
	}

	currency := strings.ToUpper(strings.TrimSpace(order.Currency))
	session, err := s.payments.CreateCheckoutSession(ctx, payments.PaymentContext{
		Currency: currency,
	}, payments.CheckoutRequest{
		OrderID:     order.ID,
		OwnerID:     order.OwnerID,
		Amount:      order.AmountMinor,
		Currency:    currency,
		Description: defaultCheckoutDescription,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
		Locale:      strings.TrimSpace(cmd.Locale),
		Metadata: map[string]string{
			payments.MetadataOrderID: order.ID,
		},
		IdempotencyKey: checkoutIdempotencyKey(order),
	})
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return CheckoutSession{}, ErrCheckoutInvalidInput
		}
		s.logger(ctx, "checkout.session.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
		return CheckoutSession{}, ErrCheckoutPaymentFailed
	}

	// Stars sessions carry their own payload and correlate at settlement time
	// via the charge id, so only card sessions are pinned to the order here.
	if session.Provider != "" && session.Provider != string(domain.PaymentProviderStripe) {
		return CheckoutSession{
			SessionID:   session.ID,
			PSP:         session.Provider,
			RedirectURL: session.RedirectURL,
			ExpiresAt:   session.ExpiresAt.UTC(),
		}, nil
	}

	if _, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) error {
		if o.PaymentStatus == domain.PaymentStatusPaid {
			return fmt.Errorf("%w: order %s", ErrAlreadyPaid, o.ID)
		}
		if o.Correlation.Stripe == nil {
			o.Correlation.Stripe = &domain.StripeCorrelation{}
		}
		o.Correlation.Stripe.SessionID = session.ID
		if session.IntentID != "" {
			o.Correlation.Stripe.PaymentIntentID = session.IntentID
		}
		o.UpdatedAt = s.now()
		return nil
	}); err != nil {
		s.logger(ctx, "checkout.correlation.persist_failed", map[string]any{
			"order":   order.ID,
			"session": session.ID,
			"error":   err.Error(),
		})
		return CheckoutSession{}, s.translateOrderError(err)
	}

	return CheckoutSession{
		SessionID:   session.ID,
		PSP:         session.Provider,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   session.ExpiresAt.UTC(),
	}, nil
}

func (s *checkoutService) translateOrderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAlreadyPaid) {
		return ErrAlreadyPaid
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		default:
			return ErrCheckoutUnavailable
		}
	}
	return ErrCheckoutUnavailable
}

func checkoutIdempotencyKey(order domain.Order) string {
	base := fmt.Sprintf("%s|%d|%s|%s", order.ID, order.AmountMinor, order.Currency, order.CreatedAt.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}

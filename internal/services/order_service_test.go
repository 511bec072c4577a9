package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/repositories"
)

// memoryOrderRepo is an in-memory OrderRepository whose Mutate serializes via a
// mutex, mirroring the transactional guarantee of the real store.
type memoryOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func newMemoryOrderRepo(seed ...domain.Order) *memoryOrderRepo {
	repo := &memoryOrderRepo{orders: make(map[string]domain.Order)}
	for _, order := range seed {
		repo.orders[order.ID] = order
	}
	return repo
}

type notFoundErr struct{ msg string }

func (e notFoundErr) Error() string       { return e.msg }
func (e notFoundErr) IsNotFound() bool    { return true }
func (e notFoundErr) IsConflict() bool    { return false }
func (e notFoundErr) IsUnavailable() bool { return false }

var _ repositories.RepositoryError = notFoundErr{}

func (r *memoryOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[order.ID]; exists {
		return errors.New("exists")
	}
	r.orders[order.ID] = order
	return nil
}

func (r *memoryOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundErr{msg: "order " + orderID + " not found"}
	}
	return order, nil
}

func (r *memoryOrderRepo) FindByCheckoutSession(_ context.Context, sessionID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.Correlation.Stripe != nil && order.Correlation.Stripe.SessionID == sessionID {
			return order, nil
		}
	}
	return domain.Order{}, notFoundErr{msg: "no order for session " + sessionID}
}

func (r *memoryOrderRepo) Mutate(_ context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundErr{msg: "order " + orderID + " not found"}
	}
	if err := fn(&order); err != nil {
		return domain.Order{}, err
	}
	r.orders[orderID] = order
	return order, nil
}

func (r *memoryOrderRepo) CountByStatuses(_ context.Context, statuses []domain.OrderStatus) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, order := range r.orders {
		for _, status := range statuses {
			if order.Status == status {
				count++
				break
			}
		}
	}
	return count, nil
}

func (r *memoryOrderRepo) List(_ context.Context, filter repositories.OrderFilter, _ domain.Pagination) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	page := domain.CursorPage[domain.Order]{}
	for _, order := range r.orders {
		if filter.OwnerID != "" && order.OwnerID != filter.OwnerID {
			continue
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

var _ repositories.OrderRepository = (*memoryOrderRepo)(nil)

type captureEvents struct {
	mu         sync.Mutex
	statuses   []StatusEventMessage
	production []ProductionJobMessage
	statusErr  error
}

func (c *captureEvents) PublishStatusChange(_ context.Context, message StatusEventMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statusErr != nil {
		return "", c.statusErr
	}
	c.statuses = append(c.statuses, message)
	return "msg-1", nil
}

func (c *captureEvents) PublishProductionJob(_ context.Context, message ProductionJobMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.production = append(c.production, message)
	return "msg-2", nil
}

type captureNotifier struct {
	mu      sync.Mutex
	changes []StatusChange
}

func (c *captureNotifier) NotifyStatusChange(_ context.Context, change StatusChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func paidOrder(id string) domain.Order {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	paidAt := now.Add(time.Minute)
	return domain.Order{
		ID:            id,
		OwnerID:       "usr_1",
		Photos:        []string{"orders/" + id + "/photos/u1/a.jpg"},
		Status:        domain.OrderStatusPaid,
		PaymentStatus: domain.PaymentStatusPaid,
		AmountMinor:   999,
		Currency:      "usd",
		Recipient:     domain.Recipient{ChatID: 77, Language: "en"},
		CreatedAt:     now,
		UpdatedAt:     now,
		PaidAt:        &paidAt,
	}
}

func createdOrder(id string) domain.Order {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:            id,
		OwnerID:       "usr_1",
		Photos:        []string{"orders/" + id + "/photos/u1/a.jpg", "orders/" + id + "/photos/u1/b.jpg"},
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusPending,
		AmountMinor:   999,
		Currency:      "usd",
		Recipient:     domain.Recipient{ChatID: 77, Language: "en"},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newTestOrderService(t *testing.T, repo repositories.OrderRepository, events OrderEventPublisher, notifier StatusNotifier, now time.Time) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   repo,
		Events:   events,
		Notifier: notifier,
		Clock:    fixedClock(now),
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func TestOrderServiceCreate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemoryOrderRepo()
	svc := newTestOrderService(t, repo, nil, nil, now)

	order, err := svc.Create(ctx, CreateOrderCommand{
		OwnerID:     "usr_1",
		Photos:      []string{"k1", "k2"},
		Script:      "  a day at the beach  ",
		AmountMinor: 999,
		Currency:    "USD",
		Recipient:   Recipient{ChatID: 77},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("expected ord_ prefix, got %s", order.ID)
	}
	if order.Status != domain.OrderStatusCreated || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("unexpected initial state: %s/%s", order.Status, order.PaymentStatus)
	}
	if order.Script != "a day at the beach" {
		t.Fatalf("expected trimmed script, got %q", order.Script)
	}
	if order.Currency != "usd" {
		t.Fatalf("expected lowercase currency, got %q", order.Currency)
	}
	if !order.CreatedAt.Equal(now) || !order.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected timestamps: %v %v", order.CreatedAt, order.UpdatedAt)
	}
	if order.PaidAt != nil || order.ProcessingStartedAt != nil || order.CompletedAt != nil || order.CancelledAt != nil {
		t.Fatalf("lifecycle timestamps must start unset")
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestOrderService(t, newMemoryOrderRepo(), nil, nil, time.Now())

	tests := []struct {
		name    string
		cmd     CreateOrderCommand
		wantErr error
	}{
		{
			name:    "missing owner",
			cmd:     CreateOrderCommand{Photos: []string{"k"}, AmountMinor: 1, Currency: "usd"},
			wantErr: ErrOrderInvalidInput,
		},
		{
			name:    "no photos",
			cmd:     CreateOrderCommand{OwnerID: "u", AmountMinor: 1, Currency: "usd"},
			wantErr: ErrOrderInvalidInput,
		},
		{
			name: "too many photos",
			cmd: CreateOrderCommand{
				OwnerID:     "u",
				Photos:      []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"},
				AmountMinor: 1,
				Currency:    "usd",
			},
			wantErr: ErrMaxPhotosExceeded,
		},
		{
			name: "script too long",
			cmd: CreateOrderCommand{
				OwnerID:     "u",
				Photos:      []string{"k"},
				Script:      strings.Repeat("x", 1001),
				AmountMinor: 1,
				Currency:    "usd",
			},
			wantErr: ErrScriptTooLong,
		},
		{
			name:    "zero amount",
			cmd:     CreateOrderCommand{OwnerID: "u", Photos: []string{"k"}, Currency: "usd"},
			wantErr: ErrOrderInvalidInput,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tc.cmd); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestOrderServiceTransitionGraph(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		seed    domain.Order
		target  OrderStatus
		cmd     TransitionOrderCommand
		wantErr bool
	}{
		{name: "paid to in_progress", seed: paidOrder("ord_a"), target: domain.OrderStatusInProgress},
		{name: "created to in_progress skips payment", seed: createdOrder("ord_b"), target: domain.OrderStatusInProgress, wantErr: true},
		{name: "created to completed", seed: createdOrder("ord_c"), target: domain.OrderStatusCompleted, wantErr: true},
		{name: "created to paid", seed: createdOrder("ord_d"), target: domain.OrderStatusPaid},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemoryOrderRepo(tc.seed)
			svc := newTestOrderService(t, repo, nil, nil, now)

			updated, err := svc.Transition(ctx, TransitionOrderCommand{OrderID: tc.seed.ID, Target: tc.target})
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				stored, _ := repo.FindByID(ctx, tc.seed.ID)
				if stored.Status != tc.seed.Status {
					t.Fatalf("rejected transition must leave order unchanged, got %s", stored.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("transition: %v", err)
			}
			if updated.Status != tc.target {
				t.Fatalf("expected %s, got %s", tc.target, updated.Status)
			}
		})
	}
}

func TestOrderServiceManualSettlement(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	repo := newMemoryOrderRepo(createdOrder("ord_m"))
	svc := newTestOrderService(t, repo, nil, nil, now)

	// An override to paid settles payment for orders paid out of band
	// (bank transfer, comped order) without going through a provider.
	updated, err := svc.Transition(ctx, TransitionOrderCommand{OrderID: "ord_m", Target: domain.OrderStatusPaid})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected payment_status paid, got %s", updated.PaymentStatus)
	}
	if updated.PaidAt == nil || !updated.PaidAt.Equal(now) {
		t.Fatalf("expected paid_at %v, got %v", now, updated.PaidAt)
	}

	if _, err := svc.Transition(ctx, TransitionOrderCommand{OrderID: "ord_m", Target: domain.OrderStatusInProgress}); err != nil {
		t.Fatalf("in_progress after manual settlement: %v", err)
	}
}

func TestOrderServiceCompletionRequiresVideoRef(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	seed := paidOrder("ord_v")
	seed.Status = domain.OrderStatusInProgress
	started := now.Add(-time.Hour)
	seed.ProcessingStartedAt = &started

	repo := newMemoryOrderRepo(seed)
	svc := newTestOrderService(t, repo, nil, nil, now)

	if _, err := svc.Transition(ctx, TransitionOrderCommand{OrderID: "ord_v", Target: domain.OrderStatusCompleted}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition without video ref, got %v", err)
	}

	updated, err := svc.Transition(ctx, TransitionOrderCommand{
		OrderID:  "ord_v",
		Target:   domain.OrderStatusCompleted,
		VideoRef: "orders/ord_v/videos/final.mp4",
	})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.VideoRef == nil || *updated.VideoRef != "orders/ord_v/videos/final.mp4" {
		t.Fatalf("expected video ref recorded, got %v", updated.VideoRef)
	}
	if updated.CompletedAt == nil || !updated.CompletedAt.Equal(now) {
		t.Fatalf("expected completed_at %v, got %v", now, updated.CompletedAt)
	}
}

func TestOrderServiceTimestampsSetOnce(t *testing.T) {
	ctx := context.Background()
	first := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	repo := newMemoryOrderRepo(paidOrder("ord_ts"))

	svc := newTestOrderService(t, repo, nil, nil, first)
	if _, err := svc.Transition(ctx, TransitionOrderCommand{OrderID: "ord_ts", Target: domain.OrderStatusInProgress}); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if _, err := svc.Transition(ctx, TransitionOrderCommand{OrderID: "ord_ts", Target: domain.OrderStatusCompleted, VideoRef: "v.mp4"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Duplicate administrative call with the same target must be a no-op.
	laterSvc := newTestOrderService(t, repo, nil, nil, later)
	updated, err := laterSvc.Transition(ctx, TransitionOrderCommand{OrderID: "ord_ts", Target: domain.OrderStatusCompleted, VideoRef: "other.mp4"})
	if err != nil {
		t.Fatalf("duplicate complete: %v", err)
	}
	if !updated.CompletedAt.Equal(first) {
		t.Fatalf("completed_at overwritten: %v", updated.CompletedAt)
	}
	if !updated.ProcessingStartedAt.Equal(first) {
		t.Fatalf("processing_started_at overwritten: %v", updated.ProcessingStartedAt)
	}
	if *updated.VideoRef != "v.mp4" {
		t.Fatalf("video ref overwritten on no-op call: %v", *updated.VideoRef)
	}
}

func TestOrderServiceStatusEventOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := &captureEvents{}
	notifier := &captureNotifier{}

	repo := newMemoryOrderRepo(paidOrder("ord_ev"))
	svc := newTestOrderService(t, repo, events, notifier, now)

	if _, err := svc.Transition(ctx, TransitionOrderCommand{OrderID: "ord_ev", Target: domain.OrderStatusInProgress}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := svc.Transition(ctx, TransitionOrderCommand{OrderID: "ord_ev", Target: domain.OrderStatusInProgress}); err != nil {
		t.Fatalf("repeat transition: %v", err)
	}

	if len(events.statuses) != 1 {
		t.Fatalf("expected one status event, got %d", len(events.statuses))
	}
	event := events.statuses[0]
	if event.OldStatus != string(domain.OrderStatusPaid) || event.NewStatus != string(domain.OrderStatusInProgress) {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.ChatID != 77 {
		t.Fatalf("expected chat id on event, got %d", event.ChatID)
	}
	if len(notifier.changes) != 1 {
		t.Fatalf("expected one notification, got %d", len(notifier.changes))
	}
}

func TestOrderServiceCancel(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("created order cancels with reason", func(t *testing.T) {
		repo := newMemoryOrderRepo(createdOrder("ord_cx"))
		svc := newTestOrderService(t, repo, nil, nil, now)

		updated, err := svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_cx", Reason: "changed my mind"})
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if updated.Status != domain.OrderStatusCancelled {
			t.Fatalf("expected cancelled, got %s", updated.Status)
		}
		if updated.CancelReason == nil || *updated.CancelReason != "changed my mind" {
			t.Fatalf("expected cancel reason, got %v", updated.CancelReason)
		}
		if updated.CancelledAt == nil || !updated.CancelledAt.Equal(now) {
			t.Fatalf("expected cancelled_at %v, got %v", now, updated.CancelledAt)
		}
	})

	t.Run("in_progress order cannot cancel", func(t *testing.T) {
		seed := paidOrder("ord_cy")
		seed.Status = domain.OrderStatusInProgress
		repo := newMemoryOrderRepo(seed)
		svc := newTestOrderService(t, repo, nil, nil, now)

		if _, err := svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_cy"}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("duplicate cancel is a no-op", func(t *testing.T) {
		repo := newMemoryOrderRepo(createdOrder("ord_cz"))
		svc := newTestOrderService(t, repo, nil, nil, now)

		if _, err := svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_cz", Reason: "first"}); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		updated, err := svc.Cancel(ctx, CancelOrderCommand{OrderID: "ord_cz", Reason: "second"})
		if err != nil {
			t.Fatalf("duplicate cancel: %v", err)
		}
		if *updated.CancelReason != "first" {
			t.Fatalf("cancel reason overwritten: %v", *updated.CancelReason)
		}
	})
}

func TestOrderServiceGetNotFound(t *testing.T) {
	svc := newTestOrderService(t, newMemoryOrderRepo(), nil, nil, time.Now())
	if _, err := svc.Get(context.Background(), "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderServiceFindByCheckoutSession(t *testing.T) {
	seeded := createdOrder("ord_cs")
	seeded.Correlation.Stripe = &domain.StripeCorrelation{SessionID: "cs_lookup"}
	svc := newTestOrderService(t, newMemoryOrderRepo(seeded), nil, nil, time.Now())

	order, err := svc.FindByCheckoutSession(context.Background(), "cs_lookup")
	if err != nil {
		t.Fatalf("find by checkout session: %v", err)
	}
	if order.ID != "ord_cs" {
		t.Fatalf("expected ord_cs, got %s", order.ID)
	}

	if _, err := svc.FindByCheckoutSession(context.Background(), "cs_other"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := svc.FindByCheckoutSession(context.Background(), "  "); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

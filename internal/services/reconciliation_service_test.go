package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/payments"
)

func newTestReconciliation(t *testing.T, repo *memoryOrderRepo, events *captureEvents, notifier *captureNotifier, now time.Time) ReconciliationService {
	t.Helper()
	deps := ReconciliationServiceDeps{
		Orders: repo,
		Clock:  fixedClock(now),
	}
	if events != nil {
		deps.Events = events
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	svc, err := NewReconciliationService(deps)
	if err != nil {
		t.Fatalf("new reconciliation service: %v", err)
	}
	return svc
}

func TestReconciliationApplyStarsOutcome(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	repo := newMemoryOrderRepo(createdOrder("ord_stars"))
	events := &captureEvents{}
	notifier := &captureNotifier{}
	svc := newTestReconciliation(t, repo, events, notifier, now)

	updated, err := svc.Apply(ctx, PaymentOutcome{
		OrderID:           "ord_stars",
		Provider:          domain.PaymentProviderChat,
		ProviderReference: "charge_42",
		AmountMinor:       150,
		Currency:          "XTR",
		OccurredAt:        now,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if updated.Status != domain.OrderStatusPaid || updated.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid order, got %s/%s", updated.Status, updated.PaymentStatus)
	}
	if updated.Correlation.Chat == nil || updated.Correlation.Chat.ChargeID != "charge_42" {
		t.Fatalf("expected chat charge correlation, got %+v", updated.Correlation)
	}
	if updated.AmountMinor != 150 || updated.Currency != "xtr" {
		t.Fatalf("expected settled amount recorded, got %d %s", updated.AmountMinor, updated.Currency)
	}
	if updated.PaidAt == nil || !updated.PaidAt.Equal(now) {
		t.Fatalf("expected paid_at %v, got %v", now, updated.PaidAt)
	}

	if len(events.statuses) != 1 {
		t.Fatalf("expected one status event, got %d", len(events.statuses))
	}
	if len(events.production) != 1 {
		t.Fatalf("expected one production job, got %d", len(events.production))
	}
	job := events.production[0]
	if job.OrderID != "ord_stars" || job.IdempotencyKey != "charge_42" {
		t.Fatalf("unexpected production job: %+v", job)
	}
	if len(notifier.changes) != 1 || notifier.changes[0].NewStatus != domain.OrderStatusPaid {
		t.Fatalf("expected paid notification, got %+v", notifier.changes)
	}
}

func TestReconciliationApplyStripeOutcome(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)

	seed := createdOrder("ord_card")
	seed.Correlation.Stripe = &domain.StripeCorrelation{SessionID: "cs_123"}
	repo := newMemoryOrderRepo(seed)
	svc := newTestReconciliation(t, repo, nil, nil, now)

	updated, err := svc.Apply(ctx, PaymentOutcome{
		OrderID:           "ord_card",
		Provider:          domain.PaymentProviderStripe,
		ProviderReference: "pi_456",
		AmountMinor:       999,
		Currency:          "usd",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if updated.Correlation.Stripe.SessionID != "cs_123" {
		t.Fatalf("session correlation lost: %+v", updated.Correlation.Stripe)
	}
	if updated.Correlation.Stripe.PaymentIntentID != "pi_456" {
		t.Fatalf("expected payment intent recorded, got %+v", updated.Correlation.Stripe)
	}
}

func TestReconciliationApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	repo := newMemoryOrderRepo(createdOrder("ord_dup"))
	events := &captureEvents{}
	svc := newTestReconciliation(t, repo, events, nil, now)

	outcome := PaymentOutcome{
		OrderID:           "ord_dup",
		Provider:          domain.PaymentProviderChat,
		ProviderReference: "charge_1",
		AmountMinor:       150,
		Currency:          "XTR",
	}

	first, err := svc.Apply(ctx, outcome)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := svc.Apply(ctx, outcome)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}

	if second.Status != first.Status || second.PaymentStatus != first.PaymentStatus {
		t.Fatalf("duplicate apply changed state: %+v vs %+v", first, second)
	}
	if !second.PaidAt.Equal(*first.PaidAt) {
		t.Fatalf("duplicate apply moved paid_at: %v vs %v", first.PaidAt, second.PaidAt)
	}
	if len(events.statuses) != 1 {
		t.Fatalf("duplicate apply must not re-emit status events, got %d", len(events.statuses))
	}
	if len(events.production) != 1 {
		t.Fatalf("duplicate apply must not re-enqueue production, got %d", len(events.production))
	}
}

func TestReconciliationApplyConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	repo := newMemoryOrderRepo(createdOrder("ord_race"))
	events := &captureEvents{}
	svc := newTestReconciliation(t, repo, events, nil, now)

	const deliveries = 8
	var wg sync.WaitGroup
	wg.Add(deliveries)
	for i := 0; i < deliveries; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.Apply(ctx, PaymentOutcome{
				OrderID:           "ord_race",
				Provider:          domain.PaymentProviderChat,
				ProviderReference: "charge_r",
				AmountMinor:       150,
				Currency:          "XTR",
			})
			if err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(events.statuses) != 1 {
		t.Fatalf("expected exactly one status event under concurrent delivery, got %d", len(events.statuses))
	}
	order, _ := repo.FindByID(ctx, "ord_race")
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid order, got %s", order.PaymentStatus)
	}
}

func TestReconciliationApplyOrderNotFound(t *testing.T) {
	svc := newTestReconciliation(t, newMemoryOrderRepo(), nil, nil, time.Now())

	_, err := svc.Apply(context.Background(), PaymentOutcome{
		OrderID:           "ord_ghost",
		Provider:          domain.PaymentProviderChat,
		ProviderReference: "charge_x",
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestReconciliationFail(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)

	t.Run("pending order marked failed", func(t *testing.T) {
		repo := newMemoryOrderRepo(createdOrder("ord_f1"))
		svc := newTestReconciliation(t, repo, nil, nil, now)

		updated, err := svc.Fail(ctx, PaymentFailure{
			OrderID:  "ord_f1",
			Provider: domain.PaymentProviderStripe,
			Reason:   "card_declined",
		})
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if updated.PaymentStatus != domain.PaymentStatusFailed {
			t.Fatalf("expected failed payment status, got %s", updated.PaymentStatus)
		}
		if updated.Status != domain.OrderStatusCreated {
			t.Fatalf("payment failure must not move status, got %s", updated.Status)
		}
	})

	t.Run("paid order never downgraded", func(t *testing.T) {
		repo := newMemoryOrderRepo(paidOrder("ord_f2"))
		svc := newTestReconciliation(t, repo, nil, nil, now)

		updated, err := svc.Fail(ctx, PaymentFailure{OrderID: "ord_f2", Provider: domain.PaymentProviderStripe})
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if updated.PaymentStatus != domain.PaymentStatusPaid {
			t.Fatalf("paid order downgraded to %s", updated.PaymentStatus)
		}
	})
}

func TestReconciliationValidateStarsConfirmation(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)

	t.Run("pending order accepted", func(t *testing.T) {
		repo := newMemoryOrderRepo(createdOrder("ord_s1"))
		svc := newTestReconciliation(t, repo, nil, nil, now)

		order, err := svc.ValidateStarsConfirmation(ctx, ValidateStarsCommand{
			ConfirmingOrderID: "ord_s1",
			PayloadOrderID:    "ord_s1",
		})
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if order.ID != "ord_s1" {
			t.Fatalf("unexpected order: %s", order.ID)
		}
	})

	t.Run("already paid rejected without changes", func(t *testing.T) {
		repo := newMemoryOrderRepo(paidOrder("ord_s2"))
		svc := newTestReconciliation(t, repo, nil, nil, now)

		if _, err := svc.ValidateStarsConfirmation(ctx, ValidateStarsCommand{
			ConfirmingOrderID: "ord_s2",
			PayloadOrderID:    "ord_s2",
		}); !errors.Is(err, ErrAlreadyPaid) {
			t.Fatalf("expected ErrAlreadyPaid, got %v", err)
		}
		stored, _ := repo.FindByID(ctx, "ord_s2")
		if stored.PaymentStatus != domain.PaymentStatusPaid || stored.Status != domain.OrderStatusPaid {
			t.Fatalf("validation must not mutate the order: %+v", stored)
		}
	})

	t.Run("order id mismatch rejected", func(t *testing.T) {
		repo := newMemoryOrderRepo(createdOrder("ord_s3"))
		svc := newTestReconciliation(t, repo, nil, nil, now)

		if _, err := svc.ValidateStarsConfirmation(ctx, ValidateStarsCommand{
			ConfirmingOrderID: "ord_s3",
			PayloadOrderID:    "ord_other",
		}); !errors.Is(err, payments.ErrPayloadInvalid) {
			t.Fatalf("expected ErrPayloadInvalid, got %v", err)
		}
	})
}

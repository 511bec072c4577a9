package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/payments"
	"github.com/pawreel/api/internal/services"
)

type stubStripeParser struct {
	event payments.WebhookEvent
	err   error
}

func (s *stubStripeParser) Parse(payload []byte, signatureHeader string) (payments.WebhookEvent, error) {
	if s.err != nil {
		return payments.WebhookEvent{}, s.err
	}
	return s.event, nil
}

type stubReconciliation struct {
	applied  []domain.PaymentOutcome
	failed   []domain.PaymentFailure
	applyErr error
	failErr  error
}

func (s *stubReconciliation) Apply(ctx context.Context, outcome services.PaymentOutcome) (services.Order, error) {
	s.applied = append(s.applied, outcome)
	if s.applyErr != nil {
		return services.Order{}, s.applyErr
	}
	return services.Order{ID: outcome.OrderID, Status: domain.OrderStatusPaid}, nil
}

func (s *stubReconciliation) Fail(ctx context.Context, failure services.PaymentFailure) (services.Order, error) {
	s.failed = append(s.failed, failure)
	if s.failErr != nil {
		return services.Order{}, s.failErr
	}
	return services.Order{ID: failure.OrderID}, nil
}

func (s *stubReconciliation) ValidateStarsConfirmation(ctx context.Context, cmd services.ValidateStarsCommand) (services.Order, error) {
	return services.Order{}, errors.New("not implemented")
}

func newWebhookRouter(h *WebhookHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/webhooks", h.Routes)
	return router
}

func postStripe(router chi.Router) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	router.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandlersSignatureFailure(t *testing.T) {
	parser := &stubStripeParser{err: payments.ErrSignatureVerification}
	recon := &stubReconciliation{}
	router := newWebhookRouter(NewWebhookHandlers(parser, &stubOrderService{}, recon, zap.NewNop()))

	rec := postStripe(router)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "signature_verification_failed") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if len(recon.applied) != 0 {
		t.Fatal("nothing should be applied on a signature failure")
	}
}

func TestWebhookHandlersCheckoutCompleted(t *testing.T) {
	occurred := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	parser := &stubStripeParser{event: payments.WebhookEvent{
		ID:          "evt_1",
		Kind:        payments.WebhookCheckoutCompleted,
		OrderID:     "ord_1",
		SessionID:   "cs_1",
		AmountMinor: 150,
		Currency:    "xtr",
		OccurredAt:  occurred,
	}}
	recon := &stubReconciliation{}
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return services.Order{
				ID: orderID,
				Correlation: domain.PaymentCorrelation{
					Stripe: &domain.StripeCorrelation{SessionID: "cs_1"},
				},
			}, nil
		},
	}
	router := newWebhookRouter(NewWebhookHandlers(parser, orders, recon, zap.NewNop()))

	rec := postStripe(router)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(recon.applied) != 1 {
		t.Fatalf("expected one outcome, got %d", len(recon.applied))
	}
	outcome := recon.applied[0]
	if outcome.OrderID != "ord_1" || outcome.Provider != domain.PaymentProviderStripe {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if outcome.ProviderReference != "cs_1" || outcome.AmountMinor != 150 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if !outcome.OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected occurred at: %v", outcome.OccurredAt)
	}
}

func TestWebhookHandlersCheckoutSessionMismatch(t *testing.T) {
	parser := &stubStripeParser{event: payments.WebhookEvent{
		ID:        "evt_1",
		Kind:      payments.WebhookCheckoutCompleted,
		OrderID:   "ord_1",
		SessionID: "cs_other",
	}}
	recon := &stubReconciliation{}
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (services.Order, error) {
			return services.Order{
				ID: orderID,
				Correlation: domain.PaymentCorrelation{
					Stripe: &domain.StripeCorrelation{SessionID: "cs_1"},
				},
			}, nil
		},
	}
	router := newWebhookRouter(NewWebhookHandlers(parser, orders, recon, zap.NewNop()))

	rec := postStripe(router)
	if rec.Code != http.StatusOK {
		t.Fatalf("mismatch is acknowledged, expected 200, got %d", rec.Code)
	}
	if len(recon.applied) != 0 {
		t.Fatal("mismatched session must not settle the order")
	}
}

func TestWebhookHandlersCheckoutRequiresStoredSession(t *testing.T) {
	event := payments.WebhookEvent{
		ID:        "evt_1",
		Kind:      payments.WebhookCheckoutCompleted,
		OrderID:   "ord_1",
		SessionID: "cs_1",
	}

	tests := []struct {
		name  string
		getFn func(ctx context.Context, orderID string) (services.Order, error)
	}{
		{
			name: "order never allocated a session",
			getFn: func(ctx context.Context, orderID string) (services.Order, error) {
				return services.Order{ID: orderID}, nil
			},
		},
		{
			name: "order state unreadable",
			getFn: func(ctx context.Context, orderID string) (services.Order, error) {
				return services.Order{}, errors.New("store unavailable")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recon := &stubReconciliation{}
			orders := &stubOrderService{getFn: tc.getFn}
			router := newWebhookRouter(NewWebhookHandlers(&stubStripeParser{event: event}, orders, recon, zap.NewNop()))

			rec := postStripe(router)
			if rec.Code != http.StatusOK {
				t.Fatalf("unverifiable session is acknowledged, expected 200, got %d", rec.Code)
			}
			if len(recon.applied) != 0 {
				t.Fatal("metadata alone must not settle the order")
			}
		})
	}
}

func TestWebhookHandlersCheckoutResolvesBySession(t *testing.T) {
	parser := &stubStripeParser{event: payments.WebhookEvent{
		ID:        "evt_1",
		Kind:      payments.WebhookCheckoutCompleted,
		SessionID: "cs_1",
	}}
	recon := &stubReconciliation{}
	orders := &stubOrderService{
		findFn: func(ctx context.Context, sessionID string) (services.Order, error) {
			if sessionID != "cs_1" {
				return services.Order{}, services.ErrOrderNotFound
			}
			return services.Order{ID: "ord_found"}, nil
		},
	}
	router := newWebhookRouter(NewWebhookHandlers(parser, orders, recon, zap.NewNop()))

	rec := postStripe(router)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(recon.applied) != 1 || recon.applied[0].OrderID != "ord_found" {
		t.Fatalf("expected settlement for resolved order, got %+v", recon.applied)
	}
}

func TestWebhookHandlersBusinessFailureStillAcknowledged(t *testing.T) {
	parser := &stubStripeParser{event: payments.WebhookEvent{
		ID:              "evt_1",
		Kind:            payments.WebhookPaymentSucceeded,
		OrderID:         "ord_1",
		PaymentIntentID: "pi_1",
	}}
	recon := &stubReconciliation{applyErr: services.ErrAlreadyPaid}
	router := newWebhookRouter(NewWebhookHandlers(parser, &stubOrderService{}, recon, zap.NewNop()))

	rec := postStripe(router)
	if rec.Code != http.StatusOK {
		t.Fatalf("business failures are acknowledged, expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "received") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestWebhookHandlersPaymentFailed(t *testing.T) {
	parser := &stubStripeParser{event: payments.WebhookEvent{
		ID:              "evt_1",
		Kind:            payments.WebhookPaymentFailed,
		OrderID:         "ord_1",
		PaymentIntentID: "pi_1",
		FailureReason:   "card_declined",
	}}
	recon := &stubReconciliation{}
	router := newWebhookRouter(NewWebhookHandlers(parser, &stubOrderService{}, recon, zap.NewNop()))

	rec := postStripe(router)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(recon.failed) != 1 {
		t.Fatalf("expected one failure, got %d", len(recon.failed))
	}
	if recon.failed[0].Reason != "card_declined" || recon.failed[0].ProviderReference != "pi_1" {
		t.Fatalf("unexpected failure: %+v", recon.failed[0])
	}
}

func TestWebhookHandlersIgnoredEvent(t *testing.T) {
	parser := &stubStripeParser{event: payments.WebhookEvent{
		ID:         "evt_1",
		Kind:       payments.WebhookIgnored,
		StripeType: "customer.created",
	}}
	recon := &stubReconciliation{}
	router := newWebhookRouter(NewWebhookHandlers(parser, &stubOrderService{}, recon, zap.NewNop()))

	rec := postStripe(router)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(recon.applied) != 0 || len(recon.failed) != 0 {
		t.Fatal("ignored events must not touch reconciliation")
	}
}

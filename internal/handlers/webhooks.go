package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/payments"
	"github.com/pawreel/api/internal/platform/httpx"
	"github.com/pawreel/api/internal/services"
)

// Stripe caps event payloads well below this; anything larger is not ours.
const maxWebhookBodySize = 256 * 1024

// stripeParser narrows the webhook dependency to signature verification and
// event normalisation.
type stripeParser interface {
	Parse(payload []byte, signatureHeader string) (payments.WebhookEvent, error)
}

// WebhookHandlers receives asynchronous settlement notifications from payment
// providers. Only signature failures are rejected at the transport level;
// every business-level failure is acknowledged with 200 so the provider does
// not retry a delivery we can never process.
type WebhookHandlers struct {
	parser         stripeParser
	orders         services.OrderService
	reconciliation services.ReconciliationService
	logger         *zap.Logger
}

// NewWebhookHandlers constructs the webhook handlers.
func NewWebhookHandlers(parser stripeParser, orders services.OrderService, reconciliation services.ReconciliationService, logger *zap.Logger) *WebhookHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandlers{
		parser:         parser,
		orders:         orders,
		reconciliation: reconciliation,
		logger:         logger,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

type webhookAck struct {
	Received bool `json:"received"`
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.parser == nil || h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil || len(body) == 0 || len(body) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid webhook body", http.StatusBadRequest))
		return
	}

	event, err := h.parser.Parse(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrSignatureVerification) {
			httpx.WriteError(ctx, w, httpx.NewError("signature_verification_failed", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		h.logger.Warn("webhook.stripe.parse_failed",
			zap.Error(err),
		)
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unparseable webhook payload", http.StatusBadRequest))
		return
	}

	switch event.Kind {
	case payments.WebhookCheckoutCompleted:
		h.applyCheckoutCompleted(r, event)
	case payments.WebhookPaymentSucceeded:
		h.applyPaymentSucceeded(r, event)
	case payments.WebhookPaymentFailed:
		h.applyPaymentFailed(r, event)
	default:
		h.logger.Debug("webhook.stripe.ignored",
			zap.String("event_id", event.ID),
			zap.String("stripe_type", event.StripeType),
		)
	}

	writeJSONResponse(w, http.StatusOK, webhookAck{Received: true})
}

func (h *WebhookHandlers) applyCheckoutCompleted(r *http.Request, event payments.WebhookEvent) {
	ctx := r.Context()

	orderID := strings.TrimSpace(event.OrderID)
	if orderID == "" {
		order, err := h.resolveBySession(r, event.SessionID)
		if err != nil {
			h.logger.Warn("webhook.stripe.order_unresolved",
				zap.String("event_id", event.ID),
				zap.String("session_id", event.SessionID),
				zap.Error(err),
			)
			return
		}
		orderID = order.ID
	} else {
		// The completed session must match the one allocated for the order.
		// Metadata alone is not enough: an order that never allocated a
		// session, or one whose state cannot be read, does not settle.
		if !h.sessionMatches(ctx, orderID, event) {
			return
		}
	}

	h.apply(ctx, event, domain.PaymentOutcome{
		OrderID:           orderID,
		Provider:          domain.PaymentProviderStripe,
		ProviderReference: event.SessionID,
		AmountMinor:       event.AmountMinor,
		Currency:          event.Currency,
		OccurredAt:        occurredAt(event),
	})
}

func (h *WebhookHandlers) sessionMatches(ctx context.Context, orderID string, event payments.WebhookEvent) bool {
	if h.orders == nil {
		h.logger.Warn("webhook.stripe.session_unverifiable",
			zap.String("event_id", event.ID),
			zap.String("order_id", orderID),
		)
		return false
	}

	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		h.logger.Warn("webhook.stripe.session_unverifiable",
			zap.String("event_id", event.ID),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return false
	}
	if order.Correlation.Stripe == nil || order.Correlation.Stripe.SessionID == "" ||
		order.Correlation.Stripe.SessionID != event.SessionID {
		h.logger.Warn("webhook.stripe.session_mismatch",
			zap.String("event_id", event.ID),
			zap.String("order_id", orderID),
			zap.String("session_id", event.SessionID),
		)
		return false
	}
	return true
}

func (h *WebhookHandlers) applyPaymentSucceeded(r *http.Request, event payments.WebhookEvent) {
	orderID := strings.TrimSpace(event.OrderID)
	if orderID == "" {
		h.logger.Warn("webhook.stripe.order_missing",
			zap.String("event_id", event.ID),
			zap.String("payment_intent_id", event.PaymentIntentID),
		)
		return
	}

	h.apply(r.Context(), event, domain.PaymentOutcome{
		OrderID:           orderID,
		Provider:          domain.PaymentProviderStripe,
		ProviderReference: event.PaymentIntentID,
		AmountMinor:       event.AmountMinor,
		Currency:          event.Currency,
		OccurredAt:        occurredAt(event),
	})
}

func (h *WebhookHandlers) applyPaymentFailed(r *http.Request, event payments.WebhookEvent) {
	orderID := strings.TrimSpace(event.OrderID)
	if orderID == "" {
		h.logger.Warn("webhook.stripe.order_missing",
			zap.String("event_id", event.ID),
			zap.String("payment_intent_id", event.PaymentIntentID),
		)
		return
	}

	if _, err := h.reconciliation.Fail(r.Context(), domain.PaymentFailure{
		OrderID:           orderID,
		Provider:          domain.PaymentProviderStripe,
		ProviderReference: event.PaymentIntentID,
		Reason:            event.FailureReason,
		OccurredAt:        occurredAt(event),
	}); err != nil {
		h.logger.Warn("webhook.stripe.fail_not_applied",
			zap.String("event_id", event.ID),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

func (h *WebhookHandlers) apply(ctx context.Context, event payments.WebhookEvent, outcome domain.PaymentOutcome) {
	if _, err := h.reconciliation.Apply(ctx, outcome); err != nil {
		h.logger.Warn("webhook.stripe.not_applied",
			zap.String("event_id", event.ID),
			zap.String("order_id", outcome.OrderID),
			zap.Error(err),
		)
		return
	}
	h.logger.Info("webhook.stripe.applied",
		zap.String("event_id", event.ID),
		zap.String("order_id", outcome.OrderID),
		zap.String("kind", string(event.Kind)),
	)
}

func (h *WebhookHandlers) resolveBySession(r *http.Request, sessionID string) (domain.Order, error) {
	if h.orders == nil {
		return domain.Order{}, errors.New("order service unavailable")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Order{}, errors.New("event carries no session id")
	}
	return h.orders.FindByCheckoutSession(r.Context(), sessionID)
}

func occurredAt(event payments.WebhookEvent) time.Time {
	if event.OccurredAt.IsZero() {
		return time.Now().UTC()
	}
	return event.OccurredAt
}

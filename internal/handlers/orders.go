package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/platform/httpx"
	"github.com/pawreel/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 64 * 1024
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusCreated:    {},
	domain.OrderStatusPaid:       {},
	domain.OrderStatusInProgress: {},
	domain.OrderStatusCompleted:  {},
	domain.OrderStatusCancelled:  {},
}

// OrderPricing fixes the price applied to orders created through the API.
type OrderPricing struct {
	AmountMinor int64
	Currency    string
}

// OrderHandlers exposes the public order endpoints: creation, reads, queue
// estimate, upload issuance, video download, and checkout session creation.
type OrderHandlers struct {
	orders   services.OrderService
	checkout services.CheckoutService
	queue    services.QueueService
	uploads  services.UploadService
	pricing  OrderPricing
	limiter  rateLimiter
}

// NewOrderHandlers constructs the public order handlers.
func NewOrderHandlers(orders services.OrderService, checkout services.CheckoutService, queue services.QueueService, uploads services.UploadService, pricing OrderPricing) *OrderHandlers {
	return &OrderHandlers{
		orders:   orders,
		checkout: checkout,
		queue:    queue,
		uploads:  uploads,
		pricing:  pricing,
	}
}

// WithCreateLimit throttles order creation per owner using an in-memory
// sliding window.
func (h *OrderHandlers) WithCreateLimit(limit int, window time.Duration) *OrderHandlers {
	h.limiter = newSimpleRateLimiter(limit, window, nil)
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/queue", h.queueEstimate)
	r.Post("/uploads", h.issueUpload)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/video", h.downloadVideo)
	r.Post("/{orderID}/checkout", h.createCheckoutSession)
}

type createOrderRequest struct {
	OwnerID   string           `json:"owner_id"`
	Photos    []string         `json:"photos"`
	Script    string           `json:"script"`
	Recipient recipientPayload `json:"recipient"`
	Notes     map[string]any   `json:"notes"`
}

type recipientPayload struct {
	ChatID   int64  `json:"chat_id,omitempty"`
	Email    string `json:"email,omitempty"`
	Language string `json:"language,omitempty"`
}

type uploadRequest struct {
	OwnerID     string `json:"owner_id"`
	OrderID     string `json:"order_id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

type checkoutRequest struct {
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
	Locale     string `json:"locale"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	if h.limiter != nil && !h.limiter.Allow(req.OwnerID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many orders, slow down", http.StatusTooManyRequests))
		return
	}

	order, err := h.orders.Create(ctx, services.CreateOrderCommand{
		OwnerID:     strings.TrimSpace(req.OwnerID),
		Photos:      req.Photos,
		Script:      req.Script,
		AmountMinor: h.pricing.AmountMinor,
		Currency:    h.pricing.Currency,
		Recipient: domain.Recipient{
			ChatID:   req.Recipient.ChatID,
			Email:    strings.TrimSpace(req.Recipient.Email),
			Language: strings.TrimSpace(req.Recipient.Language),
		},
		Notes: cloneMap(req.Notes),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	// Owners only see their own orders; a mismatch looks like a missing order.
	owner := strings.TrimSpace(r.URL.Query().Get("owner_id"))
	if owner == "" || !strings.EqualFold(owner, strings.TrimSpace(order.OwnerID)) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) queueEstimate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.queue == nil {
		httpx.WriteError(ctx, w, httpx.NewError("queue_unavailable", "queue estimator unavailable", http.StatusServiceUnavailable))
		return
	}

	estimate, err := h.queue.Estimate(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("queue_error", "failed to estimate queue", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, queueResponse{
		PendingOrders:    estimate.PendingOrders,
		MinutesPerItem:   estimate.MinutesPerItem,
		EstimatedMinutes: estimate.TotalMinutes,
		GeneratedAt:      formatTime(estimate.GeneratedAt),
	})
}

func (h *OrderHandlers) issueUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.uploads == nil {
		httpx.WriteError(ctx, w, httpx.NewError("uploads_unavailable", "upload service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req uploadRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	issued, err := h.uploads.IssuePhotoUpload(ctx, services.PhotoUploadCommand{
		OwnerID:     strings.TrimSpace(req.OwnerID),
		OrderID:     strings.TrimSpace(req.OrderID),
		FileName:    strings.TrimSpace(req.FileName),
		ContentType: strings.TrimSpace(req.ContentType),
		SizeBytes:   req.SizeBytes,
	})
	if err != nil {
		writeUploadError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, uploadResponse{
		StorageKey: issued.StorageKey,
		URL:        issued.URL,
		Method:     issued.Method,
		Headers:    issued.Headers,
		ExpiresAt:  formatTime(issued.ExpiresAt),
	})
}

func (h *OrderHandlers) downloadVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.uploads == nil {
		httpx.WriteError(ctx, w, httpx.NewError("uploads_unavailable", "upload service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	requester := strings.TrimSpace(r.URL.Query().Get("owner_id"))

	url, err := h.uploads.IssueVideoDownload(ctx, services.VideoDownloadCommand{
		RequesterID: requester,
		OrderID:     orderID,
	})
	if err != nil {
		writeUploadError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, videoResponse{URL: url})
}

func (h *OrderHandlers) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req checkoutRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	session, err := h.checkout.CreateCheckoutSession(ctx, services.CreateCheckoutSessionCommand{
		OrderID:    orderID,
		SuccessURL: strings.TrimSpace(req.SuccessURL),
		CancelURL:  strings.TrimSpace(req.CancelURL),
		Locale:     strings.TrimSpace(req.Locale),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutResponse{
		SessionID:   session.SessionID,
		Provider:    session.PSP,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   formatTime(session.ExpiresAt),
	})
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                  string           `json:"id"`
	OwnerID             string           `json:"owner_id"`
	Photos              []string         `json:"photos"`
	Script              string           `json:"script,omitempty"`
	Status              string           `json:"status"`
	PaymentStatus       string           `json:"payment_status"`
	AmountMinor         int64            `json:"amount_minor"`
	Currency            string           `json:"currency"`
	VideoRef            string           `json:"video_ref,omitempty"`
	CancelReason        string           `json:"cancel_reason,omitempty"`
	Notes               map[string]any   `json:"notes,omitempty"`
	Recipient           recipientPayload `json:"recipient"`
	CreatedAt           string           `json:"created_at"`
	UpdatedAt           string           `json:"updated_at,omitempty"`
	PaidAt              string           `json:"paid_at,omitempty"`
	ProcessingStartedAt string           `json:"processing_started_at,omitempty"`
	CompletedAt         string           `json:"completed_at,omitempty"`
	CancelledAt         string           `json:"cancelled_at,omitempty"`
}

type queueResponse struct {
	PendingOrders    int    `json:"pending_orders"`
	MinutesPerItem   int    `json:"minutes_per_item"`
	EstimatedMinutes int    `json:"estimated_minutes"`
	GeneratedAt      string `json:"generated_at"`
}

type uploadResponse struct {
	StorageKey string            `json:"storage_key"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	ExpiresAt  string            `json:"expires_at"`
}

type videoResponse struct {
	URL string `json:"url"`
}

type checkoutResponse struct {
	SessionID   string `json:"session_id"`
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirect_url,omitempty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:            strings.TrimSpace(order.ID),
		OwnerID:       strings.TrimSpace(order.OwnerID),
		Photos:        append([]string(nil), order.Photos...),
		Script:        order.Script,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		AmountMinor:   order.AmountMinor,
		Currency:      strings.ToLower(strings.TrimSpace(order.Currency)),
		Notes:         cloneMap(order.Notes),
		Recipient: recipientPayload{
			ChatID:   order.Recipient.ChatID,
			Email:    order.Recipient.Email,
			Language: order.Recipient.Language,
		},
		CreatedAt:           formatTime(order.CreatedAt),
		UpdatedAt:           formatTime(order.UpdatedAt),
		PaidAt:              formatTime(pointerTime(order.PaidAt)),
		ProcessingStartedAt: formatTime(pointerTime(order.ProcessingStartedAt)),
		CompletedAt:         formatTime(pointerTime(order.CompletedAt)),
		CancelledAt:         formatTime(pointerTime(order.CancelledAt)),
	}
	if payload.Photos == nil {
		payload.Photos = []string{}
	}
	if order.VideoRef != nil {
		payload.VideoRef = strings.TrimSpace(*order.VideoRef)
	}
	if order.CancelReason != nil {
		payload.CancelReason = strings.TrimSpace(*order.CancelReason)
	}
	return payload
}

func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dest any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dest); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrMaxPhotosExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("too_many_photos", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrScriptTooLong):
		httpx.WriteError(ctx, w, httpx.NewError("script_too_long", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrAlreadyPaid):
		httpx.WriteError(ctx, w, httpx.NewError("already_paid", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func writeUploadError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrUploadInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrUploadForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed for this order", http.StatusForbidden))
	case errors.Is(err, services.ErrVideoNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("video_not_ready", "video is not ready yet", http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("upload_error", "failed to process upload request", http.StatusInternalServerError))
	}
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutOrderNotPayable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_payable", "order cannot be paid in its current state", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_error", "payment provider rejected the request", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout is temporarily unavailable", http.StatusServiceUnavailable))
	}
}

func parseOrderStatusFilters(values []string) ([]domain.OrderStatus, bool) {
	raw := parseFilterValues(values)
	if len(raw) == 0 {
		return nil, true
	}
	statuses := make([]domain.OrderStatus, 0, len(raw))
	for _, value := range raw {
		status := domain.OrderStatus(value)
		if _, ok := validOrderStatuses[status]; !ok {
			return nil, false
		}
		statuses = append(statuses, status)
	}
	return statuses, true
}

func parsePageSize(raw string) (int, error) {
	if raw == "" {
		return defaultOrderPageSize, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	switch {
	case size <= 0:
		return defaultOrderPageSize, nil
	case size > maxOrderPageSize:
		return maxOrderPageSize, nil
	default:
		return size, nil
	}
}

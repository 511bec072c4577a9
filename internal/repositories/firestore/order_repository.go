package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/pawreel/api/internal/domain"
	pfirestore "github.com/pawreel/api/internal/platform/firestore"
	"github.com/pawreel/api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists orders within Firestore.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	return &OrderRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert creates the order document, failing when the ID already exists.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	ref, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, encodeOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(doc.ID, doc.Data), nil
}

// FindByCheckoutSession resolves the order correlated with a card checkout session.
func (r *OrderRepository) FindByCheckoutSession(ctx context.Context, sessionID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Order{}, errors.New("order repository: session id is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("stripe.sessionId", "==", sessionID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.WrapError("orders.findByCheckoutSession",
			status.Errorf(codes.NotFound, "no order for checkout session %s", sessionID))
	}
	return decodeOrderDocument(docs[0].ID, docs[0].Data), nil
}

// Mutate applies fn to the order inside a Firestore transaction. The
// read-modify-write runs against a consistent snapshot, so concurrent
// mutations of the same order serialize instead of clobbering each other.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn func(order *domain.Order) error) (domain.Order, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutation function is required")
	}

	ref, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		order := decodeOrderDocument(orderID, doc)
		if err := fn(&order); err != nil {
			return err
		}
		order.ID = orderID

		updated = order
		return tx.Set(ref, encodeOrderDocument(order))
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.mutate", err)
	}
	return updated, nil
}

// CountByStatuses counts orders currently in any of the given statuses.
func (r *OrderRepository) CountByStatuses(ctx context.Context, statuses []domain.OrderStatus) (int, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("order repository not initialised")
	}
	if len(statuses) == 0 {
		return 0, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("orders.count", err)
	}

	values := make([]string, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, string(s))
	}

	iter := client.Collection(orderCollection).Where("status", "in", values).Select().Documents(ctx)
	defer iter.Stop()

	count := 0
	for {
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return 0, pfirestore.WrapError("orders.count", err)
		}
		count++
	}
	return count, nil
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderFilter, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	limit := pager.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := 0
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var cursorTime time.Time
	var cursorID string
	if token := strings.TrimSpace(pager.PageToken); token != "" {
		var err error
		cursorTime, cursorID, err = decodeOrderToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("orders.list: invalid page token: %w", err)
		}
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		if owner := strings.TrimSpace(filter.OwnerID); owner != "" {
			query = query.Where("ownerId", "==", owner)
		}
		if len(filter.Statuses) > 0 {
			values := make([]string, 0, len(filter.Statuses))
			for _, s := range filter.Statuses {
				values = append(values, string(s))
			}
			query = query.Where("status", "in", values)
		}
		query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if cursorID != "" {
			query = query.StartAfter(cursorTime, cursorID)
		}
		if fetchLimit > 0 {
			query = query.Limit(fetchLimit)
		}
		return query
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	nextToken := ""
	if fetchLimit > 0 && len(docs) == fetchLimit {
		last := docs[len(docs)-1]
		nextToken = encodeOrderToken(last.Data.CreatedAt, last.ID)
		docs = docs[:len(docs)-1]
	}

	items := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeOrderDocument(doc.ID, doc.Data))
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

func encodeOrderToken(createdAt time.Time, orderID string) string {
	raw := fmt.Sprintf("%s|%s", createdAt.UTC().Format(time.RFC3339Nano), orderID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeOrderToken(token string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", errors.New("malformed token")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, parts[1], nil
}

type orderDocument struct {
	OwnerID             string                     `firestore:"ownerId"`
	Photos              []string                   `firestore:"photos,omitempty"`
	Script              string                     `firestore:"script,omitempty"`
	Status              string                     `firestore:"status"`
	PaymentStatus       string                     `firestore:"paymentStatus"`
	AmountMinor         int64                      `firestore:"amountMinor"`
	Currency            string                     `firestore:"currency"`
	VideoRef            string                     `firestore:"videoRef,omitempty"`
	CancelReason        string                     `firestore:"cancelReason,omitempty"`
	Notes               map[string]any             `firestore:"notes,omitempty"`
	Recipient           orderRecipientDocument     `firestore:"recipient"`
	Stripe              *stripeCorrelationDocument `firestore:"stripe,omitempty"`
	Chat                *chatCorrelationDocument   `firestore:"chat,omitempty"`
	CreatedAt           time.Time                  `firestore:"createdAt"`
	UpdatedAt           time.Time                  `firestore:"updatedAt"`
	PaidAt              *time.Time                 `firestore:"paidAt,omitempty"`
	ProcessingStartedAt *time.Time                 `firestore:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time                 `firestore:"completedAt,omitempty"`
	CancelledAt         *time.Time                 `firestore:"cancelledAt,omitempty"`
}

type orderRecipientDocument struct {
	ChatID   int64  `firestore:"chatId,omitempty"`
	Email    string `firestore:"email,omitempty"`
	Language string `firestore:"language,omitempty"`
}

type stripeCorrelationDocument struct {
	SessionID       string `firestore:"sessionId"`
	PaymentIntentID string `firestore:"paymentIntentId,omitempty"`
	CustomerID      string `firestore:"customerId,omitempty"`
}

type chatCorrelationDocument struct {
	ChargeID string `firestore:"chargeId"`
}

func encodeOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		OwnerID:       strings.TrimSpace(order.OwnerID),
		Photos:        append([]string(nil), order.Photos...),
		Script:        order.Script,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		AmountMinor:   order.AmountMinor,
		Currency:      order.Currency,
		Notes:         order.Notes,
		Recipient: orderRecipientDocument{
			ChatID:   order.Recipient.ChatID,
			Email:    strings.TrimSpace(order.Recipient.Email),
			Language: strings.TrimSpace(order.Recipient.Language),
		},
		CreatedAt:           order.CreatedAt.UTC(),
		UpdatedAt:           order.UpdatedAt.UTC(),
		PaidAt:              cloneTimePtr(order.PaidAt),
		ProcessingStartedAt: cloneTimePtr(order.ProcessingStartedAt),
		CompletedAt:         cloneTimePtr(order.CompletedAt),
		CancelledAt:         cloneTimePtr(order.CancelledAt),
	}
	if order.VideoRef != nil {
		doc.VideoRef = *order.VideoRef
	}
	if order.CancelReason != nil {
		doc.CancelReason = *order.CancelReason
	}
	if order.Correlation.Stripe != nil {
		doc.Stripe = &stripeCorrelationDocument{
			SessionID:       order.Correlation.Stripe.SessionID,
			PaymentIntentID: order.Correlation.Stripe.PaymentIntentID,
			CustomerID:      order.Correlation.Stripe.CustomerID,
		}
	}
	if order.Correlation.Chat != nil {
		doc.Chat = &chatCorrelationDocument{
			ChargeID: order.Correlation.Chat.ChargeID,
		}
	}
	return doc
}

func decodeOrderDocument(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:            id,
		OwnerID:       doc.OwnerID,
		Photos:        append([]string(nil), doc.Photos...),
		Script:        doc.Script,
		Status:        domain.OrderStatus(doc.Status),
		PaymentStatus: domain.PaymentStatus(doc.PaymentStatus),
		AmountMinor:   doc.AmountMinor,
		Currency:      doc.Currency,
		Notes:         doc.Notes,
		Recipient: domain.Recipient{
			ChatID:   doc.Recipient.ChatID,
			Email:    doc.Recipient.Email,
			Language: doc.Recipient.Language,
		},
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
		PaidAt:              cloneTimePtr(doc.PaidAt),
		ProcessingStartedAt: cloneTimePtr(doc.ProcessingStartedAt),
		CompletedAt:         cloneTimePtr(doc.CompletedAt),
		CancelledAt:         cloneTimePtr(doc.CancelledAt),
	}
	if doc.VideoRef != "" {
		ref := doc.VideoRef
		order.VideoRef = &ref
	}
	if doc.CancelReason != "" {
		reason := doc.CancelReason
		order.CancelReason = &reason
	}
	if doc.Stripe != nil {
		order.Correlation.Stripe = &domain.StripeCorrelation{
			SessionID:       doc.Stripe.SessionID,
			PaymentIntentID: doc.Stripe.PaymentIntentID,
			CustomerID:      doc.Stripe.CustomerID,
		}
	}
	if doc.Chat != nil {
		order.Correlation.Chat = &domain.ChatCorrelation{
			ChargeID: doc.Chat.ChargeID,
		}
	}
	return order
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	t := value.UTC()
	return &t
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

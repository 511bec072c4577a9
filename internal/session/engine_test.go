package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/services"
)

type memoryStore struct {
	sessions map[int64]Conversation
	saveErr  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[int64]Conversation)}
}

func (m *memoryStore) Fetch(ctx context.Context, userID int64) (*Conversation, error) {
	stored, ok := m.sessions[userID]
	if !ok {
		return nil, nil
	}
	copied := stored
	copied.Draft.PhotoKeys = append([]string(nil), stored.Draft.PhotoKeys...)
	return &copied, nil
}

func (m *memoryStore) Save(ctx context.Context, conversation *Conversation) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	copied := *conversation
	copied.Draft.PhotoKeys = append([]string(nil), conversation.Draft.PhotoKeys...)
	m.sessions[conversation.UserID] = copied
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, userID int64) error {
	delete(m.sessions, userID)
	return nil
}

type stubOrders struct {
	created   []services.CreateOrderCommand
	createErr error
	nextID    string
	orders    map[string]domain.Order
}

func (s *stubOrders) Create(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	if s.createErr != nil {
		return domain.Order{}, s.createErr
	}
	s.created = append(s.created, cmd)
	order := domain.Order{
		ID:            s.nextID,
		OwnerID:       cmd.OwnerID,
		Photos:        cmd.Photos,
		Script:        cmd.Script,
		Status:        domain.OrderStatusCreated,
		PaymentStatus: domain.PaymentStatusPending,
		AmountMinor:   cmd.AmountMinor,
		Currency:      cmd.Currency,
		Recipient:     cmd.Recipient,
	}
	if s.orders == nil {
		s.orders = make(map[string]domain.Order)
	}
	s.orders[order.ID] = order
	return order, nil
}

func (s *stubOrders) Get(ctx context.Context, orderID string) (domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, services.ErrOrderNotFound
	}
	return order, nil
}

func sessionClock(t *testing.T) func() time.Time {
	t.Helper()
	at, err := time.Parse(time.RFC3339, "2026-03-01T10:00:00Z")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	return func() time.Time { return at }
}

func newTestEngine(t *testing.T, store *memoryStore, orders *stubOrders) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineDeps{
		Sessions:   store,
		Orders:     orders,
		MaxPhotos:  3,
		PriceMinor: 150,
		Currency:   "XTR",
		Clock:      sessionClock(t),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestEngineCreationFlow(t *testing.T) {
	store := newMemoryStore()
	orders := &stubOrders{nextID: "ord_sess1"}
	engine := newTestEngine(t, store, orders)
	ctx := context.Background()

	conversation, err := engine.Resume(ctx, 77, "en")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if conversation.State != StateStart {
		t.Fatalf("expected start state, got %s", conversation.State)
	}

	if _, err := engine.StartOrder(ctx, 77, "en"); err != nil {
		t.Fatalf("start order: %v", err)
	}
	if _, err := engine.AddPhoto(ctx, 77, "orders/draft/p1.jpg"); err != nil {
		t.Fatalf("add photo: %v", err)
	}
	if _, err := engine.AddPhoto(ctx, 77, "orders/draft/p2.jpg"); err != nil {
		t.Fatalf("add photo: %v", err)
	}
	if _, err := engine.FinishPhotos(ctx, 77); err != nil {
		t.Fatalf("finish photos: %v", err)
	}
	if _, err := engine.SetScript(ctx, 77, "  A sunny day at the park.  "); err != nil {
		t.Fatalf("set script: %v", err)
	}

	order, conversation, err := engine.Confirm(ctx, 77)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if order.ID != "ord_sess1" {
		t.Fatalf("unexpected order id %s", order.ID)
	}
	if conversation.Draft.PendingOrderID != "ord_sess1" {
		t.Fatalf("expected pending order id, got %q", conversation.Draft.PendingOrderID)
	}
	if conversation.State != StateConfirmingPayment {
		t.Fatalf("expected conversation to await payment, got %s", conversation.State)
	}

	if len(orders.created) != 1 {
		t.Fatalf("expected one created order, got %d", len(orders.created))
	}
	cmd := orders.created[0]
	if cmd.OwnerID != "tg_77" {
		t.Fatalf("unexpected owner %s", cmd.OwnerID)
	}
	if len(cmd.Photos) != 2 {
		t.Fatalf("expected 2 photos, got %d", len(cmd.Photos))
	}
	if cmd.Script != "A sunny day at the park." {
		t.Fatalf("unexpected script %q", cmd.Script)
	}
	if cmd.AmountMinor != 150 || cmd.Currency != "xtr" {
		t.Fatalf("unexpected price %d %s", cmd.AmountMinor, cmd.Currency)
	}
	if cmd.Recipient.ChatID != 77 || cmd.Recipient.Language != "en" {
		t.Fatalf("unexpected recipient %+v", cmd.Recipient)
	}

	conversation, err = engine.CompletePayment(ctx, 77)
	if err != nil {
		t.Fatalf("complete payment: %v", err)
	}
	if conversation.State != StateMenu {
		t.Fatalf("expected menu state, got %s", conversation.State)
	}
	if len(conversation.Draft.PhotoKeys) != 0 || conversation.Draft.PendingOrderID != "" {
		t.Fatalf("expected cleared draft, got %+v", conversation.Draft)
	}
}

func TestEnginePhotoLimit(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, &stubOrders{nextID: "ord_x"})
	ctx := context.Background()

	if _, err := engine.StartOrder(ctx, 5, "en"); err != nil {
		t.Fatalf("start order: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := engine.AddPhoto(ctx, 5, "k"+strings.Repeat("e", i+1)); err != nil {
			t.Fatalf("add photo %d: %v", i, err)
		}
	}

	conversation, err := engine.AddPhoto(ctx, 5, "overflow")
	if !errors.Is(err, ErrMaxPhotosExceeded) {
		t.Fatalf("expected ErrMaxPhotosExceeded, got %v", err)
	}
	if conversation == nil || conversation.State != StateUploadingPhotos {
		t.Fatalf("expected state preserved, got %+v", conversation)
	}
	if stored := store.sessions[5]; len(stored.Draft.PhotoKeys) != 3 {
		t.Fatalf("expected draft untouched, got %d photos", len(stored.Draft.PhotoKeys))
	}
}

func TestEngineUnexpectedInput(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, &stubOrders{nextID: "ord_x"})
	ctx := context.Background()

	if _, err := engine.Resume(ctx, 9, "en"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	cases := []struct {
		name string
		call func() error
	}{
		{"photo before start", func() error { _, err := engine.AddPhoto(ctx, 9, "key"); return err }},
		{"script before photos", func() error { _, err := engine.SetScript(ctx, 9, "text"); return err }},
		{"skip before photos", func() error { _, err := engine.SkipScript(ctx, 9); return err }},
		{"confirm before summary", func() error { _, _, err := engine.Confirm(ctx, 9); return err }},
		{"finish before start", func() error { _, err := engine.FinishPhotos(ctx, 9); return err }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, ErrUnexpectedInput) {
				t.Fatalf("expected ErrUnexpectedInput, got %v", err)
			}
			if stored := store.sessions[9]; stored.State != StateStart {
				t.Fatalf("state changed to %s", stored.State)
			}
		})
	}
}

func TestEngineFinishRequiresPhotos(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, &stubOrders{nextID: "ord_x"})
	ctx := context.Background()

	if _, err := engine.StartOrder(ctx, 3, "en"); err != nil {
		t.Fatalf("start order: %v", err)
	}
	if _, err := engine.FinishPhotos(ctx, 3); !errors.Is(err, ErrEmptyDraft) {
		t.Fatalf("expected ErrEmptyDraft, got %v", err)
	}
	if stored := store.sessions[3]; stored.State != StateUploadingPhotos {
		t.Fatalf("expected state preserved, got %s", stored.State)
	}
}

func TestEngineScriptScreeningKeepsState(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, &stubOrders{nextID: "ord_x"})
	ctx := context.Background()

	if _, err := engine.StartOrder(ctx, 4, "en"); err != nil {
		t.Fatalf("start order: %v", err)
	}
	if _, err := engine.AddPhoto(ctx, 4, "p1"); err != nil {
		t.Fatalf("add photo: %v", err)
	}
	if _, err := engine.FinishPhotos(ctx, 4); err != nil {
		t.Fatalf("finish photos: %v", err)
	}

	if _, err := engine.SetScript(ctx, 4, `<script>alert(1)</script>`); !errors.Is(err, ErrScriptRejected) {
		t.Fatalf("expected ErrScriptRejected, got %v", err)
	}
	if _, err := engine.SetScript(ctx, 4, strings.Repeat("a", 1001)); !errors.Is(err, ErrScriptTooLong) {
		t.Fatalf("expected ErrScriptTooLong, got %v", err)
	}
	if stored := store.sessions[4]; stored.State != StateEnteringScript || stored.Draft.Script != "" {
		t.Fatalf("expected state preserved, got %+v", stored)
	}

	// The user can rephrase and continue.
	conversation, err := engine.SetScript(ctx, 4, "A quiet morning walk.")
	if err != nil {
		t.Fatalf("set script: %v", err)
	}
	if conversation.State != StateConfirmingPayment {
		t.Fatalf("expected confirming_payment, got %s", conversation.State)
	}
}

func TestEngineSkipScript(t *testing.T) {
	store := newMemoryStore()
	orders := &stubOrders{nextID: "ord_skip"}
	engine := newTestEngine(t, store, orders)
	ctx := context.Background()

	if _, err := engine.StartOrder(ctx, 6, "ru"); err != nil {
		t.Fatalf("start order: %v", err)
	}
	if _, err := engine.AddPhoto(ctx, 6, "p1"); err != nil {
		t.Fatalf("add photo: %v", err)
	}
	if _, err := engine.FinishPhotos(ctx, 6); err != nil {
		t.Fatalf("finish photos: %v", err)
	}
	if _, err := engine.SkipScript(ctx, 6); err != nil {
		t.Fatalf("skip script: %v", err)
	}

	order, _, err := engine.Confirm(ctx, 6)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if order.Script != "" {
		t.Fatalf("expected empty script, got %q", order.Script)
	}
}

func TestEngineConfirmIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	orders := &stubOrders{nextID: "ord_once"}
	engine := newTestEngine(t, store, orders)
	ctx := context.Background()

	if _, err := engine.StartOrder(ctx, 8, "en"); err != nil {
		t.Fatalf("start order: %v", err)
	}
	if _, err := engine.AddPhoto(ctx, 8, "p1"); err != nil {
		t.Fatalf("add photo: %v", err)
	}
	if _, err := engine.FinishPhotos(ctx, 8); err != nil {
		t.Fatalf("finish photos: %v", err)
	}
	if _, err := engine.SkipScript(ctx, 8); err != nil {
		t.Fatalf("skip script: %v", err)
	}

	first, _, err := engine.Confirm(ctx, 8)
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, _, err := engine.Confirm(ctx, 8)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same order, got %s and %s", first.ID, second.ID)
	}
	if len(orders.created) != 1 {
		t.Fatalf("expected single creation, got %d", len(orders.created))
	}
}

func TestEngineConfirmCreateFailure(t *testing.T) {
	store := newMemoryStore()
	orders := &stubOrders{createErr: services.ErrOrderInvalidInput}
	engine := newTestEngine(t, store, orders)
	ctx := context.Background()

	if _, err := engine.StartOrder(ctx, 2, "en"); err != nil {
		t.Fatalf("start order: %v", err)
	}
	if _, err := engine.AddPhoto(ctx, 2, "p1"); err != nil {
		t.Fatalf("add photo: %v", err)
	}
	if _, err := engine.FinishPhotos(ctx, 2); err != nil {
		t.Fatalf("finish photos: %v", err)
	}
	if _, err := engine.SkipScript(ctx, 2); err != nil {
		t.Fatalf("skip script: %v", err)
	}

	if _, _, err := engine.Confirm(ctx, 2); !errors.Is(err, services.ErrOrderInvalidInput) {
		t.Fatalf("expected creation error, got %v", err)
	}
	if stored := store.sessions[2]; stored.Draft.PendingOrderID != "" {
		t.Fatalf("expected no pending order, got %q", stored.Draft.PendingOrderID)
	}
}

func TestEngineStartOrderDiscardsDraft(t *testing.T) {
	store := newMemoryStore()
	engine := newTestEngine(t, store, &stubOrders{nextID: "ord_x"})
	ctx := context.Background()

	if _, err := engine.StartOrder(ctx, 1, "en"); err != nil {
		t.Fatalf("start order: %v", err)
	}
	if _, err := engine.AddPhoto(ctx, 1, "p1"); err != nil {
		t.Fatalf("add photo: %v", err)
	}

	conversation, err := engine.StartOrder(ctx, 1, "")
	if err != nil {
		t.Fatalf("restart order: %v", err)
	}
	if len(conversation.Draft.PhotoKeys) != 0 {
		t.Fatalf("expected fresh draft, got %+v", conversation.Draft)
	}
	if conversation.Language != "en" {
		t.Fatalf("expected language preserved, got %q", conversation.Language)
	}
}

package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/payments"
	"github.com/pawreel/api/internal/services"
	"github.com/pawreel/api/internal/session"
)

type stubSender struct {
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
}

func (s *stubSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.sent = append(s.sent, c)
	return tgbotapi.Message{}, nil
}

func (s *stubSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	s.requests = append(s.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (s *stubSender) lastText(t *testing.T) string {
	t.Helper()
	if len(s.sent) == 0 {
		t.Fatal("no messages sent")
	}
	msg, ok := s.sent[len(s.sent)-1].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("last chattable is %T, not a message", s.sent[len(s.sent)-1])
	}
	return msg.Text
}

type memoryStore struct {
	sessions map[int64]session.Conversation
}

func newMemoryStore() *memoryStore {
	return &memoryStore{sessions: make(map[int64]session.Conversation)}
}

func (m *memoryStore) Fetch(ctx context.Context, userID int64) (*session.Conversation, error) {
	stored, ok := m.sessions[userID]
	if !ok {
		return nil, nil
	}
	copied := stored
	copied.Draft.PhotoKeys = append([]string(nil), stored.Draft.PhotoKeys...)
	return &copied, nil
}

func (m *memoryStore) Save(ctx context.Context, conversation *session.Conversation) error {
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
	nextID  string
	created []services.CreateOrderCommand
	orders  map[string]domain.Order
}

func (s *stubOrders) Create(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
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

type stubReconciliation struct {
	applied     []services.PaymentOutcome
	applyErr    error
	validated   []services.ValidateStarsCommand
	validateErr error
}

func (s *stubReconciliation) Apply(ctx context.Context, outcome services.PaymentOutcome) (services.Order, error) {
	s.applied = append(s.applied, outcome)
	if s.applyErr != nil {
		return services.Order{}, s.applyErr
	}
	return services.Order{ID: outcome.OrderID, Status: domain.OrderStatusPaid, PaymentStatus: domain.PaymentStatusPaid}, nil
}

func (s *stubReconciliation) Fail(ctx context.Context, failure services.PaymentFailure) (services.Order, error) {
	return services.Order{}, nil
}

func (s *stubReconciliation) ValidateStarsConfirmation(ctx context.Context, cmd services.ValidateStarsCommand) (services.Order, error) {
	s.validated = append(s.validated, cmd)
	if s.validateErr != nil {
		return services.Order{}, s.validateErr
	}
	return services.Order{ID: cmd.ConfirmingOrderID}, nil
}

type stubQueue struct {
	estimate services.QueueEstimate
}

func (s *stubQueue) Estimate(ctx context.Context) (services.QueueEstimate, error) {
	return s.estimate, nil
}

type fixture struct {
	bot            *Bot
	api            *stubSender
	orders         *stubOrders
	reconciliation *stubReconciliation
	stars          *payments.StarsAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	at, err := time.Parse(time.RFC3339, "2026-03-01T10:00:00Z")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	clock := func() time.Time { return at }

	orders := &stubOrders{nextID: "ord_bot1"}
	engine, err := session.NewEngine(session.EngineDeps{
		Sessions:   newMemoryStore(),
		Orders:     orders,
		MaxPhotos:  3,
		PriceMinor: 150,
		Currency:   "xtr",
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	api := &stubSender{}
	reconciliation := &stubReconciliation{}
	stars := payments.NewStarsAdapter(payments.WithStarsClock(clock))

	b, err := New(Deps{
		API:            api,
		Sessions:       engine,
		Reconciliation: reconciliation,
		Stars:          stars,
		Queue:          &stubQueue{estimate: services.QueueEstimate{PendingOrders: 2, MinutesPerItem: 30, TotalMinutes: 60}},
	})
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	return &fixture{bot: b, api: api, orders: orders, reconciliation: reconciliation, stars: stars}
}

func commandUpdate(userID int64, command string) tgbotapi.Update {
	text := "/" + command
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID, LanguageCode: "en"},
		Chat:     &tgbotapi.Chat{ID: userID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func textUpdate(userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID, LanguageCode: "en"},
		Chat: &tgbotapi.Chat{ID: userID},
		Text: text,
	}}
}

func photoUpdate(userID int64, fileID string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID, LanguageCode: "en"},
		Chat: &tgbotapi.Chat{ID: userID},
		Photo: []tgbotapi.PhotoSize{
			{FileID: fileID + "_small"},
			{FileID: fileID},
		},
	}}
}

func (f *fixture) run(t *testing.T, updates ...tgbotapi.Update) {
	t.Helper()
	for _, update := range updates {
		if err := f.bot.HandleUpdate(context.Background(), update); err != nil {
			t.Fatalf("handle update: %v", err)
		}
	}
}

func TestBotOrderCreationFlow(t *testing.T) {
	f := newFixture(t)

	f.run(t,
		commandUpdate(77, "start"),
		commandUpdate(77, "new"),
		photoUpdate(77, "photo_1"),
		photoUpdate(77, "photo_2"),
		commandUpdate(77, "done"),
		textUpdate(77, "A day at the beach."),
	)
	if got := f.api.lastText(t); !strings.Contains(got, "/pay") {
		t.Fatalf("expected summary with /pay prompt, got %q", got)
	}

	f.run(t, commandUpdate(77, "pay"))

	last := f.api.sent[len(f.api.sent)-1]
	invoice, ok := last.(tgbotapi.InvoiceConfig)
	if !ok {
		t.Fatalf("expected invoice, got %T", last)
	}
	if invoice.Currency != payments.StarsCurrency {
		t.Fatalf("unexpected currency %s", invoice.Currency)
	}
	if len(invoice.Prices) != 1 || invoice.Prices[0].Amount != 150 {
		t.Fatalf("unexpected prices %+v", invoice.Prices)
	}
	payload, err := f.stars.DecodePayload(invoice.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.OrderID != "ord_bot1" {
		t.Fatalf("unexpected payload order %s", payload.OrderID)
	}

	if len(f.orders.created) != 1 {
		t.Fatalf("expected one order, got %d", len(f.orders.created))
	}
	cmd := f.orders.created[0]
	if len(cmd.Photos) != 2 || cmd.Photos[0] != "photo_1" {
		t.Fatalf("unexpected photos %+v", cmd.Photos)
	}
	if cmd.Script != "A day at the beach." {
		t.Fatalf("unexpected script %q", cmd.Script)
	}

	// Paying again reuses the pending order instead of creating a new one.
	f.run(t, commandUpdate(77, "pay"))
	if len(f.orders.created) != 1 {
		t.Fatalf("expected no duplicate order, got %d", len(f.orders.created))
	}
}

func TestBotIgnoresUnexpectedInput(t *testing.T) {
	f := newFixture(t)

	f.run(t, commandUpdate(12, "start"))
	sent := len(f.api.sent)

	f.run(t,
		textUpdate(12, "random chatter"),
		photoUpdate(12, "stray_photo"),
	)
	if len(f.api.sent) != sent {
		t.Fatalf("expected no replies to unexpected input, got %d new", len(f.api.sent)-sent)
	}
}

func TestBotPhotoLimit(t *testing.T) {
	f := newFixture(t)

	f.run(t,
		commandUpdate(5, "new"),
		photoUpdate(5, "p1"),
		photoUpdate(5, "p2"),
		photoUpdate(5, "p3"),
		photoUpdate(5, "p4"),
	)
	if got := f.api.lastText(t); got != msgTooManyPhotos {
		t.Fatalf("expected photo limit message, got %q", got)
	}
}

func TestBotScriptRejection(t *testing.T) {
	f := newFixture(t)

	f.run(t,
		commandUpdate(6, "new"),
		photoUpdate(6, "p1"),
		commandUpdate(6, "done"),
		textUpdate(6, "<script>alert(1)</script>"),
	)
	if got := f.api.lastText(t); got != msgScriptRejected {
		t.Fatalf("expected rejection message, got %q", got)
	}

	// The conversation stays in script entry; a clean script still works.
	f.run(t, textUpdate(6, "A quiet walk."))
	if got := f.api.lastText(t); !strings.Contains(got, "/pay") {
		t.Fatalf("expected summary after retry, got %q", got)
	}
}

func TestBotPreCheckoutAccepted(t *testing.T) {
	f := newFixture(t)

	f.run(t,
		commandUpdate(8, "new"),
		photoUpdate(8, "p1"),
		commandUpdate(8, "done"),
		commandUpdate(8, "skip"),
		commandUpdate(8, "pay"),
	)

	payload, err := f.stars.EncodePayload("ord_bot1")
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	f.run(t, tgbotapi.Update{PreCheckoutQuery: &tgbotapi.PreCheckoutQuery{
		ID:             "pcq_1",
		From:           &tgbotapi.User{ID: 8, LanguageCode: "en"},
		Currency:       payments.StarsCurrency,
		TotalAmount:    150,
		InvoicePayload: payload,
	}})

	if len(f.api.requests) != 1 {
		t.Fatalf("expected one answer, got %d", len(f.api.requests))
	}
	answer, ok := f.api.requests[0].(tgbotapi.PreCheckoutConfig)
	if !ok {
		t.Fatalf("expected pre-checkout answer, got %T", f.api.requests[0])
	}
	if !answer.OK || answer.ErrorMessage != "" {
		t.Fatalf("expected acceptance, got %+v", answer)
	}
	if len(f.reconciliation.validated) != 1 {
		t.Fatalf("expected one validation, got %d", len(f.reconciliation.validated))
	}
	validated := f.reconciliation.validated[0]
	if validated.ConfirmingOrderID != "ord_bot1" || validated.PayloadOrderID != "ord_bot1" {
		t.Fatalf("unexpected validation %+v", validated)
	}
}

func TestBotPreCheckoutRejections(t *testing.T) {
	cases := []struct {
		name        string
		validateErr error
		wantPart    string
	}{
		{"already paid", services.ErrAlreadyPaid, "already paid"},
		{"order missing", services.ErrOrderNotFound, "could not find"},
		{"payload mismatch", payments.ErrPayloadInvalid, "no longer valid"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.reconciliation.validateErr = tc.validateErr

			payload, err := f.stars.EncodePayload("ord_bot1")
			if err != nil {
				t.Fatalf("encode payload: %v", err)
			}
			f.run(t, tgbotapi.Update{PreCheckoutQuery: &tgbotapi.PreCheckoutQuery{
				ID:             "pcq_2",
				From:           &tgbotapi.User{ID: 9, LanguageCode: "en"},
				InvoicePayload: payload,
			}})

			answer, ok := f.api.requests[0].(tgbotapi.PreCheckoutConfig)
			if !ok {
				t.Fatalf("expected pre-checkout answer, got %T", f.api.requests[0])
			}
			if answer.OK {
				t.Fatal("expected rejection")
			}
			if !strings.Contains(answer.ErrorMessage, tc.wantPart) {
				t.Fatalf("expected %q in %q", tc.wantPart, answer.ErrorMessage)
			}
		})
	}
}

func TestBotPreCheckoutExpiredPayload(t *testing.T) {
	f := newFixture(t)

	stale := payments.NewStarsAdapter(payments.WithStarsClock(func() time.Time {
		return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	}))
	payload, err := stale.EncodePayload("ord_bot1")
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}

	f.run(t, tgbotapi.Update{PreCheckoutQuery: &tgbotapi.PreCheckoutQuery{
		ID:             "pcq_3",
		From:           &tgbotapi.User{ID: 10},
		InvoicePayload: payload,
	}})

	answer := f.api.requests[0].(tgbotapi.PreCheckoutConfig)
	if answer.OK || !strings.Contains(answer.ErrorMessage, "expired") {
		t.Fatalf("expected expiry rejection, got %+v", answer)
	}
	if len(f.reconciliation.validated) != 0 {
		t.Fatal("expected no validation for an expired payload")
	}
}

func TestBotSuccessfulPayment(t *testing.T) {
	f := newFixture(t)

	f.run(t,
		commandUpdate(11, "new"),
		photoUpdate(11, "p1"),
		commandUpdate(11, "done"),
		commandUpdate(11, "skip"),
		commandUpdate(11, "pay"),
	)

	payload, err := f.stars.EncodePayload("ord_bot1")
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	f.run(t, tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 11, LanguageCode: "en"},
		Chat: &tgbotapi.Chat{ID: 11},
		SuccessfulPayment: &tgbotapi.SuccessfulPayment{
			Currency:                payments.StarsCurrency,
			TotalAmount:             150,
			InvoicePayload:          payload,
			TelegramPaymentChargeID: "charge_42",
		},
	}})

	if len(f.reconciliation.applied) != 1 {
		t.Fatalf("expected one applied outcome, got %d", len(f.reconciliation.applied))
	}
	outcome := f.reconciliation.applied[0]
	if outcome.OrderID != "ord_bot1" || outcome.ProviderReference != "charge_42" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Provider != domain.PaymentProviderChat || outcome.AmountMinor != 150 {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	if got := f.api.lastText(t); got != msgPaymentDone {
		t.Fatalf("expected completion message, got %q", got)
	}

	// The session is back at the menu with an empty draft.
	f.run(t, commandUpdate(11, "pay"))
	if got := f.api.lastText(t); got != msgHelp {
		t.Fatalf("expected help after reset, got %q", got)
	}
}

func TestBotQueueCommand(t *testing.T) {
	f := newFixture(t)

	f.run(t, commandUpdate(13, "queue"))
	got := f.api.lastText(t)
	if !strings.Contains(got, "2 orders") || !strings.Contains(got, "60 minutes") {
		t.Fatalf("unexpected queue reply %q", got)
	}
}

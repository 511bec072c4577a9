package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/services"
)

const defaultMaxDraftPhotos = 10

// orderCreator is the slice of the order service the engine needs: it only
// creates orders at checkout time and re-reads its own pending order.
type orderCreator interface {
	Create(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
}

// EngineDeps bundles collaborators for the conversation engine.
type EngineDeps struct {
	Sessions Store
	Orders   orderCreator
	Script   *ScriptPolicy
	// MaxPhotos caps the draft photo count. Zero applies the default.
	MaxPhotos int
	// PriceMinor and Currency fix the order price at confirmation time.
	PriceMinor int64
	Currency   string
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// Engine advances per-user conversations through photo collection, script
// entry, and payment confirmation. Unexpected input never mutates a draft:
// callers receive ErrUnexpectedInput and re-prompt.
type Engine struct {
	sessions   Store
	orders     orderCreator
	script     *ScriptPolicy
	maxPhotos  int
	priceMinor int64
	currency   string
	clock      func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewEngine constructs the conversation engine.
func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Sessions == nil {
		return nil, errors.New("session engine: store is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("session engine: order creator is required")
	}
	if deps.PriceMinor <= 0 {
		return nil, errors.New("session engine: price must be positive")
	}

	script := deps.Script
	if script == nil {
		script = NewScriptPolicy(0)
	}
	maxPhotos := deps.MaxPhotos
	if maxPhotos <= 0 {
		maxPhotos = defaultMaxDraftPhotos
	}
	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "xtr"
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Engine{
		sessions:   deps.Sessions,
		orders:     deps.Orders,
		script:     script,
		maxPhotos:  maxPhotos,
		priceMinor: deps.PriceMinor,
		currency:   currency,
		clock:      func() time.Time { return clock().UTC() },
		logger:     logger,
	}, nil
}

// Price reports the fixed price applied to orders at confirmation.
func (e *Engine) Price() (int64, string) {
	return e.priceMinor, e.currency
}

// Resume returns the user's active conversation, creating a fresh one in the
// start state on first contact.
func (e *Engine) Resume(ctx context.Context, userID int64, language string) (*Conversation, error) {
	conversation, err := e.sessions.Fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conversation != nil {
		return conversation, nil
	}

	now := e.clock()
	conversation = &Conversation{
		UserID:    userID,
		State:     StateStart,
		Language:  language,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.sessions.Save(ctx, conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// StartOrder begins a new draft regardless of the current state. Any
// previous draft is discarded.
func (e *Engine) StartOrder(ctx context.Context, userID int64, language string) (*Conversation, error) {
	conversation, err := e.Resume(ctx, userID, language)
	if err != nil {
		return nil, err
	}

	conversation.State = StateUploadingPhotos
	conversation.Draft = Draft{}
	if language != "" {
		conversation.Language = language
	}
	return e.save(ctx, conversation)
}

// AddPhoto appends a photo storage key to the draft. The conversation must
// be collecting photos; the draft is untouched when the limit is reached.
func (e *Engine) AddPhoto(ctx context.Context, userID int64, storageKey string) (*Conversation, error) {
	storageKey = strings.TrimSpace(storageKey)
	if storageKey == "" {
		return nil, ErrUnexpectedInput
	}

	conversation, err := e.require(ctx, userID, StateUploadingPhotos)
	if err != nil {
		return nil, err
	}
	if len(conversation.Draft.PhotoKeys) >= e.maxPhotos {
		return conversation, ErrMaxPhotosExceeded
	}

	conversation.Draft.PhotoKeys = append(conversation.Draft.PhotoKeys, storageKey)
	return e.save(ctx, conversation)
}

// FinishPhotos moves the conversation to script entry once at least one
// photo has been collected.
func (e *Engine) FinishPhotos(ctx context.Context, userID int64) (*Conversation, error) {
	conversation, err := e.require(ctx, userID, StateUploadingPhotos)
	if err != nil {
		return nil, err
	}
	if len(conversation.Draft.PhotoKeys) == 0 {
		return conversation, ErrEmptyDraft
	}

	conversation.State = StateEnteringScript
	return e.save(ctx, conversation)
}

// SetScript screens and records the narration script, then advances to
// payment confirmation. Screening failures leave the conversation unchanged.
func (e *Engine) SetScript(ctx context.Context, userID int64, raw string) (*Conversation, error) {
	conversation, err := e.require(ctx, userID, StateEnteringScript)
	if err != nil {
		return nil, err
	}

	cleaned, err := e.script.Clean(raw)
	if err != nil {
		return conversation, err
	}

	conversation.Draft.Script = cleaned
	conversation.State = StateConfirmingPayment
	return e.save(ctx, conversation)
}

// SkipScript advances to payment confirmation without narration.
func (e *Engine) SkipScript(ctx context.Context, userID int64) (*Conversation, error) {
	conversation, err := e.require(ctx, userID, StateEnteringScript)
	if err != nil {
		return nil, err
	}

	conversation.Draft.Script = ""
	conversation.State = StateConfirmingPayment
	return e.save(ctx, conversation)
}

// Confirm materializes the draft as an order in the created state and pins
// its id on the conversation. A second confirmation returns the pending
// order instead of creating another one.
func (e *Engine) Confirm(ctx context.Context, userID int64) (domain.Order, *Conversation, error) {
	conversation, err := e.require(ctx, userID, StateConfirmingPayment)
	if err != nil {
		return domain.Order{}, nil, err
	}

	if pending := conversation.Draft.PendingOrderID; pending != "" {
		order, err := e.orders.Get(ctx, pending)
		if err != nil {
			return domain.Order{}, conversation, err
		}
		return order, conversation, nil
	}

	order, err := e.orders.Create(ctx, services.CreateOrderCommand{
		OwnerID:     fmt.Sprintf("tg_%d", userID),
		Photos:      conversation.Draft.PhotoKeys,
		Script:      conversation.Draft.Script,
		AmountMinor: e.priceMinor,
		Currency:    e.currency,
		Recipient: domain.Recipient{
			ChatID:   userID,
			Language: conversation.Language,
		},
	})
	if err != nil {
		return domain.Order{}, conversation, err
	}

	conversation.Draft.PendingOrderID = order.ID
	conversation, err = e.save(ctx, conversation)
	if err != nil {
		return domain.Order{}, nil, err
	}

	e.logger(ctx, "session.order.created", map[string]any{
		"userId":  userID,
		"orderId": order.ID,
	})
	return order, conversation, nil
}

// CompletePayment resets the conversation to the menu after the pending
// order has been settled.
func (e *Engine) CompletePayment(ctx context.Context, userID int64) (*Conversation, error) {
	return e.toMenu(ctx, userID)
}

// Reset abandons the current draft and returns the user to the menu.
func (e *Engine) Reset(ctx context.Context, userID int64) (*Conversation, error) {
	return e.toMenu(ctx, userID)
}

func (e *Engine) toMenu(ctx context.Context, userID int64) (*Conversation, error) {
	conversation, err := e.sessions.Fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, ErrUnexpectedInput
	}

	conversation.State = StateMenu
	conversation.Draft = Draft{}
	return e.save(ctx, conversation)
}

func (e *Engine) require(ctx context.Context, userID int64, state State) (*Conversation, error) {
	conversation, err := e.sessions.Fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conversation == nil || conversation.State != state {
		return nil, ErrUnexpectedInput
	}
	return conversation, nil
}

func (e *Engine) save(ctx context.Context, conversation *Conversation) (*Conversation, error) {
	conversation.UpdatedAt = e.clock()
	if err := e.sessions.Save(ctx, conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

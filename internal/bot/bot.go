// Package bot drives the chat interface: it feeds Telegram updates into the
// conversation engine, issues Stars invoices for confirmed drafts, and hands
// settled payments to the reconciliation service.
package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/pawreel/api/internal/payments"
	"github.com/pawreel/api/internal/services"
	"github.com/pawreel/api/internal/session"
)

// sender is the slice of the Telegram client the bot uses. tgbotapi's
// BotAPI satisfies it.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Deps bundles collaborators for the bot.
type Deps struct {
	API            sender
	Sessions       *session.Engine
	Reconciliation services.ReconciliationService
	Stars          *payments.StarsAdapter
	Queue          services.QueueService
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

// Bot handles one Telegram update at a time. All state lives in the session
// store, so updates for different users are independent.
type Bot struct {
	api            sender
	sessions       *session.Engine
	reconciliation services.ReconciliationService
	stars          *payments.StarsAdapter
	queue          services.QueueService
	logger         func(ctx context.Context, event string, fields map[string]any)
}

// New constructs the bot.
func New(deps Deps) (*Bot, error) {
	if deps.API == nil {
		return nil, errors.New("bot: telegram api is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("bot: session engine is required")
	}
	if deps.Reconciliation == nil {
		return nil, errors.New("bot: reconciliation service is required")
	}
	if deps.Stars == nil {
		return nil, errors.New("bot: stars adapter is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("bot: queue service is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Bot{
		api:            deps.API,
		sessions:       deps.Sessions,
		reconciliation: deps.Reconciliation,
		stars:          deps.Stars,
		queue:          deps.Queue,
		logger:         logger,
	}, nil
}

// Run consumes updates until the context is cancelled. Handler errors are
// logged and never stop the loop.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := b.HandleUpdate(ctx, update); err != nil {
				b.logger(ctx, "bot.update.failed", map[string]any{
					"updateId": update.UpdateID,
					"error":    err.Error(),
				})
			}
		}
	}
}

// HandleUpdate dispatches a single Telegram update.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	switch {
	case update.PreCheckoutQuery != nil:
		return b.handlePreCheckout(ctx, update.PreCheckoutQuery)
	case update.Message != nil:
		return b.handleMessage(ctx, update.Message)
	default:
		return nil
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}
	if msg.SuccessfulPayment != nil {
		return b.handleSuccessfulPayment(ctx, msg)
	}

	userID := msg.From.ID
	chatID := msg.Chat.ID
	language := msg.From.LanguageCode

	if msg.IsCommand() {
		return b.handleCommand(ctx, msg, userID, chatID, language)
	}
	if len(msg.Photo) > 0 {
		return b.handlePhoto(ctx, msg, userID, chatID)
	}
	if msg.Text != "" {
		return b.handleScript(ctx, msg, userID, chatID)
	}
	return nil
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, userID, chatID int64, language string) error {
	switch msg.Command() {
	case "start":
		if _, err := b.sessions.Resume(ctx, userID, language); err != nil {
			return err
		}
		return b.reply(chatID, msgWelcome)

	case "new":
		if _, err := b.sessions.StartOrder(ctx, userID, language); err != nil {
			return err
		}
		return b.reply(chatID, msgSendPhotos)

	case "done":
		if _, err := b.sessions.FinishPhotos(ctx, userID); err != nil {
			switch {
			case errors.Is(err, session.ErrEmptyDraft):
				return b.reply(chatID, msgNeedPhotos)
			case errors.Is(err, session.ErrUnexpectedInput):
				return b.reply(chatID, msgHelp)
			default:
				return err
			}
		}
		return b.reply(chatID, msgAskScript)

	case "skip":
		conversation, err := b.sessions.SkipScript(ctx, userID)
		if err != nil {
			if errors.Is(err, session.ErrUnexpectedInput) {
				return b.reply(chatID, msgHelp)
			}
			return err
		}
		return b.reply(chatID, b.summary(conversation))

	case "pay":
		return b.handleConfirm(ctx, userID, chatID)

	case "cancel":
		if _, err := b.sessions.Reset(ctx, userID); err != nil {
			if errors.Is(err, session.ErrUnexpectedInput) {
				return b.reply(chatID, msgHelp)
			}
			return err
		}
		return b.reply(chatID, msgCancelled)

	case "queue":
		estimate, err := b.queue.Estimate(ctx)
		if err != nil {
			return err
		}
		return b.reply(chatID, fmt.Sprintf(msgQueue, estimate.PendingOrders, estimate.TotalMinutes))

	default:
		return b.reply(chatID, msgHelp)
	}
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message, userID, chatID int64) error {
	// Telegram lists photo sizes in ascending resolution; keep the largest.
	fileID := msg.Photo[len(msg.Photo)-1].FileID

	conversation, err := b.sessions.AddPhoto(ctx, userID, fileID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrMaxPhotosExceeded):
			return b.reply(chatID, msgTooManyPhotos)
		case errors.Is(err, session.ErrUnexpectedInput):
			return nil
		default:
			return err
		}
	}
	return b.reply(chatID, fmt.Sprintf(msgPhotoAdded, len(conversation.Draft.PhotoKeys)))
}

func (b *Bot) handleScript(ctx context.Context, msg *tgbotapi.Message, userID, chatID int64) error {
	conversation, err := b.sessions.SetScript(ctx, userID, msg.Text)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrScriptRejected):
			return b.reply(chatID, msgScriptRejected)
		case errors.Is(err, session.ErrScriptTooLong):
			return b.reply(chatID, msgScriptTooLong)
		case errors.Is(err, session.ErrUnexpectedInput):
			return nil
		default:
			return err
		}
	}
	return b.reply(chatID, b.summary(conversation))
}

func (b *Bot) handleConfirm(ctx context.Context, userID, chatID int64) error {
	order, _, err := b.sessions.Confirm(ctx, userID)
	if err != nil {
		if errors.Is(err, session.ErrUnexpectedInput) {
			return b.reply(chatID, msgHelp)
		}
		return err
	}

	payload, err := b.stars.EncodePayload(order.ID)
	if err != nil {
		return err
	}

	invoice := tgbotapi.NewInvoice(chatID,
		invoiceTitle,
		invoiceDescription,
		payload,
		"", // Stars invoices carry no provider token
		"",
		payments.StarsCurrency,
		[]tgbotapi.LabeledPrice{{Label: invoiceTitle, Amount: int(order.AmountMinor)}},
	)
	if _, err := b.api.Send(invoice); err != nil {
		return fmt.Errorf("bot: send invoice for %s: %w", order.ID, err)
	}

	b.logger(ctx, "bot.invoice.sent", map[string]any{
		"userId":  userID,
		"orderId": order.ID,
	})
	return nil
}

func (b *Bot) handlePreCheckout(ctx context.Context, query *tgbotapi.PreCheckoutQuery) error {
	answer := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: query.ID}

	payload, err := b.stars.DecodePayload(query.InvoicePayload)
	if err != nil {
		answer.ErrorMessage = precheckoutMessage(err)
		b.logger(ctx, "bot.precheckout.rejected", map[string]any{
			"queryId": query.ID,
			"error":   err.Error(),
		})
		_, reqErr := b.api.Request(answer)
		return reqErr
	}

	confirming := payload.OrderID
	if query.From != nil {
		conversation, err := b.sessions.Resume(ctx, query.From.ID, query.From.LanguageCode)
		if err != nil {
			return err
		}
		if pending := conversation.Draft.PendingOrderID; pending != "" {
			confirming = pending
		}
	}

	if _, err := b.reconciliation.ValidateStarsConfirmation(ctx, services.ValidateStarsCommand{
		ConfirmingOrderID: confirming,
		PayloadOrderID:    payload.OrderID,
	}); err != nil {
		answer.ErrorMessage = precheckoutMessage(err)
		b.logger(ctx, "bot.precheckout.rejected", map[string]any{
			"queryId": query.ID,
			"orderId": payload.OrderID,
			"error":   err.Error(),
		})
		_, reqErr := b.api.Request(answer)
		return reqErr
	}

	answer.OK = true
	_, err = b.api.Request(answer)
	return err
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) error {
	payment := msg.SuccessfulPayment
	chatID := msg.Chat.ID
	userID := msg.From.ID

	outcome, err := b.stars.Outcome(payment.InvoicePayload, payment.TelegramPaymentChargeID, int64(payment.TotalAmount))
	if err != nil {
		b.logger(ctx, "bot.payment.payload.invalid", map[string]any{
			"userId": userID,
			"error":  err.Error(),
		})
		return b.reply(chatID, msgPaymentProblem)
	}

	if _, err := b.reconciliation.Apply(ctx, outcome); err != nil {
		if errors.Is(err, services.ErrOrderNotFound) {
			// Logged by the reconciliation service; nothing for the user to fix.
			return b.reply(chatID, msgPaymentProblem)
		}
		return err
	}

	if _, err := b.sessions.CompletePayment(ctx, userID); err != nil && !errors.Is(err, session.ErrUnexpectedInput) {
		return err
	}
	return b.reply(chatID, msgPaymentDone)
}

func (b *Bot) summary(conversation *session.Conversation) string {
	amount, currency := b.sessions.Price()
	script := "no script"
	if conversation.Draft.Script != "" {
		script = "with script"
	}
	return fmt.Sprintf(msgSummary, len(conversation.Draft.PhotoKeys), script, amount, currency)
}

func (b *Bot) reply(chatID int64, text string) error {
	_, err := b.api.Send(tgbotapi.NewMessage(chatID, text))
	return err
}

func precheckoutMessage(err error) string {
	switch {
	case errors.Is(err, payments.ErrPaymentExpired):
		return "This invoice has expired. Start over with /new."
	case errors.Is(err, services.ErrAlreadyPaid):
		return "This order is already paid."
	case errors.Is(err, services.ErrOrderNotFound):
		return "We could not find this order. Start over with /new."
	default:
		return "This invoice is no longer valid. Start over with /new."
	}
}

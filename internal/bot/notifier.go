package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	domain "github.com/pawreel/api/internal/domain"
	"github.com/pawreel/api/internal/services"
)

// StatusNotifier delivers lifecycle updates to order owners over Telegram.
// Orders without a chat recipient are skipped silently.
type StatusNotifier struct {
	api sender
}

// NewStatusNotifier constructs the Telegram status notifier.
func NewStatusNotifier(api sender) (*StatusNotifier, error) {
	if api == nil {
		return nil, fmt.Errorf("bot: notifier requires a telegram api client")
	}
	return &StatusNotifier{api: api}, nil
}

var _ services.StatusNotifier = (*StatusNotifier)(nil)

// NotifyStatusChange sends a short human message describing the transition.
func (n *StatusNotifier) NotifyStatusChange(_ context.Context, change services.StatusChange) error {
	if change.Recipient.ChatID == 0 {
		return nil
	}
	text := statusMessage(change.NewStatus)
	if text == "" {
		return nil
	}
	if _, err := n.api.Send(tgbotapi.NewMessage(change.Recipient.ChatID, text)); err != nil {
		return fmt.Errorf("bot: notify order %s: %w", change.OrderID, err)
	}
	return nil
}

func statusMessage(status domain.OrderStatus) string {
	switch status {
	case domain.OrderStatusPaid:
		return msgStatusPaid
	case domain.OrderStatusInProgress:
		return msgStatusInProgress
	case domain.OrderStatusCompleted:
		return msgStatusCompleted
	case domain.OrderStatusCancelled:
		return msgStatusCancelled
	default:
		return ""
	}
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/pawreel/api/internal/services"
)

// PubSubOrderEventPublisher publishes order lifecycle events to Pub/Sub topics.
type PubSubOrderEventPublisher struct {
	statusTopic     *pubsub.Topic
	productionTopic *pubsub.Topic
	marshal         func(any) ([]byte, error)
}

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
// The production topic is optional; status changes always require a topic.
func NewPubSubOrderEventPublisher(statusTopic, productionTopic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if statusTopic == nil {
		return nil, errors.New("pubsub order event publisher: status topic is required")
	}
	return &PubSubOrderEventPublisher{
		statusTopic:     statusTopic,
		productionTopic: productionTopic,
		marshal:         json.Marshal,
	}, nil
}

// PublishStatusChange emits a status-changed event on the status topic.
func (p *PubSubOrderEventPublisher) PublishStatusChange(ctx context.Context, message services.StatusEventMessage) (string, error) {
	if p == nil || p.statusTopic == nil {
		return "", errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal status event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "oldStatus", message.OldStatus)
	setAttr(attrs, "newStatus", message.NewStatus)
	if message.ChatID != 0 {
		attrs["chatId"] = strconv.FormatInt(message.ChatID, 10)
	}

	result := p.statusTopic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish status event: %w", err)
	}
	return id, nil
}

// PublishProductionJob enqueues a video production job message.
func (p *PubSubOrderEventPublisher) PublishProductionJob(ctx context.Context, message services.ProductionJobMessage) (string, error) {
	if p == nil || p.productionTopic == nil {
		return "", errors.New("pubsub order event publisher: production topic is not configured")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal production job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "ownerId", message.OwnerID)
	if key := strings.TrimSpace(message.IdempotencyKey); key != "" {
		attrs["idempotencyKey"] = key
	}

	result := p.productionTopic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish production job: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

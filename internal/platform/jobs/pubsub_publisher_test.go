package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pawreel/api/internal/services"
)

func newTestTopic(t *testing.T, srv *pstest.Server, name string) *pubsub.Topic {
	t.Helper()
	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	topic, err := client.CreateTopic(ctx, name)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return topic
}

func TestPubSubOrderEventPublisherPublishesStatusChange(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	topic := newTestTopic(t, srv, "order-events")

	publisher, err := NewPubSubOrderEventPublisher(topic, nil)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	occurredAt := time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC)
	msg := services.StatusEventMessage{
		OrderID:    "ord_test",
		OldStatus:  "paid",
		NewStatus:  "in_progress",
		ChatID:     99123,
		OccurredAt: occurredAt,
	}

	if _, err := publisher.PublishStatusChange(ctx, msg); err != nil {
		t.Fatalf("PublishStatusChange: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.StatusEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != msg.OrderID || payload.NewStatus != msg.NewStatus {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["chatId"]; attr != "99123" {
		t.Fatalf("expected chatId attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["newStatus"]; attr != "in_progress" {
		t.Fatalf("expected newStatus attribute, got %q", attr)
	}
}

func TestPubSubOrderEventPublisherPublishesProductionJob(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	statusTopic := newTestTopic(t, srv, "order-events")
	productionTopic := newTestTopic(t, srv, "production-jobs")

	publisher, err := NewPubSubOrderEventPublisher(statusTopic, productionTopic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	msg := services.ProductionJobMessage{
		OrderID:        "ord_test",
		OwnerID:        "usr_test",
		Photos:         []string{"orders/ord_test/photos/u1/pet.png"},
		Script:         "a day at the beach",
		QueuedAt:       time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC),
		IdempotencyKey: "idem-123",
	}

	if _, err := publisher.PublishProductionJob(ctx, msg); err != nil {
		t.Fatalf("PublishProductionJob: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if attr := messages[0].Attributes["idempotencyKey"]; attr != "idem-123" {
		t.Fatalf("expected idempotency key attribute, got %q", attr)
	}

	var payload services.ProductionJobMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != msg.OrderID || payload.Script != msg.Script {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestPubSubOrderEventPublisherRequiresProductionTopic(t *testing.T) {
	srv := pstest.NewServer()
	defer srv.Close()

	topic := newTestTopic(t, srv, "order-events")
	publisher, err := NewPubSubOrderEventPublisher(topic, nil)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	if _, err := publisher.PublishProductionJob(context.Background(), services.ProductionJobMessage{OrderID: "ord"}); err == nil {
		t.Fatalf("expected error when production topic is missing")
	}
}

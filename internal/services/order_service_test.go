package services

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/repositories/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderCreatedEvent
	err    error
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, event OrderCreatedEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, event)
	return "msg-1", nil
}

func newTestOrderService(t *testing.T, repo *memory.OrderRepository, events OrderEventPublisher, logger func(context.Context, string, map[string]any)) *OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      repo,
		Events:      events,
		Clock:       func() time.Time { return time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC) },
		IDGenerator: func() string { return "order-1" },
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func TestOrderServiceSaveSanitisesDocument(t *testing.T) {
	repo := memory.NewOrderRepository()
	publisher := &recordingPublisher{}
	svc := newTestOrderService(t, repo, publisher, nil)

	nan := math.NaN()
	userID := "user-9"
	id, err := svc.Save(context.Background(), domain.OrderRecord{
		UserDetails: domain.BuyerDetails{
			FullName: " <b>Ada</b> Obi ",
			Phone:    "0800",
			Email:    "Ada@Example.COM",
			Address:  "1 Marina <script>alert(1)</script>Road",
		},
		Items: []domain.OrderItem{
			{ProductID: "v1", Price: &nan, Quantity: 0},
		},
		Total:            12.5,
		Currency:         domain.CurrencyUSD,
		PaymentReference: "ref123",
		Provider:         "fake",
		SessionID:        "sess-1",
		UserID:           &userID,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id != "order-1" {
		t.Fatalf("expected generated id, got %s", id)
	}

	doc, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := doc["id"]; ok {
		t.Fatalf("id must not be stored in the document body")
	}
	if doc["paymentReference"] != "ref123" || doc["currency"] != "USD" || doc["userId"] != "user-9" {
		t.Fatalf("unexpected document %v", doc)
	}
	if doc["createdAt"] != time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC) {
		t.Fatalf("expected clock timestamp, got %v", doc["createdAt"])
	}

	buyer := doc["userDetails"].(map[string]any)
	if buyer["fullName"] != "Ada Obi" || buyer["email"] != "ada@example.com" || buyer["address"] != "1 Marina Road" {
		t.Fatalf("unexpected buyer %v", buyer)
	}

	items := doc["items"].([]any)
	item := items[0].(map[string]any)
	if item["title"] != "" || item["price"] != 0.0 || item["quantity"] != int64(1) || item["currency"] != "NGN" {
		t.Fatalf("unexpected item %v", item)
	}
	image, present := item["imagePath"]
	if !present || image != nil {
		t.Fatalf("expected imagePath present and nil, got %v %v", image, present)
	}

	if len(publisher.events) != 1 {
		t.Fatalf("expected one event, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	if event.OrderID != "order-1" || event.UserID != "user-9" || event.ItemCount != 1 || event.Total != 12.5 {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestOrderServiceSaveReturnsStoreError(t *testing.T) {
	repo := memory.NewOrderRepository()
	storeErr := errors.New("firestore unavailable")
	repo.FailWith(storeErr)
	publisher := &recordingPublisher{}
	recorder := &eventRecorder{}
	svc := newTestOrderService(t, repo, publisher, recorder.log)

	_, err := svc.Save(context.Background(), domain.OrderRecord{PaymentReference: "ref1"})
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(repo.All()) != 0 || len(publisher.events) != 0 {
		t.Fatalf("expected nothing stored or published")
	}
	if !recorder.has("order.append.failed") {
		t.Fatalf("expected failure to be logged")
	}
}

func TestOrderServicePublishFailureIsNotFatal(t *testing.T) {
	repo := memory.NewOrderRepository()
	recorder := &eventRecorder{}
	svc := newTestOrderService(t, repo, &recordingPublisher{err: errors.New("pubsub down")}, recorder.log)

	id, err := svc.Save(context.Background(), domain.OrderRecord{PaymentReference: "ref1"})
	if err != nil {
		t.Fatalf("expected save to succeed, got %v", err)
	}
	if _, err := repo.Get(context.Background(), id); err != nil {
		t.Fatalf("expected stored order: %v", err)
	}
	if !recorder.has("order.event.publish_failed") {
		t.Fatalf("expected publish failure to be logged")
	}
}

func TestNewOrderServiceRequiresRepository(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatalf("expected error")
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/platform/document"
	"github.com/threadline/storefront/internal/repositories"
)

// OrderCreatedEvent is published after an order document has been written.
type OrderCreatedEvent struct {
	OrderID          string              `json:"orderId"`
	SessionID        string              `json:"sessionId"`
	UserID           string              `json:"userId,omitempty"`
	PaymentReference string              `json:"paymentReference"`
	Provider         string              `json:"provider"`
	Total            float64             `json:"total"`
	Currency         domain.CurrencyCode `json:"currency"`
	ItemCount        int                 `json:"itemCount"`
	CreatedAt        time.Time           `json:"createdAt"`
}

// OrderEventPublisher announces new orders to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderCreated(ctx context.Context, event OrderCreatedEvent) (string, error)
}

// OrderSaver persists a paid order and returns its identifier.
type OrderSaver interface {
	Save(ctx context.Context, order domain.OrderRecord) (string, error)
}

// OrderServiceDeps wires the repository and optional event publisher.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

// OrderService writes order records append-only.
type OrderService struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	now    func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
	policy *bluemonday.Policy
}

var _ OrderSaver = (*OrderService)(nil)

// NewOrderService constructs an OrderService enforcing dependency validation.
func NewOrderService(deps OrderServiceDeps) (*OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: repository is required")
	}
	svc := &OrderService{
		orders: deps.Orders,
		events: deps.Events,
		now:    deps.Clock,
		newID:  deps.IDGenerator,
		logger: deps.Logger,
		policy: bluemonday.StrictPolicy(),
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.newID == nil {
		svc.newID = func() string { return ulid.Make().String() }
	}
	if svc.logger == nil {
		svc.logger = func(context.Context, string, map[string]any) {}
	}
	return svc, nil
}

// Save normalises order, reduces it to store-representable values and appends it under a new
// identifier. Store failures are returned unchanged in meaning; nothing is retried.
func (s *OrderService) Save(ctx context.Context, order domain.OrderRecord) (string, error) {
	order.ID = s.newID()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.now()
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UserDetails = s.cleanBuyer(order.UserDetails)
	order.Items = normalizeOrderItems(order.Items)

	doc, ok := document.Sanitize(order).(map[string]any)
	if !ok {
		return "", errors.New("order service: order did not encode to a document")
	}
	if err := s.orders.Append(ctx, order.ID, doc); err != nil {
		s.logger(ctx, "order.append.failed", map[string]any{
			"orderId":          order.ID,
			"paymentReference": order.PaymentReference,
			"error":            err.Error(),
		})
		return "", fmt.Errorf("order service: append order %s: %w", order.ID, err)
	}
	s.logger(ctx, "order.created", map[string]any{
		"orderId":          order.ID,
		"paymentReference": order.PaymentReference,
		"total":            order.Total,
		"currency":         string(order.Currency),
	})
	s.publish(ctx, order)
	return order.ID, nil
}

func (s *OrderService) publish(ctx context.Context, order domain.OrderRecord) {
	if s.events == nil {
		return
	}
	event := OrderCreatedEvent{
		OrderID:          order.ID,
		SessionID:        order.SessionID,
		PaymentReference: order.PaymentReference,
		Provider:         order.Provider,
		Total:            order.Total,
		Currency:         order.Currency,
		ItemCount:        len(order.Items),
		CreatedAt:        order.CreatedAt,
	}
	if order.UserID != nil {
		event.UserID = *order.UserID
	}
	if _, err := s.events.PublishOrderCreated(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish_failed", map[string]any{"orderId": order.ID, "error": err.Error()})
	}
}

func (s *OrderService) cleanBuyer(details domain.BuyerDetails) domain.BuyerDetails {
	clean := func(v string) string {
		return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(strings.TrimSpace(v))))
	}
	return domain.BuyerDetails{
		FullName: clean(details.FullName),
		Phone:    clean(details.Phone),
		Email:    strings.ToLower(clean(details.Email)),
		Address:  clean(details.Address),
	}
}

// normalizeOrderItems fills safe defaults: an empty title, a zero price for missing or
// non-finite prices, a quantity of at least one and the base currency. A missing image
// stays nil.
func normalizeOrderItems(items []domain.OrderItem) []domain.OrderItem {
	out := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		if item.Title == nil {
			empty := ""
			item.Title = &empty
		}
		if item.Price == nil || math.IsNaN(*item.Price) || math.IsInf(*item.Price, 0) {
			zero := 0.0
			item.Price = &zero
		}
		if item.Quantity < 1 {
			item.Quantity = 1
		}
		if item.Currency == "" {
			item.Currency = domain.BaseCurrency
		}
		out = append(out, item)
	}
	return out
}

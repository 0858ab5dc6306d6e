package firestore

import (
	"context"
	"errors"
	"strings"

	pfirestore "github.com/threadline/storefront/internal/platform/firestore"
	"github.com/threadline/storefront/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository appends order documents to the orders collection.
type OrderRepository struct {
	base *pfirestore.BaseRepository[map[string]any]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base: pfirestore.NewBaseRepository[map[string]any](provider, orderCollection, nil, pfirestore.MapDecoder()),
	}, nil
}

// Append creates the order under id. An existing document with the same id is a conflict.
func (r *OrderRepository) Append(ctx context.Context, id string, doc map[string]any) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	if doc == nil {
		return errors.New("order repository: document is required")
	}
	return r.base.Create(ctx, id, doc)
}

// Get returns the stored order document.
func (r *OrderRepository) Get(ctx context.Context, id string) (map[string]any, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	return doc.Data, nil
}

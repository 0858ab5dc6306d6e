package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/platform/localstore"
)

// MaxLineQuantity caps the units held on a single cart line.
const MaxLineQuantity = 999

// AddToCart adds Quantity units of a product. When the product is not yet in the cart the new
// line is built from Variant. With Decrease set the quantity is reduced instead, never below
// one, and a missing product is left alone.
type AddToCart struct {
	ProductID string
	Quantity  int
	Variant   domain.CartLineItem
	Decrease  bool
}

// CartStore is one session's cart. Every mutation is written to the slot before it becomes
// visible, so a failed write leaves the previous contents in place.
type CartStore struct {
	mu     sync.Mutex
	items  []domain.CartLineItem
	slot   localstore.Slot[[]domain.CartLineItem]
	logger func(context.Context, string, map[string]any)
}

// OpenCartStore hydrates a cart from slot. A corrupt payload starts an empty cart.
func OpenCartStore(ctx context.Context, slot localstore.Slot[[]domain.CartLineItem], logger func(context.Context, string, map[string]any)) (*CartStore, error) {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	store := &CartStore{slot: slot, logger: logger}

	items, ok, err := slot.Load(ctx)
	switch {
	case errors.Is(err, localstore.ErrCorrupt):
		logger(ctx, "cart.hydrate.corrupt", map[string]any{"key": slot.Key(), "error": err.Error()})
	case err != nil:
		return nil, fmt.Errorf("cart: load %s: %w: %w", slot.Key(), ErrStorageUnavailable, err)
	case ok:
		repaired := repairItems(items)
		if len(repaired) != len(items) {
			logger(ctx, "cart.hydrate.repaired", map[string]any{"key": slot.Key(), "before": len(items), "after": len(repaired)})
		}
		store.items = repaired
	}
	return store, nil
}

// Items returns a copy of the current lines in insertion order.
func (c *CartStore) Items() []domain.CartLineItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneItems(c.items)
}

// Len reports the number of distinct lines.
func (c *CartStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Quantity reports the total number of units across all lines.
func (c *CartStore) Quantity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, item := range c.items {
		total += item.Quantity
	}
	return total
}

// Add applies cmd and returns the resulting lines.
func (c *CartStore) Add(ctx context.Context, cmd AddToCart) ([]domain.CartLineItem, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		productID = strings.TrimSpace(cmd.Variant.ProductID)
	}
	if productID == "" {
		return nil, fmt.Errorf("%w: %w", ErrCartInvalidItem, &ValidationError{Fields: map[string]string{"productId": "is required"}})
	}
	qty := cmd.Quantity
	if qty < 1 {
		qty = 1
	}
	if qty > MaxLineQuantity {
		return nil, fmt.Errorf("%w: %w", ErrCartInvalidItem, &ValidationError{Fields: map[string]string{
			"quantity": fmt.Sprintf("must be at most %d", MaxLineQuantity),
		}})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(productID)
	if idx < 0 {
		if cmd.Decrease {
			return cloneItems(c.items), nil
		}
		line, err := newLine(productID, qty, cmd.Variant)
		if err != nil {
			return nil, err
		}
		next := append(cloneItems(c.items), line)
		return c.commit(ctx, "add", next)
	}

	next := cloneItems(c.items)
	if cmd.Decrease {
		next[idx].Quantity = max(next[idx].Quantity-qty, 1)
	} else {
		next[idx].Quantity = min(next[idx].Quantity+qty, MaxLineQuantity)
	}
	if next[idx].Quantity == c.items[idx].Quantity {
		return cloneItems(c.items), nil
	}
	return c.commit(ctx, "add", next)
}

// Increase adds one unit to productID. Unknown products and full lines are ignored.
func (c *CartStore) Increase(ctx context.Context, productID string) ([]domain.CartLineItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexOf(strings.TrimSpace(productID))
	if idx < 0 || c.items[idx].Quantity >= MaxLineQuantity {
		return cloneItems(c.items), nil
	}
	next := cloneItems(c.items)
	next[idx].Quantity++
	return c.commit(ctx, "increase", next)
}

// Decrease removes one unit from productID while more than one remains.
func (c *CartStore) Decrease(ctx context.Context, productID string) ([]domain.CartLineItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexOf(strings.TrimSpace(productID))
	if idx < 0 || c.items[idx].Quantity <= 1 {
		return cloneItems(c.items), nil
	}
	next := cloneItems(c.items)
	next[idx].Quantity--
	return c.commit(ctx, "decrease", next)
}

// Remove deletes the line for productID whatever its quantity.
func (c *CartStore) Remove(ctx context.Context, productID string) ([]domain.CartLineItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.indexOf(strings.TrimSpace(productID))
	if idx < 0 {
		return cloneItems(c.items), nil
	}
	next := make([]domain.CartLineItem, 0, len(c.items)-1)
	next = append(next, c.items[:idx]...)
	next = append(next, c.items[idx+1:]...)
	return c.commit(ctx, "remove", next)
}

// Clear empties the cart.
func (c *CartStore) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.commit(ctx, "clear", []domain.CartLineItem{})
	return err
}

func (c *CartStore) commit(ctx context.Context, op string, next []domain.CartLineItem) ([]domain.CartLineItem, error) {
	if err := c.slot.Save(ctx, next); err != nil {
		c.logger(ctx, "cart.persist.failed", map[string]any{"op": op, "key": c.slot.Key(), "error": err.Error()})
		return nil, fmt.Errorf("cart: persist %s: %w: %w", op, ErrStorageUnavailable, err)
	}
	c.items = next
	return cloneItems(next), nil
}

func (c *CartStore) indexOf(productID string) int {
	for i, item := range c.items {
		if item.ProductID == productID {
			return i
		}
	}
	return -1
}

func newLine(productID string, qty int, variant domain.CartLineItem) (domain.CartLineItem, error) {
	fields := map[string]string{}
	if math.IsNaN(variant.Price) || math.IsInf(variant.Price, 0) || variant.Price < 0 {
		fields["price"] = "must be a non-negative amount"
	}
	code := domain.BaseCurrency
	if raw := strings.TrimSpace(string(variant.Currency)); raw != "" {
		parsed, ok := domain.ParseCurrency(raw)
		if !ok {
			fields["currency"] = "is not supported"
		}
		code = parsed
	}
	if len(fields) > 0 {
		return domain.CartLineItem{}, fmt.Errorf("%w: %w", ErrCartInvalidItem, &ValidationError{Fields: fields})
	}
	return domain.CartLineItem{
		ProductID: productID,
		Title:     strings.TrimSpace(variant.Title),
		ImagePath: strings.TrimSpace(variant.ImagePath),
		Price:     variant.Price,
		Currency:  code,
		Quantity:  qty,
	}, nil
}

// repairItems restores the cart invariants on data read back from storage: lines without a
// product are dropped, duplicates are merged and quantities are kept within [1, MaxLineQuantity].
func repairItems(items []domain.CartLineItem) []domain.CartLineItem {
	out := make([]domain.CartLineItem, 0, len(items))
	seen := make(map[string]int, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" {
			continue
		}
		item.Quantity = min(max(item.Quantity, 1), MaxLineQuantity)
		if code, ok := domain.ParseCurrency(string(item.Currency)); ok {
			item.Currency = code
		} else {
			item.Currency = domain.BaseCurrency
		}
		if idx, ok := seen[item.ProductID]; ok {
			out[idx].Quantity = min(out[idx].Quantity+item.Quantity, MaxLineQuantity)
			continue
		}
		seen[item.ProductID] = len(out)
		out = append(out, item)
	}
	return out
}

func cloneItems(items []domain.CartLineItem) []domain.CartLineItem {
	out := make([]domain.CartLineItem, len(items))
	copy(out, items)
	return out
}

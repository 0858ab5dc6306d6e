package services

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/platform/localstore"
)

func dress(id string) domain.CartLineItem {
	return domain.CartLineItem{ProductID: id, Title: "Linen dress " + id, ImagePath: "/img/" + id + ".png", Price: 1000, Currency: domain.CurrencyNGN, Quantity: 1}
}

func TestCartStoreAddMergesByProduct(t *testing.T) {
	ctx := context.Background()
	store := localstore.NewMemoryStore()
	cart := newTestCart(t, store)

	if _, err := cart.Add(ctx, AddToCart{Variant: dress("v1")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	items, err := cart.Add(ctx, AddToCart{ProductID: "v1", Quantity: 2, Variant: dress("v1")})
	if err != nil {
		t.Fatalf("add again: %v", err)
	}
	if len(items) != 1 || items[0].Quantity != 3 {
		t.Fatalf("expected one line with quantity 3, got %+v", items)
	}

	reopened := newTestCart(t, store)
	if reopened.Quantity() != 3 || reopened.Len() != 1 {
		t.Fatalf("expected persisted cart, got %+v", reopened.Items())
	}
}

func TestCartStoreDecreaseAtOneIsNoop(t *testing.T) {
	ctx := context.Background()
	cart := newTestCart(t, localstore.NewMemoryStore(), dress("v1"))

	items, err := cart.Decrease(ctx, "v1")
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if len(items) != 1 || items[0].Quantity != 1 {
		t.Fatalf("expected quantity to stay at 1, got %+v", items)
	}

	items, err = cart.Remove(ctx, "v1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected remove to delete the line, got %+v", items)
	}
}

func TestCartStoreAddWithDecrease(t *testing.T) {
	ctx := context.Background()
	cart := newTestCart(t, localstore.NewMemoryStore())

	items, err := cart.Add(ctx, AddToCart{ProductID: "missing", Decrease: true, Variant: dress("missing")})
	if err != nil {
		t.Fatalf("decrease missing: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected decrease of a missing product to do nothing, got %+v", items)
	}

	if _, err := cart.Add(ctx, AddToCart{ProductID: "v1", Quantity: 3, Variant: dress("v1")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	items, err = cart.Add(ctx, AddToCart{ProductID: "v1", Quantity: 5, Decrease: true})
	if err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if items[0].Quantity != 1 {
		t.Fatalf("expected decrease to stop at 1, got %d", items[0].Quantity)
	}
}

func TestCartStoreIgnoresUnknownProducts(t *testing.T) {
	ctx := context.Background()
	cart := newTestCart(t, localstore.NewMemoryStore(), dress("v1"))
	for _, op := range []func(context.Context, string) ([]domain.CartLineItem, error){cart.Increase, cart.Decrease, cart.Remove} {
		items, err := op(ctx, "nope")
		if err != nil || len(items) != 1 {
			t.Fatalf("expected no-op, got %+v %v", items, err)
		}
	}
}

func TestCartStoreRejectsInvalidItems(t *testing.T) {
	ctx := context.Background()
	cart := newTestCart(t, localstore.NewMemoryStore())

	_, err := cart.Add(ctx, AddToCart{})
	var vErr *ValidationError
	if !errors.Is(err, ErrCartInvalidItem) || !errors.As(err, &vErr) || vErr.Fields["productId"] == "" {
		t.Fatalf("expected productId validation error, got %v", err)
	}

	bad := dress("v2")
	bad.Currency = "JPY"
	bad.Price = -1
	_, err = cart.Add(ctx, AddToCart{Variant: bad})
	if !errors.As(err, &vErr) || len(vErr.Fields) != 2 {
		t.Fatalf("expected price and currency errors, got %v", err)
	}
	if cart.Len() != 0 {
		t.Fatalf("expected cart to stay empty")
	}
}

func TestCartStoreFailedSaveKeepsPreviousState(t *testing.T) {
	ctx := context.Background()
	store := newFailingStore()
	cart := newTestCart(t, store, dress("v1"))

	store.setFail(true)
	if _, err := cart.Increase(ctx, "v1"); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}
	if err := cart.Clear(ctx); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error on clear, got %v", err)
	}
	if cart.Quantity() != 1 || cart.Len() != 1 {
		t.Fatalf("expected previous state, got %+v", cart.Items())
	}
}

func TestOpenCartStoreRecoversFromBadPayloads(t *testing.T) {
	ctx := context.Background()
	store := localstore.NewMemoryStore()
	key := localstore.SessionKey(localstore.KeyCart, "sess-1")

	if err := store.Save(ctx, key, []byte("{not json")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	recorder := &eventRecorder{}
	cart, err := OpenCartStore(ctx, localstore.NewSlot[[]domain.CartLineItem](store, key), recorder.log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if cart.Len() != 0 || !recorder.has("cart.hydrate.corrupt") {
		t.Fatalf("expected empty cart and corrupt log, got %+v", cart.Items())
	}

	raw := `[{"productId":"v1","quantity":0,"currency":"NGN"},{"productId":"v1","quantity":2},{"productId":"","quantity":4}]`
	if err := store.Save(ctx, key, []byte(raw)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cart, err = OpenCartStore(ctx, localstore.NewSlot[[]domain.CartLineItem](store, key), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	items := cart.Items()
	if len(items) != 1 || items[0].Quantity != 3 || items[0].Currency != domain.CurrencyNGN {
		t.Fatalf("expected repaired single line with quantity 3, got %+v", items)
	}
}

func TestCartStoreRandomOperationsKeepInvariants(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	cart := newTestCart(t, localstore.NewMemoryStore())
	ids := []string{"v1", "v2", "v3", "v4"}

	for i := 0; i < 2000; i++ {
		id := ids[rng.Intn(len(ids))]
		var err error
		switch rng.Intn(5) {
		case 0:
			_, err = cart.Add(ctx, AddToCart{ProductID: id, Quantity: rng.Intn(4) - 1, Variant: dress(id)})
		case 1:
			_, err = cart.Add(ctx, AddToCart{ProductID: id, Quantity: rng.Intn(4), Decrease: true})
		case 2:
			_, err = cart.Increase(ctx, id)
		case 3:
			_, err = cart.Decrease(ctx, id)
		case 4:
			_, err = cart.Remove(ctx, id)
		}
		if err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
		if rng.Intn(50) == 0 {
			if _, err := cart.Add(ctx, AddToCart{ProductID: id, Quantity: math.MaxInt, Variant: dress(id)}); !errors.Is(err, ErrCartInvalidItem) {
				t.Fatalf("op %d: expected oversized quantity to be rejected, got %v", i, err)
			}
			if _, err := cart.Add(ctx, AddToCart{ProductID: id, Quantity: MaxLineQuantity, Variant: dress(id)}); err != nil {
				t.Fatalf("op %d: %v", i, err)
			}
		}

		seen := map[string]bool{}
		for _, item := range cart.Items() {
			if seen[item.ProductID] {
				t.Fatalf("op %d: duplicate product %s", i, item.ProductID)
			}
			seen[item.ProductID] = true
			if item.Quantity < 1 || item.Quantity > MaxLineQuantity {
				t.Fatalf("op %d: quantity %d out of range for %s", i, item.Quantity, item.ProductID)
			}
		}
	}
}

func TestCartStoreCapsLineQuantity(t *testing.T) {
	ctx := context.Background()
	cart := newTestCart(t, localstore.NewMemoryStore(), dress("v1"))

	_, err := cart.Add(ctx, AddToCart{ProductID: "v1", Quantity: math.MaxInt})
	var verr *ValidationError
	if !errors.Is(err, ErrCartInvalidItem) || !errors.As(err, &verr) || verr.Fields["quantity"] == "" {
		t.Fatalf("expected quantity validation error, got %v", err)
	}
	if items := cart.Items(); items[0].Quantity != 1 {
		t.Fatalf("expected rejected add to leave quantity 1, got %d", items[0].Quantity)
	}

	items, err := cart.Add(ctx, AddToCart{ProductID: "v1", Quantity: MaxLineQuantity})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if items[0].Quantity != MaxLineQuantity {
		t.Fatalf("expected merge to saturate at %d, got %d", MaxLineQuantity, items[0].Quantity)
	}
	items, err = cart.Increase(ctx, "v1")
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	if items[0].Quantity != MaxLineQuantity {
		t.Fatalf("expected increase to saturate, got %d", items[0].Quantity)
	}
}

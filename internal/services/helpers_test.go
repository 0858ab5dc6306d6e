package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/platform/localstore"
	"github.com/threadline/storefront/internal/repositories/memory"
)

var errStoreDown = errors.New("store unavailable")

type failingStore struct {
	*localstore.MemoryStore
	mu   sync.Mutex
	fail bool
}

func newFailingStore() *failingStore {
	return &failingStore{MemoryStore: localstore.NewMemoryStore()}
}

func (f *failingStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *failingStore) Save(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.MemoryStore.Save(ctx, key, value)
}

func newTestCart(t *testing.T, store localstore.Store, items ...domain.CartLineItem) *CartStore {
	t.Helper()
	slot := localstore.NewSlot[[]domain.CartLineItem](store, localstore.SessionKey(localstore.KeyCart, "sess-1"))
	if len(items) > 0 {
		if err := slot.Save(context.Background(), items); err != nil {
			t.Fatalf("seed cart: %v", err)
		}
	}
	cart, err := OpenCartStore(context.Background(), slot, nil)
	if err != nil {
		t.Fatalf("open cart: %v", err)
	}
	return cart
}

func newTestRates(t *testing.T, store localstore.Store, remote *memory.RateRepository) *CurrencyCache {
	t.Helper()
	cache, err := NewCurrencyCache(CurrencyCacheDeps{
		Local:  localstore.NewSlot[domain.ConversionRateTable](store, localstore.KeyConversionRate),
		Remote: remote,
	})
	if err != nil {
		t.Fatalf("new currency cache: %v", err)
	}
	return cache
}

type recordedEvent struct {
	name   string
	fields map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) log(_ context.Context, name string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: name, fields: fields})
}

func (r *eventRecorder) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.name == name {
			return true
		}
	}
	return false
}

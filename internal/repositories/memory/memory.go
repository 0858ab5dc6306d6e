// Package memory provides in-process repositories used by local runs and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	domain "github.com/threadline/storefront/internal/domain"
	pfirestore "github.com/threadline/storefront/internal/platform/firestore"
	"github.com/threadline/storefront/internal/repositories"
)

// OrderRepository keeps orders in a map. Like Firestore it refuses values a document
// cannot hold, so unsanitised writes fail the same way in tests.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]map[string]any
	fail   error
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository returns an empty OrderRepository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]map[string]any)}
}

// FailWith makes subsequent writes return err. Pass nil to clear.
func (r *OrderRepository) FailWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// Append stores doc under id, failing with a conflict when id is taken.
func (r *OrderRepository) Append(_ context.Context, id string, doc map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("memory orders: order id is required")
	}
	if _, exists := r.orders[id]; exists {
		return pfirestore.Conflict("orders.create", "document "+id+" already exists")
	}
	if err := checkDocument("", doc); err != nil {
		return err
	}
	r.orders[id] = doc
	return nil
}

// Get returns the order stored under id.
func (r *OrderRepository) Get(_ context.Context, id string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.orders[id]
	if !ok {
		return nil, pfirestore.NotFound("orders.get", "document "+id+" not found")
	}
	return doc, nil
}

// All returns every stored order keyed by id.
func (r *OrderRepository) All() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]any, len(r.orders))
	for k, v := range r.orders {
		out[k] = v
	}
	return out
}

// RateRepository keeps the conversion table in memory and fans updates out to watchers.
type RateRepository struct {
	mu       sync.Mutex
	doc      map[string]any
	watchers map[int]chan map[string]any
	nextID   int
	fail     error
}

var _ repositories.RateRepository = (*RateRepository)(nil)

// NewRateRepository returns a repository holding raw, or no document when raw is nil.
func NewRateRepository(raw map[string]any) *RateRepository {
	return &RateRepository{doc: cloneDoc(raw), watchers: make(map[int]chan map[string]any)}
}

// FailWith makes subsequent reads and writes return err. Pass nil to clear.
func (r *RateRepository) FailWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// GetRates returns a copy of the stored rate document.
func (r *RateRepository) GetRates(_ context.Context) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, r.fail
	}
	if r.doc == nil {
		return nil, pfirestore.NotFound("settings.get", "document conversionRate not found")
	}
	return cloneDoc(r.doc), nil
}

// SetRates stores rates and notifies watchers.
func (r *RateRepository) SetRates(_ context.Context, rates domain.ConversionRateTable) error {
	doc := make(map[string]any, len(rates))
	for code, rate := range rates {
		doc[string(code)] = rate
	}
	r.Put(doc)
	return nil
}

// Put replaces the stored document as an external writer would and notifies watchers.
func (r *RateRepository) Put(raw map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc = cloneDoc(raw)
	for _, ch := range r.watchers {
		select {
		case ch <- cloneDoc(raw):
		default:
		}
	}
}

// WatchRates calls fn with the current document, then for every Put until ctx ends.
func (r *RateRepository) WatchRates(ctx context.Context, fn func(raw map[string]any)) error {
	ch := make(chan map[string]any, 8)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.watchers[id] = ch
	current := cloneDoc(r.doc)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}()

	if current != nil {
		fn(current)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-ch:
			fn(raw)
		}
	}
}

func cloneDoc(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// checkDocument accepts only the value types document.Sanitize produces.
func checkDocument(path string, v any) error {
	switch val := v.(type) {
	case nil, bool, string, int64, float64, time.Time, []byte:
		return nil
	case []any:
		for i, item := range val {
			if err := checkDocument(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for k, item := range val {
			if err := checkDocument(joinPath(path, k), item); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("memory orders: unsupported value of type %T at %q", v, path)
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

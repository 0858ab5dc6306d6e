// Package session keeps the per-browser-session state of the storefront: the cart, the display
// currency preference and the checkout orchestrator.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/payments"
	"github.com/threadline/storefront/internal/platform/localstore"
	"github.com/threadline/storefront/internal/services"
)

const (
	defaultIdleTTL       = 24 * time.Hour
	defaultSweepInterval = 10 * time.Minute
)

// ErrSessionID is returned for an empty or malformed session identifier.
var ErrSessionID = errors.New("session: invalid session id")

// State is a read-only view of one session.
type State struct {
	ID           string
	Currency     domain.CurrencyCode
	CartLines    int
	CartQuantity int
	Checkout     services.CheckoutState
	InFlight     bool
	LastSeen     time.Time
}

// Session groups the live components of one browser session.
type Session struct {
	ID       string
	Cart     *services.CartStore
	Checkout *services.CheckoutOrchestrator

	currencySlot localstore.Slot[domain.CurrencyCode]

	mu       sync.Mutex
	currency domain.CurrencyCode
	lastSeen time.Time
}

// Currency returns the preferred display currency.
func (s *Session) Currency() domain.CurrencyCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currency
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) state() State {
	s.mu.Lock()
	currency, lastSeen := s.currency, s.lastSeen
	s.mu.Unlock()
	snap := s.Checkout.Snapshot()
	return State{
		ID:           s.ID,
		Currency:     currency,
		CartLines:    s.Cart.Len(),
		CartQuantity: s.Cart.Quantity(),
		Checkout:     snap.State,
		InFlight:     snap.Loading,
		LastSeen:     lastSeen,
	}
}

// CheckoutSettings are applied to every session's orchestrator.
type CheckoutSettings struct {
	PaymentTimeout   time.Duration
	SuccessURL       string
	CancelURL        string
	VerifyReferences bool
}

// RegistryDeps wires the shared collaborators of every session.
type RegistryDeps struct {
	Store         localstore.Store
	Rates         *services.CurrencyCache
	Orders        services.OrderSaver
	Payments      payments.Gateway
	Checkout      CheckoutSettings
	Metrics       *services.CheckoutMetrics
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        func(context.Context, string, map[string]any)
}

// Registry opens sessions on first use and evicts idle ones from memory. Evicted sessions are
// rebuilt from the local store on their next request.
type Registry struct {
	deps   RegistryDeps
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
	group  singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry validates deps and returns an empty registry.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("session registry: local store is required")
	case deps.Rates == nil:
		return nil, errors.New("session registry: currency cache is required")
	case deps.Orders == nil:
		return nil, errors.New("session registry: order saver is required")
	case deps.Payments == nil:
		return nil, errors.New("session registry: payment gateway is required")
	}
	if deps.IdleTTL <= 0 {
		deps.IdleTTL = defaultIdleTTL
	}
	if deps.SweepInterval <= 0 {
		deps.SweepInterval = defaultSweepInterval
	}
	r := &Registry{
		deps:     deps,
		now:      deps.Clock,
		logger:   deps.Logger,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = func(context.Context, string, map[string]any) {}
	}
	return r, nil
}

// Start runs the idle sweep until Stop is called or ctx ends.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.deps.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if n := r.sweep(r.now()); n > 0 {
					r.logger(ctx, "session.evicted", map[string]any{"count": n})
				}
			}
		}
	}()
}

// Stop ends the sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// sweep drops sessions idle since before now-IdleTTL. Sessions with a payment in flight are kept.
func (r *Registry) sweep(now time.Time) int {
	cutoff := now.Add(-r.deps.IdleTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := s.lastSeen.Before(cutoff)
		s.mu.Unlock()
		if idle && !s.Checkout.InFlight() {
			delete(r.sessions, id)
			evicted++
		}
	}
	return evicted
}

// Get returns the session for id, opening it from the local store when it is not live.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrSessionID
	}
	for {
		if s, ok := r.acquire(id); ok {
			return s, nil
		}
		_, err, _ := r.group.Do(id, func() (any, error) {
			if _, ok := r.Lookup(id); ok {
				return nil, nil
			}
			s, err := r.open(ctx, id)
			if err != nil {
				return nil, err
			}
			r.mu.Lock()
			s.touch(r.now())
			r.sessions[id] = s
			r.mu.Unlock()
			r.logger(ctx, "session.opened", map[string]any{"session": id, "cartLines": s.Cart.Len()})
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
}

// acquire returns a live session and marks it seen. The read lock keeps sweep from evicting
// it between the lookup and the touch.
func (r *Registry) acquire(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if ok {
		s.touch(r.now())
	}
	return s, ok
}

// Lookup returns a live session without opening it.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// State returns a snapshot of a live session.
func (r *Registry) State(id string) (State, bool) {
	s, ok := r.Lookup(id)
	if !ok {
		return State{}, false
	}
	return s.state(), true
}

// Update applies fn to the session's state and persists the fields a caller may change, which
// today is the display currency. The updated state is returned.
func (r *Registry) Update(ctx context.Context, id string, fn func(State) State) (State, error) {
	s, err := r.Get(ctx, id)
	if err != nil {
		return State{}, err
	}
	current := s.state()
	next := fn(current)

	if next.Currency != current.Currency {
		code, ok := domain.ParseCurrency(string(next.Currency))
		if !ok {
			return current, fmt.Errorf("%w: %s", services.ErrInvalidCurrency, next.Currency)
		}
		if err := s.currencySlot.Save(ctx, code); err != nil {
			return current, fmt.Errorf("session: save %s: %w: %w", s.currencySlot.Key(), services.ErrStorageUnavailable, err)
		}
		s.mu.Lock()
		s.currency = code
		s.mu.Unlock()
	}
	return s.state(), nil
}

func (r *Registry) open(ctx context.Context, id string) (*Session, error) {
	cartSlot := localstore.NewSlot[[]domain.CartLineItem](r.deps.Store, localstore.SessionKey(localstore.KeyCart, id))
	cart, err := services.OpenCartStore(ctx, cartSlot, r.logger)
	if err != nil {
		return nil, err
	}

	currencySlot := localstore.NewSlot[domain.CurrencyCode](r.deps.Store, localstore.SessionKey(localstore.KeyPreferredCurrency, id))
	currency := domain.BaseCurrency
	saved, ok, err := currencySlot.Load(ctx)
	switch {
	case err != nil && !errors.Is(err, localstore.ErrCorrupt):
		return nil, fmt.Errorf("session: load %s: %w: %w", currencySlot.Key(), services.ErrStorageUnavailable, err)
	case ok:
		if code, valid := domain.ParseCurrency(string(saved)); valid {
			currency = code
		}
	}

	checkout, err := services.NewCheckoutOrchestrator(services.CheckoutOrchestratorDeps{
		SessionID:        id,
		Cart:             cart,
		Rates:            r.deps.Rates,
		Orders:           r.deps.Orders,
		Payments:         r.deps.Payments,
		PaymentTimeout:   r.deps.Checkout.PaymentTimeout,
		SuccessURL:       r.deps.Checkout.SuccessURL,
		CancelURL:        r.deps.Checkout.CancelURL,
		VerifyReferences: r.deps.Checkout.VerifyReferences,
		Metrics:          r.deps.Metrics,
		Clock:            r.now,
		Logger:           r.logger,
	})
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:           id,
		Cart:         cart,
		Checkout:     checkout,
		currencySlot: currencySlot,
		currency:     currency,
		lastSeen:     r.now(),
	}, nil
}

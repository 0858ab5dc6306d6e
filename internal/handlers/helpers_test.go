package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oklog/ulid/v2"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/payments"
	"github.com/threadline/storefront/internal/platform/localstore"
	"github.com/threadline/storefront/internal/repositories/memory"
	"github.com/threadline/storefront/internal/services"
	"github.com/threadline/storefront/internal/session"
)

type testServer struct {
	router   http.Handler
	sessions *session.Registry
	rates    *services.CurrencyCache
	orders   *memory.OrderRepository
	gateway  *payments.FakeGateway
	id       string
}

func newTestServer(t *testing.T, extra ...func(*testServer) Option) *testServer {
	t.Helper()
	store := localstore.NewMemoryStore()
	rates, err := services.NewCurrencyCache(services.CurrencyCacheDeps{
		Local:  localstore.NewSlot[domain.ConversionRateTable](store, localstore.KeyConversionRate),
		Remote: memory.NewRateRepository(map[string]any{"NGN": 1, "USD": 0.0006, "GBP": 0.0005, "EUR": 0.00055}),
	})
	if err != nil {
		t.Fatalf("currency cache: %v", err)
	}
	orders := memory.NewOrderRepository()
	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{Orders: orders})
	if err != nil {
		t.Fatalf("order service: %v", err)
	}
	gateway := payments.NewFakeGateway()
	registry, err := session.NewRegistry(session.RegistryDeps{
		Store:    store,
		Rates:    rates,
		Orders:   orderSvc,
		Payments: gateway,
		Checkout: session.CheckoutSettings{
			SuccessURL: "https://shop.test/checkout/success",
			CancelURL:  "https://shop.test/checkout",
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	srv := &testServer{
		sessions: registry,
		rates:    rates,
		orders:   orders,
		gateway:  gateway,
		id:       ulid.Make().String(),
	}
	opts := []Option{
		WithSessionMiddlewares(session.Middleware(session.CookieOptions{Name: "sf_session"})),
		WithCartRoutes(NewCartHandlers(registry, rates).Routes),
		WithRateRoutes(NewRateHandlers(rates).Routes),
		WithSessionRoutes(NewSessionHandlers(registry).Routes),
		WithCheckoutRoutes(NewCheckoutHandlers(registry).Routes),
	}
	for _, fn := range extra {
		opts = append(opts, fn(srv))
	}
	srv.router = NewRouter(opts...)
	return srv
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader).WithContext(context.Background())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(session.HeaderSessionID, s.id)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (s *testServer) addDress(t *testing.T) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/cart/items", map[string]any{
		"productId": "v1",
		"title":     "Linen dress",
		"price":     1000,
		"currency":  "NGN",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add item: status %d body %s", rec.Code, rec.Body.String())
	}
}

var validCheckoutBody = map[string]any{
	"fullName": "Ada Obi",
	"phone":    "08001234567",
	"email":    "ada@example.com",
	"address":  "1 Marina Road, Lagos",
}

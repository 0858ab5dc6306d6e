package handlers

import (
	"net/http"
	"strings"
	"testing"
)

func TestRatesGetLoadsTable(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/api/v1/rates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != rateCacheControl {
		t.Fatalf("unexpected cache control %q", got)
	}
	var body ratesPayload
	decodeBody(t, rec, &body)
	if !body.Loaded || body.Base != "NGN" || body.Rates["NGN"] != 1 || body.Rates["USD"] != 0.0006 {
		t.Fatalf("unexpected rates %+v", body)
	}
}

func TestRatesConvert(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/api/v1/rates/convert?amount=2500&currency=GBP", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["converted"] != 1.25 || body["currency"] != "GBP" {
		t.Fatalf("unexpected conversion %v", body)
	}
	if formatted, _ := body["formatted"].(string); !strings.Contains(formatted, "1.25") {
		t.Fatalf("unexpected formatted amount %q", formatted)
	}

	for _, amount := range []string{"abc", "NaN", "Inf", "-Inf"} {
		rec = srv.do(t, http.MethodGet, "/api/v1/rates/convert?currency=USD&amount="+amount, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for amount %q, got %d", amount, rec.Code)
		}
	}
}

func TestAdminRatesUpdate(t *testing.T) {
	srv := newTestServer(t, func(s *testServer) Option {
		return WithAdminRoutes(NewRateHandlers(s.rates).AdminRoutes)
	})

	rec := srv.do(t, http.MethodPut, "/api/v1/admin/rates", map[string]any{"rates": map[string]any{"USD": 0.001}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body ratesPayload
	decodeBody(t, rec, &body)
	if body.Rates["USD"] != 0.001 {
		t.Fatalf("expected updated USD rate, got %+v", body.Rates)
	}

	rec = srv.do(t, http.MethodGet, "/api/v1/rates/convert?amount=1000&currency=USD", nil)
	var converted map[string]any
	decodeBody(t, rec, &converted)
	if converted["converted"] != 1.0 {
		t.Fatalf("expected conversion at the new rate, got %v", converted)
	}

	rec = srv.do(t, http.MethodPut, "/api/v1/admin/rates", map[string]any{"rates": map[string]any{}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for an empty table, got %d", rec.Code)
	}
}

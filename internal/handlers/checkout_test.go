package handlers

import (
	"errors"
	"net/http"
	"testing"
)

func TestCheckoutSubmitValidatesDetails(t *testing.T) {
	srv := newTestServer(t)
	srv.addDress(t)

	rec := srv.do(t, http.MethodPost, "/api/v1/checkout", map[string]any{"email": "nope"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	decodeBody(t, rec, &body)
	if body.Error != "validation_failed" || len(body.Fields) != 4 {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.Fields["email"] != "must be a valid email address" {
		t.Fatalf("unexpected email message %q", body.Fields["email"])
	}
	if srv.gateway.Calls() != 0 {
		t.Fatalf("expected no gateway calls")
	}
}

func TestCheckoutSubmitAndCallback(t *testing.T) {
	srv := newTestServer(t)
	srv.addDress(t)

	rec := srv.do(t, http.MethodPost, "/api/v1/checkout", validCheckoutBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var body checkoutResponse
	decodeBody(t, rec, &body)
	if body.Checkout.State != "awaiting_payment" || !body.Checkout.Loading || body.Checkout.Payment == nil {
		t.Fatalf("unexpected checkout %+v", body.Checkout)
	}
	if body.Checkout.Payment.Provider != "fake" || body.Checkout.Total != 1000 || body.Checkout.Currency != "NGN" {
		t.Fatalf("unexpected payment %+v", body.Checkout)
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/checkout", validCheckoutBody)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a second submit, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodPost, "/api/v1/checkout/callback", map[string]string{"reference": "ref123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &body)
	if body.Checkout.State != "succeeded" || body.Checkout.Reference != "ref123" || body.Checkout.OrderID == "" {
		t.Fatalf("unexpected checkout %+v", body.Checkout)
	}

	orders := srv.orders.All()
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
	if doc := orders[body.Checkout.OrderID]; doc["paymentReference"] != "ref123" || doc["sessionId"] != srv.id {
		t.Fatalf("unexpected order %v", doc)
	}

	rec = srv.do(t, http.MethodGet, "/api/v1/cart", nil)
	var cart cartResponse
	decodeBody(t, rec, &cart)
	if len(cart.Cart.Items) != 0 {
		t.Fatalf("expected cart cleared after order, got %+v", cart.Cart)
	}
}

func TestCheckoutCallbackWithoutPayment(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodPost, "/api/v1/checkout/callback", map[string]string{"reference": "ref123"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["error"] != "checkout_not_pending" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodPost, "/api/v1/checkout", validCheckoutBody)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["error"] != "cart_empty" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestCheckoutReconciliationGapReturnsReference(t *testing.T) {
	srv := newTestServer(t)
	srv.addDress(t)
	if rec := srv.do(t, http.MethodPost, "/api/v1/checkout", validCheckoutBody); rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	srv.orders.FailWith(errors.New("firestore unavailable"))

	rec := srv.do(t, http.MethodPost, "/api/v1/checkout/callback", map[string]string{"reference": "ref123"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["error"] != "payment_succeeded_order_not_saved" || body["paymentReference"] != "ref123" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCheckoutCloseCancelsPayment(t *testing.T) {
	srv := newTestServer(t)
	srv.addDress(t)
	if rec := srv.do(t, http.MethodPost, "/api/v1/checkout/open", nil); rec.Code != http.StatusOK {
		t.Fatalf("open: %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodPost, "/api/v1/checkout", validCheckoutBody); rec.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}

	rec := srv.do(t, http.MethodPost, "/api/v1/checkout/close", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body checkoutResponse
	decodeBody(t, rec, &body)
	if body.Checkout.State != "cancelled" || body.Checkout.Loading {
		t.Fatalf("unexpected checkout %+v", body.Checkout)
	}
	if len(srv.orders.All()) != 0 {
		t.Fatalf("expected no orders")
	}

	rec = srv.do(t, http.MethodGet, "/api/v1/cart", nil)
	var cart cartResponse
	decodeBody(t, rec, &cart)
	if cart.Cart.Quantity != 1 {
		t.Fatalf("expected cart kept after cancel, got %+v", cart.Cart)
	}
}

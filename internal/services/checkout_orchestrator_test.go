package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/payments"
	"github.com/threadline/storefront/internal/platform/localstore"
	"github.com/threadline/storefront/internal/repositories/memory"
)

type checkoutFixture struct {
	cart     *CartStore
	rates    *CurrencyCache
	orders   *memory.OrderRepository
	gateway  *payments.FakeGateway
	recorder *eventRecorder
	checkout *CheckoutOrchestrator
}

type fixtureOption func(*CheckoutOrchestratorDeps)

func newCheckoutFixture(t *testing.T, opts ...fixtureOption) *checkoutFixture {
	t.Helper()
	store := localstore.NewMemoryStore()
	f := &checkoutFixture{
		cart: newTestCart(t, store, dress("v1")),
		rates: newTestRates(t, store, memory.NewRateRepository(map[string]any{
			"NGN": 1, "USD": 0.0006,
		})),
		orders:   memory.NewOrderRepository(),
		gateway:  payments.NewFakeGateway(),
		recorder: &eventRecorder{},
	}
	orderSvc := newTestOrderService(t, f.orders, nil, f.recorder.log)
	deps := CheckoutOrchestratorDeps{
		SessionID:  "sess-1",
		Cart:       f.cart,
		Rates:      f.rates,
		Orders:     orderSvc,
		Payments:   f.gateway,
		SuccessURL: "https://shop.test/checkout/success",
		CancelURL:  "https://shop.test/checkout",
		Logger:     f.recorder.log,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	checkout, err := NewCheckoutOrchestrator(deps)
	if err != nil {
		t.Fatalf("new checkout: %v", err)
	}
	f.checkout = checkout
	return f
}

func validDetails() domain.BuyerDetails {
	return domain.BuyerDetails{
		FullName: "Ada Obi",
		Phone:    "08001234567",
		Email:    "ada@example.com",
		Address:  "1 Marina Road, Lagos",
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBeginRejectsInvalidDetailsWithoutCallingGateway(t *testing.T) {
	f := newCheckoutFixture(t)
	if _, err := f.checkout.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err := f.checkout.Begin(testContext(t), SubmitCheckout{
		Details: domain.BuyerDetails{FullName: "  ", Email: "not-an-email"},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := map[string]string{
		"fullName": "is required",
		"phone":    "is required",
		"email":    "must be a valid email address",
		"address":  "is required",
	}
	if len(verr.Fields) != len(want) {
		t.Fatalf("expected %d field errors, got %v", len(want), verr.Fields)
	}
	for field, msg := range want {
		if verr.Fields[field] != msg {
			t.Fatalf("field %s: got %q want %q", field, verr.Fields[field], msg)
		}
	}
	if f.gateway.Calls() != 0 {
		t.Fatalf("expected no gateway calls, got %d", f.gateway.Calls())
	}
	if snap := f.checkout.Snapshot(); snap.State != CheckoutCollectingDetails || snap.Loading {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestCallbackPersistsOrderAndClearsCart(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := testContext(t)

	session, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails(), UserID: "user-1"})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if session.ID == "" || session.RedirectURL == "" {
		t.Fatalf("expected a payment session, got %+v", session)
	}
	if snap := f.checkout.Snapshot(); snap.State != CheckoutAwaitingPayment || !snap.Loading || snap.Session == nil {
		t.Fatalf("unexpected snapshot while awaiting %+v", snap)
	}
	req := f.gateway.Requests()[0]
	if req.Amount != 1000 || req.Currency != "NGN" || req.Metadata[payments.MetadataSessionKey] != "sess-1" {
		t.Fatalf("unexpected charge request %+v", req)
	}

	snap, err := f.checkout.Callback(ctx, "ref123")
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if snap.State != CheckoutSucceeded || snap.Loading || snap.OrderID != "order-1" || snap.Reference != "ref123" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if f.cart.Len() != 0 {
		t.Fatalf("expected cart to be cleared")
	}

	doc, err := f.orders.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if doc["paymentReference"] != "ref123" || doc["provider"] != "fake" || doc["total"] != 1000.0 || doc["userId"] != "user-1" {
		t.Fatalf("unexpected order %v", doc)
	}
	items := doc["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["productId"] != "v1" {
		t.Fatalf("unexpected items %v", items)
	}
}

func TestBeginInDisplayCurrencyPricesTheCharge(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := testContext(t)
	if _, err := f.cart.Increase(ctx, "v1"); err != nil {
		t.Fatalf("increase: %v", err)
	}

	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails(), Currency: "usd"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	req := f.gateway.Requests()[0]
	if req.Currency != "USD" || req.Amount != 1.2 || req.Items[0].UnitAmount != 0.6 || req.Items[0].Quantity != 2 {
		t.Fatalf("unexpected charge request %+v", req)
	}
	snap := f.checkout.Snapshot()
	if snap.Total != 1.2 || snap.Currency != domain.CurrencyUSD {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	_, _ = f.checkout.Close(ctx)
}

func TestBeginRejectsUnsupportedCurrency(t *testing.T) {
	f := newCheckoutFixture(t)
	_, err := f.checkout.Begin(testContext(t), SubmitCheckout{Details: validDetails(), Currency: "JPY"})
	if !errors.Is(err, ErrInvalidCurrency) {
		t.Fatalf("expected ErrInvalidCurrency, got %v", err)
	}
	if f.gateway.Calls() != 0 {
		t.Fatalf("expected no gateway calls")
	}
}

func TestCloseCancelsPaymentAndKeepsCart(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := testContext(t)
	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	snap, err := f.checkout.Close(ctx)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if snap.State != CheckoutCancelled || snap.Loading || snap.Notice != "payment cancelled" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if f.cart.Len() != 1 || len(f.orders.All()) != 0 {
		t.Fatalf("expected cart kept and no order written")
	}
}

func TestCloseWithoutPaymentReturnsToIdle(t *testing.T) {
	f := newCheckoutFixture(t)
	if _, err := f.checkout.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	snap, err := f.checkout.Close(testContext(t))
	if err != nil || snap.State != CheckoutIdle {
		t.Fatalf("expected idle, got %+v %v", snap, err)
	}
}

func TestOpenRejectsEmptyCart(t *testing.T) {
	f := newCheckoutFixture(t)
	if err := f.cart.Clear(testContext(t)); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := f.checkout.Open(); !errors.Is(err, ErrCheckoutCartEmpty) {
		t.Fatalf("expected ErrCheckoutCartEmpty, got %v", err)
	}
	if _, err := f.checkout.Begin(testContext(t), SubmitCheckout{Details: validDetails()}); !errors.Is(err, ErrCheckoutCartEmpty) {
		t.Fatalf("expected ErrCheckoutCartEmpty from begin, got %v", err)
	}
}

func TestBeginRejectsSecondPaymentWhileInFlight(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := testContext(t)
	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()}); !errors.Is(err, ErrCheckoutInFlight) {
		t.Fatalf("expected ErrCheckoutInFlight, got %v", err)
	}
	if _, err := f.checkout.Open(); !errors.Is(err, ErrCheckoutInFlight) {
		t.Fatalf("expected open to be rejected, got %v", err)
	}
	if f.gateway.Calls() != 1 {
		t.Fatalf("expected a single gateway call, got %d", f.gateway.Calls())
	}
	_, _ = f.checkout.Close(ctx)
}

func TestOrderWriteFailureIsReportedAsReconciliationGap(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := testContext(t)
	storeErr := errors.New("firestore unavailable")
	f.orders.FailWith(storeErr)

	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	snap, err := f.checkout.Callback(ctx, "ref123")
	if !errors.Is(err, ErrOrderNotSaved) || !errors.Is(err, storeErr) {
		t.Fatalf("expected reconciliation error, got %v", err)
	}
	var recErr *ReconciliationError
	if !errors.As(err, &recErr) || recErr.Reference != "ref123" {
		t.Fatalf("expected reference on error, got %v", err)
	}
	if snap.State != CheckoutFailed || snap.Loading || snap.Error != "payment succeeded but order not saved" || snap.Reference != "ref123" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if f.cart.Len() != 1 {
		t.Fatalf("expected cart to be kept")
	}
	if !f.recorder.has("checkout.reconciliation_gap") {
		t.Fatalf("expected reconciliation gap to be logged")
	}
}

func TestPaymentTimeoutResolvesAsCancelled(t *testing.T) {
	f := newCheckoutFixture(t, func(d *CheckoutOrchestratorDeps) {
		d.PaymentTimeout = 20 * time.Millisecond
	})
	ctx := testContext(t)
	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	snap, err := f.checkout.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if snap.State != CheckoutCancelled || snap.Notice != "payment timed out" || snap.Loading {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := f.checkout.Callback(ctx, "late-ref"); !errors.Is(err, ErrCheckoutNotPending) {
		t.Fatalf("expected late callback to be rejected, got %v", err)
	}
	if len(f.orders.All()) != 0 || f.cart.Len() != 1 {
		t.Fatalf("expected no order and cart kept")
	}
}

func TestResolveRejectsStaleAttempt(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := testContext(t)
	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	current := f.checkout.Snapshot().AttemptID

	if _, err := f.checkout.Resolve(ctx, "stale-attempt", payments.Succeeded("ref1")); !errors.Is(err, ErrCheckoutNotPending) {
		t.Fatalf("expected stale attempt to be rejected, got %v", err)
	}
	if !f.checkout.InFlight() {
		t.Fatalf("expected payment to remain in flight")
	}

	snap, err := f.checkout.Resolve(ctx, current, payments.Failed(nil))
	if !errors.Is(err, ErrPaymentFailed) || !errors.Is(err, payments.ErrPaymentDeclined) {
		t.Fatalf("expected declined payment, got %v", err)
	}
	if snap.State != CheckoutFailed || snap.Error != "payment failed" || f.cart.Len() != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestBeginFailureReturnsToCollectingDetails(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := testContext(t)
	f.gateway.FailBegin(errors.New("psp down"))

	_, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()})
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	snap := f.checkout.Snapshot()
	if snap.State != CheckoutCollectingDetails || snap.Loading || snap.Error != "payment failed" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	f.gateway.FailBegin(nil)
	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	_, _ = f.checkout.Close(ctx)
}

func TestCallbackVerificationFailureKeepsPaymentPending(t *testing.T) {
	f := newCheckoutFixture(t, func(d *CheckoutOrchestratorDeps) { d.VerifyReferences = true })
	ctx := testContext(t)
	f.gateway.FailVerify(payments.ErrPaymentNotCaptured)

	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err := f.checkout.Callback(ctx, "forged")
	if !errors.Is(err, ErrPaymentFailed) || !errors.Is(err, payments.ErrPaymentNotCaptured) {
		t.Fatalf("expected verification failure, got %v", err)
	}
	if !f.checkout.InFlight() || len(f.orders.All()) != 0 {
		t.Fatalf("expected payment still pending and no order")
	}

	f.gateway.FailVerify(nil)
	snap, err := f.checkout.Callback(ctx, "ref-ok")
	if err != nil || snap.State != CheckoutSucceeded {
		t.Fatalf("expected verified callback to succeed, got %+v %v", snap, err)
	}
}

func TestSubmitWaitsForOutcome(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := testContext(t)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if p := f.gateway.Last(); p != nil {
				p.Succeed("ref-sub")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	snap, err := f.checkout.Submit(ctx, SubmitCheckout{Details: validDetails()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if snap.State != CheckoutSucceeded || snap.Reference != "ref-sub" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestPaymentStaysInFlightWhilePSPSessionIsPayable(t *testing.T) {
	f := newCheckoutFixture(t, func(d *CheckoutOrchestratorDeps) {
		d.PaymentTimeout = 20 * time.Millisecond
	})
	f.gateway.SetSessionTTL(time.Hour)
	ctx := testContext(t)
	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if !f.checkout.InFlight() {
		t.Fatalf("expected payment to stay in flight until the PSP session expires")
	}

	snap, err := f.checkout.Resolve(ctx, f.checkout.Snapshot().AttemptID, payments.Succeeded("pi_1"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if snap.State != CheckoutSucceeded || len(f.orders.All()) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestCaptureAfterTimeoutIsReportedAsReconciliationGap(t *testing.T) {
	f := newCheckoutFixture(t, func(d *CheckoutOrchestratorDeps) {
		d.PaymentTimeout = 20 * time.Millisecond
	})
	ctx := testContext(t)
	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if snap, _ := f.checkout.Wait(ctx); snap.State != CheckoutCancelled {
		t.Fatalf("expected timeout, got %+v", snap)
	}

	_, err := f.checkout.Resolve(ctx, "", payments.Succeeded("pi_late"))
	var recErr *ReconciliationError
	if !errors.As(err, &recErr) || recErr.Reference != "pi_late" {
		t.Fatalf("expected reconciliation error, got %v", err)
	}
	if !f.recorder.has("checkout.reconciliation_gap") {
		t.Fatalf("expected reconciliation gap to be logged")
	}
	if len(f.orders.All()) != 0 || f.cart.Len() != 1 {
		t.Fatalf("expected no order and cart kept")
	}

	_, err = f.checkout.Resolve(ctx, "", payments.Succeeded("pi_late"))
	if !errors.Is(err, ErrCheckoutNotPending) || errors.As(err, &recErr) {
		t.Fatalf("expected redelivery to stay quiet, got %v", err)
	}
}

func TestRedeliveredCaptureOfSavedOrderIsNotAGap(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := testContext(t)
	if _, err := f.checkout.Begin(ctx, SubmitCheckout{Details: validDetails()}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := f.checkout.Resolve(ctx, "", payments.Succeeded("pi_1")); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err := f.checkout.Resolve(ctx, "", payments.Succeeded("pi_1"))
	var recErr *ReconciliationError
	if !errors.Is(err, ErrCheckoutNotPending) || errors.As(err, &recErr) {
		t.Fatalf("expected not pending, got %v", err)
	}
	if f.recorder.has("checkout.reconciliation_gap") {
		t.Fatalf("expected no gap for an order already saved")
	}
}

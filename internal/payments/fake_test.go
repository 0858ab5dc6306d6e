package payments

import (
	"context"
	"errors"
	"net/url"
	"testing"
)

func TestFakeGatewayBeginRecordsCharge(t *testing.T) {
	gw := NewFakeGateway()
	pending, err := gw.Begin(context.Background(), ChargeRequest{
		Amount:     1.2,
		Currency:   "USD",
		SuccessURL: "https://shop.example/checkout/success?x=1",
		CancelURL:  "https://shop.example/cart",
	})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if gw.Calls() != 1 || gw.Last() != pending {
		t.Fatalf("expected begin to be recorded")
	}

	session := pending.Session()
	u, err := url.Parse(session.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if u.Query().Get("reference") != session.ID || u.Query().Get("x") != "1" {
		t.Fatalf("unexpected redirect %s", session.RedirectURL)
	}
	if session.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry to be set")
	}
}

func TestFakeGatewayRejectsInvalidCharge(t *testing.T) {
	gw := NewFakeGateway()
	_, err := gw.Begin(context.Background(), ChargeRequest{Currency: "USD", SuccessURL: "a", CancelURL: "b"})
	if !errors.Is(err, ErrInvalidCharge) {
		t.Fatalf("expected ErrInvalidCharge, got %v", err)
	}
}

func TestFakeGatewayInjectedFailures(t *testing.T) {
	gw := NewFakeGateway()
	boom := errors.New("psp down")
	gw.FailBegin(boom)
	if _, err := gw.Begin(context.Background(), ChargeRequest{}); !errors.Is(err, boom) {
		t.Fatalf("expected injected begin error, got %v", err)
	}

	gw.FailVerify(ErrPaymentNotCaptured)
	if _, err := gw.Verify(context.Background(), "ref"); !errors.Is(err, ErrPaymentNotCaptured) {
		t.Fatalf("expected injected verify error, got %v", err)
	}
}

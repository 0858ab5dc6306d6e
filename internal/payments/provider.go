// Package payments begins hosted payments with a PSP and reports how each one ended.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidCharge is returned when a charge request cannot be sent to a PSP.
	ErrInvalidCharge = errors.New("payments: invalid charge request")
	// ErrPaymentNotCaptured is returned by Verify when the PSP does not report the payment as paid.
	ErrPaymentNotCaptured = errors.New("payments: payment not captured")
	// ErrPaymentDeclined is the failure carried by outcomes the PSP declined.
	ErrPaymentDeclined = errors.New("payments: payment declined")
)

// Metadata keys attached to PSP sessions so webhooks can be routed back to a checkout.
const (
	MetadataSessionKey = "storefront_session"
	MetadataAttemptKey = "checkout_attempt"
)

// OutcomeKind discriminates how a payment ended.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeCancelled OutcomeKind = "cancelled"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the terminal result of a pending payment. Reference is set for successes and
// Err for failures.
type Outcome struct {
	Kind      OutcomeKind
	Reference string
	Err       error
}

// Succeeded reports a captured payment identified by reference.
func Succeeded(reference string) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Reference: reference}
}

// Cancelled reports a payment the buyer abandoned.
func Cancelled() Outcome {
	return Outcome{Kind: OutcomeCancelled}
}

// Failed reports a payment that could not complete.
func Failed(err error) Outcome {
	if err == nil {
		err = ErrPaymentDeclined
	}
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// ChargeItem is one line shown on the PSP's hosted page. UnitAmount is in major units.
type ChargeItem struct {
	ProductID  string
	Name       string
	Quantity   int64
	UnitAmount float64
}

// ChargeRequest describes a payment to collect. Amount is in major units of Currency.
type ChargeRequest struct {
	Email          string
	Amount         float64
	Currency       string
	Items          []ChargeItem
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
	ExpiresAt      time.Time
}

// Session is what the buyer needs to complete a payment on the PSP side.
type Session struct {
	ID           string
	Provider     string
	RedirectURL  string
	ClientSecret string
	IntentID     string
	ExpiresAt    time.Time
}

// Gateway begins payments. Begin returns once the PSP session exists; the returned Pending
// resolves when the PSP, a webhook or the buyer reports the result. Verify checks a reference
// reported by the buyer's browser and returns the canonical payment reference.
type Gateway interface {
	Name() string
	Begin(ctx context.Context, req ChargeRequest) (*Pending, error)
	Verify(ctx context.Context, reference string) (string, error)
}

// MinorUnits converts a major-unit amount into the smallest currency unit, rounding half
// away from zero. All supported currencies use two decimal places.
func MinorUnits(amount float64) int64 {
	return decimal.NewFromFloat(amount).Shift(2).Round(0).IntPart()
}

func validateCharge(req ChargeRequest) error {
	switch {
	case req.Currency == "":
		return errors.Join(ErrInvalidCharge, errors.New("currency is required"))
	case MinorUnits(req.Amount) <= 0:
		return errors.Join(ErrInvalidCharge, errors.New("amount must be positive"))
	case req.SuccessURL == "" || req.CancelURL == "":
		return errors.Join(ErrInvalidCharge, errors.New("success and cancel urls are required"))
	}
	return nil
}

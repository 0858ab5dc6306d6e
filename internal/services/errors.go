package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation is wrapped by every ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrCartInvalidItem indicates an add-to-cart command that cannot produce a valid line.
	ErrCartInvalidItem = errors.New("cart: invalid item")
	// ErrStorageUnavailable wraps failures of the durable session store.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrCheckoutCartEmpty indicates checkout was requested with nothing in the cart.
	ErrCheckoutCartEmpty = errors.New("checkout: cart is empty")
	// ErrCheckoutInFlight indicates a payment is already being processed for the session.
	ErrCheckoutInFlight = errors.New("checkout: payment already in progress")
	// ErrCheckoutNotPending indicates a callback or close arrived with no payment in flight.
	ErrCheckoutNotPending = errors.New("checkout: no payment in progress")
	// ErrPaymentFailed indicates the payment provider could not start or complete the payment.
	ErrPaymentFailed = errors.New("checkout: payment failed")
	// ErrOrderNotSaved indicates a captured payment whose order could not be persisted.
	ErrOrderNotSaved = errors.New("checkout: payment succeeded but order not saved")
	// ErrRatesUnavailable indicates conversion rates could not be loaded.
	ErrRatesUnavailable = errors.New("currency: could not load exchange rates")
	// ErrInvalidCurrency indicates an unsupported currency code.
	ErrInvalidCurrency = errors.New("currency: unsupported currency")
)

// ValidationError carries one message per invalid field.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ReconciliationError reports a payment that was captured by the provider while the order
// record could not be written. Reference identifies the payment for manual follow-up.
type ReconciliationError struct {
	Reference string
	Err       error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%s (reference %s): %v", ErrOrderNotSaved.Error(), e.Reference, e.Err)
}

// Unwrap exposes both ErrOrderNotSaved and the underlying store error.
func (e *ReconciliationError) Unwrap() []error {
	return []error{ErrOrderNotSaved, e.Err}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/threadline/storefront/internal/payments"
	"github.com/threadline/storefront/internal/platform/httpx"
	"github.com/threadline/storefront/internal/platform/localstore"
	"github.com/threadline/storefront/internal/services"
	"github.com/threadline/storefront/internal/session"
)

const (
	maxJSONBodySize = 16 * 1024

	errorOrderNotSaved = "payment_succeeded_order_not_saved"
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body exceeds allowed size")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxJSONBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads a bounded JSON body into dst and writes the error response itself
// when it fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxJSONBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", err.Error(), http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_json", fmt.Sprintf("invalid JSON body: %v", err), http.StatusBadRequest))
		return false
	}
	return true
}

// writeServiceError maps service, payment and storage errors onto the JSON error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var recErr *services.ReconciliationError
	if errors.As(err, &recErr) {
		httpx.WriteError(ctx, w, httpx.NewError(errorOrderNotSaved, "payment succeeded but order not saved", http.StatusConflict).
			WithDetails(map[string]any{"paymentReference": recErr.Reference}))
		return
	}

	var verr *services.ValidationError
	if errors.As(err, &verr) {
		code := "validation_failed"
		if errors.Is(err, services.ErrCartInvalidItem) {
			code = "invalid_cart_item"
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, "request validation failed", http.StatusUnprocessableEntity).WithFields(verr.Fields))
		return
	}

	switch {
	case errors.Is(err, services.ErrInvalidCurrency):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_currency", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, session.ErrSessionID):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_session", "session id is missing or invalid", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_in_progress", "a payment is already in progress", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutNotPending):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_pending", "no payment is in progress", http.StatusConflict))
	case errors.Is(err, payments.ErrInvalidCharge):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_charge", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrRatesUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("rates_unavailable", "could not load exchange rates", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrStorageUnavailable), errors.Is(err, localstore.ErrCorrupt):
		httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "session storage is unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	case errors.Is(err, context.Canceled):
		httpx.WriteError(ctx, w, httpx.NewError("request_cancelled", "request cancelled", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}

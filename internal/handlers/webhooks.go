package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/threadline/storefront/internal/payments"
	"github.com/threadline/storefront/internal/platform/httpx"
	"github.com/threadline/storefront/internal/services"
)

const maxWebhookBodySize = 64 * 1024

// WebhookParser verifies and decodes PSP webhook deliveries.
type WebhookParser interface {
	ParseWebhook(ctx context.Context, payload []byte, signature string) (payments.WebhookEvent, error)
}

// WebhookHandlers resolves in-flight checkouts from verified PSP events.
type WebhookHandlers struct {
	stripe   WebhookParser
	sessions SessionRegistry
	logger   func(context.Context, string, map[string]any)
}

// NewWebhookHandlers constructs webhook handlers. A nil parser disables the Stripe endpoint.
func NewWebhookHandlers(stripe WebhookParser, sessions SessionRegistry, logger func(context.Context, string, map[string]any)) *WebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{stripe: stripe, sessions: sessions, logger: logger}
}

// Routes wires the /webhooks endpoints onto the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

type webhookAck struct {
	Received bool   `json:"received"`
	Applied  bool   `json:"applied"`
	Reason   string `json:"reason,omitempty"`
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stripe == nil || h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "stripe webhooks are not configured", http.StatusServiceUnavailable))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read body", http.StatusBadRequest))
		return
	}
	if len(payload) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", errBodyTooLarge.Error(), http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.stripe.ParseWebhook(ctx, payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payments.ErrWebhookSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature invalid", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", "webhook payload invalid", http.StatusBadRequest))
		return
	}
	if event.Outcome == nil {
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Reason: "ignored"})
		return
	}

	sessionID := strings.TrimSpace(event.Metadata[payments.MetadataSessionKey])
	sess, ok := h.sessions.Lookup(sessionID)
	if sessionID == "" || !ok {
		h.logger(ctx, "webhook.session_missing", map[string]any{"event": event.ID, "type": event.Type, "session": sessionID})
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Reason: "session_not_live"})
		return
	}

	// Applied even if Stripe drops the connection.
	applyCtx := context.WithoutCancel(ctx)
	_, err = sess.Checkout.Resolve(applyCtx, event.Metadata[payments.MetadataAttemptKey], *event.Outcome)
	var recErr *services.ReconciliationError
	switch {
	case errors.As(err, &recErr):
		// The orchestrator has already reported the gap; redelivery cannot repair it.
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Applied: true, Reason: errorOrderNotSaved})
	case errors.Is(err, services.ErrCheckoutNotPending):
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Reason: "not_pending"})
	case err != nil && !errors.Is(err, services.ErrPaymentFailed):
		writeServiceError(ctx, w, err)
	default:
		h.logger(ctx, "webhook.applied", map[string]any{"event": event.ID, "type": event.Type, "session": sessionID})
		httpx.WriteJSON(w, http.StatusOK, webhookAck{Received: true, Applied: true})
	}
}

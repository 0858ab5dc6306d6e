package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/platform/auth"
	"github.com/threadline/storefront/internal/platform/httpx"
	"github.com/threadline/storefront/internal/services"
	"github.com/threadline/storefront/internal/session"
)

// CheckoutHandlers drives the checkout orchestrator of the current session.
type CheckoutHandlers struct {
	sessions SessionRegistry
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(sessions SessionRegistry) *CheckoutHandlers {
	return &CheckoutHandlers{sessions: sessions}
}

// Routes wires the /checkout endpoints onto the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCheckout)
	r.Post("/", h.submit)
	r.Post("/open", h.open)
	r.Post("/callback", h.callback)
	r.Post("/close", h.close)
}

type paymentSessionPayload struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"`
	RedirectURL  string `json:"redirectUrl,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

type checkoutPayload struct {
	State     string                 `json:"state"`
	Loading   bool                   `json:"loading"`
	Notice    string                 `json:"notice,omitempty"`
	Error     string                 `json:"error,omitempty"`
	OrderID   string                 `json:"orderId,omitempty"`
	Reference string                 `json:"paymentReference,omitempty"`
	AttemptID string                 `json:"attemptId,omitempty"`
	Total     float64                `json:"total"`
	Currency  string                 `json:"currency,omitempty"`
	Payment   *paymentSessionPayload `json:"payment,omitempty"`
}

type checkoutResponse struct {
	Checkout checkoutPayload `json:"checkout"`
}

type submitCheckoutRequest struct {
	FullName   string `json:"fullName"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	Address    string `json:"address"`
	Currency   string `json:"currency"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

func buildCheckoutPayload(snap services.CheckoutSnapshot) checkoutPayload {
	out := checkoutPayload{
		State:     string(snap.State),
		Loading:   snap.Loading,
		Notice:    snap.Notice,
		Error:     snap.Error,
		OrderID:   snap.OrderID,
		Reference: snap.Reference,
		AttemptID: snap.AttemptID,
		Total:     snap.Total,
		Currency:  string(snap.Currency),
	}
	if snap.Session != nil {
		out.Payment = &paymentSessionPayload{
			ID:           snap.Session.ID,
			Provider:     snap.Session.Provider,
			RedirectURL:  snap.Session.RedirectURL,
			ClientSecret: snap.Session.ClientSecret,
		}
		if !snap.Session.ExpiresAt.IsZero() {
			out.Payment.ExpiresAt = snap.Session.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
	return out
}

func writeCheckout(w http.ResponseWriter, status int, snap services.CheckoutSnapshot) {
	httpx.WriteJSON(w, status, checkoutResponse{Checkout: buildCheckoutPayload(snap)})
}

func (h *CheckoutHandlers) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_service_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	sess, err := currentSession(ctx, h.sessions)
	if err != nil {
		writeServiceError(ctx, w, err)
		return nil, false
	}
	return sess, true
}

func (h *CheckoutHandlers) getCheckout(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	writeCheckout(w, http.StatusOK, sess.Checkout.Snapshot())
}

func (h *CheckoutHandlers) open(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := sess.Checkout.Open()
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeCheckout(w, http.StatusOK, snap)
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitCheckoutRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	currency := domain.CurrencyCode(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = sess.Currency()
	}
	cmd := services.SubmitCheckout{
		Details: domain.BuyerDetails{
			FullName: req.FullName,
			Phone:    req.Phone,
			Email:    req.Email,
			Address:  req.Address,
		},
		Currency:   currency,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		cmd.UserID = identity.UID
	}

	if _, err := sess.Checkout.Begin(ctx, cmd); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCheckout(w, http.StatusAccepted, sess.Checkout.Snapshot())
}

func (h *CheckoutHandlers) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Reference string `json:"reference"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := sess.Checkout.Callback(ctx, req.Reference)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeCheckout(w, http.StatusOK, snap)
}

func (h *CheckoutHandlers) close(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	// Close settles even when the client disconnects.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
	defer cancel()
	snap, err := sess.Checkout.Close(ctx)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeCheckout(w, http.StatusOK, snap)
}

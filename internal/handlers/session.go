package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/platform/httpx"
	"github.com/threadline/storefront/internal/platform/requestctx"
	"github.com/threadline/storefront/internal/session"
)

// SessionRegistry resolves the live session behind a request.
type SessionRegistry interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Lookup(id string) (*session.Session, bool)
	Update(ctx context.Context, id string, fn func(session.State) session.State) (session.State, error)
}

var _ SessionRegistry = (*session.Registry)(nil)

func currentSession(ctx context.Context, sessions SessionRegistry) (*session.Session, error) {
	return sessions.Get(ctx, requestctx.SessionID(ctx))
}

// SessionHandlers exposes the display currency preference of the current session.
type SessionHandlers struct {
	sessions SessionRegistry
}

// NewSessionHandlers constructs session preference handlers.
func NewSessionHandlers(sessions SessionRegistry) *SessionHandlers {
	return &SessionHandlers{sessions: sessions}
}

// Routes wires the /session endpoints onto the provided router.
func (h *SessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/currency", h.getCurrency)
	r.Put("/currency", h.putCurrency)
}

type currencyPayload struct {
	Currency  string   `json:"currency"`
	Base      string   `json:"base"`
	Supported []string `json:"supported"`
}

func newCurrencyPayload(code domain.CurrencyCode) currencyPayload {
	supported := domain.SupportedCurrencies()
	out := currencyPayload{Currency: string(code), Base: string(domain.BaseCurrency), Supported: make([]string, 0, len(supported))}
	for _, c := range supported {
		out.Supported = append(out.Supported, string(c))
	}
	return out
}

func (h *SessionHandlers) getCurrency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := currentSession(ctx, h.sessions)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newCurrencyPayload(sess.Currency()))
}

func (h *SessionHandlers) putCurrency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Currency string `json:"currency"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	state, err := h.sessions.Update(ctx, requestctx.SessionID(ctx), func(s session.State) session.State {
		s.Currency = domain.CurrencyCode(req.Currency)
		return s
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newCurrencyPayload(state.Currency))
}

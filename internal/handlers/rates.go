package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/platform/httpx"
	"github.com/threadline/storefront/internal/services"
)

const rateCacheControl = "public, max-age=60"

// RateHandlers exposes the shared conversion rate table.
type RateHandlers struct {
	rates *services.CurrencyCache
}

// NewRateHandlers constructs rate handlers.
func NewRateHandlers(rates *services.CurrencyCache) *RateHandlers {
	return &RateHandlers{rates: rates}
}

// Routes wires the public /rates endpoints onto the provided router.
func (h *RateHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getRates)
	r.Get("/convert", h.convert)
}

// AdminRoutes wires the rate maintenance endpoint onto the admin router.
func (h *RateHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Put("/rates", h.putRates)
}

type ratesPayload struct {
	Base      string             `json:"base"`
	Rates     map[string]float64 `json:"rates"`
	Loaded    bool               `json:"loaded"`
	Loading   bool               `json:"loading"`
	Error     string             `json:"error,omitempty"`
	FetchedAt string             `json:"fetchedAt"`
}

func (h *RateHandlers) payload() ratesPayload {
	table := h.rates.Rates()
	out := ratesPayload{
		Base:      string(domain.BaseCurrency),
		Rates:     make(map[string]float64, len(table)),
		Loaded:    h.rates.Loaded(),
		Loading:   h.rates.Loading(),
		Error:     h.rates.Error(),
		FetchedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for code, rate := range table {
		out.Rates[string(code)] = rate
	}
	return out
}

func (h *RateHandlers) getRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.rates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("rates_unavailable", "rate service is unavailable", http.StatusServiceUnavailable))
		return
	}
	if err := h.rates.Load(ctx); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", rateCacheControl)
	httpx.WriteJSON(w, http.StatusOK, h.payload())
}

func (h *RateHandlers) convert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.rates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("rates_unavailable", "rate service is unavailable", http.StatusServiceUnavailable))
		return
	}
	amount, err := strconv.ParseFloat(strings.TrimSpace(r.URL.Query().Get("amount")), 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "amount must be a number", http.StatusBadRequest))
		return
	}
	code, err := displayCurrency(r, domain.BaseCurrency)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if code != domain.BaseCurrency {
		if err := h.rates.Load(ctx); err != nil {
			writeServiceError(ctx, w, err)
			return
		}
	}
	converted := h.rates.Convert(amount, code)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"amount":    amount,
		"base":      string(domain.BaseCurrency),
		"currency":  string(code),
		"converted": converted,
		"formatted": services.FormatAmount(converted, code, requestLanguage(r)),
	})
}

func (h *RateHandlers) putRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.rates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("rates_unavailable", "rate service is unavailable", http.StatusServiceUnavailable))
		return
	}
	var req struct {
		Rates map[string]any `json:"rates"`
	}
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if len(req.Rates) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "request validation failed", http.StatusUnprocessableEntity).
			WithFields(map[string]string{"rates": "is required"}))
		return
	}
	if _, err := h.rates.Update(ctx, req.Rates); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.payload())
}

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/platform/httpx"
	"github.com/threadline/storefront/internal/services"
	"github.com/threadline/storefront/internal/session"
)

var displayLanguages = language.NewMatcher([]language.Tag{
	language.English,
	language.MustParse("en-NG"),
	language.BritishEnglish,
	language.French,
	language.German,
})

// CartHandlers exposes the session cart priced in the session's display currency.
type CartHandlers struct {
	sessions SessionRegistry
	rates    *services.CurrencyCache
}

// NewCartHandlers constructs cart handlers.
func NewCartHandlers(sessions SessionRegistry, rates *services.CurrencyCache) *CartHandlers {
	return &CartHandlers{sessions: sessions, rates: rates}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Post("/items/{productID}/increase", h.increaseItem)
	r.Post("/items/{productID}/decrease", h.decreaseItem)
	r.Delete("/items/{productID}", h.removeItem)
}

type cartLinePayload struct {
	ProductID         string  `json:"productId"`
	Title             string  `json:"title"`
	ImagePath         string  `json:"imagePath,omitempty"`
	Quantity          int     `json:"quantity"`
	Price             float64 `json:"price"`
	PriceCurrency     string  `json:"priceCurrency"`
	UnitPrice         float64 `json:"unitPrice"`
	LineTotal         float64 `json:"lineTotal"`
	FormattedUnit     string  `json:"formattedUnitPrice"`
	FormattedLineCost string  `json:"formattedLineTotal"`
}

type cartPayload struct {
	Currency       string            `json:"currency"`
	Items          []cartLinePayload `json:"items"`
	Quantity       int               `json:"quantity"`
	Total          float64           `json:"total"`
	FormattedTotal string            `json:"formattedTotal"`
	RatesLoaded    bool              `json:"ratesLoaded"`
	RatesError     string            `json:"ratesError,omitempty"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type addCartItemRequest struct {
	ProductID string  `json:"productId"`
	Title     string  `json:"title"`
	ImagePath string  `json:"imagePath"`
	Price     float64 `json:"price"`
	Currency  string  `json:"currency"`
	Quantity  int     `json:"quantity"`
	Decrease  bool    `json:"decrease"`
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, sess *session.Session) ([]domain.CartLineItem, error) {
		return sess.Cart.Items(), nil
	})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, sess *session.Session) ([]domain.CartLineItem, error) {
		if err := sess.Cart.Clear(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	})
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	var req addCartItemRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	h.withSession(w, r, func(ctx context.Context, sess *session.Session) ([]domain.CartLineItem, error) {
		return sess.Cart.Add(ctx, services.AddToCart{
			ProductID: req.ProductID,
			Quantity:  req.Quantity,
			Decrease:  req.Decrease,
			Variant: domain.CartLineItem{
				ProductID: req.ProductID,
				Title:     req.Title,
				ImagePath: req.ImagePath,
				Price:     req.Price,
				Currency:  domain.CurrencyCode(req.Currency),
			},
		})
	})
}

func (h *CartHandlers) increaseItem(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	h.withSession(w, r, func(ctx context.Context, sess *session.Session) ([]domain.CartLineItem, error) {
		return sess.Cart.Increase(ctx, productID)
	})
}

func (h *CartHandlers) decreaseItem(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	h.withSession(w, r, func(ctx context.Context, sess *session.Session) ([]domain.CartLineItem, error) {
		return sess.Cart.Decrease(ctx, productID)
	})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	h.withSession(w, r, func(ctx context.Context, sess *session.Session) ([]domain.CartLineItem, error) {
		return sess.Cart.Remove(ctx, productID)
	})
}

func (h *CartHandlers) withSession(w http.ResponseWriter, r *http.Request, op func(context.Context, *session.Session) ([]domain.CartLineItem, error)) {
	ctx := r.Context()
	if h.sessions == nil || h.rates == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	display, err := displayCurrency(r, domain.BaseCurrency)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	sess, err := currentSession(ctx, h.sessions)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if strings.TrimSpace(r.URL.Query().Get("currency")) == "" {
		display = sess.Currency()
	}
	items, err := op(ctx, sess)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if items == nil {
		items = []domain.CartLineItem{}
	}
	httpx.WriteJSON(w, http.StatusOK, cartResponse{Cart: h.buildCartPayload(ctx, items, display, requestLanguage(r))})
}

func (h *CartHandlers) buildCartPayload(ctx context.Context, items []domain.CartLineItem, display domain.CurrencyCode, tag language.Tag) cartPayload {
	for _, item := range items {
		if item.Currency != display {
			// A failed load leaves converted amounts at zero and reports the message instead.
			_ = h.rates.Load(ctx)
			break
		}
	}
	summary := services.PriceCart(items, h.rates, display)
	out := cartPayload{
		Currency:       string(display),
		Items:          make([]cartLinePayload, 0, len(summary.Lines)),
		Quantity:       summary.Quantity,
		Total:          summary.Total,
		FormattedTotal: services.FormatAmount(summary.Total, display, tag),
		RatesLoaded:    h.rates.Loaded(),
		RatesError:     h.rates.Error(),
	}
	for _, line := range summary.Lines {
		out.Items = append(out.Items, cartLinePayload{
			ProductID:         line.Item.ProductID,
			Title:             line.Item.Title,
			ImagePath:         line.Item.ImagePath,
			Quantity:          line.Item.Quantity,
			Price:             line.Item.Price,
			PriceCurrency:     string(line.Item.Currency),
			UnitPrice:         line.UnitPrice,
			LineTotal:         line.LineTotal,
			FormattedUnit:     services.FormatAmount(line.UnitPrice, display, tag),
			FormattedLineCost: services.FormatAmount(line.LineTotal, display, tag),
		})
	}
	return out
}

// displayCurrency reads the currency query parameter, falling back to fallback when absent.
func displayCurrency(r *http.Request, fallback domain.CurrencyCode) (domain.CurrencyCode, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("currency"))
	if raw == "" {
		return fallback, nil
	}
	code, ok := domain.ParseCurrency(raw)
	if !ok {
		return "", fmt.Errorf("%w: %s", services.ErrInvalidCurrency, raw)
	}
	return code, nil
}

func requestLanguage(r *http.Request) language.Tag {
	tag, _ := language.MatchStrings(displayLanguages, r.URL.Query().Get("locale"), r.Header.Get("Accept-Language"))
	return tag
}

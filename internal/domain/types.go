package domain

import (
	"strings"
	"time"
)

// CurrencyCode is an ISO 4217 code the storefront can display prices in.
type CurrencyCode string

const (
	// CurrencyNGN is the base currency. Catalogue prices are authored in it.
	CurrencyNGN CurrencyCode = "NGN"
	CurrencyUSD CurrencyCode = "USD"
	CurrencyGBP CurrencyCode = "GBP"
	CurrencyEUR CurrencyCode = "EUR"
)

// BaseCurrency is the currency every conversion rate is expressed against.
const BaseCurrency = CurrencyNGN

var supportedCurrencies = []CurrencyCode{CurrencyNGN, CurrencyUSD, CurrencyGBP, CurrencyEUR}

// SupportedCurrencies lists the display currencies in presentation order.
func SupportedCurrencies() []CurrencyCode {
	out := make([]CurrencyCode, len(supportedCurrencies))
	copy(out, supportedCurrencies)
	return out
}

// ParseCurrency normalises raw into a supported code.
func ParseCurrency(raw string) (CurrencyCode, bool) {
	code := CurrencyCode(strings.ToUpper(strings.TrimSpace(raw)))
	for _, c := range supportedCurrencies {
		if c == code {
			return c, true
		}
	}
	return "", false
}

// CartLineItem is one product entry in a session cart.
type CartLineItem struct {
	ProductID string       `json:"productId"`
	Title     string       `json:"title"`
	ImagePath string       `json:"imagePath,omitempty"`
	Price     float64      `json:"price"`
	Currency  CurrencyCode `json:"currency"`
	Quantity  int          `json:"quantity"`
}

// ConversionRateTable maps a currency to the number of units of it per base unit.
type ConversionRateTable map[CurrencyCode]float64

// Clone returns an independent copy of the table.
func (t ConversionRateTable) Clone() ConversionRateTable {
	out := make(ConversionRateTable, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// BuyerDetails is the contact and delivery information collected at checkout.
type BuyerDetails struct {
	FullName string `json:"fullName" firestore:"fullName" validate:"required"`
	Phone    string `json:"phone" firestore:"phone" validate:"required"`
	Email    string `json:"email" firestore:"email" validate:"required,email"`
	Address  string `json:"address" firestore:"address" validate:"required"`
}

// OrderItem is the persisted form of a cart line. Optional attributes are pointers so an
// absent value is stored as null rather than a zero value.
type OrderItem struct {
	ProductID string       `json:"productId" firestore:"productId"`
	Title     *string      `json:"title" firestore:"title"`
	ImagePath *string      `json:"imagePath" firestore:"imagePath"`
	Price     *float64     `json:"price" firestore:"price"`
	Currency  CurrencyCode `json:"currency" firestore:"currency"`
	Quantity  int          `json:"quantity" firestore:"quantity"`
}

// OrderRecord is written once, after a successful payment, and never updated.
type OrderRecord struct {
	ID               string       `json:"id" firestore:"-"`
	UserDetails      BuyerDetails `json:"userDetails" firestore:"userDetails"`
	Items            []OrderItem  `json:"items" firestore:"items"`
	Total            float64      `json:"total" firestore:"total"`
	Currency         CurrencyCode `json:"currency" firestore:"currency"`
	PaymentReference string       `json:"paymentReference" firestore:"paymentReference"`
	Provider         string       `json:"provider" firestore:"provider"`
	SessionID        string       `json:"sessionId" firestore:"sessionId"`
	UserID           *string      `json:"userId,omitempty" firestore:"userId"`
	CreatedAt        time.Time    `json:"createdAt" firestore:"createdAt"`
}

// Health statuses reported by readiness probes.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck is the result of probing one dependency.
type SystemHealthCheck struct {
	Status    string        `json:"status"`
	Detail    string        `json:"detail,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// SystemHealthReport aggregates dependency status for readiness endpoints.
type SystemHealthReport struct {
	Status      string                       `json:"status"`
	Checks      map[string]SystemHealthCheck `json:"checks"`
	GeneratedAt time.Time                    `json:"generatedAt"`
}

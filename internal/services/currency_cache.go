package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/platform/localstore"
	"github.com/threadline/storefront/internal/repositories"
)

const (
	rateLoadErrorMessage   = "could not load exchange rates"
	rateUpdateErrorMessage = "could not update exchange rates"
)

// DefaultConversionRates seeds the remote rate document when it does not exist.
func DefaultConversionRates() domain.ConversionRateTable {
	return domain.ConversionRateTable{
		domain.CurrencyNGN: 1,
		domain.CurrencyUSD: 0.00065,
		domain.CurrencyGBP: 0.00052,
		domain.CurrencyEUR: 0.0006,
	}
}

// CurrencyCacheDeps wires the rate sources.
type CurrencyCacheDeps struct {
	Local    localstore.Slot[domain.ConversionRateTable]
	Remote   repositories.RateRepository
	Defaults domain.ConversionRateTable
	Logger   func(context.Context, string, map[string]any)
}

// CurrencyCache converts base-currency amounts into display currencies. Rates are loaded
// once per process and shared by every session.
type CurrencyCache struct {
	local    localstore.Slot[domain.ConversionRateTable]
	remote   repositories.RateRepository
	defaults domain.ConversionRateTable
	logger   func(context.Context, string, map[string]any)
	group    singleflight.Group

	mu      sync.RWMutex
	rates   domain.ConversionRateTable
	loaded  bool
	loading bool
	errMsg  string
}

// NewCurrencyCache constructs a cache. Nothing is fetched until Load.
func NewCurrencyCache(deps CurrencyCacheDeps) (*CurrencyCache, error) {
	if deps.Remote == nil {
		return nil, errors.New("currency cache: rate repository is required")
	}
	defaults := deps.Defaults
	if len(defaults) == 0 {
		defaults = DefaultConversionRates()
	}
	defaults = defaults.Clone()
	defaults[domain.BaseCurrency] = 1

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CurrencyCache{
		local:    deps.Local,
		remote:   deps.Remote,
		defaults: defaults,
		logger:   logger,
	}, nil
}

// Load populates the cache on first use: the local slot wins, then the remote document, and
// when the remote document is missing it is seeded with the defaults. Concurrent calls share
// one fetch. A failure leaves the cache unloaded so a later Load retries.
func (c *CurrencyCache) Load(ctx context.Context) error {
	if c.Loaded() {
		return nil
	}
	_, err, _ := c.group.Do("load", func() (any, error) {
		if c.Loaded() {
			return nil, nil
		}
		return nil, c.load(ctx)
	})
	return err
}

func (c *CurrencyCache) load(ctx context.Context) error {
	c.mu.Lock()
	c.loading = true
	c.errMsg = ""
	c.mu.Unlock()

	if rates, ok := c.loadLocal(ctx); ok {
		c.apply(rates)
		return nil
	}

	raw, err := c.remote.GetRates(ctx)
	var rates domain.ConversionRateTable
	switch {
	case repositories.IsNotFound(err):
		rates = c.defaults.Clone()
		if seedErr := c.remote.SetRates(ctx, rates); seedErr != nil {
			c.logger(ctx, "currency.rates.seed_failed", map[string]any{"error": seedErr.Error()})
		} else {
			c.logger(ctx, "currency.rates.seeded", map[string]any{"currencies": len(rates)})
		}
	case err != nil:
		c.fail(rateLoadErrorMessage)
		c.logger(ctx, "currency.rates.load_failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("%w: %w", ErrRatesUnavailable, err)
	default:
		rates = NormalizeRates(raw, c.defaults)
	}

	c.saveLocal(ctx, rates)
	c.apply(rates)
	return nil
}

func (c *CurrencyCache) loadLocal(ctx context.Context) (domain.ConversionRateTable, bool) {
	rates, ok, err := c.local.Load(ctx)
	if err != nil {
		c.logger(ctx, "currency.rates.local_unreadable", map[string]any{"key": c.local.Key(), "error": err.Error()})
		return nil, false
	}
	if !ok || rates[domain.BaseCurrency] != 1 {
		return nil, false
	}
	raw := make(map[string]any, len(rates))
	for code, rate := range rates {
		raw[string(code)] = rate
	}
	return NormalizeRates(raw, c.defaults), true
}

func (c *CurrencyCache) saveLocal(ctx context.Context, rates domain.ConversionRateTable) {
	if err := c.local.Save(ctx, rates); err != nil {
		c.logger(ctx, "currency.rates.local_save_failed", map[string]any{"key": c.local.Key(), "error": err.Error()})
	}
}

func (c *CurrencyCache) apply(rates domain.ConversionRateTable) {
	c.mu.Lock()
	c.rates = rates
	c.loaded = true
	c.loading = false
	c.errMsg = ""
	c.mu.Unlock()
}

func (c *CurrencyCache) fail(msg string) {
	c.mu.Lock()
	c.loading = false
	c.errMsg = msg
	c.mu.Unlock()
}

// Update normalises raw, writes it to the remote document and then to the cache.
func (c *CurrencyCache) Update(ctx context.Context, raw map[string]any) (domain.ConversionRateTable, error) {
	rates := NormalizeRates(raw, c.defaults)

	c.mu.Lock()
	c.loading = true
	c.errMsg = ""
	c.mu.Unlock()

	if err := c.remote.SetRates(ctx, rates); err != nil {
		c.fail(rateUpdateErrorMessage)
		c.logger(ctx, "currency.rates.update_failed", map[string]any{"error": err.Error()})
		return nil, fmt.Errorf("%w: %w", ErrRatesUnavailable, err)
	}
	c.saveLocal(ctx, rates)
	c.apply(rates)
	c.logger(ctx, "currency.rates.updated", map[string]any{"currencies": len(rates)})
	return rates.Clone(), nil
}

// Watch applies every change to the remote document until ctx ends.
func (c *CurrencyCache) Watch(ctx context.Context) error {
	return c.remote.WatchRates(ctx, func(raw map[string]any) {
		rates := NormalizeRates(raw, c.defaults)
		c.saveLocal(ctx, rates)
		c.apply(rates)
		c.logger(ctx, "currency.rates.refreshed", map[string]any{"currencies": len(rates)})
	})
}

// Convert returns amount in code. The base currency converts to itself; otherwise the result
// is 0 until rates are loaded, when code has no usable rate and for NaN or infinite amounts.
func (c *CurrencyCache) Convert(amount float64, code domain.CurrencyCode) float64 {
	if !finite(amount) {
		return 0
	}
	if code == domain.BaseCurrency {
		return amount
	}
	c.mu.RLock()
	rate, ok := c.rates[code]
	loaded := c.loaded
	c.mu.RUnlock()
	if !loaded || !ok || !usableRate(rate) {
		return 0
	}
	return round2(decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(rate)))
}

// ToBase returns amount, priced in from, expressed in the base currency. Like Convert it
// yields 0 when the rate is not available.
func (c *CurrencyCache) ToBase(amount float64, from domain.CurrencyCode) float64 {
	if !finite(amount) {
		return 0
	}
	if from == domain.BaseCurrency || from == "" {
		return amount
	}
	c.mu.RLock()
	rate, ok := c.rates[from]
	loaded := c.loaded
	c.mu.RUnlock()
	if !loaded || !ok || !usableRate(rate) {
		return 0
	}
	return round2(decimal.NewFromFloat(amount).Div(decimal.NewFromFloat(rate)))
}

// Rates returns a copy of the loaded table, or nil before the first successful load.
func (c *CurrencyCache) Rates() domain.ConversionRateTable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rates == nil {
		return nil
	}
	return c.rates.Clone()
}

// Loaded reports whether a rate table is available.
func (c *CurrencyCache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Loading reports whether a fetch or update is running.
func (c *CurrencyCache) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading
}

// Error returns the user-facing message of the last failure, or "".
func (c *CurrencyCache) Error() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errMsg
}

// NormalizeRates builds a table from an untyped document. The base rate is forced to 1,
// unknown codes are dropped and entries that are not positive numbers take the default.
func NormalizeRates(raw map[string]any, defaults domain.ConversionRateTable) domain.ConversionRateTable {
	out := defaults.Clone()
	for key, value := range raw {
		code, ok := domain.ParseCurrency(key)
		if !ok {
			continue
		}
		if rate, ok := toRate(value); ok {
			out[code] = rate
		}
	}
	out[domain.BaseCurrency] = 1
	return out
}

func toRate(v any) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	return f, usableRate(f)
}

func usableRate(rate float64) bool {
	return rate > 0 && finite(rate)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func round2(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

// FormatAmount renders amount with the code and the locale's digit grouping, using the
// currency's standard number of decimals.
func FormatAmount(amount float64, code domain.CurrencyCode, tag language.Tag) string {
	scale := 2
	if unit, err := currency.ParseISO(string(code)); err == nil {
		scale, _ = currency.Standard.Rounding(unit)
	}
	p := message.NewPrinter(tag)
	return p.Sprintf("%s %v", string(code), number.Decimal(amount, number.Scale(scale)))
}

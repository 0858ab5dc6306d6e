package services

import (
	"github.com/shopspring/decimal"

	domain "github.com/threadline/storefront/internal/domain"
)

// PricedLine is a cart line with amounts in the display currency.
type PricedLine struct {
	Item      domain.CartLineItem
	UnitPrice float64
	LineTotal float64
}

// CartSummary is a cart priced in one display currency.
type CartSummary struct {
	Currency domain.CurrencyCode
	Lines    []PricedLine
	Quantity int
	Total    float64
}

// PriceCart converts every line into display. Unit prices are converted first and rounded,
// then multiplied, so the total always equals the sum of what the buyer sees per line.
func PriceCart(items []domain.CartLineItem, rates *CurrencyCache, display domain.CurrencyCode) CartSummary {
	summary := CartSummary{Currency: display, Lines: make([]PricedLine, 0, len(items))}
	total := decimal.Zero
	for _, item := range items {
		var unit float64
		if item.Currency == display {
			unit = decimal.NewFromFloat(item.Price).Round(2).InexactFloat64()
		} else {
			unit = rates.Convert(rates.ToBase(item.Price, item.Currency), display)
		}
		line := decimal.NewFromFloat(unit).Mul(decimal.NewFromInt(int64(item.Quantity))).Round(2)
		summary.Lines = append(summary.Lines, PricedLine{
			Item:      item,
			UnitPrice: unit,
			LineTotal: line.InexactFloat64(),
		})
		summary.Quantity += item.Quantity
		total = total.Add(line)
	}
	summary.Total = total.Round(2).InexactFloat64()
	return summary
}

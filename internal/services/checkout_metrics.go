package services

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/threadline/storefront/internal/services"

// CheckoutMetrics counts checkout outcomes. It is shared by every session's orchestrator.
type CheckoutMetrics struct {
	outcomes metric.Int64Counter
	gaps     metric.Int64Counter
}

// NewCheckoutMetrics registers the checkout instruments on meter.
func NewCheckoutMetrics(meter metric.Meter) (*CheckoutMetrics, error) {
	outcomes, err := meter.Int64Counter("checkout.outcomes",
		metric.WithDescription("Checkout attempts by terminal state"),
	)
	if err != nil {
		return nil, err
	}
	gaps, err := meter.Int64Counter("checkout.reconciliation_gap",
		metric.WithDescription("Captured payments whose order could not be saved"),
	)
	if err != nil {
		return nil, err
	}
	return &CheckoutMetrics{outcomes: outcomes, gaps: gaps}, nil
}

func (m *CheckoutMetrics) outcome(ctx context.Context, state CheckoutState, provider string) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(state)),
		attribute.String("provider", provider),
	))
}

func (m *CheckoutMetrics) reconciliationGap(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.gaps.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

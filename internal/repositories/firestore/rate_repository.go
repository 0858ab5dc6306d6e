package firestore

import (
	"context"
	"errors"

	domain "github.com/threadline/storefront/internal/domain"
	pfirestore "github.com/threadline/storefront/internal/platform/firestore"
	"github.com/threadline/storefront/internal/repositories"
)

const (
	settingsCollection = "settings"
	conversionRateDoc  = "conversionRate"
)

// RateRepository stores the conversion table as a single settings document keyed by
// currency code.
type RateRepository struct {
	base *pfirestore.BaseRepository[map[string]any]
}

var _ repositories.RateRepository = (*RateRepository)(nil)

// NewRateRepository constructs a Firestore-backed rate repository.
func NewRateRepository(provider *pfirestore.Provider) (*RateRepository, error) {
	if provider == nil {
		return nil, errors.New("rate repository requires firestore provider")
	}
	return &RateRepository{
		base: pfirestore.NewBaseRepository[map[string]any](provider, settingsCollection, nil, pfirestore.MapDecoder()),
	}, nil
}

// GetRates returns the raw conversion rate document.
func (r *RateRepository) GetRates(ctx context.Context) (map[string]any, error) {
	doc, err := r.base.Get(ctx, conversionRateDoc)
	if err != nil {
		return nil, err
	}
	return doc.Data, nil
}

// SetRates overwrites the conversion rate document with rates.
func (r *RateRepository) SetRates(ctx context.Context, rates domain.ConversionRateTable) error {
	return r.base.Set(ctx, conversionRateDoc, encodeRates(rates))
}

// WatchRates streams document changes. Deletions are not reported.
func (r *RateRepository) WatchRates(ctx context.Context, fn func(raw map[string]any)) error {
	if fn == nil {
		return errors.New("rate repository: watch callback is required")
	}
	return r.base.Watch(ctx, conversionRateDoc, func(doc pfirestore.Document[map[string]any], ok bool) {
		if ok {
			fn(doc.Data)
		}
	})
}

func encodeRates(rates domain.ConversionRateTable) map[string]any {
	out := make(map[string]any, len(rates))
	for code, rate := range rates {
		out[string(code)] = rate
	}
	return out
}

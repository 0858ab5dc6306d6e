package repositories

import (
	"context"
	"errors"

	domain "github.com/threadline/storefront/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository appends order documents. Documents are created once and never updated.
// The document passed to Append must already be reduced to store-representable values.
type OrderRepository interface {
	Append(ctx context.Context, id string, doc map[string]any) error
	Get(ctx context.Context, id string) (map[string]any, error)
}

// RateRepository persists the shared conversion rate document.
type RateRepository interface {
	// GetRates returns the raw stored document. A missing document yields a RepositoryError
	// whose IsNotFound reports true.
	GetRates(ctx context.Context) (map[string]any, error)
	SetRates(ctx context.Context, rates domain.ConversionRateTable) error
	// WatchRates calls fn with every new version of the document until ctx ends.
	WatchRates(ctx context.Context, fn func(raw map[string]any)) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// IsNotFound reports whether err is a RepositoryError for a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsUnavailable reports whether err is a RepositoryError for a transient backend failure.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// IsConflict reports whether err is a RepositoryError for a write conflict.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

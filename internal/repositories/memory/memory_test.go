package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/threadline/storefront/internal/domain"
	"github.com/threadline/storefront/internal/repositories"
)

func TestOrderRepositoryAppendRejectsDuplicatesAndRawValues(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()

	doc := map[string]any{
		"total":     1.2,
		"createdAt": time.Now().UTC(),
		"items":     []any{map[string]any{"quantity": int64(2), "title": nil}},
	}
	require.NoError(t, repo.Append(ctx, "order-1", doc))

	err := repo.Append(ctx, "order-1", doc)
	assert.True(t, repositories.IsConflict(err), "expected conflict, got %v", err)

	err = repo.Append(ctx, "order-2", map[string]any{"items": []any{map[string]any{"quantity": 2}}})
	require.Error(t, err, "plain int must be rejected")

	_, err = repo.Get(ctx, "missing")
	assert.True(t, repositories.IsNotFound(err))

	got, err := repo.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1.2, got["total"])
	assert.Len(t, repo.All(), 1)
}

func TestRateRepositoryWatchReceivesUpdates(t *testing.T) {
	repo := NewRateRepository(nil)
	ctx := context.Background()

	_, err := repo.GetRates(ctx)
	require.True(t, repositories.IsNotFound(err))

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	seen := make(chan map[string]any, 2)
	done := make(chan error, 1)
	go func() { done <- repo.WatchRates(watchCtx, func(raw map[string]any) { seen <- raw }) }()

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.watchers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, repo.SetRates(ctx, domain.ConversionRateTable{domain.CurrencyNGN: 1, domain.CurrencyUSD: 0.0007}))
	select {
	case raw := <-seen:
		assert.Equal(t, 0.0007, raw["USD"])
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive update")
	}

	cancel()
	require.NoError(t, <-done)
}

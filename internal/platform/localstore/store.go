// Package localstore persists small per-session values (carts, rate caches and display
// preferences) behind a key/value Store with memory, file and Redis backends.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Keys under which storefront values are kept. Session-scoped keys are suffixed with
// ":<sessionID>" by SessionKey.
const (
	KeyCart              = "cart_local"
	KeyConversionRate    = "conversionRate"
	KeyPreferredCurrency = "preferredCurrency"
)

var (
	// ErrNotFound is returned by Store.Load for a key that has never been saved.
	ErrNotFound = errors.New("localstore: key not found")
	// ErrCorrupt wraps payloads that exist but cannot be decoded.
	ErrCorrupt = errors.New("localstore: corrupt payload")
)

// Store is a durable byte store addressed by key.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// SessionKey namespaces key for one browser session.
func SessionKey(key, sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return key
	}
	return key + ":" + sessionID
}

// Slot is a typed view of a single key, encoded as JSON.
type Slot[T any] struct {
	store Store
	key   string
}

// NewSlot binds key in store to values of type T.
func NewSlot[T any](store Store, key string) Slot[T] {
	return Slot[T]{store: store, key: key}
}

// Key returns the underlying store key.
func (s Slot[T]) Key() string { return s.key }

// Load returns the stored value. ok is false when nothing has been saved; a payload that
// fails to decode returns an error wrapping ErrCorrupt.
func (s Slot[T]) Load(ctx context.Context) (value T, ok bool, err error) {
	if s.store == nil {
		return value, false, errors.New("localstore: slot has no store")
	}
	raw, err := s.store.Load(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		var zero T
		return zero, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.key, err)
	}
	return value, true, nil
}

// Save encodes value and writes it before returning.
func (s Slot[T]) Save(ctx context.Context, value T) error {
	if s.store == nil {
		return errors.New("localstore: slot has no store")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("localstore: encode %s: %w", s.key, err)
	}
	return s.store.Save(ctx, s.key, raw)
}

// Delete removes the stored value.
func (s Slot[T]) Delete(ctx context.Context) error {
	if s.store == nil {
		return errors.New("localstore: slot has no store")
	}
	return s.store.Delete(ctx, s.key)
}

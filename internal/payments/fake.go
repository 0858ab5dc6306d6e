package payments

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const providerFake = "fake"

// FakeGateway accepts every charge without contacting a PSP. It backs local runs and tests;
// payments resolve only through explicit callbacks.
type FakeGateway struct {
	mu        sync.Mutex
	requests  []ChargeRequest
	pendings  []*Pending
	beginErr  error
	verifyErr error
	ttl       time.Duration
	clock     func() time.Time
}

var _ Gateway = (*FakeGateway)(nil)

// NewFakeGateway returns a FakeGateway that succeeds every call.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{clock: time.Now}
}

// Name identifies the provider on persisted orders.
func (f *FakeGateway) Name() string { return providerFake }

// FailBegin makes subsequent Begin calls return err.
func (f *FakeGateway) FailBegin(err error) {
	f.mu.Lock()
	f.beginErr = err
	f.mu.Unlock()
}

// FailVerify makes subsequent Verify calls return err.
func (f *FakeGateway) FailVerify(err error) {
	f.mu.Lock()
	f.verifyErr = err
	f.mu.Unlock()
}

// SetSessionTTL makes Begin create sessions that expire ttl after creation, whatever expiry
// the request asked for. Zero restores the requested expiry.
func (f *FakeGateway) SetSessionTTL(ttl time.Duration) {
	f.mu.Lock()
	f.ttl = ttl
	f.mu.Unlock()
}

// Begin records req and returns an unresolved Pending whose redirect URL is the success URL
// carrying a generated reference.
func (f *FakeGateway) Begin(_ context.Context, req ChargeRequest) (*Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	if err := validateCharge(req); err != nil {
		return nil, err
	}

	id := "fake_" + ulid.Make().String()
	redirect := req.SuccessURL
	if u, err := url.Parse(req.SuccessURL); err == nil {
		q := u.Query()
		q.Set("reference", id)
		u.RawQuery = q.Encode()
		redirect = u.String()
	}
	expires := req.ExpiresAt
	if f.ttl > 0 {
		expires = f.clock().Add(f.ttl)
	}
	if expires.IsZero() {
		expires = f.clock().Add(stripeMinSessionTTL)
	}
	pending := NewPending(Session{
		ID:          id,
		Provider:    providerFake,
		RedirectURL: redirect,
		IntentID:    id,
		ExpiresAt:   expires.UTC(),
	})
	f.pendings = append(f.pendings, pending)
	return pending, nil
}

// Verify returns reference unchanged unless FailVerify was called.
func (f *FakeGateway) Verify(_ context.Context, reference string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reference == "" {
		return "", errors.Join(ErrPaymentNotCaptured, errors.New("empty reference"))
	}
	if f.verifyErr != nil {
		return "", f.verifyErr
	}
	return reference, nil
}

// Calls reports how many times Begin was invoked.
func (f *FakeGateway) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Requests returns a copy of every charge passed to Begin.
func (f *FakeGateway) Requests() []ChargeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChargeRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Last returns the most recent Pending, or nil.
func (f *FakeGateway) Last() *Pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pendings) == 0 {
		return nil
	}
	return f.pendings[len(f.pendings)-1]
}

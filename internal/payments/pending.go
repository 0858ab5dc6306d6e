package payments

import (
	"context"
	"sync"
)

// Pending is a payment that has been started but not yet resolved. The first call to
// Resolve wins; later calls are ignored.
type Pending struct {
	session Session
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

// NewPending wraps session in an unresolved Pending.
func NewPending(session Session) *Pending {
	return &Pending{session: session, done: make(chan struct{})}
}

// Session returns the PSP session the payment runs in.
func (p *Pending) Session() Session { return p.session }

// Resolve settles the payment. It reports whether this call was the one that settled it.
func (p *Pending) Resolve(outcome Outcome) bool {
	resolved := false
	p.once.Do(func() {
		p.outcome = outcome
		resolved = true
		close(p.done)
	})
	return resolved
}

// Succeed resolves the payment as captured under reference.
func (p *Pending) Succeed(reference string) bool { return p.Resolve(Succeeded(reference)) }

// Cancel resolves the payment as abandoned.
func (p *Pending) Cancel() bool { return p.Resolve(Cancelled()) }

// Fail resolves the payment as failed.
func (p *Pending) Fail(err error) bool { return p.Resolve(Failed(err)) }

// Done is closed once the payment is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Await blocks until the payment resolves or ctx ends, in which case ctx.Err is returned.
func (p *Pending) Await(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPendingFirstResolutionWins(t *testing.T) {
	p := NewPending(Session{ID: "sess_1"})

	var wg sync.WaitGroup
	wins := make(chan bool, 3)
	for _, resolve := range []func() bool{
		func() bool { return p.Succeed("ref123") },
		p.Cancel,
		func() bool { return p.Fail(errors.New("boom")) },
	} {
		wg.Add(1)
		go func(fn func() bool) {
			defer wg.Done()
			wins <- fn()
		}(resolve)
	}
	wg.Wait()
	close(wins)

	count := 0
	for w := range wins {
		if w {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one winning resolution, got %d", count)
	}

	outcome, err := p.Await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if outcome.Kind == "" {
		t.Fatalf("expected resolved outcome")
	}
}

func TestPendingAwaitHonoursContext(t *testing.T) {
	p := NewPending(Session{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := p.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	p.Succeed("ref")
	outcome, err := p.Await(context.Background())
	if err != nil || outcome.Kind != OutcomeSucceeded || outcome.Reference != "ref" {
		t.Fatalf("unexpected outcome %+v %v", outcome, err)
	}
}

func TestFailedDefaultsToDeclined(t *testing.T) {
	if got := Failed(nil); !errors.Is(got.Err, ErrPaymentDeclined) {
		t.Fatalf("expected declined error, got %v", got.Err)
	}
}

func TestMinorUnitsRoundsHalfAwayFromZero(t *testing.T) {
	cases := map[float64]int64{
		1.2:    120,
		0.6:    60,
		10.005: 1001,
		0.004:  0,
		19.99:  1999,
	}
	for in, want := range cases {
		if got := MinorUnits(in); got != want {
			t.Fatalf("MinorUnits(%v) = %d, want %d", in, got, want)
		}
	}
}

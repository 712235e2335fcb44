package circuit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pirlsquiz/cachekit/pkg/errors"
)

// fakeClock is advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBackend = fmt.Errorf("backend down")

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(999), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker("large-tier", Config{})

	if b.Name() != "large-tier" {
		t.Errorf("Name() = %q, want %q", b.Name(), "large-tier")
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
	if b.config.FailureThreshold != 5 {
		t.Errorf("default FailureThreshold = %d, want 5", b.config.FailureThreshold)
	}
	if b.config.MaxRequests != 1 {
		t.Errorf("default MaxRequests = %d, want 1", b.config.MaxRequests)
	}
	if b.config.Timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want 30s", b.config.Timeout)
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := NewBreaker("test", Config{FailureThreshold: 3, Now: clock.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("a success should reset the failure run, state = %v", b.State())
	}

	if err := b.Execute(ctx, fail); err != errBackend {
		t.Errorf("Execute() = %v, want the backend error", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("open breaker should not run fn")
	}
	if !errors.HasCode(err, errors.ErrCodeTierUnavailable) {
		t.Errorf("open breaker error = %v, want TIER_UNAVAILABLE", err)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := NewBreaker("test", Config{FailureThreshold: 1, Timeout: 10 * time.Second, Now: clock.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	clock.Advance(11 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after timeout = %v, want half-open", b.State())
	}

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state after successful probe = %v, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := NewBreaker("test", Config{FailureThreshold: 1, Timeout: 10 * time.Second, Now: clock.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(11 * time.Second)
	_ = b.Execute(ctx, fail)

	if b.State() != StateOpen {
		t.Errorf("state after failed probe = %v, want open", b.State())
	}
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := NewBreaker("test", Config{FailureThreshold: 1, MaxRequests: 1, Timeout: time.Second, Now: clock.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(2 * time.Second)

	probing := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(probing)
			<-release
			return nil
		})
	}()
	<-probing

	err := b.Execute(ctx, succeed)
	if !errors.HasCode(err, errors.ErrCodeTierUnavailable) {
		t.Errorf("second probe = %v, want TIER_UNAVAILABLE", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("first probe = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	t.Parallel()

	b := NewBreaker("test", Config{FailureThreshold: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_IntervalClearsCounts(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := NewBreaker("test", Config{FailureThreshold: 2, Interval: time.Minute, Now: clock.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	if got := b.Counts().ConsecutiveFailures; got != 1 {
		t.Fatalf("ConsecutiveFailures = %d, want 1", got)
	}

	clock.Advance(2 * time.Minute)
	_ = b.Execute(ctx, fail)
	if b.State() != StateClosed {
		t.Errorf("failures in separate intervals should not trip, state = %v", b.State())
	}
}

func TestBreaker_OnStateChangeAndReset(t *testing.T) {
	t.Parallel()

	var transitions []string
	b := NewBreaker("test", Config{
		FailureThreshold: 1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = b.Execute(context.Background(), fail)
	b.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
	if b.Counts() != (Counts{}) {
		t.Errorf("Counts() after reset = %+v, want zero", b.Counts())
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	b := NewBreaker("test", Config{FailureThreshold: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Execute(ctx, succeed)
			} else {
				_ = b.Execute(ctx, fail)
			}
			_ = b.State()
		}(i)
	}
	wg.Wait()

	counts := b.Counts()
	if counts.TotalSuccesses+counts.TotalFailures != 50 {
		t.Errorf("recorded %d outcomes, want 50", counts.TotalSuccesses+counts.TotalFailures)
	}
}

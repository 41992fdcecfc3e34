package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var (
	errTest     = errors.New("store unavailable")
	errNotFound = errors.New("not found")
)

func fail(context.Context) error    { return errTest }
func succeed(context.Context) error { return nil }

// fakeClock is a settable clock for driving reset timeouts.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clock.Now
	return cb, clock
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "prompt-store"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 1 {
		t.Errorf("halfOpenMax = %d, want 1", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "prompt-store", MaxFailures: 3})
	ctx := context.Background()

	for range 3 {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errTest) {
			t.Fatalf("err = %v, want pass-through of fn error", err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "prompt-store", MaxFailures: 3})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClassifiedErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitBreakerConfig{
		Name:        "prompt-store",
		MaxFailures: 2,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, errNotFound)
		},
	})
	ctx := context.Background()

	for range 5 {
		err := cb.Execute(ctx, func(context.Context) error { return errNotFound })
		if !errors.Is(err, errNotFound) {
			t.Fatalf("err = %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, misses must not open the breaker", cb.State())
	}
}

func TestCircuitBreaker_CancelledCallsDoNotTrip(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "prompt-store", MaxFailures: 1})
	_ = cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("Execute on cancelled ctx = %v, called = %v", err, called)
	}
}

func TestCircuitBreaker_HalfOpenProbes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		probe func(context.Context) error
		want  State
	}{
		{"success closes", succeed, StateClosed},
		{"failure re-opens", fail, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cb, clock := newTestBreaker(CircuitBreakerConfig{
				Name:         "prompt-store",
				MaxFailures:  2,
				ResetTimeout: time.Minute,
			})
			ctx := context.Background()
			_ = cb.Execute(ctx, fail)
			_ = cb.Execute(ctx, fail)

			clock.Advance(59 * time.Second)
			if cb.State() != StateOpen {
				t.Fatalf("state = %v before reset timeout", cb.State())
			}
			clock.Advance(time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open after timeout", cb.State())
			}

			_ = cb.Execute(ctx, tt.probe)
			if got := cb.State(); got != tt.want {
				t.Errorf("state after probe = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenAllowsOneProbeAtATime(t *testing.T) {
	t.Parallel()

	cb, clock := newTestBreaker(CircuitBreakerConfig{
		Name:         "prompt-store",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  2,
	})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}

	// First of two required probes succeeded; still half-open.
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		changes []State
	)
	cb, clock := newTestBreaker(CircuitBreakerConfig{
		Name:         "prompt-store",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		OnStateChange: func(name string, _, to State) {
			if name != "prompt-store" {
				t.Errorf("name = %q", name)
			}
			mu.Lock()
			changes = append(changes, to)
			mu.Unlock()
		},
	})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	clock.Advance(time.Second)
	_ = cb.Execute(ctx, succeed)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %v, want %v", i, changes[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "prompt-store", MaxFailures: 2, ResetTimeout: time.Hour})
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// Package resilience provides a circuit breaker for calls to backing stores
// that may fail or stall while calls are in progress.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open). A
// call rejected by an open breaker returns [ErrCircuitOpen] at once, so the
// caller can fall back to a default without waiting on a sick dependency.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen rejects a call without running it.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls until ResetTimeout has passed since it tripped.
	StateOpen

	// StateHalfOpen lets one probe through at a time. HalfOpenMax successes
	// close the breaker, one failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name is a label used in log messages, e.g. "prompt-store".
	Name string

	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the open period before probing. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed in the half-open
	// state to close the breaker again. Default: 1.
	HalfOpenMax int

	// IsFailure classifies an error returned by the protected call. Errors
	// for which it returns false (for example "not found") count as
	// successes. Default: every non-nil error except context.Canceled.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every state change with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker guards calls to one dependency.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int

	now func() time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		isFailure:     cfg.IsFailure,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
		now:           time.Now,
	}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state only one probe
// runs at a time; concurrent callers are rejected until it finishes.
//
// The error returned by fn is passed through unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb.mu.Lock()
	var changed *stateChange
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		changed = cb.setState(StateHalfOpen)
		cb.probes = 0
		cb.probeSuccesses = 0
	case StateHalfOpen:
		if cb.probes > 0 {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	probing := cb.state == StateHalfOpen
	if probing {
		cb.probes++
	}
	cb.mu.Unlock()
	cb.notify(changed)

	err := fn(ctx)

	cb.mu.Lock()
	if cb.isFailure(err) {
		changed = cb.recordFailure(probing)
	} else {
		changed = cb.recordSuccess(probing)
	}
	cb.mu.Unlock()
	cb.notify(changed)
	return err
}

type stateChange struct{ from, to State }

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) *stateChange {
	if cb.state == to {
		return nil
	}
	c := &stateChange{from: cb.state, to: to}
	cb.state = to
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	return c
}

func (cb *CircuitBreaker) notify(c *stateChange) {
	if c == nil {
		return
	}
	lvl := slog.LevelInfo
	if c.to == StateOpen {
		lvl = slog.LevelWarn
	}
	slog.Log(context.Background(), lvl, "circuit breaker state change",
		"name", cb.name, "from", c.from, "to", c.to)
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, c.from, c.to)
	}
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probing bool) *stateChange {
	if probing {
		// Any failed probe re-opens the breaker for a full reset timeout.
		cb.probes = 0
		return cb.setState(StateOpen)
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		return cb.setState(StateOpen)
	}
	return nil
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probing bool) *stateChange {
	cb.consecutiveFail = 0
	if !probing {
		return nil
	}
	cb.probes = 0
	cb.probeSuccesses++
	if cb.probeSuccesses < cb.halfOpenMax {
		return nil
	}
	cb.probeSuccesses = 0
	return cb.setState(StateClosed)
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.setState(StateClosed)
	cb.consecutiveFail = 0
	cb.probes = 0
	cb.probeSuccesses = 0
	cb.mu.Unlock()
	cb.notify(changed)
}

// Package prompt resolves the AI instructions used for a call.
//
// A [Resolver] looks a lookup key up in an optional [Cache], then in a
// [Store] protected by a circuit breaker, and falls back to a default text.
// Resolution never fails: store errors, an open breaker, timeouts and misses
// all yield the default so a call is never refused for want of a prompt.
package prompt

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/resilience"
)

// ErrNotFound is returned by a [Store] that has no instructions for a key.
var ErrNotFound = errors.New("prompt: not found")

// DefaultInstructions is used when no other default is configured.
const DefaultInstructions = "You are a helpful and friendly phone assistant. Keep your answers short and conversational."

// Resolution sources recorded in metrics.
const (
	SourceCache   = "cache"
	SourceStore   = "store"
	SourceDefault = "default"
)

// Store is a source of per-key instructions.
type Store interface {
	// Lookup returns the instructions for key or an error wrapping
	// [ErrNotFound].
	Lookup(ctx context.Context, key string) (string, error)
}

// Cache holds previously resolved instructions.
type Cache interface {
	// Get reports whether key is cached.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores instructions for key.
	Set(ctx context.Context, key, instructions string) error
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithCache enables caching of store results.
func WithCache(c Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithBreaker replaces the default circuit breaker around the store.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(r *Resolver) { r.breaker = cb }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithTimeout bounds each store lookup. Default: 2s.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// Resolver implements bridge.PromptResolver. It is safe for concurrent use.
type Resolver struct {
	store   Store
	cache   Cache
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	timeout time.Duration

	fallback atomic.Pointer[string]
}

// NewResolver creates a resolver over store. store may be nil, in which case
// every key resolves to the default. An empty defaultText selects
// [DefaultInstructions].
func NewResolver(store Store, defaultText string, opts ...Option) *Resolver {
	r := &Resolver{store: store, timeout: 2 * time.Second}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.breaker == nil {
		r.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "prompt-store",
			IsFailure: IsStoreFailure,
		})
	}
	r.SetDefault(defaultText)
	return r
}

// IsStoreFailure reports whether err from a [Store] should count against the
// circuit breaker. Misses and cancellations do not.
func IsStoreFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}

// SetDefault replaces the fallback text. An empty text selects
// [DefaultInstructions].
func (r *Resolver) SetDefault(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = DefaultInstructions
	}
	r.fallback.Store(&text)
}

// Default returns the current fallback text.
func (r *Resolver) Default() string { return *r.fallback.Load() }

// Resolve returns the instructions for key. It never fails.
func (r *Resolver) Resolve(ctx context.Context, key string) string {
	start := time.Now()
	log := observe.Logger(ctx).With("lookup_key", key)

	if key == "" || r.store == nil {
		r.metrics.RecordPromptResolve(ctx, SourceDefault, time.Since(start))
		return r.Default()
	}

	if r.cache != nil {
		text, ok, err := r.cache.Get(ctx, key)
		switch {
		case err != nil:
			log.Warn("prompt cache read failed", "err", err)
		case ok:
			r.metrics.RecordPromptResolve(ctx, SourceCache, time.Since(start))
			return text
		}
	}

	var text string
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		var err error
		text, err = r.store.Lookup(ctx, key)
		return err
	})
	if err == nil && strings.TrimSpace(text) == "" {
		err = ErrNotFound
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Debug("no instructions for key, using default")
		} else {
			log.Warn("prompt lookup failed, using default", "err", err)
		}
		r.metrics.RecordPromptResolve(ctx, SourceDefault, time.Since(start))
		return r.Default()
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, text); err != nil {
			log.Warn("prompt cache write failed", "err", err)
		}
	}
	r.metrics.RecordPromptResolve(ctx, SourceStore, time.Since(start))
	log.Debug("prompt resolved", "source", SourceStore)
	return text
}

// Chain tries each store in order and returns the first hit. A store error
// other than a miss stops the chain.
type Chain []Store

// Lookup implements [Store].
func (c Chain) Lookup(ctx context.Context, key string) (string, error) {
	for _, s := range c {
		text, err := s.Lookup(ctx, key)
		if err == nil {
			return text, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", ErrNotFound
}

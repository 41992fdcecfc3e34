// Package health serves the liveness (/healthz) and readiness (/readyz)
// probes of a callbridge instance.
//
// Liveness only says the process serves HTTP. Readiness runs every [Checker]
// and answers 503 when a required one fails or the server is draining for
// shutdown. Optional failures mark the instance "degraded" but keep it in
// rotation, because a call can still be bridged with default instructions.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/resilience"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency.
type Checker struct {
	// Name keys the result in the readiness body ("postgres", "redis").
	Name string

	// Check returns nil when healthy. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional failures degrade readiness instead of failing it.
	Optional bool
}

// Pinger is satisfied by connection pools such as *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping returns a [Checker] that pings p.
func Ping(name string, p Pinger, optional bool) Checker {
	return Checker{Name: name, Check: p.Ping, Optional: optional}
}

// Breaker returns an optional [Checker] that fails while cb is open.
func Breaker(name string, cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name:     name,
		Optional: true,
		Check: func(context.Context) error {
			if cb.State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		},
	}
}

type result struct {
	Status      string            `json:"status"`
	ActiveCalls *int              `json:"active_calls,omitempty"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// Handler serves both probes. Safe for concurrent use.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
	active   func() int
}

// New returns a handler that runs checkers concurrently on every /readyz.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// ReportActiveCalls makes both endpoints include the value returned by fn.
// It must be called before the handler serves requests.
func (h *Handler) ReportActiveCalls(fn func() int) {
	h.active = fn
}

// SetDraining marks the server as shutting down. While draining /readyz
// returns 503 so load balancers stop routing new calls here.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok"}
	h.fillActive(&res)
	writeJSON(w, http.StatusOK, res)
}

// Readyz runs the checkers and reports the aggregate.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu       sync.Mutex
		checks   = make(map[string]string, len(h.checkers))
		failed   bool
		degraded bool
		g        errgroup.Group
	)

	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				checks[c.Name] = "ok"
			case c.Optional:
				checks[c.Name] = "degraded: " + errString(err)
				degraded = true
			default:
				checks[c.Name] = "fail: " + errString(err)
				failed = true
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	h.fillActive(&res)
	status := http.StatusOK
	switch {
	case h.draining.Load():
		res.Status = "draining"
		status = http.StatusServiceUnavailable
	case failed:
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	case degraded:
		res.Status = "degraded"
	}

	writeJSON(w, status, res)
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) fillActive(res *result) {
	if h.active != nil {
		n := h.active()
		res.ActiveCalls = &n
	}
}

func errString(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

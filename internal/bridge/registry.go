package bridge

import (
	"context"
	"sync"
)

// Registry tracks the live bridges of one process so they can be looked up
// and ended together on shutdown. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	bridges map[string]*Bridge
	wg      sync.WaitGroup
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{bridges: make(map[string]*Bridge)}
}

// Run registers b, runs it to completion and unregisters it.
func (r *Registry) Run(ctx context.Context, b *Bridge) Result {
	r.mu.Lock()
	r.bridges[b.ID()] = b
	r.wg.Add(1)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.bridges, b.ID())
		r.mu.Unlock()
		r.wg.Done()
	}()
	return b.Run(ctx)
}

// Count returns the number of live bridges.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bridges)
}

// Get returns the bridge with the given call SID or, before its stream has
// started, session id.
func (r *Registry) Get(id string) (*Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bridges[id]; ok {
		return b, true
	}
	for _, b := range r.bridges {
		if sid := b.CallSID(); sid != "" && sid == id {
			return b, true
		}
	}
	return nil, false
}

// EndAll asks every live bridge to finalize with reason.
func (r *Registry) EndAll(reason string) {
	r.mu.Lock()
	live := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		live = append(live, b)
	}
	r.mu.Unlock()

	for _, b := range live {
		b.End(reason)
	}
}

// Wait blocks until every bridge started through Run has returned or ctx is
// done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

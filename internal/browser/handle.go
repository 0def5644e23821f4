package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ResourceState tracks whether a Handle owns a live engine
type ResourceState int

const (
	Uninitialized ResourceState = iota
	Allocated
	Released
)

func (s ResourceState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Allocated:
		return "allocated"
	case Released:
		return "released"
	}
	return fmt.Sprintf("ResourceState(%d)", int(s))
}

// Handle owns one engine for the lifetime of a session. It moves
// Uninitialized -> Allocated -> Released, and Released is final: release is
// safe to call any number of times, from any state.
//
// Commands run under a shared lease (Use). Release takes the exclusive side,
// so it waits for in-flight commands and every later lease is refused.
type Handle struct {
	mu      sync.RWMutex
	state   ResourceState
	backend string
	engine  Engine
	stop    func(context.Context) error
}

// NewHandle returns an empty handle in the Uninitialized state.
func NewHandle() *Handle {
	return &Handle{}
}

// State returns the current resource state.
func (h *Handle) State() ResourceState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Backend returns the name of the backend that allocated the engine.
func (h *Handle) Backend() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.backend
}

// allocate records the teardown for a process or container that now exists.
func (h *Handle) allocate(backend string, stop func(context.Context) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Released {
		return ErrHandleReleased
	}
	h.state = Allocated
	h.backend = backend
	h.stop = stop
	return nil
}

// attach binds the connected engine to an allocated handle.
func (h *Handle) attach(e Engine) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Released {
		return ErrHandleReleased
	}
	h.engine = e
	return nil
}

// Use runs fn with the engine while holding a shared lease.
func (h *Handle) Use(fn func(Engine) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch {
	case h.state == Released:
		return ErrHandleReleased
	case h.state != Allocated || h.engine == nil:
		return ErrHandleNotReady
	}
	return fn(h.engine)
}

// release tears the engine down once. Later calls return nil.
func (h *Handle) release(ctx context.Context) error {
	h.mu.Lock()
	if h.state == Released {
		h.mu.Unlock()
		return nil
	}
	h.state = Released
	engine, stop := h.engine, h.stop
	h.engine, h.stop = nil, nil
	h.mu.Unlock()

	var errs []error
	if engine != nil {
		if err := engine.Close(); err != nil && !IsTransportError(err) {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if stop != nil {
		if err := stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop engine process: %w", err))
		}
	}
	return errors.Join(errs...)
}

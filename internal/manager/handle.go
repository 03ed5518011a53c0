package manager

import (
	"fmt"
	"sync"
)

// handleRef leases an engine Handle. Generations and resets borrow it; unload
// retires it. Close runs exactly once, when the handle is retired and the
// last borrow has been released.
type handleRef struct {
	h Handle

	mu       sync.Mutex
	borrows  int
	retired  bool
	closed   chan struct{}
	closeErr error
}

func newHandleRef(h Handle) *handleRef {
	return &handleRef{h: h, closed: make(chan struct{})}
}

// borrow takes a lease. It fails once the handle is retired.
func (r *handleRef) borrow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return false
	}
	r.borrows++
	return true
}

func (r *handleRef) release() {
	r.mu.Lock()
	r.borrows--
	last := r.retired && r.borrows == 0
	r.mu.Unlock()
	if last {
		r.close()
	}
}

// retire forbids new borrows and returns a channel closed once the engine
// handle has been closed.
func (r *handleRef) retire() <-chan struct{} {
	r.mu.Lock()
	if r.retired {
		r.mu.Unlock()
		return r.closed
	}
	r.retired = true
	idle := r.borrows == 0
	r.mu.Unlock()
	if idle {
		r.close()
	}
	return r.closed
}

func (r *handleRef) close() {
	defer close(r.closed)
	defer func() {
		if rec := recover(); rec != nil {
			r.closeErr = fmt.Errorf("close panic: %v", rec)
		}
	}()
	r.closeErr = r.h.Close()
}

// err returns the Close error. Valid after closed is closed.
func (r *handleRef) err() error { return r.closeErr }

func (r *handleRef) borrowed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.borrows
}

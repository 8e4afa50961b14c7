package pool

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/poolkit/pkg/errors"
)

// Stats is the occupancy reported by an adapter. Values are best-effort and
// may be momentarily stale under contention.
type Stats struct {
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
	Max     int `json:"max"`
	MinIdle int `json:"min_idle"`
	MaxIdle int `json:"max_idle"`
}

// Adapter is the capability set a backend pooling technology exposes to be
// wrapped by a Pool. An adapter is owned by exactly one Pool.
type Adapter[R any] interface {
	// Acquire waits, per the backend's native model, until a resource is
	// available or ctx is done. It returns an error wrapping ctx.Err() when
	// the context ends first.
	Acquire(ctx context.Context) (R, error)

	// TryAcquire never waits. It returns an errors.ErrorTypeWouldBlock error
	// when nothing is immediately available.
	TryAcquire() (R, error)

	// Release returns a resource obtained from Acquire or TryAcquire.
	// A resource that is not checked out yields an
	// errors.ErrorTypeDoubleRelease error and is otherwise ignored.
	Release(r R) error

	Stats() Stats

	// Close stops issuing resources, waits for checked out resources until
	// ctx is done, then force-closes the rest and reports how many were
	// abandoned. Close is idempotent.
	Close(ctx context.Context) (abandoned int, err error)
}

// Discarder is implemented by adapters that can close a checked out
// resource instead of pooling it, freeing its capacity. Pools use it for
// resources whose guard was collected without Release, since the holder may
// still be using them.
type Discarder[R any] interface {
	Discard(r R) error
}

// Described is implemented by adapters that name their backend kind.
type Described interface {
	Kind() string
}

// WaitError wraps the error of an interrupted backend wait, keeping the
// context error reachable through errors.Is.
func WaitError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return errors.WrapStackless(err, errors.ErrorTypeCanceled, "wait for resource canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return errors.WrapStackless(err, errors.ErrorTypeTimeout, "wait for resource timed out")
	default:
		return errors.Wrap(err, errors.ErrorTypeAdapter, "wait for resource failed")
	}
}

// ErrWouldBlock builds the TryAcquire error of an exhausted pool.
func ErrWouldBlock(kind string) error {
	return errors.NewStackless(errors.ErrorTypeWouldBlock, "no resource immediately available").
		WithDetail("backend", kind)
}

// ErrClosed builds the error returned by a closed adapter.
func ErrClosed(kind string) error {
	return errors.New(errors.ErrorTypeClosed, "adapter is closed").
		WithDetail("backend", kind)
}

// ErrNotCheckedOut builds the Release error for a resource that is not
// checked out.
func ErrNotCheckedOut(kind string) error {
	return errors.New(errors.ErrorTypeDoubleRelease, "resource is not checked out").
		WithDetail("backend", kind)
}

// Checkouts tracks resources currently handed out by an adapter so that a
// foreign or repeated release can be reported instead of honored.
type Checkouts[R comparable] struct {
	mu    sync.Mutex
	out   map[R]time.Time
	empty chan struct{}
}

// NewCheckouts creates an empty tracker.
func NewCheckouts[R comparable]() *Checkouts[R] {
	c := &Checkouts[R]{
		out:   make(map[R]time.Time),
		empty: make(chan struct{}),
	}
	close(c.empty)
	return c
}

// Add marks r as checked out.
func (c *Checkouts[R]) Add(r R) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.out) == 0 {
		c.empty = make(chan struct{})
	}
	c.out[r] = time.Now()
}

// Remove unmarks r and reports whether it was checked out.
func (c *Checkouts[R]) Remove(r R) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.out[r]; !ok {
		return false
	}
	delete(c.out, r)
	if len(c.out) == 0 {
		close(c.empty)
	}
	return true
}

// Contains reports whether r is checked out.
func (c *Checkouts[R]) Contains(r R) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.out[r]
	return ok
}

// Len returns the number of checked out resources.
func (c *Checkouts[R]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

// Wait blocks until nothing is checked out or ctx is done.
func (c *Checkouts[R]) Wait(ctx context.Context) error {
	c.mu.Lock()
	empty := c.empty
	c.mu.Unlock()

	select {
	case <-empty:
		return nil
	default:
	}
	select {
	case <-empty:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain forgets every checked out resource and returns them.
func (c *Checkouts[R]) Drain() []R {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.out) == 0 {
		return nil
	}
	rs := make([]R, 0, len(c.out))
	for r := range c.out {
		rs = append(rs, r)
	}
	clear(c.out)
	close(c.empty)
	return rs
}

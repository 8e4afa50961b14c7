// Package testutil provides testing utilities for poolkit
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// RequireNoError fails the test immediately if err is not nil.
// The msg parameter provides additional context in the failure message.
func RequireNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// IntegrationTest skips the test in short mode or when the environment
// variable naming its backend is unset, and returns that variable's value.
func IntegrationTest(t *testing.T, envVar string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	v := os.Getenv(envVar)
	if v == "" {
		t.Skipf("Skipping integration test: %s is not set", envVar)
	}
	return v
}

// Resource is a pooled test resource.
type Resource struct {
	ID     int
	closed atomic.Bool
}

// Closed reports whether the factory closed the resource.
func (r *Resource) Closed() bool { return r.closed.Load() }

func (r *Resource) String() string { return fmt.Sprintf("resource-%d", r.ID) }

// Factory creates and closes Resources and counts both.
type Factory struct {
	mu      sync.Mutex
	nextID  int
	created atomic.Int64
	closed  atomic.Int64
	fail    atomic.Bool
}

// NewFactory creates a Factory.
func NewFactory() *Factory {
	return &Factory{}
}

// New creates a Resource, or fails while SetFail is on.
func (f *Factory) New(ctx context.Context) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.NewBlocking()
}

// NewBlocking is New for constructors without a context.
func (f *Factory) NewBlocking() (*Resource, error) {
	if f.fail.Load() {
		return nil, fmt.Errorf("factory: backend unavailable")
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	f.created.Add(1)
	return &Resource{ID: id}, nil
}

// Close closes a Resource.
func (f *Factory) Close(r *Resource) error {
	if r.closed.Swap(true) {
		return fmt.Errorf("factory: %s closed twice", r)
	}
	f.closed.Add(1)
	return nil
}

// Destroy is Close without an error result.
func (f *Factory) Destroy(r *Resource) { _ = f.Close(r) }

// SetFail makes subsequent creations fail until reset.
func (f *Factory) SetFail(fail bool) { f.fail.Store(fail) }

// Created returns how many resources were created.
func (f *Factory) Created() int64 { return f.created.Load() }

// ClosedCount returns how many resources were closed.
func (f *Factory) ClosedCount() int64 { return f.closed.Load() }

// Live returns created minus closed resources.
func (f *Factory) Live() int64 { return f.created.Load() - f.closed.Load() }

package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/poolkit/pkg/errors"
	"github.com/ajitpratap0/poolkit/pkg/pool"
)

// BuildAdapter returns an adapter of at most maxSize resources created by f.
type BuildAdapter[R comparable] func(t *testing.T, maxSize int, f *Factory) pool.Adapter[R]

// AdapterSuite checks one backend against the pool.Adapter contract.
type AdapterSuite[R comparable] struct {
	suite.Suite

	Build BuildAdapter[R]

	ctx       context.Context
	cancel    context.CancelFunc
	factory   *Factory
	startTime time.Time
}

// RunAdapterSuite runs the contract tests for build.
func RunAdapterSuite[R comparable](t *testing.T, build BuildAdapter[R]) {
	suite.Run(t, &AdapterSuite[R]{Build: build})
}

// SetupTest runs before each test in the suite
func (s *AdapterSuite[R]) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	s.factory = NewFactory()
	s.startTime = time.Now()
}

// TearDownTest runs after each test in the suite
func (s *AdapterSuite[R]) TearDownTest() {
	s.cancel()
	s.T().Logf("completed in %v", time.Since(s.startTime))
}

func (s *AdapterSuite[R]) build(maxSize int) pool.Adapter[R] {
	a := s.Build(s.T(), maxSize, s.factory)
	s.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = a.Close(ctx)
	})
	return a
}

func (s *AdapterSuite[R]) TestAcquireRelease() {
	a := s.build(2)

	r, err := a.Acquire(s.ctx)
	s.Require().NoError(err)

	st := a.Stats()
	s.Equal(1, st.Active)
	s.Equal(2, st.Max)

	s.Require().NoError(a.Release(r))
	AssertEventually(s.T(), func() bool {
		st := a.Stats()
		return st.Active == 0 && st.Idle == 1
	}, time.Second, "released resource should become idle")

	// some backends hand out a fresh wrapper per checkout, so reuse is
	// observed on the factory rather than by identity
	again, err := a.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(a.Release(again))
	s.EqualValues(1, s.factory.Created(), "idle resource should be reused")
}

func (s *AdapterSuite[R]) TestDiscardClosesResource() {
	a := s.build(1)
	d, ok := a.(pool.Discarder[R])
	if !ok {
		s.T().Skip("adapter cannot discard resources")
	}

	r, err := a.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(d.Discard(r))

	err = d.Discard(r)
	s.True(errors.IsType(err, errors.ErrorTypeDoubleRelease), "got %v", err)
	err = a.Release(r)
	s.True(errors.IsType(err, errors.ErrorTypeDoubleRelease), "got %v", err)

	AssertEventually(s.T(), func() bool {
		st := a.Stats()
		return s.factory.Live() == 0 && st.Active == 0 && st.Idle == 0
	}, time.Second, "discarded resource should be closed, not pooled")

	again, err := a.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(a.Release(again))
	s.EqualValues(2, s.factory.Created())
}

func (s *AdapterSuite[R]) TestTryAcquireWouldBlock() {
	a := s.build(1)

	r, err := a.Acquire(s.ctx)
	s.Require().NoError(err)

	_, err = a.TryAcquire()
	s.Require().Error(err)
	s.True(errors.IsType(err, errors.ErrorTypeWouldBlock), "got %v", err)

	s.Require().NoError(a.Release(r))

	r, err = a.TryAcquire()
	s.Require().NoError(err)
	s.Require().NoError(a.Release(r))
}

func (s *AdapterSuite[R]) TestDoubleReleaseIsReported() {
	a := s.build(2)

	r, err := a.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(a.Release(r))

	err = a.Release(r)
	s.Require().Error(err)
	s.True(errors.IsType(err, errors.ErrorTypeDoubleRelease), "got %v", err)

	st := a.Stats()
	s.Equal(0, st.Active)
	s.LessOrEqual(st.Idle, 1)
}

func (s *AdapterSuite[R]) TestActiveNeverExceedsMax() {
	const maxSize = 3
	a := s.build(maxSize)

	var (
		held     atomic.Int64
		violated atomic.Bool
		wg       sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r, err := a.Acquire(s.ctx)
				if err != nil {
					violated.Store(true)
					return
				}
				if held.Add(1) > maxSize {
					violated.Store(true)
				}
				if st := a.Stats(); st.Active > maxSize || st.Active+st.Idle > maxSize {
					violated.Store(true)
				}
				time.Sleep(time.Millisecond)
				held.Add(-1)
				if err := a.Release(r); err != nil {
					violated.Store(true)
				}
			}
		}()
	}
	wg.Wait()

	s.False(violated.Load(), "capacity bound violated or acquire failed")
	s.LessOrEqual(s.factory.Created(), int64(maxSize))
}

func (s *AdapterSuite[R]) TestWaitingIsCounted() {
	a := s.build(1)

	r, err := a.Acquire(s.ctx)
	s.Require().NoError(err)

	got := make(chan R, 1)
	go func() {
		w, err := a.Acquire(s.ctx)
		if err == nil {
			got <- w
		}
	}()

	AssertEventually(s.T(), func() bool { return a.Stats().Waiting == 1 }, time.Second, "waiter should be counted")

	s.Require().NoError(a.Release(r))

	select {
	case w := <-got:
		s.Equal(0, a.Stats().Waiting)
		s.Require().NoError(a.Release(w))
	case <-time.After(2 * time.Second):
		s.Fail("waiter was not served")
	}
}

func (s *AdapterSuite[R]) TestCanceledAcquireRestoresActive() {
	a := s.build(1)

	r, err := a.Acquire(s.ctx)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.ctx)
	errCh := make(chan error, 1)
	go func() {
		w, err := a.Acquire(ctx)
		if err == nil {
			_ = a.Release(w)
		}
		errCh <- err
	}()

	AssertEventually(s.T(), func() bool { return a.Stats().Waiting == 1 }, time.Second, "waiter should be counted")
	cancel()

	select {
	case err := <-errCh:
		s.Require().Error(err)
		s.True(errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		s.FailNow("canceled acquire did not return")
	}

	s.Equal(0, a.Stats().Waiting)
	s.Equal(1, a.Stats().Active)

	s.Require().NoError(a.Release(r))
	AssertEventually(s.T(), func() bool { return a.Stats().Active == 0 }, time.Second, "active should return to zero")

	r, err = a.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(a.Release(r))
}

func (s *AdapterSuite[R]) TestCloseDrainsReturnedResources() {
	a := s.build(2)

	r, err := a.Acquire(s.ctx)
	s.Require().NoError(err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = a.Release(r)
	}()

	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	abandoned, err := a.Close(ctx)
	s.Require().NoError(err)
	s.Equal(0, abandoned)

	AssertEventually(s.T(), func() bool { return s.factory.Live() == 0 }, time.Second, "every resource should be closed")
}

func (s *AdapterSuite[R]) TestCloseAbandonsCheckedOut() {
	a := s.build(2)

	r1, err := a.Acquire(s.ctx)
	s.Require().NoError(err)
	r2, err := a.Acquire(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(a.Release(r2))

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	abandoned, _ := a.Close(ctx)
	s.Equal(1, abandoned)

	again, _ := a.Close(context.Background())
	s.Equal(abandoned, again, "close should be idempotent")

	AssertEventually(s.T(), func() bool {
		st := a.Stats()
		return st.Idle == 0 && st.Active == 0
	}, time.Second, "no capacity should remain after close")
	AssertEventually(s.T(), func() bool { return s.factory.Live() == 0 }, time.Second, "every resource should be closed")

	_, err = a.Acquire(s.ctx)
	s.True(errors.IsType(err, errors.ErrorTypeClosed), "got %v", err)

	err = a.Release(r1)
	s.True(errors.IsType(err, errors.ErrorTypeDoubleRelease), "got %v", err)
}

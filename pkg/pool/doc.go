// Package pool implements the instrumented resource pool facade of poolkit.
// It gives callers one checkout discipline over any backend pooling
// technology, whether the backend parks the calling goroutine or waits on a
// context, and reports saturation through the metrics sink.
//
// # Architecture
//
// Core Types:
//
//   - Adapter[R]: the capability set a backend exposes (Acquire, TryAcquire,
//     Release, Stats, Close). Implementations live under pool/adapters.
//   - Pool[R]: the facade. It times every acquire, tags its outcome, maps
//     backend errors onto the errors taxonomy and hands out Guards.
//   - Guard[R]: exclusive ownership of one resource, released exactly once.
//   - Checkouts[R]: the checked out set adapters use to reject foreign or
//     repeated releases.
//
// # Usage Patterns
//
// Explicit guard:
//
//	g, err := p.Acquire(ctx)
//	if errors.IsType(err, errors.ErrorTypeTimeout) {
//		return errBusy // pool exhausted, retry later
//	}
//	if err != nil {
//		return err // pool unusable
//	}
//	defer g.Release()
//
//	rows, err := g.Resource().Query(ctx, "SELECT 1")
//
// Scoped acquisition, released on every exit path including panics:
//
//	err := p.With(ctx, func(ctx context.Context, conn net.Conn) error {
//		_, err := conn.Write(payload)
//		return err
//	})
//
// # Timeouts
//
// Acquire waits at most PoolConfig.AcquireTimeout (or until ctx is done when
// it is zero). AcquireTimeout takes an explicit bound; a zero bound never
// waits. The facade enforces the bound with its own context deadline, so the
// granularity of the backend does not matter.
//
// # Accounting
//
// Gauges (active, idle, waiting, max) are always read from the adapter; the
// facade only keeps cumulative outcome counters. A Guard that becomes
// unreachable without Release is counted as leaked by a runtime cleanup, and
// its resource is closed through the adapter's Discarder rather than pooled
// again.
package pool

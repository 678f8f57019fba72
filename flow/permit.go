package flow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxInFlight is the permit limit used when NewPermitGuard gets a
// non-positive maximum.
const DefaultMaxInFlight = 1000

// PermitGuard bounds the asynchronous operations a processor has in
// flight. Acquisition never blocks: a processor that gets fewer permits
// than it asked for leaves the remaining items for its next call.
//
// Completions may release from any goroutine. The first error they report
// is latched and returned by Err until the guard is discarded.
type PermitGuard struct {
	max      int64
	inFlight atomic.Int64
	acquired atomic.Int64
	released atomic.Int64

	errOnce  sync.Once
	firstErr atomic.Pointer[error]
}

// NewPermitGuard creates a guard allowing up to limit operations in
// flight.
func NewPermitGuard(limit int) *PermitGuard {
	if limit <= 0 {
		limit = DefaultMaxInFlight
	}
	return &PermitGuard{max: int64(limit)}
}

// Max returns the permit limit.
func (g *PermitGuard) Max() int {
	return int(g.max)
}

// TryAcquire grants up to n permits and returns how many were granted,
// possibly zero.
func (g *PermitGuard) TryAcquire(n int) int {
	if n <= 0 {
		return 0
	}
	for {
		prev := g.inFlight.Load()
		next := prev + int64(n)
		if next > g.max {
			next = g.max
		}
		if next <= prev {
			return 0
		}
		if g.inFlight.CompareAndSwap(prev, next) {
			granted := next - prev
			g.acquired.Add(granted)
			return int(granted)
		}
	}
}

// AcquireOne grants a single permit. The returned release function gives
// the permit back and may be called any number of times; only the first
// call counts.
func (g *PermitGuard) AcquireOne() (release func(err error), ok bool) {
	if g.TryAcquire(1) == 0 {
		return nil, false
	}
	var once sync.Once
	return func(err error) {
		once.Do(func() { g.Release(err) })
	}, true
}

// Release returns one permit and records err when it is the first error.
// It panics when more permits are released than were acquired.
func (g *PermitGuard) Release(err error) {
	if err != nil {
		g.errOnce.Do(func() { g.firstErr.Store(&err) })
	}
	if g.inFlight.Add(-1) < 0 {
		panic("flow: permit released more often than acquired")
	}
	g.released.Add(1)
}

// Err returns the first error reported through Release, or nil.
func (g *PermitGuard) Err() error {
	if p := g.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

// InFlight returns the number of permits currently held.
func (g *PermitGuard) InFlight() int {
	return int(g.inFlight.Load())
}

// Acquired returns the total number of permits ever granted.
func (g *PermitGuard) Acquired() int64 {
	return g.acquired.Load()
}

// Released returns the total number of permits ever released.
func (g *PermitGuard) Released() int64 {
	return g.released.Load()
}

// Done reports whether no permit is held. It returns the latched error
// when there is one, so a processor checks both in a single call.
func (g *PermitGuard) Done() (bool, error) {
	done := g.inFlight.Load() == 0
	return done, g.Err()
}

// Drain waits until every permit was released or ctx expires. It is meant
// for teardown, never for the cooperative path.
func (g *PermitGuard) Drain(ctx context.Context) error {
	const (
		minWait = 50 * time.Microsecond
		maxWait = 10 * time.Millisecond
	)
	wait := minWait
	for g.inFlight.Load() > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%d permits still in flight: %w", g.InFlight(), ctx.Err())
		case <-timer.C:
		}
		if wait < maxWait {
			wait *= 2
		}
	}
	return nil
}

// Package errgroup provides an adapter that mimics golang.org/x/sync/errgroup
// semantics on top of zones. Each Group owns a private runtime; every
// function passed to Go runs as a gate task inside the group's zone.
package errgroup

import (
	"context"
	"sync"

	"github.com/NetPo4ki/go-zone/gate"
	"github.com/NetPo4ki/go-zone/zone"
)

// Group is an errgroup-like wrapper over a zone. The first error fails the
// zone, which cancels the group context and every task still pending.
//
// A Group may be reused after Wait: each Wait finishes the current zone and
// opens a fresh one. As with x/sync, the first error is kept for good.
type Group struct {
	rt     *zone.Runtime
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	z       *zone.Zone
	hold    zone.ID
	limit   gate.Limiter
	waiting bool
	err     error
}

// WithContext creates a Group bound to ctx. The returned context is canceled
// when any function passed to Go returns a non-nil error or when Wait
// returns, whichever occurs first.
func WithContext(ctx context.Context) (*Group, context.Context) {
	g := &Group{rt: zone.NewRuntime()}
	g.ctx, g.cancel = context.WithCancelCause(ctx)
	g.open()
	return g, g.ctx
}

// open spawns the zone the next batch of functions runs in.
func (g *Group) open() {
	g.z, _ = g.rt.Root().Spawn(func(z *zone.Zone) error {
		// Placeholder child keeps the zone open until Wait.
		id, err := z.Register(0, nil, true)
		g.hold = id
		return err
	}, zone.WithName("errgroup"), zone.WithCallback(func(_ *zone.Zone, o zone.Outcome) error {
		if g.err == nil {
			g.err = o.Err()
		}
		return nil
	}))
}

// SetLimit limits the number of active goroutines in this group to at most
// n. A negative value indicates no limit. Unlike x/sync, where a zero limit
// blocks every Go forever, zero also means no limit here. Go never blocks:
// functions over the limit wait on their own goroutine. It only affects
// calls to Go made after it.
func (g *Group) SetLimit(n int) {
	g.mu.Lock()
	g.limit = gate.NewLimiter(n)
	g.mu.Unlock()
}

// Go calls f in a new goroutine. The first call to return a non-nil error
// cancels the group's context; its error will be returned by Wait.
func (g *Group) Go(f func() error) {
	if f == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.waiting {
		g.start(g.z, f, g.limit)
		return
	}
	// Wait owns the zone from here on; hand the start to its loop.
	z, lim := g.z, g.limit
	g.rt.Post(func() { g.start(z, f, lim) })
}

func (g *Group) start(z *zone.Zone, f func() error, lim gate.Limiter) {
	if z.Closed() {
		return
	}
	_, _ = gate.Go(z, func(context.Context) (struct{}, error) {
		return struct{}{}, f()
	}, func(_ *zone.Zone, _ struct{}, err error) error {
		if err != nil {
			g.cancel(err)
		}
		return err
	}, gate.WithLimiter(lim))
}

// Wait blocks until all function calls from the Go method have returned,
// then returns the first non-nil error (if any) from them.
func (g *Group) Wait() error {
	g.mu.Lock()
	if g.waiting {
		g.mu.Unlock()
		return zone.ErrLoopRunning
	}
	g.waiting = true
	z, hold := g.z, g.hold
	g.mu.Unlock()

	_ = z.Unregister(hold)
	_ = z.Schedule(nil)
	runErr := g.rt.Run(context.Background())
	g.cancel(g.err)

	g.mu.Lock()
	g.open()
	g.waiting = false
	g.mu.Unlock()

	if g.err != nil {
		return g.err
	}
	return runErr
}

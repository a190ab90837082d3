package zone

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Runtime owns a tree of zones: the root zone, the scheduler every zone
// defers its re-entry to, and the arena of live zone and child records.
type Runtime struct {
	sched Scheduler
	loop  *Loop
	opts  Options
	log   zerolog.Logger

	root    *Zone
	current *Zone
	arena   arena

	fatal *FatalError
	stop  context.CancelCauseFunc

	mu      sync.Mutex
	tracked map[ID]func()
}

// NewRuntime creates a runtime and its root zone. Unless WithScheduler is
// given, zones are driven by a fresh Loop, see Run.
func NewRuntime(optFns ...Option) *Runtime {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	rt := &Runtime{sched: opts.Scheduler, opts: opts, log: opts.Logger}
	if rt.sched == nil {
		rt.loop = NewLoop()
		rt.sched = rt.loop
	} else if l, ok := rt.sched.(*Loop); ok {
		rt.loop = l
	}

	rootOpts := opts
	rootOpts.Name = "Root zone"
	rootOpts.Callback = nil
	rt.root, _ = rt.spawn(nil, nil, rootOpts)
	return rt
}

// Root returns the root zone. It has no parent and never closes.
func (rt *Runtime) Root() *Zone { return rt.root }

// Current returns the zone whose code is running, or nil between tasks.
func (rt *Runtime) Current() *Zone { return rt.current }

// Live reports how many zones, the root included, have not finalized yet.
func (rt *Runtime) Live() int { return rt.arena.zones }

// Logger returns the runtime logger.
func (rt *Runtime) Logger() zerolog.Logger { return rt.log }

// Err returns the fatal error recorded on the root, if any.
func (rt *Runtime) Err() error {
	if rt.fatal == nil {
		return nil
	}
	return rt.fatal
}

// Post hands fn to the scheduler. With the default Loop it is safe to call
// from any goroutine; this is how external completions get back onto the
// goroutine that owns the zones.
func (rt *Runtime) Post(fn func()) { rt.sched.Defer(fn) }

// Hold keeps Run from returning while external work is outstanding.
func (rt *Runtime) Hold() (release func()) {
	if rt.loop == nil {
		return func() {}
	}
	return rt.loop.Hold()
}

// Run drives the loop on the calling goroutine until nothing is left to
// run, ctx is done, or an error reaches the root zone. In the last case it
// returns a *FatalError. Unless the loop went idle, Run stops it and clears
// every tracked source before returning; the runtime cannot run again.
func (rt *Runtime) Run(ctx context.Context) error {
	if rt.loop == nil {
		return fmt.Errorf("run: %w", ErrNotRunnable)
	}
	if rt.loop.Running() {
		return ErrLoopRunning
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	rt.stop = cancel
	defer func() { rt.stop = nil }()

	var err error
	if rt.fatal == nil {
		err = rt.loop.Run(ctx)
	}
	if rt.fatal != nil || err != nil {
		rt.loop.Stop()
		rt.teardown()
	}
	if rt.fatal != nil {
		return rt.fatal
	}
	return err
}

// Track registers stop to be called if Run ends early, on a fatal error or
// a done context, while id is still tracked. Sources bound to zones (see
// package gate) track themselves so nothing outlives the runtime.
func (rt *Runtime) Track(id ID, stop func()) {
	if stop == nil {
		return
	}
	rt.mu.Lock()
	if rt.tracked == nil {
		rt.tracked = make(map[ID]func())
	}
	rt.tracked[id] = stop
	rt.mu.Unlock()
}

// Untrack forgets id.
func (rt *Runtime) Untrack(id ID) {
	rt.mu.Lock()
	delete(rt.tracked, id)
	rt.mu.Unlock()
}

// Tracked reports how many sources are still tracked.
func (rt *Runtime) Tracked() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.tracked)
}

// teardown stops every tracked source in registration order.
func (rt *Runtime) teardown() {
	rt.mu.Lock()
	tracked := rt.tracked
	rt.tracked = nil
	rt.mu.Unlock()
	for _, id := range slices.Sorted(maps.Keys(tracked)) {
		rt.log.Debug().Stringer("source", id).Msg("stopping source left open by the runtime")
		tracked[id]()
	}
}

func (rt *Runtime) fatalError(err error) {
	if rt.fatal != nil {
		return
	}
	rt.fatal = &FatalError{Err: err}
	rt.log.Error().Err(err).Msg("error reached the root zone")
	// Deferred so the root's own flush, already queued, broadcasts first.
	rt.sched.Defer(func() {
		if rt.stop != nil {
			rt.stop(rt.fatal)
		}
	})
}

func (rt *Runtime) checkGoroutine(z *Zone, op string) {
	if rt.loop != nil && rt.loop.Running() && !rt.loop.InLoop() {
		panic(&UsageError{Op: op, Zone: z.id, Err: ErrWrongGoroutine})
	}
}

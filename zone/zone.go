package zone

import (
	"fmt"
	"runtime/debug"
	"time"
)

// Zone is a unit of asynchronous execution. It runs its body synchronously
// at construction, then keeps running queued callbacks until it has an
// outcome and every child registered under it is gone. At that point it
// closes and its completion callback runs in the parent.
//
// A zone is not safe for concurrent use: all methods must be called on the
// goroutine running the runtime's loop (or before the loop starts). Work on
// other goroutines hands results back with Runtime.Post.
type Zone struct {
	rt     *Runtime
	id     ID
	name   string
	parent *Zone
	root   *Zone
	opts   Options
	obs    Observer

	kids       children
	queue      []Func
	outcome    Outcome
	enterCount int
	scheduled  bool
	closed     bool
	finalized  bool
	callback   Callback
	onSignal   []func(err error)
	created    time.Time
}

func (rt *Runtime) spawn(parent *Zone, body Func, opts Options) (*Zone, error) {
	z := &Zone{
		rt:       rt,
		id:       NextID(),
		name:     opts.Name,
		parent:   parent,
		opts:     opts,
		obs:      opts.Observer,
		callback: opts.Callback,
		created:  time.Now(),
	}
	if parent == nil {
		z.root = z
		if err := rt.arena.put(&record{id: z.id, sig: z, zone: z}); err != nil {
			return nil, err
		}
	} else {
		z.root = parent.root
		if z.name == "" {
			z.name = "Anonymous zone"
		}
		if err := parent.addChild(z.id, z, z, true); err != nil {
			return nil, parent.usage("spawn", err)
		}
	}
	if z.obs != nil {
		z.obs.ZoneCreated(z)
	}
	if body == nil {
		body = func(*Zone) error { return nil }
	}
	if err := z.Call(body); err != nil {
		return nil, err
	}
	return z, nil
}

// Spawn creates a child of z and runs body in it before returning. Errors
// returned or panicked by body become the child's failure; they are never
// returned here. The returned error reports misuse only, such as spawning
// from a closed zone.
func (z *Zone) Spawn(body Func, optFns ...Option) (*Zone, error) {
	z.rt.checkGoroutine(z, "spawn")
	if z.closed {
		return nil, z.usage("spawn", ErrClosed)
	}
	opts := z.opts
	opts.Name = ""
	opts.Callback = nil
	for _, fn := range optFns {
		fn(&opts)
	}
	return z.rt.spawn(z, body, opts)
}

// Call runs fn as z right now. If this is the outermost entry into z, the
// queue is flushed before Call returns. Failures of fn are captured by z.
func (z *Zone) Call(fn Func) error {
	z.rt.checkGoroutine(z, "call")
	if z.closed {
		return z.usage("call", ErrClosed)
	}
	z.enterCount++
	prev := z.rt.current
	z.rt.current = z
	defer func() {
		z.rt.current = prev
		z.enterCount--
	}()

	z.invoke(fn)
	if z.enterCount == 1 {
		z.flush()
	}
	return nil
}

// Schedule queues fn to run as z and makes sure a flush of z is pending.
// A nil fn only requests the flush.
func (z *Zone) Schedule(fn Func) error {
	z.rt.checkGoroutine(z, "schedule")
	if z.closed {
		return z.usage("schedule", ErrClosed)
	}
	z.schedule(fn)
	return nil
}

func (z *Zone) schedule(fn Func) {
	if fn != nil {
		z.queue = append(z.queue, fn)
	}
	if !z.scheduled && z.enterCount == 0 {
		z.scheduled = true
		z.rt.sched.Defer(z.enter)
	}
}

// enter is the deferred re-entry requested by schedule.
func (z *Zone) enter() {
	// A synchronous Call may have flushed z since the request was made.
	if z.closed || !z.scheduled {
		return
	}
	z.assert(z.enterCount == 0, "deferred entry while entered")
	z.enterCount++
	z.scheduled = false
	prev := z.rt.current
	z.rt.current = z
	defer func() {
		z.rt.current = prev
		z.enterCount--
	}()

	z.flush()
}

func (z *Zone) invoke(fn Func) {
	if fn == nil {
		return
	}
	var start time.Time
	if z.obs != nil {
		start = time.Now()
	}
	panicked, err := z.run(fn)
	if z.obs != nil {
		z.obs.TaskFinished(z, time.Since(start), err, panicked)
	}
	if err != nil {
		z.rt.log.Debug().Err(err).Stringer("zone", z.id).Str("name", z.name).Msg("zone caught error")
		z.fail(err)
	}
}

func (z *Zone) run(fn Func) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*InvariantError); ok || !z.opts.PanicAsError {
				panic(r)
			}
			panicked, err = true, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return false, fn(z)
}

func (z *Zone) flush() {
	z.assert(z.enterCount == 1, "flush outside the outermost entry")
	for {
		for len(z.queue) > 0 {
			fn := z.queue[0]
			z.queue[0] = nil
			z.queue = z.queue[1:]
			z.invoke(fn)
		}

		// Nothing left to wait for counts as success.
		if z.kids.refs == 0 && !z.outcome.Done() {
			z.outcome = Success()
		}
		if !z.outcome.Done() {
			break
		}
		if !z.broadcast() {
			break
		}
		if len(z.queue) == 0 && z.kids.len() == 0 {
			break
		}
	}

	if len(z.queue) == 0 && z.outcome.Done() && z.kids.len() == 0 && z.parent != nil {
		z.closed = true
		z.parent.schedule(z.finalize)
	}
	z.scheduled = false
}

// broadcast signals the outcome to every child not yet told about it and
// reports whether anyone was signaled. A child told about a success is told
// again if the zone later fails.
func (z *Zone) broadcast() bool {
	err := z.outcome.Err()
	sent := false
	for _, c := range z.snapshot() {
		if !z.rt.arena.live(c) {
			continue
		}
		if c.signaled && (c.sent != nil || err == nil) {
			continue
		}
		c.signaled, c.sent = true, err
		sent = true
		if z.obs != nil {
			z.obs.ZoneSignaled(z, c.id, err)
		}
		c.sig.Signal(err)
	}
	return sent
}

// finalize runs in the parent, queued there by the closing flush.
func (z *Zone) finalize(parent *Zone) error {
	z.assert(z.enterCount == 0, "finalize while entered")
	z.assert(!z.scheduled, "finalize while scheduled")
	z.assert(z.closed, "finalize before close")
	z.assert(z.kids.len() == 0 && z.kids.refs == 0, "finalize with live children")
	z.assert(z.outcome.Done(), "finalize without outcome")

	if err := parent.unregister(z.id); err != nil {
		return err
	}
	z.finalized = true
	if z.obs != nil {
		z.obs.ZoneFinalized(z, z.outcome, time.Since(z.created))
	}
	if z.callback != nil {
		return z.callback(parent, z.outcome)
	}
	return z.outcome.Err()
}

// Succeed sets the zone's result. It is a no-op if the zone already
// succeeded; after a failure it returns ErrResultAfterFailure and the
// failure stands.
func (z *Zone) Succeed(values ...any) error {
	z.rt.checkGoroutine(z, "succeed")
	if z.closed {
		return z.usage("succeed", ErrClosed)
	}
	switch z.outcome.State() {
	case Failed:
		err := z.usage("succeed", ErrResultAfterFailure)
		z.fail(err)
		return err
	case Succeeded:
		return nil
	}
	z.outcome = Success(values...)
	z.schedule(nil)
	return nil
}

// Fail records err as the zone's failure. The first failure wins; later
// ones are dropped. A failure replaces an earlier success that has not been
// delivered yet. Fail(nil) does nothing.
func (z *Zone) Fail(err error) error {
	z.rt.checkGoroutine(z, "fail")
	if z.closed {
		return z.usage("fail", ErrClosed)
	}
	z.fail(err)
	return nil
}

func (z *Zone) fail(err error) {
	if err == nil || z.closed || z.outcome.State() == Failed {
		return
	}
	z.outcome = Failure(err)
	if z.obs != nil {
		z.obs.ZoneFailed(z, err)
	}
	z.schedule(nil)
	if z.parent == nil {
		z.rt.fatalError(err)
	}
}

// Complete is the node-style completion entry: it fails z when err is
// non-nil and succeeds it with values otherwise.
func (z *Zone) Complete(err error, values ...any) error {
	if err != nil {
		return z.Fail(err)
	}
	return z.Succeed(values...)
}

// SetCallback binds the completion callback. It may be bound once, and
// only until the zone has finalized.
func (z *Zone) SetCallback(cb Callback) error {
	if z.callback != nil {
		return z.usage("set callback", ErrCallbackSet)
	}
	if z.finalized {
		return z.usage("set callback", ErrClosed)
	}
	z.callback = cb
	return nil
}

// OnSignal adds a handler run when an ancestor broadcasts its outcome to z.
// err is nil when the ancestor succeeded.
func (z *Zone) OnSignal(fn func(err error)) {
	if fn != nil {
		z.onSignal = append(z.onSignal, fn)
	}
}

// Signal implements Signaler. It runs the OnSignal handlers; without any it
// does nothing.
func (z *Zone) Signal(err error) {
	for _, fn := range z.onSignal {
		fn(err)
	}
}

// Register adds child under id, allocating an id when id is zero. A ref'd
// child keeps z from resolving as idle.
func (z *Zone) Register(id ID, child Signaler, ref bool) (ID, error) {
	z.rt.checkGoroutine(z, "register")
	if z.closed {
		return 0, z.usage("register", ErrClosed)
	}
	if id == 0 {
		id = NextID()
	}
	if child == nil {
		child = nopSignaler{}
	}
	if err := z.addChild(id, child, nil, ref); err != nil {
		return 0, z.usage("register", err)
	}
	return id, nil
}

// Unregister removes a child and its ref.
func (z *Zone) Unregister(id ID) error {
	z.rt.checkGoroutine(z, "unregister")
	return z.unregister(id)
}

func (z *Zone) unregister(id ID) error {
	if err := z.removeChild(id); err != nil {
		return z.usage("unregister", err)
	}
	return nil
}

// Ref marks a registered child as live again.
func (z *Zone) Ref(id ID) error {
	z.rt.checkGoroutine(z, "ref")
	if err := z.setChildRef(id, true); err != nil {
		return z.usage("ref", err)
	}
	return nil
}

// Unref stops a registered child from keeping z alive.
func (z *Zone) Unref(id ID) error {
	z.rt.checkGoroutine(z, "unref")
	if err := z.setChildRef(id, false); err != nil {
		return z.usage("unref", err)
	}
	return nil
}

// ParentOf reports whether z is a strict ancestor of other.
func (z *Zone) ParentOf(other *Zone) bool {
	if other == nil || other == z {
		return false
	}
	for p := other.parent; p != nil; p = p.parent {
		if p == z {
			return true
		}
	}
	return false
}

// ChildOf reports whether z is a strict descendant of other.
func (z *Zone) ChildOf(other *Zone) bool {
	return other != nil && other.ParentOf(z)
}

func (z *Zone) ID() ID            { return z.id }
func (z *Zone) Name() string      { return z.name }
func (z *Zone) Parent() *Zone     { return z.parent }
func (z *Zone) Root() *Zone       { return z.root }
func (z *Zone) Runtime() *Runtime { return z.rt }
func (z *Zone) Outcome() Outcome  { return z.outcome }
func (z *Zone) Closed() bool      { return z.closed }
func (z *Zone) Children() int     { return z.kids.len() }
func (z *Zone) Refs() int         { return z.kids.refs }
func (z *Zone) String() string    { return fmt.Sprintf("%s(%s)", z.name, z.id) }

func (z *Zone) usage(op string, err error) error {
	return &UsageError{Op: op, Zone: z.id, Err: err}
}

func (z *Zone) assert(ok bool, msg string) {
	if !ok {
		panic(&InvariantError{Zone: z.id, Msg: msg})
	}
}

package gate

import (
	"context"
	"errors"

	"github.com/NetPo4ki/go-zone/zone"
)

var ErrClosed = errors.New("gate: closed")

type Option func(*Options)

type Options struct {
	// Ref makes the gate keep its zone from resolving. Defaults to true.
	Ref bool
	// CancelOnFailure clears the gate when its zone broadcasts a failure.
	// Defaults to true.
	CancelOnFailure bool
	// Limiter bounds concurrent work started by Go.
	Limiter Limiter
	// Context is the parent of the context handed to Go work.
	Context context.Context
}

func defaultOptions() Options {
	return Options{Ref: true, CancelOnFailure: true, Context: context.Background()}
}

func WithRef(v bool) Option { return func(o *Options) { o.Ref = v } }

func WithCancelOnFailure(v bool) Option { return func(o *Options) { o.CancelOnFailure = v } }

func WithLimiter(l Limiter) Option { return func(o *Options) { o.Limiter = l } }

func WithContext(ctx context.Context) Option { return func(o *Options) { o.Context = ctx } }

// Gate is a single external source bound to a zone.
type Gate struct {
	z       *zone.Zone
	rt      *zone.Runtime
	id      zone.ID
	opts    Options
	release func()
	closed  bool

	onClear  []func()
	onSignal []func(err error)
}

// New registers a gate under z and runs factory once, synchronously. The
// factory arranges for the source to call Schedule and, eventually, Close.
// If factory fails the gate is closed and the error returned. A gate still
// open when Runtime.Run stops early is cleared by the runtime.
func New(z *zone.Zone, factory func(g *Gate) error, optFns ...Option) (*Gate, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	g := &Gate{z: z, rt: z.Runtime(), opts: opts}
	id, err := z.Register(0, g, opts.Ref)
	if err != nil {
		return nil, err
	}
	g.id = id
	g.release = g.rt.Hold()
	g.rt.Track(id, func() { _ = g.Clear() })
	if factory != nil {
		if err := factory(g); err != nil {
			_ = g.Close()
			return nil, err
		}
	}
	return g, nil
}

func (g *Gate) Zone() *zone.Zone { return g.z }
func (g *Gate) ID() zone.ID      { return g.id }
func (g *Gate) Closed() bool     { return g.closed }

// Schedule queues fn on the gate's zone.
func (g *Gate) Schedule(fn zone.Func) error {
	if g.closed {
		return ErrClosed
	}
	return g.z.Schedule(fn)
}

// Close unregisters the gate so its zone can finish. Closing twice is a
// no-op.
func (g *Gate) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	g.release()
	g.rt.Untrack(g.id)
	if err := g.z.Unregister(g.id); err != nil {
		return err
	}
	return g.z.Schedule(nil)
}

// Clear stops the source through the OnClear hooks, then closes the gate.
func (g *Gate) Clear() error {
	if g.closed {
		return nil
	}
	for _, fn := range g.onClear {
		fn()
	}
	return g.Close()
}

// OnClear adds a hook that stops the underlying source.
func (g *Gate) OnClear(fn func()) {
	if fn != nil {
		g.onClear = append(g.onClear, fn)
	}
}

// OnSignal adds a hook run when the zone broadcasts its outcome.
func (g *Gate) OnSignal(fn func(err error)) {
	if fn != nil {
		g.onSignal = append(g.onSignal, fn)
	}
}

// Signal implements zone.Signaler.
func (g *Gate) Signal(err error) {
	for _, fn := range g.onSignal {
		fn(err)
	}
	if err != nil && g.opts.CancelOnFailure {
		_ = g.Clear()
	}
}

// Ref makes the gate keep its zone pending again.
func (g *Gate) Ref() error {
	if g.closed {
		return ErrClosed
	}
	return g.z.Ref(g.id)
}

// Unref lets the zone resolve while the gate is still open. The zone still
// waits for Close before it finalizes.
func (g *Gate) Unref() error {
	if g.closed {
		return ErrClosed
	}
	return g.z.Unref(g.id)
}

// Post runs fn on the runtime's loop goroutine. Safe from any goroutine.
func (g *Gate) Post(fn func()) { g.rt.Post(fn) }

// deliver hands fn to the zone from any goroutine, optionally closing the
// gate after it. Deliveries racing with Clear are dropped.
func (g *Gate) deliver(fn zone.Func, closeAfter bool) {
	g.Post(func() {
		if g.closed {
			return
		}
		if fn != nil {
			_ = g.Schedule(fn)
		}
		if closeAfter {
			_ = g.Close()
		}
	})
}

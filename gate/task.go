package gate

import (
	"context"
	"runtime/debug"

	"github.com/NetPo4ki/go-zone/zone"
)

// Go runs work on its own goroutine and hands the result to then, run as z.
// With a nil then, an error from work fails z. Clearing the gate, which a
// failure of z does by default, cancels work's context and drops its result.
func Go[T any](z *zone.Zone, work func(ctx context.Context) (T, error), then func(z *zone.Zone, v T, err error) error, opts ...Option) (*Gate, error) {
	return New(z, func(g *Gate) error {
		ctx, cancel := context.WithCancel(g.opts.Context)
		g.OnClear(cancel)
		lim := g.opts.Limiter
		// The goroutine holds the loop on its own so Run never returns
		// while work is still running, even after Clear.
		done := g.rt.Hold()
		go func() {
			defer done()
			defer cancel()
			v, err := runWork(ctx, lim, work)
			g.deliver(func(z *zone.Zone) error {
				if then != nil {
					return then(z, v, err)
				}
				return err
			}, true)
		}()
		return nil
	}, opts...)
}

func runWork[T any](ctx context.Context, lim Limiter, work func(context.Context) (T, error)) (v T, err error) {
	if lim != nil {
		if err := lim.Acquire(ctx); err != nil {
			return v, err
		}
		defer lim.Release()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &zone.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return work(ctx)
}

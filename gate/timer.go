package gate

import (
	"time"

	"github.com/NetPo4ki/go-zone/zone"
)

// SetTimeout runs fn in z once d has elapsed.
func SetTimeout(z *zone.Zone, d time.Duration, fn zone.Func, opts ...Option) (*Gate, error) {
	return New(z, func(g *Gate) error {
		t := time.AfterFunc(d, func() { g.deliver(fn, true) })
		g.OnClear(func() { t.Stop() })
		return nil
	}, opts...)
}

// SetInterval runs fn in z every d until the gate is cleared.
func SetInterval(z *zone.Zone, d time.Duration, fn zone.Func, opts ...Option) (*Gate, error) {
	return New(z, func(g *Gate) error {
		tk := time.NewTicker(d)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-tk.C:
					g.deliver(fn, false)
				case <-done:
					return
				}
			}
		}()
		g.OnClear(func() {
			tk.Stop()
			close(done)
		})
		return nil
	}, opts...)
}

func ClearTimeout(g *Gate) error { return g.Clear() }

func ClearInterval(g *Gate) error { return g.Clear() }

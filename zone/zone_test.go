package zone

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func run(t *testing.T, rt *Runtime) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := rt.Run(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("runtime did not go idle: %v", err)
	}
	return err
}

// hold registers a ref'd placeholder child so z stays pending until the
// returned release is called.
func hold(t *testing.T, z *Zone) (release func()) {
	t.Helper()
	id, err := z.Register(0, nil, true)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return func() {
		if err := z.Unregister(id); err != nil {
			t.Errorf("unregister: %v", err)
		}
		if err := z.Schedule(nil); err != nil {
			t.Errorf("schedule: %v", err)
		}
	}
}

func TestEmptyBodySucceeds(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	var got Outcome
	var in, cur *Zone
	calls := 0
	_, err := rt.Root().Spawn(nil, WithCallback(func(p *Zone, o Outcome) error {
		calls++
		got, in, cur = o, p, rt.Current()
		return nil
	}))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected callback once, got %d", calls)
	}
	if got.State() != Succeeded || got.Err() != nil || len(got.Values()) != 0 || got.Values() == nil {
		t.Fatalf("expected empty success, got %v", got)
	}
	if in != rt.Root() || cur != rt.Root() {
		t.Fatalf("callback should run in the parent, got %v / %v", in, cur)
	}
	if rt.Live() != 1 {
		t.Fatalf("expected only the root to be live, got %d", rt.Live())
	}
}

func TestImplicitSuccessAfterQueuedWork(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	ran := false
	var got Outcome
	z, _ := rt.Root().Spawn(func(z *Zone) error {
		return z.Schedule(func(*Zone) error { ran = true; return nil })
	})
	if err := z.SetCallback(func(_ *Zone, o Outcome) error { got = o; return nil }); err != nil {
		t.Fatalf("set callback: %v", err)
	}
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran || got.State() != Succeeded {
		t.Fatalf("expected queued work then success, ran=%v outcome=%v", ran, got)
	}
}

func TestSucceedValues(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	var got Outcome
	rt.Root().Spawn(func(z *Zone) error {
		release := hold(t, z)
		if err := z.Succeed(1, "two"); err != nil {
			return err
		}
		if err := z.Succeed(3); err != nil {
			t.Errorf("second succeed should be a no-op, got %v", err)
		}
		release()
		return nil
	}, WithCallback(func(_ *Zone, o Outcome) error { got = o; return nil }))
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := got.Values(); len(v) != 2 || v[0] != 1 || v[1] != "two" {
		t.Fatalf("unexpected result %v", got)
	}
}

func TestFirstFailureWins(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	e1, e2 := errors.New("e1"), errors.New("e2")
	var got Outcome
	rt.Root().Spawn(func(z *Zone) error {
		_ = z.Fail(e1)
		_ = z.Fail(e2)
		if err := z.Succeed(); !errors.Is(err, ErrResultAfterFailure) {
			t.Errorf("expected ErrResultAfterFailure, got %v", err)
		}
		return errors.New("e3")
	}, WithCallback(func(_ *Zone, o Outcome) error { got = o; return nil }))
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Err() != e1 || got.Values() != nil {
		t.Fatalf("expected e1 to win, got %v", got)
	}
}

func TestFailureReplacesUndeliveredSuccess(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	boom := errors.New("boom")
	var got Outcome
	rt.Root().Spawn(func(z *Zone) error {
		release := hold(t, z)
		_ = z.Succeed("ok")
		z.Schedule(func(z *Zone) error {
			release()
			return boom
		})
		return nil
	}, WithCallback(func(_ *Zone, o Outcome) error { got = o; return nil }))
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State() != Failed || !errors.Is(got.Err(), boom) {
		t.Fatalf("expected failure to replace success, got %v", got)
	}
}

func TestPanicAsErrorConverted(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	var got Outcome
	rt.Root().Spawn(func(*Zone) error {
		panic("panic-value")
	}, WithCallback(func(_ *Zone, o Outcome) error { got = o; return nil }))
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var pe *PanicError
	if !errors.As(got.Err(), &pe) || pe.Value != "panic-value" {
		t.Fatalf("expected converted panic error, got %v", got.Err())
	}
}

func TestFailureWaitsForChildAndSignalsIt(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	x := errors.New("x")
	var log []string
	var signals []error

	rt.Root().Spawn(func(b *Zone) error {
		b.Spawn(func(c *Zone) error {
			release := hold(t, c)
			c.OnSignal(func(err error) {
				signals = append(signals, err)
				log = append(log, "C signaled")
				release()
			})
			return nil
		}, WithCallback(func(*Zone, Outcome) error {
			log = append(log, "C finalized")
			return nil
		}))
		return b.Fail(x)
	}, WithCallback(func(_ *Zone, o Outcome) error {
		if !errors.Is(o.Err(), x) {
			t.Errorf("expected x, got %v", o)
		}
		log = append(log, "B finalized")
		return nil
	}))

	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"C signaled", "C finalized", "B finalized"}
	if fmt.Sprint(log) != fmt.Sprint(want) {
		t.Fatalf("unexpected order: %v", log)
	}
	if len(signals) != 1 || signals[0] != x {
		t.Fatalf("expected exactly one signal carrying x, got %v", signals)
	}
}

func TestSignalDeliveredOncePerOutcome(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	boom := errors.New("boom")
	var signals []error
	var release func()

	p, _ := rt.Root().Spawn(func(p *Zone) error {
		release = hold(t, p)
		p.Spawn(func(c *Zone) error {
			releaseC := hold(t, c)
			c.OnSignal(func(err error) {
				signals = append(signals, err)
				if err != nil {
					releaseC()
				}
			})
			return nil
		})
		return p.Succeed()
	}, WithCallback(func(*Zone, Outcome) error { return nil }))

	// More flushes with the same outcome must not repeat the signal.
	rt.Post(func() {
		p.Schedule(func(*Zone) error {
			rt.Post(func() {
				p.Schedule(func(*Zone) error {
					release()
					return boom
				})
			})
			return nil
		})
	})
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(signals) != 2 || signals[0] != nil || signals[1] != boom {
		t.Fatalf("expected success then failure signal, got %v", signals)
	}
}

func TestSignalOrderFollowsRegistration(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	var order []string
	rt.Root().Spawn(func(p *Zone) error {
		for _, name := range []string{"a", "b", "c"} {
			p.Spawn(func(c *Zone) error {
				release := hold(t, c)
				c.OnSignal(func(error) {
					order = append(order, c.Name())
					release()
				})
				return nil
			}, WithName(name))
		}
		return errors.New("stop")
	}, WithCallback(func(*Zone, Outcome) error { return nil }))
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fmt.Sprint(order) != "[a b c]" {
		t.Fatalf("unexpected signal order: %v", order)
	}
}

func TestParentFinalizesAfterLastChild(t *testing.T) {
	t.Parallel()
	const N = 8
	rt := NewRuntime()
	var log []string
	releases := make([]func(), 0, N)

	rt.Root().Spawn(func(p *Zone) error {
		for i := 0; i < N; i++ {
			p.Spawn(func(c *Zone) error {
				releases = append(releases, hold(t, c))
				return nil
			}, WithCallback(func(*Zone, Outcome) error {
				log = append(log, "child")
				return nil
			}))
		}
		return nil
	}, WithCallback(func(p *Zone, o Outcome) error {
		log = append(log, "parent")
		return nil
	}))

	r := rand.New(rand.NewSource(1))
	r.Shuffle(len(releases), func(i, j int) { releases[i], releases[j] = releases[j], releases[i] })
	for _, release := range releases {
		rt.Post(release)
	}
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(log) != N+1 || log[N] != "parent" {
		t.Fatalf("parent must finalize last, got %v", log)
	}
}

func TestScheduledCallbacksRunInOrderInOneFlush(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	var log []string
	rt.Root().Spawn(func(d *Zone) error {
		for i := 1; i <= 3; i++ {
			d.Schedule(func(*Zone) error {
				log = append(log, fmt.Sprint(i))
				return nil
			})
		}
		log = append(log, "body done")
		return nil
	}, WithCallback(func(*Zone, Outcome) error {
		log = append(log, "finalized")
		return nil
	}))
	// The whole burst ran synchronously inside Spawn.
	if fmt.Sprint(log) != "[body done 1 2 3]" {
		t.Fatalf("unexpected order before run: %v", log)
	}
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fmt.Sprint(log) != "[body done 1 2 3 finalized]" {
		t.Fatalf("unexpected order: %v", log)
	}
}

type countingScheduler struct {
	loop   *Loop
	defers int
}

func (s *countingScheduler) Defer(fn func()) {
	s.defers++
	s.loop.Defer(fn)
}

func TestExternalScheduleDefersOnce(t *testing.T) {
	t.Parallel()
	sched := &countingScheduler{loop: NewLoop()}
	rt := NewRuntime(WithScheduler(sched.loop))
	rt.sched = sched
	var log []string
	var d *Zone
	var release func()
	d, _ = rt.Root().Spawn(func(z *Zone) error {
		release = hold(t, z)
		return nil
	})
	before := sched.defers
	for i := 1; i <= 3; i++ {
		d.Schedule(func(*Zone) error {
			log = append(log, fmt.Sprint(i))
			return nil
		})
	}
	if sched.defers != before+1 {
		t.Fatalf("expected a single deferred entry, got %d", sched.defers-before)
	}
	rt.Post(release)
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fmt.Sprint(log) != "[1 2 3]" {
		t.Fatalf("unexpected order: %v", log)
	}
}

func TestErrorEscalatesWithoutCallback(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	boom := errors.New("boom")
	var got Outcome
	rt.Root().Spawn(func(gp *Zone) error {
		gp.Spawn(func(p *Zone) error {
			p.Spawn(func(*Zone) error { return boom })
			return nil
		})
		return nil
	}, WithCallback(func(_ *Zone, o Outcome) error { got = o; return nil }))
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(got.Err(), boom) {
		t.Fatalf("expected boom to climb to the grandparent, got %v", got)
	}
}

func TestCallbackErrorFailsParent(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	cbErr := errors.New("from callback")
	var got Outcome
	rt.Root().Spawn(func(p *Zone) error {
		p.Spawn(nil, WithCallback(func(*Zone, Outcome) error { return cbErr }))
		return nil
	}, WithCallback(func(_ *Zone, o Outcome) error { got = o; return nil }))
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Err() != cbErr {
		t.Fatalf("expected callback error on parent, got %v", got)
	}
}

func TestUnhandledErrorIsFatal(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	boom := errors.New("boom")
	var rootSignal error
	rt.Root().Spawn(func(z *Zone) error {
		// A long-lived sibling learns about the failure through its signal.
		z.Root().Spawn(func(s *Zone) error {
			release := hold(t, s)
			s.OnSignal(func(err error) {
				if err != nil {
					rootSignal = err
					release()
				}
			})
			return nil
		})
		return boom
	})
	err := run(t, rt)
	var fe *FatalError
	if !errors.As(err, &fe) || !errors.Is(err, boom) {
		t.Fatalf("expected fatal boom, got %v", err)
	}
	if rt.Err() == nil {
		t.Fatal("expected runtime to keep the fatal error")
	}
	if rootSignal != boom {
		t.Fatalf("expected root to broadcast the failure, got %v", rootSignal)
	}
}

func TestUsageErrors(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	closed, _ := rt.Root().Spawn(nil)
	if !closed.Closed() {
		t.Fatal("empty zone should close at construction")
	}
	if err := closed.Schedule(nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from schedule, got %v", err)
	}
	if err := closed.Call(func(*Zone) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from call, got %v", err)
	}
	if _, err := closed.Spawn(nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from spawn, got %v", err)
	}
	if err := rt.Root().Unregister(12345678); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if err := rt.Root().Ref(12345678); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered from ref, got %v", err)
	}
	if err := rt.Root().Unref(12345678); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered from unref, got %v", err)
	}
	id, err := rt.Root().Register(0, nil, false)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := rt.Root().Register(id, nil, true); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if err := rt.Root().Unregister(id); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	var ue *UsageError
	if err := closed.SetCallback(func(*Zone, Outcome) error { return nil }); err != nil {
		t.Fatalf("callback may be bound until finalize: %v", err)
	}
	if err := closed.SetCallback(func(*Zone, Outcome) error { return nil }); !errors.As(err, &ue) || !errors.Is(err, ErrCallbackSet) {
		t.Fatalf("expected ErrCallbackSet usage error, got %v", err)
	}
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRefUnref(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	var got Outcome
	z, _ := rt.Root().Spawn(func(z *Zone) error {
		id, err := z.Register(0, nil, true)
		if err != nil {
			return err
		}
		if z.Refs() != 1 || z.Children() != 1 {
			t.Errorf("unexpected counts refs=%d children=%d", z.Refs(), z.Children())
		}
		// An unref'd child no longer keeps the zone pending, but the zone
		// cannot close until it is unregistered.
		if err := z.Unref(id); err != nil {
			return err
		}
		z.Schedule(func(z *Zone) error { return z.Unregister(id) })
		return nil
	}, WithCallback(func(_ *Zone, o Outcome) error { got = o; return nil }))
	if z.Outcome().State() != Succeeded || !z.Closed() {
		t.Fatalf("expected closed success, got %v closed=%v", z.Outcome(), z.Closed())
	}
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State() != Succeeded {
		t.Fatalf("unexpected outcome %v", got)
	}
}

func TestNestedCallFlushesOnce(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	var log []string
	rt.Root().Spawn(func(z *Zone) error {
		z.Schedule(func(*Zone) error { log = append(log, "queued"); return nil })
		z.Call(func(z *Zone) error {
			log = append(log, "nested")
			if rt.Current() != z {
				t.Errorf("current zone should be z")
			}
			return nil
		})
		log = append(log, "body done")
		return nil
	})
	if fmt.Sprint(log) != "[nested body done queued]" {
		t.Fatalf("nested call must not flush early: %v", log)
	}
	if rt.Current() != nil {
		t.Fatalf("current zone should be restored, got %v", rt.Current())
	}
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAncestry(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	var a, b *Zone
	a, _ = rt.Root().Spawn(func(a *Zone) error {
		b, _ = a.Spawn(nil)
		return nil
	})
	root := rt.Root()
	switch {
	case !root.ParentOf(a), !root.ParentOf(b), !a.ParentOf(b):
		t.Fatal("expected ancestors to be parents")
	case b.ParentOf(a), a.ParentOf(a), a.ChildOf(a):
		t.Fatal("unexpected ancestry")
	case !b.ChildOf(root), !b.ChildOf(a), a.ChildOf(b):
		t.Fatal("expected descendants to be children")
	case a.Root() != root || b.Root() != root || root.Root() != root:
		t.Fatal("unexpected root")
	case root.Parent() != nil || b.Parent() != a:
		t.Fatal("unexpected parent")
	}
	if root.Name() != "Root zone" || a.Name() != "Anonymous zone" {
		t.Fatalf("unexpected names %q %q", root.Name(), a.Name())
	}
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWrongGoroutinePanics(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	release := rt.Hold()
	got := make(chan any, 1)
	rt.Post(func() {
		go func() {
			defer release()
			defer func() { got <- recover() }()
			rt.Root().Schedule(nil)
		}()
	})
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := <-got
	err, ok := r.(error)
	if !ok || !errors.Is(err, ErrWrongGoroutine) {
		t.Fatalf("expected ErrWrongGoroutine panic, got %v", r)
	}
}

type countObserver struct {
	created, signaled, failed, finalized, tasks int
}

func (o *countObserver) ZoneCreated(*Zone)                           { o.created++ }
func (o *countObserver) ZoneSignaled(*Zone, ID, error)               { o.signaled++ }
func (o *countObserver) ZoneFailed(*Zone, error)                     { o.failed++ }
func (o *countObserver) ZoneFinalized(*Zone, Outcome, time.Duration) { o.finalized++ }
func (o *countObserver) TaskFinished(*Zone, time.Duration, error, bool) {
	o.tasks++
}

func TestObserverHooks(t *testing.T) {
	t.Parallel()
	obs := &countObserver{}
	rt := NewRuntime(WithObserver(Observers(obs, nil)))
	rt.Root().Spawn(func(p *Zone) error {
		p.Spawn(func(c *Zone) error {
			release := hold(t, c)
			c.OnSignal(func(error) { release() })
			return nil
		})
		return errors.New("boom")
	}, WithCallback(func(*Zone, Outcome) error { return nil }))
	if err := run(t, rt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.created != 3 || obs.finalized != 2 || obs.failed != 1 || obs.signaled < 1 || obs.tasks < 3 {
		t.Fatalf("unexpected observer counts: %+v", *obs)
	}
}

func TestPanicPropagationRestoresEntryState(t *testing.T) {
	t.Parallel()
	rt := NewRuntime(WithPanicAsError(false))
	root := rt.Root()
	func() {
		defer func() {
			if r := recover(); r != "escaped" {
				t.Fatalf("expected the panic to propagate, got %v", r)
			}
		}()
		root.Call(func(*Zone) error { panic("escaped") })
	}()
	if rt.Current() != nil {
		t.Fatalf("current zone not restored: %v", rt.Current())
	}
	if root.enterCount != 0 {
		t.Fatalf("enter count not restored: %d", root.enterCount)
	}
	// The zone is still usable afterwards.
	called := false
	if err := root.Call(func(*Zone) error { called = true; return nil }); err != nil || !called {
		t.Fatalf("call after panic: err=%v called=%v", err, called)
	}
}

func TestInvariantViolationIsNotCaptured(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	z, _ := rt.Root().Spawn(func(z *Zone) error {
		hold(t, z)
		return nil
	})
	var r any
	func() {
		defer func() { r = recover() }()
		// Finalizing a zone that has not closed breaks the engine's bookkeeping.
		rt.Root().Call(z.finalize)
	}()
	var ie *InvariantError
	err, ok := r.(error)
	if !ok || !errors.As(err, &ie) {
		t.Fatalf("expected an InvariantError panic, got %v", r)
	}
	if rt.Root().Outcome().State() == Failed {
		t.Fatal("invariant violation must not be recorded as a zone failure")
	}
}

func TestArenaIndexesChildren(t *testing.T) {
	t.Parallel()
	rt := NewRuntime()
	root := rt.Root()
	a, _ := root.Register(0, nil, true)
	b, _ := root.Register(0, nil, false)
	if root.Children() != 2 || root.Refs() != 1 {
		t.Fatalf("unexpected counts children=%d refs=%d", root.Children(), root.Refs())
	}
	slotA := rt.arena.lookup(a).slot
	if err := root.Unregister(a); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	c, _ := root.Register(0, nil, true)
	if got := rt.arena.lookup(c).slot; got != slotA {
		t.Fatalf("expected released slot %d to be reused, got %d", slotA, got)
	}
	if fmt.Sprint(root.kids.slots) != fmt.Sprint([]int{rt.arena.lookup(b).slot, slotA}) {
		t.Fatalf("children must keep registration order, got %v", root.kids.slots)
	}

	// Ids are owned by one zone: another zone cannot touch them.
	z, _ := root.Spawn(func(z *Zone) error {
		hold(t, z)
		return nil
	})
	if err := z.Unregister(b); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered for a sibling's child, got %v", err)
	}
	if _, err := z.Register(b, nil, true); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered for a live id, got %v", err)
	}
	if rt.Live() != 2 {
		t.Fatalf("expected root and one zone live, got %d", rt.Live())
	}
}

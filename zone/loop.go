package zone

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// Scheduler defers a task until the current synchronous stack unwinds.
// Tasks must run one at a time, in the order they were deferred.
type Scheduler interface {
	Defer(fn func())
}

// Loop is a single-goroutine FIFO task queue. Defer and Hold are safe from
// any goroutine; tasks only ever run on the goroutine that called Run.
type Loop struct {
	mu    sync.Mutex
	tasks []func()

	wake    chan struct{}
	holds   atomic.Int64
	owner   atomic.Int64 // goroutine id of Run, 0 when not running
	stopped atomic.Bool
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Defer appends fn to the task queue. After Stop it drops fn.
func (l *Loop) Defer(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped.Load() {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.notify()
}

// Stop discards queued tasks and makes the loop refuse new ones. A stopped
// loop cannot be run again.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped.Store(true)
	clear(l.tasks)
	l.tasks = nil
	l.mu.Unlock()
	l.notify()
}

// Stopped reports whether Stop was called.
func (l *Loop) Stopped() bool { return l.stopped.Load() }

// Hold marks external work as outstanding: Run will not return for lack of
// tasks until the returned release func is called. Release is idempotent.
func (l *Loop) Hold() (release func()) {
	l.holds.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.holds.Add(-1)
			l.notify()
		})
	}
}

// Len reports the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Holds reports the number of unreleased holds.
func (l *Loop) Holds() int64 { return l.holds.Load() }

// Running reports whether some goroutine is inside Run.
func (l *Loop) Running() bool { return l.owner.Load() != 0 }

// InLoop reports whether the caller is the goroutine running the loop.
func (l *Loop) InLoop() bool {
	o := l.owner.Load()
	return o != 0 && o == goid.Get()
}

// Run executes tasks on the calling goroutine until the queue is empty and
// no holds remain, or ctx is done. It returns nil when the loop went idle,
// ErrLoopStopped once Stop was called, and the context cause otherwise.
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.owner.CompareAndSwap(0, goid.Get()) {
		return ErrLoopRunning
	}
	defer l.owner.Store(0)

	for {
		if l.stopped.Load() {
			return ErrLoopStopped
		}
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
		}
		if fn, ok := l.next(); ok {
			fn()
			continue
		}
		if l.holds.Load() == 0 {
			return nil
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return fn, true
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

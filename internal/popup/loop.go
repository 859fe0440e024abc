package popup

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrLoopClosed is returned when work is submitted to a closed Loop.
var ErrLoopClosed = errors.New("popup: loop closed")

// Loop is a single goroutine cooperative scheduler. Submitted tasks and timer callbacks run one at a
// time, in order, on the loop goroutine. A panicking task is recovered and logged; the loop keeps
// running.
type Loop struct {
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	queue   []func()
	timers  timerHeap
	seq     uint64
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	onPanic func(any)
}

// LoopOption customises a Loop.
type LoopOption func(*Loop)

// WithLoopLogger sets the logger used for recovered panics.
func WithLoopLogger(logger *zap.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLoopClock overrides the wall clock reported by Now.
func WithLoopClock(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithPanicHandler registers a callback invoked on the loop after a task panicked.
func WithPanicHandler(fn func(recovered any)) LoopOption {
	return func(l *Loop) {
		l.onPanic = fn
	}
}

// NewLoop starts a loop goroutine. Callers must Close it.
func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{
		logger:  zap.NewNop(),
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	go l.run()
	return l
}

// Now implements Scheduler.
func (l *Loop) Now() time.Time { return l.now() }

// Submit queues fn to run on the loop.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
	return nil
}

// Do runs fn on the loop and waits for it to return. It must not be called from the loop goroutine.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	var panicked any
	err := l.Submit(func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				panicked = r
				l.recovered(r)
			}
		}()
		fn()
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		if panicked != nil {
			return fmt.Errorf("popup: loop task panicked: %v", panicked)
		}
		return nil
	case <-l.done:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AfterFunc implements Scheduler. It may be called from any goroutine; fn always runs on the loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	entry := &loopTimer{loop: l, when: l.now().Add(d), fn: fn}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		entry.cancelled = true
		return entry
	}
	l.seq++
	entry.seq = l.seq
	heap.Push(&l.timers, entry)
	l.mu.Unlock()
	l.signal()
	return entry
}

// Pending returns the number of queued tasks and live timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.queue)
	for _, t := range l.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// Close stops the loop, discards pending work and waits for the goroutine to exit. It must not be
// called from the loop goroutine.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.stopped
		return nil
	}
	l.closed = true
	l.queue = nil
	for _, t := range l.timers {
		t.cancelled = true
	}
	l.timers = nil
	close(l.done)
	l.mu.Unlock()
	<-l.stopped
	return nil
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	defer close(l.stopped)
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for {
		tasks, next, ok := l.take()
		if !ok {
			return
		}
		for _, task := range tasks {
			l.safeExecute(task)
		}
		if len(tasks) > 0 {
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		wait := time.Hour
		if !next.IsZero() {
			wait = next.Sub(l.now())
			if wait < 0 {
				wait = 0
			}
		}
		idle.Reset(wait)

		select {
		case <-l.done:
			return
		case <-l.wake:
		case <-idle.C:
		}
	}
}

// take drains the task queue plus every due timer. next is the deadline of the earliest remaining
// timer, zero when there is none.
func (l *Loop) take() (tasks []func(), next time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, time.Time{}, false
	}
	tasks = l.queue
	l.queue = nil
	now := l.now()
	for len(l.timers) > 0 {
		head := l.timers[0]
		if head.cancelled {
			heap.Pop(&l.timers)
			continue
		}
		if head.when.After(now) {
			next = head.when
			break
		}
		heap.Pop(&l.timers)
		tasks = append(tasks, l.timerTask(head))
	}
	return tasks, next, true
}

// timerTask re-checks cancellation on the loop so a Stop issued by an earlier task in the same
// batch still wins.
func (l *Loop) timerTask(t *loopTimer) func() {
	return func() {
		l.mu.Lock()
		cancelled := t.cancelled
		t.fired = !cancelled
		l.mu.Unlock()
		if !cancelled {
			t.fn()
		}
	}
}

func (l *Loop) safeExecute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.recovered(r)
		}
	}()
	task()
}

func (l *Loop) recovered(r any) {
	l.logger.Error("popup loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
	if l.onPanic != nil {
		func() {
			defer func() { _ = recover() }()
			l.onPanic(r)
		}()
	}
}

type loopTimer struct {
	loop      *Loop
	when      time.Time
	seq       uint64
	fn        func()
	index     int
	cancelled bool
	fired     bool
}

// Stop implements Timer.
func (t *loopTimer) Stop() bool {
	if t.loop == nil {
		return false
	}
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.cancelled = true
	return !t.fired
}

type timerHeap []*loopTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*loopTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	t.index = -1
	return t
}

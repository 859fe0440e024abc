// Package popuptest provides deterministic collaborators for engine tests.
package popuptest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hanko-field/popups/internal/popup"
)

// Epoch is the default start time of a Scheduler.
var Epoch = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

// Scheduler is a manual clock. Callbacks run on the goroutine calling Advance, in deadline order.
type Scheduler struct {
	now    time.Time
	seq    uint64
	timers []*timer
}

type timer struct {
	s       *Scheduler
	when    time.Time
	seq     uint64
	fn      func()
	stopped bool
	fired   bool
}

// NewScheduler returns a scheduler starting at Epoch.
func NewScheduler() *Scheduler {
	return &Scheduler{now: Epoch}
}

// Now implements popup.Scheduler.
func (s *Scheduler) Now() time.Time { return s.now }

// Elapsed returns the time passed since Epoch.
func (s *Scheduler) Elapsed() time.Duration { return s.now.Sub(Epoch) }

// AfterFunc implements popup.Scheduler.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) popup.Timer {
	if d < 0 {
		d = 0
	}
	s.seq++
	t := &timer{s: s, when: s.now.Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves the clock forward by d, running every callback due on the way.
func (s *Scheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.now.Add(d))
}

// AdvanceToOffset moves the clock to Epoch plus offset. It never moves backwards.
func (s *Scheduler) AdvanceToOffset(offset time.Duration) {
	s.AdvanceTo(Epoch.Add(offset))
}

// AdvanceTo moves the clock to target, running every callback due on the way. Callbacks scheduled
// by callbacks run too when they fall due before target.
func (s *Scheduler) AdvanceTo(target time.Time) {
	for {
		next := s.nextDue(target)
		if next == nil {
			break
		}
		if next.when.After(s.now) {
			s.now = next.when
		}
		next.fired = true
		next.fn()
	}
	if target.After(s.now) {
		s.now = target
	}
}

// Pending returns the number of callbacks not yet run or stopped.
func (s *Scheduler) Pending() int {
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (s *Scheduler) nextDue(target time.Time) *timer {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	s.timers = live
	sort.SliceStable(s.timers, func(i, j int) bool {
		if s.timers[i].when.Equal(s.timers[j].when) {
			return s.timers[i].seq < s.timers[j].seq
		}
		return s.timers[i].when.Before(s.timers[j].when)
	})
	if len(s.timers) == 0 || s.timers[0].when.After(target) {
		return nil
	}
	return s.timers[0]
}

func (t *timer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// ErrUnavailable is returned by FailingKV.
var ErrUnavailable = errors.New("popuptest: storage unavailable")

// FailingKV is a tier whose every call fails, like storage disabled by a privacy mode.
type FailingKV struct{}

func (FailingKV) Get(string) (string, bool, error) { return "", false, ErrUnavailable }
func (FailingKV) Set(string, string) error         { return ErrUnavailable }
func (FailingKV) Clear() error                     { return ErrUnavailable }

// Tracker records events. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	events []popup.TrackEvent
	Err    error
}

// Track implements popup.Tracker.
func (t *Tracker) Track(_ context.Context, event popup.TrackEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
	return t.Err
}

// Events returns the recorded events.
func (t *Tracker) Events() []popup.TrackEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]popup.TrackEvent(nil), t.events...)
}

// Submitter answers with Receipt or Err and records every call.
type Submitter struct {
	mu      sync.Mutex
	calls   []popup.ContactSubmission
	Receipt popup.SubmitReceipt
	Err     error
}

// SubmitContact implements popup.Submitter.
func (s *Submitter) SubmitContact(_ context.Context, submission popup.ContactSubmission) (popup.SubmitReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, submission)
	if s.Err != nil {
		return popup.SubmitReceipt{}, s.Err
	}
	return s.Receipt, nil
}

// Calls returns the recorded submissions.
func (s *Submitter) Calls() []popup.ContactSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]popup.ContactSubmission(nil), s.calls...)
}

// Inline runs fire-and-forget work synchronously so tests observe it immediately.
func Inline(fn func()) { fn() }

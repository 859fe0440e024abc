package popup

import (
	"math"
	"time"
)

// ScrollMetrics is one scroll observation in CSS pixels.
type ScrollMetrics struct {
	ScrollY        float64 `json:"scrollY"`
	DocumentHeight float64 `json:"documentHeight"`
	ViewportHeight float64 `json:"viewportHeight"`
}

// Percent returns how far the page is scrolled, 0 to 100. It is not clamped: a page that cannot
// scroll yields NaN at the top and +Inf anywhere else.
func (m ScrollMetrics) Percent() float64 {
	return m.ScrollY / (m.DocumentHeight - m.ViewportHeight) * 100
}

// PointerSignal is one pointer movement. Leaving is set when the pointer is moving out of the
// document.
type PointerSignal struct {
	ClientY float64 `json:"clientY"`
	Leaving bool    `json:"leaving"`
}

// detector watches one firing condition for a popup instance. start registers armed, called once
// the detector listens, and fire, called when the condition is met. A detector may call fire more
// than once; the instance keeps it single-shot.
type detector interface {
	start(armed, fire func())
	scroll(ScrollMetrics)
	pointer(PointerSignal)
	visibility(hidden bool)
	stop()
}

type timerDetector struct {
	sched Scheduler
	delay time.Duration
	timer Timer
}

func newTimerDetector(sched Scheduler, delay time.Duration) *timerDetector {
	return &timerDetector{sched: sched, delay: delay}
}

func (d *timerDetector) start(armed, fire func()) {
	armed()
	d.timer = d.sched.AfterFunc(d.delay, func() {
		d.timer = nil
		fire()
	})
}

func (d *timerDetector) scroll(ScrollMetrics)  {}
func (d *timerDetector) pointer(PointerSignal) {}
func (d *timerDetector) visibility(bool)       {}

func (d *timerDetector) stop() {
	stopTimer(d.timer)
	d.timer = nil
}

type scrollDetector struct {
	threshold float64
	fire      func()
}

func newScrollDetector(threshold float64) *scrollDetector {
	return &scrollDetector{threshold: threshold}
}

func (d *scrollDetector) start(armed, fire func()) {
	d.fire = fire
	armed()
}

func (d *scrollDetector) scroll(m ScrollMetrics) {
	if d.fire == nil {
		return
	}
	// NaN compares false, +Inf always passes.
	if m.Percent() >= d.threshold {
		d.fire()
	}
}

func (d *scrollDetector) pointer(PointerSignal) {}
func (d *scrollDetector) visibility(bool)       {}
func (d *scrollDetector) stop()                 { d.fire = nil }

// exitIntentRules tune an exit-intent detector.
type exitIntentRules struct {
	warmup      time.Duration
	sensitivity float64
	visibility  bool
}

// exitIntentDetector listens once its warm-up elapsed and its gate opened. The exit popup's gate is
// the sequencer; custom exit-intent popups start open.
type exitIntentDetector struct {
	sched Scheduler
	rules exitIntentRules

	warm    bool
	open    bool
	stopped bool
	timer   Timer
	armed   func()
	fire    func()
}

func newExitIntentDetector(sched Scheduler, rules exitIntentRules, gated bool) *exitIntentDetector {
	if rules.sensitivity <= 0 || math.IsNaN(rules.sensitivity) {
		rules.sensitivity = DefaultExitSensitivity
	}
	return &exitIntentDetector{sched: sched, rules: rules, open: !gated}
}

func (d *exitIntentDetector) start(armed, fire func()) {
	d.armed = armed
	d.fire = fire
	d.timer = d.sched.AfterFunc(d.rules.warmup, func() {
		d.timer = nil
		d.warm = true
		d.maybeArm()
	})
}

// release opens the gate.
func (d *exitIntentDetector) release() {
	if d.open {
		return
	}
	d.open = true
	d.maybeArm()
}

func (d *exitIntentDetector) listening() bool {
	return !d.stopped && d.warm && d.open
}

func (d *exitIntentDetector) maybeArm() {
	if d.listening() && d.armed != nil {
		d.armed()
	}
}

func (d *exitIntentDetector) scroll(ScrollMetrics) {}

func (d *exitIntentDetector) pointer(p PointerSignal) {
	if !d.listening() {
		return
	}
	if p.Leaving && p.ClientY <= d.rules.sensitivity {
		d.fire()
	}
}

func (d *exitIntentDetector) visibility(hidden bool) {
	if !d.listening() || !d.rules.visibility {
		return
	}
	if hidden {
		d.fire()
	}
}

func (d *exitIntentDetector) stop() {
	d.stopped = true
	stopTimer(d.timer)
	d.timer = nil
}

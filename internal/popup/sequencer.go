package popup

import (
	"time"

	"go.uber.org/zap"
)

// Sequencer holds exit-intent arming until DelayAfterWelcome has passed since the welcome popup
// was closed, by dismissal or submission. It reports satisfaction once.
type Sequencer struct {
	sched          Scheduler
	store          *Adapter
	logger         *zap.Logger
	welcomeEnabled bool
	delay          time.Duration
	poll           time.Duration

	satisfied bool
	stopped   bool
	timer     Timer
	pollTimer Timer
	waiters   []func()
}

// NewSequencer returns an idle sequencer; call Start to evaluate it. A positive poll re-reads the
// welcome record at that interval while none exists.
func NewSequencer(sched Scheduler, store *Adapter, logger *zap.Logger, welcomeEnabled bool, delay, poll time.Duration) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		sched:          sched,
		store:          store,
		logger:         logger,
		welcomeEnabled: welcomeEnabled,
		delay:          delay,
		poll:           poll,
	}
}

// Start performs the first evaluation.
func (s *Sequencer) Start() { s.evaluate() }

// Satisfied reports whether exit-intent may arm.
func (s *Sequencer) Satisfied() bool { return s.satisfied }

// OnSatisfied registers fn. It runs immediately when the sequencer is already satisfied.
func (s *Sequencer) OnSatisfied(fn func()) {
	if fn == nil {
		return
	}
	if s.satisfied {
		fn()
		return
	}
	s.waiters = append(s.waiters, fn)
}

// NotifyWelcomeClosed is called by the reducers after they recorded a welcome dismissal.
func (s *Sequencer) NotifyWelcomeClosed() { s.evaluate() }

// Reevaluate re-reads the welcome record, for hosts whose durable tier changed underneath.
func (s *Sequencer) Reevaluate() { s.evaluate() }

// Stop cancels pending timers. A stopped sequencer never reports satisfaction.
func (s *Sequencer) Stop() {
	s.stopped = true
	stopTimer(s.timer)
	stopTimer(s.pollTimer)
	s.timer, s.pollTimer = nil, nil
	s.waiters = nil
}

func (s *Sequencer) evaluate() {
	if s.stopped || s.satisfied {
		return
	}
	if !s.welcomeEnabled {
		s.satisfy()
		return
	}
	at, ok := s.store.DismissedAt(Welcome)
	if !ok {
		if s.poll > 0 && s.pollTimer == nil {
			s.pollTimer = s.sched.AfterFunc(s.poll, func() {
				s.pollTimer = nil
				s.evaluate()
			})
		}
		return
	}
	stopTimer(s.pollTimer)
	s.pollTimer = nil

	elapsed := s.sched.Now().Sub(at)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= s.delay {
		s.satisfy()
		return
	}
	stopTimer(s.timer)
	remaining := s.delay - elapsed
	s.logger.Debug("exit intent waiting for welcome delay", zap.Duration("remaining", remaining))
	s.timer = s.sched.AfterFunc(remaining, func() {
		s.timer = nil
		s.evaluate()
	})
}

func (s *Sequencer) satisfy() {
	s.satisfied = true
	stopTimer(s.timer)
	stopTimer(s.pollTimer)
	s.timer, s.pollTimer = nil, nil
	waiters := s.waiters
	s.waiters = nil
	for _, fn := range waiters {
		fn()
	}
}

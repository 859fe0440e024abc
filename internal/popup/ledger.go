package popup

import "time"

// WelcomeRules selects between the session scoped and the day based welcome suppression modes.
type WelcomeRules struct {
	// SessionOnly suppresses welcome for the rest of the browsing session once it was offered, and
	// for SessionExpiry after a dismissal.
	SessionOnly   bool
	SessionExpiry time.Duration
	// DismissFor is the cooldown used when SessionOnly is false.
	DismissFor time.Duration
}

// Ledger answers eligibility questions from stored dismissals, the submission flag, the session
// marker and the active slot. It never writes.
type Ledger struct {
	store   *Adapter
	arbiter *Arbiter
	now     func() time.Time
}

// NewLedger builds a ledger over store and the slot held by arbiter.
func NewLedger(store *Adapter, arbiter *Arbiter, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, arbiter: arbiter, now: now}
}

// CanShowWelcome reports whether the welcome popup may become active.
func (l *Ledger) CanShowWelcome(rules WelcomeRules) bool {
	if l.store.Submitted() || l.slotTaken("") {
		return false
	}
	if rules.SessionOnly {
		if l.store.WelcomeShownThisSession() {
			return false
		}
		return !l.cooling(Welcome, rules.SessionExpiry)
	}
	return !l.cooling(Welcome, rules.DismissFor)
}

// CanShowExit reports whether the exit-intent popup may become active.
func (l *Ledger) CanShowExit(dismissFor time.Duration) bool {
	if l.store.Submitted() || l.slotTaken("") {
		return false
	}
	return !l.cooling(Exit, dismissFor)
}

// CanShowCustom reports whether the custom popup id may become active. The submission flag is not
// consulted: a submitted form suppresses welcome and exit only.
func (l *Ledger) CanShowCustom(id Identity, dismissFor time.Duration) bool {
	if l.slotTaken(id) {
		return false
	}
	return !l.cooling(id, dismissFor)
}

// Remaining returns how long id stays suppressed by its cooldown. Zero means eligible.
func (l *Ledger) Remaining(id Identity, cooldown time.Duration) time.Duration {
	at, ok := l.store.DismissedAt(id)
	if !ok {
		return 0
	}
	elapsed := l.now().Sub(at)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}

func (l *Ledger) cooling(id Identity, cooldown time.Duration) bool {
	return l.Remaining(id, cooldown) > 0
}

// slotTaken reports whether the slot is held by an identity other than self. An empty self treats
// any holder as taken.
func (l *Ledger) slotTaken(self Identity) bool {
	if l.arbiter == nil {
		return false
	}
	active, ok := l.arbiter.Active()
	return ok && active != self
}

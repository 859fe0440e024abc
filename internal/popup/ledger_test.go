package popup_test

import (
	"testing"
	"time"

	"github.com/hanko-field/popups/internal/popup"
	"github.com/hanko-field/popups/internal/popup/popuptest"
)

type ledgerFixture struct {
	sched   *popuptest.Scheduler
	durable *popup.MemoryKV
	session *popup.MemoryKV
	store   *popup.Adapter
	arbiter *popup.Arbiter
	ledger  *popup.Ledger
}

func newLedgerFixture() *ledgerFixture {
	f := &ledgerFixture{
		sched:   popuptest.NewScheduler(),
		durable: popup.NewMemoryKV(nil),
		session: popup.NewMemoryKV(nil),
	}
	f.store = popup.NewAdapter(f.durable, f.session, nil)
	f.arbiter = popup.NewArbiter(nil, nil)
	f.ledger = popup.NewLedger(f.store, f.arbiter, f.sched.Now)
	return f
}

func TestLedgerMissingRecordIsEligible(t *testing.T) {
	f := newLedgerFixture()
	if !f.ledger.CanShowWelcome(popup.WelcomeRules{DismissFor: 7 * 24 * time.Hour}) {
		t.Fatalf("welcome without record must be eligible")
	}
	if !f.ledger.CanShowExit(3 * 24 * time.Hour) {
		t.Fatalf("exit without record must be eligible")
	}
	if !f.ledger.CanShowCustom("spring", 24*time.Hour) {
		t.Fatalf("custom without record must be eligible")
	}
}

func TestLedgerCooldownBoundary(t *testing.T) {
	f := newLedgerFixture()
	cooldown := 3 * 24 * time.Hour
	f.store.RecordDismissal(popup.Exit, f.sched.Now())

	f.sched.Advance(cooldown - time.Millisecond)
	if f.ledger.CanShowExit(cooldown) {
		t.Fatalf("exit must stay suppressed before the cooldown elapsed")
	}
	f.sched.Advance(time.Millisecond)
	if !f.ledger.CanShowExit(cooldown) {
		t.Fatalf("exit must be eligible exactly at the cooldown boundary")
	}
}

func TestLedgerCooldownIsMonotonic(t *testing.T) {
	f := newLedgerFixture()
	cooldown := 2 * 24 * time.Hour
	f.store.RecordDismissal(popup.Exit, f.sched.Now())

	seenEligible := false
	for i := 0; i < 96; i++ {
		eligible := f.ledger.CanShowExit(cooldown)
		if seenEligible && !eligible {
			t.Fatalf("eligibility flipped back to suppressed at step %d", i)
		}
		seenEligible = seenEligible || eligible
		f.sched.Advance(time.Hour)
	}
	if !seenEligible {
		t.Fatalf("exit never became eligible again")
	}
}

func TestLedgerFutureDismissalCountsAsJustDismissed(t *testing.T) {
	f := newLedgerFixture()
	f.store.RecordDismissal("spring", f.sched.Now().Add(time.Hour))

	if f.ledger.CanShowCustom("spring", time.Minute) {
		t.Fatalf("future dismissal must apply the full cooldown")
	}
	if got := f.ledger.Remaining("spring", time.Minute); got != time.Minute {
		t.Fatalf("expected remaining to clamp to the cooldown, got %s", got)
	}
	if !f.ledger.CanShowCustom("spring", 0) {
		t.Fatalf("zero cooldown must always be satisfied")
	}
}

func TestLedgerSubmissionIsStickyAndAsymmetric(t *testing.T) {
	f := newLedgerFixture()
	f.store.MarkSubmitted()

	f.sched.Advance(365 * 24 * time.Hour)
	if f.ledger.CanShowWelcome(popup.WelcomeRules{}) {
		t.Fatalf("welcome must stay suppressed after a submission")
	}
	if f.ledger.CanShowWelcome(popup.WelcomeRules{SessionOnly: true}) {
		t.Fatalf("session-only welcome must stay suppressed after a submission")
	}
	if f.ledger.CanShowExit(0) {
		t.Fatalf("exit must stay suppressed after a submission")
	}
	if !f.ledger.CanShowCustom("spring", 0) {
		t.Fatalf("custom popups ignore the submission flag")
	}
}

func TestLedgerSlotOccupancy(t *testing.T) {
	f := newLedgerFixture()
	if !f.arbiter.RequestActivate("spring", nil) {
		t.Fatalf("expected grant")
	}

	if f.ledger.CanShowWelcome(popup.WelcomeRules{}) || f.ledger.CanShowExit(0) {
		t.Fatalf("site popups must be denied while the slot is occupied")
	}
	if f.ledger.CanShowCustom("summer", 0) {
		t.Fatalf("other custom popups must be denied while the slot is occupied")
	}
	if !f.ledger.CanShowCustom("spring", 0) {
		t.Fatalf("the holder may re-query its own state")
	}
}

func TestLedgerWelcomeSessionAndDurableIndependence(t *testing.T) {
	rules := popup.WelcomeRules{SessionOnly: true, SessionExpiry: 24 * time.Hour}

	t.Run("new tab keeps durable suppression", func(t *testing.T) {
		f := newLedgerFixture()
		f.store.RecordDismissal(popup.Welcome, f.sched.Now())
		f.store.MarkWelcomeShown()
		if err := f.session.Clear(); err != nil {
			t.Fatalf("clear session: %v", err)
		}

		f.sched.Advance(23 * time.Hour)
		if f.ledger.CanShowWelcome(rules) {
			t.Fatalf("welcome must stay suppressed within the session expiry")
		}
		f.sched.Advance(time.Hour)
		if !f.ledger.CanShowWelcome(rules) {
			t.Fatalf("welcome must be eligible once the session expiry elapsed")
		}
	})

	t.Run("session marker survives durable clearing", func(t *testing.T) {
		f := newLedgerFixture()
		f.store.RecordDismissal(popup.Welcome, f.sched.Now())
		f.store.MarkWelcomeShown()
		if err := f.durable.Clear(); err != nil {
			t.Fatalf("clear durable: %v", err)
		}

		f.sched.Advance(48 * time.Hour)
		if f.ledger.CanShowWelcome(rules) {
			t.Fatalf("session marker must suppress welcome")
		}
	})

	t.Run("day mode ignores the session marker", func(t *testing.T) {
		f := newLedgerFixture()
		f.store.MarkWelcomeShown()
		if !f.ledger.CanShowWelcome(popup.WelcomeRules{DismissFor: 7 * 24 * time.Hour}) {
			t.Fatalf("day based mode only consults the dismissal record")
		}
	})
}

package popup_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/hanko-field/popups/internal/popup"
	"github.com/hanko-field/popups/internal/popup/popuptest"
)

const (
	opAdvance = iota
	opScroll
	opPointer
	opHide
	opDismiss
	opSubmit
	opUnmountCustom
	opReevaluate
	opCount
)

func propertySite() (popup.SiteConfig, []popup.CustomConfig) {
	site := popup.SiteConfig{
		Welcome: popup.WelcomeConfig{Enabled: true, DelaySeconds: 2, DismissDays: 1},
		Exit:    popup.ExitConfig{Enabled: true, DismissDays: 1, DelayAfterWelcomeSeconds: 3, VisibilityExit: true},
	}
	customs := []popup.CustomConfig{
		{ID: "timer", Enabled: true, TriggerType: popup.TriggerTimer, DelaySeconds: 2},
		{ID: "scroll", Enabled: true, TriggerType: popup.TriggerScroll, ScrollPercent: 30},
		{ID: "leave", Enabled: true, TriggerType: popup.TriggerExit, WarmupSeconds: 1},
	}
	return site, customs
}

// activeCount counts mounted popups in the active state and checks the slot agrees.
func activeCount(engine *popup.Engine) (int, bool) {
	snap := engine.Snapshot()
	n := 0
	for _, p := range snap.Popups {
		if p.State == popup.StateActive {
			n++
			if p.Identity != snap.Active {
				return n, false
			}
		}
	}
	return n, n <= 1
}

func TestMutualExclusionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one popup is active after any sequence of signals", prop.ForAll(
		func(ops []int, args []int) bool {
			sched := popuptest.NewScheduler()
			engine, err := popup.NewEngine(popup.EngineDeps{
				Durable:   popup.NewMemoryKV(nil),
				Session:   popup.NewMemoryKV(nil),
				Scheduler: sched,
				Submitter: &popuptest.Submitter{},
				Spawn:     popuptest.Inline,
			})
			if err != nil {
				return false
			}
			site, customs := propertySite()
			if err := engine.MountSite(site, nil); err != nil {
				return false
			}
			for _, custom := range customs {
				if err := engine.MountCustom(custom); err != nil {
					return false
				}
			}

			for i, op := range ops {
				arg := 0
				if i < len(args) {
					arg = args[i]
				}
				switch op % opCount {
				case opAdvance:
					sched.Advance(time.Duration(arg) * 250 * time.Millisecond)
				case opScroll:
					engine.Scroll(popup.ScrollMetrics{ScrollY: float64(arg * 100), DocumentHeight: 3000, ViewportHeight: 1000})
				case opPointer:
					engine.Pointer(popup.PointerSignal{ClientY: float64(arg * 4), Leaving: arg%2 == 0})
				case opHide:
					engine.Visibility(arg%2 == 0)
				case opDismiss:
					if active, ok := engine.Active(); ok {
						_ = engine.Dismiss(active)
					}
				case opSubmit:
					if active, ok := engine.Active(); ok {
						_, _ = engine.Submit(context.Background(), active, popup.Submission{Contact: popup.ContactEmail, Value: "p@example.com"})
					}
				case opUnmountCustom:
					_ = engine.Unmount(customs[arg%len(customs)].ID)
				case opReevaluate:
					engine.Reevaluate()
				}
				if _, ok := activeCount(engine); !ok {
					return false
				}
			}
			engine.Close()
			return sched.Pending() == 0
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
		gen.SliceOf(gen.IntRange(0, 20)),
	))

	properties.TestingRun(t)
}

func TestCooldownMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("exit eligibility never returns to suppressed without a new dismissal", prop.ForAll(
		func(cooldownHours int, steps []int) bool {
			sched := popuptest.NewScheduler()
			store := popup.NewAdapter(popup.NewMemoryKV(nil), nil, nil)
			ledger := popup.NewLedger(store, popup.NewArbiter(nil, nil), sched.Now)
			cooldown := time.Duration(cooldownHours) * time.Hour
			dismissedAt := sched.Now()
			store.RecordDismissal(popup.Exit, dismissedAt)

			if cooldown > 0 && ledger.CanShowExit(cooldown) {
				return false
			}
			eligible := false
			for _, step := range steps {
				sched.Advance(time.Duration(step) * time.Minute)
				now := ledger.CanShowExit(cooldown)
				if eligible && !now {
					return false
				}
				if now != (sched.Now().Sub(dismissedAt) >= cooldown) {
					return false
				}
				eligible = now
			}
			return true
		},
		gen.IntRange(0, 96),
		gen.SliceOf(gen.IntRange(0, 600)),
	))

	properties.TestingRun(t)
}

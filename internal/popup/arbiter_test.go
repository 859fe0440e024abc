package popup_test

import (
	"testing"

	"github.com/hanko-field/popups/internal/popup"
)

func TestArbiterGrantsOnlyEmptySlot(t *testing.T) {
	var activated []popup.Identity
	arbiter := popup.NewArbiter(nil, func(id popup.Identity) { activated = append(activated, id) })

	if !arbiter.RequestActivate(popup.Welcome, func() bool { return true }) {
		t.Fatalf("expected welcome to be granted")
	}
	if arbiter.RequestActivate(popup.Exit, func() bool { return true }) {
		t.Fatalf("expected exit to be denied while welcome is active")
	}
	if !arbiter.RequestActivate(popup.Welcome, func() bool { return false }) {
		t.Fatalf("holder re-request must be granted")
	}
	if len(activated) != 1 || activated[0] != popup.Welcome {
		t.Fatalf("expected a single activation hook call, got %v", activated)
	}

	arbiter.Release(popup.Welcome)
	if _, ok := arbiter.Active(); ok {
		t.Fatalf("expected empty slot after release")
	}
	if arbiter.RequestActivate(popup.Exit, func() bool { return false }) {
		t.Fatalf("ineligible request must be denied")
	}
	if _, ok := arbiter.Active(); ok {
		t.Fatalf("denied request must leave the slot empty")
	}
}

func TestArbiterReleaseIsUnconditional(t *testing.T) {
	arbiter := popup.NewArbiter(nil, nil)
	arbiter.RequestActivate("spring", nil)
	arbiter.Release(popup.Exit)
	if _, ok := arbiter.Active(); ok {
		t.Fatalf("release by a non-holder still clears the slot")
	}
}

func TestArbiterRejectsEmptyIdentity(t *testing.T) {
	arbiter := popup.NewArbiter(nil, nil)
	if arbiter.RequestActivate("", nil) {
		t.Fatalf("empty identity must never be granted")
	}
}

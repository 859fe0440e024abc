// Package popup implements the storefront popup orchestration engine: suppression ledger, trigger
// detectors, arbitration of the single active popup and the welcome→exit sequencing rule.
//
// An Engine is confined to the execution context of its Scheduler. Hosts that receive events on
// several goroutines serialise them through a Loop.
package popup

import "strings"

// Identity names one popup: Welcome, Exit, or a custom popup id.
type Identity string

const (
	// Welcome is the site-wide welcome popup.
	Welcome Identity = "welcome"
	// Exit is the site-wide exit-intent popup.
	Exit Identity = "exit"
)

// Kind reports which family of popup the identity belongs to.
func (id Identity) Kind() Kind {
	switch id {
	case Welcome:
		return KindWelcome
	case Exit:
		return KindExit
	default:
		return KindCustom
	}
}

// Valid reports whether the identity can be used as a storage key.
func (id Identity) Valid() bool {
	value := string(id)
	if strings.TrimSpace(value) == "" || len(value) > 128 {
		return false
	}
	return !strings.ContainsAny(value, " \t\r\n;,=\"")
}

func (id Identity) String() string { return string(id) }

// Kind is the popup type used by tracking and the configuration surface.
type Kind string

const (
	KindWelcome Kind = "welcome"
	KindExit    Kind = "exit"
	KindCustom  Kind = "custom"
)

// State is the lifecycle position of one mounted popup instance.
type State string

const (
	// StateIdle means the detector is not yet armed.
	StateIdle State = "idle"
	// StateArmed means the detector is listening for its firing condition.
	StateArmed State = "armed"
	// StateActive means the popup owns the active slot.
	StateActive State = "active"
	// StateDismissed means the visitor closed the popup.
	StateDismissed State = "dismissed"
	// StateSubmitted means the popup form was submitted successfully.
	StateSubmitted State = "submitted"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDismissed || s == StateSubmitted
}

// Action is a tracked lifecycle event.
type Action string

const (
	ActionView    Action = "view"
	ActionDismiss Action = "dismiss"
)

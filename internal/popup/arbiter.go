package popup

import "go.uber.org/zap"

// Arbiter owns the active slot: at most one identity is displayed at any instant. All reads and
// writes of the slot go through it.
type Arbiter struct {
	active     Identity
	onActivate func(Identity)
	logger     *zap.Logger
}

// NewArbiter returns an arbiter with an empty slot. onActivate runs after every granted request
// that changed the slot.
func NewArbiter(logger *zap.Logger, onActivate func(Identity)) *Arbiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbiter{onActivate: onActivate, logger: logger}
}

// Active returns the identity holding the slot.
func (a *Arbiter) Active() (Identity, bool) {
	return a.active, a.active != ""
}

// RequestActivate grants id the slot when eligible reports true and the slot is empty. A request
// from the identity already holding the slot is granted without side effects.
func (a *Arbiter) RequestActivate(id Identity, eligible func() bool) bool {
	if id == "" {
		return false
	}
	if a.active == id {
		return true
	}
	if a.active != "" {
		a.logger.Debug("activation denied: slot occupied", zap.String("popup", id.String()), zap.String("active", a.active.String()))
		return false
	}
	if eligible != nil && !eligible() {
		a.logger.Debug("activation denied: not eligible", zap.String("popup", id.String()))
		return false
	}
	a.active = id
	if a.onActivate != nil {
		a.onActivate(id)
	}
	return true
}

// Release empties the slot. It does not check that id is the holder.
func (a *Arbiter) Release(id Identity) {
	if a.active != "" && a.active != id {
		a.logger.Warn("slot released by non-holder", zap.String("popup", id.String()), zap.String("active", a.active.String()))
	}
	a.active = ""
}

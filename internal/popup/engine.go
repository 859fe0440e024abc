package popup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultTrackTimeout = 5 * time.Second

var (
	// ErrUnknownPopup reports an identity that is not mounted.
	ErrUnknownPopup = errors.New("popup: unknown popup")
	// ErrNotActive reports an action on a popup that does not hold the active slot.
	ErrNotActive = errors.New("popup: popup is not active")
	// ErrAlreadyMounted reports a second mount of the same identity.
	ErrAlreadyMounted = errors.New("popup: already mounted")
	// ErrEngineClosed reports use of a closed engine.
	ErrEngineClosed = errors.New("popup: engine closed")
	// ErrSubmissionFailed reports a retryable submission failure. No state was written.
	ErrSubmissionFailed = errors.New("popup: submission failed")
)

// ContactSubmission is what the Submitter receives.
type ContactSubmission struct {
	Identity Identity
	Kind     Kind
	Contact  ContactKind
	Value    string
	Download *Download
	PageSlug string
}

// SubmitReceipt is the Submitter's answer to a successful submission.
type SubmitReceipt struct {
	LeadID            string    `json:"leadId,omitempty"`
	DownloadURL       string    `json:"downloadUrl,omitempty"`
	DownloadExpiresAt time.Time `json:"downloadExpiresAt,omitempty"`
}

// Submitter delivers a contact to the marketing backend. Calls must be safe to retry.
type Submitter interface {
	SubmitContact(ctx context.Context, submission ContactSubmission) (SubmitReceipt, error)
}

// TrackEvent is a view or dismiss notification. Identity is only set for custom popups.
type TrackEvent struct {
	Identity Identity
	Kind     Kind
	Action   Action
	PageSlug string
	At       time.Time
}

// Tracker records popup views and dismissals. Failures are logged and otherwise ignored.
type Tracker interface {
	Track(ctx context.Context, event TrackEvent) error
}

// EngineDeps wires an Engine.
type EngineDeps struct {
	Durable   KV
	Session   KV
	Scheduler Scheduler
	Tracker   Tracker
	Submitter Submitter
	Logger    *zap.Logger
	PageSlug  string
	// Spawn runs fire-and-forget tracking calls off the scheduler. Defaults to a new goroutine.
	Spawn func(func())
	// SequencerPoll enables periodic re-reads of the welcome record. Zero disables polling.
	SequencerPoll time.Duration
	TrackTimeout  time.Duration
}

// Engine orchestrates the popups of one page load. It is not safe for concurrent use; every call
// must happen on the Scheduler's execution context.
type Engine struct {
	sched        Scheduler
	store        *Adapter
	ledger       *Ledger
	arbiter      *Arbiter
	sequencer    *Sequencer
	tracker      Tracker
	submitter    Submitter
	logger       *zap.Logger
	pageSlug     string
	spawn        func(func())
	poll         time.Duration
	trackTimeout time.Duration

	instances map[Identity]*instance
	order     []Identity
	closed    bool
}

type instance struct {
	id           Identity
	state        State
	triggered    bool
	det          detector
	eligible     func() bool
	contactKinds []ContactKind
	download     *Download
}

// PopupStatus is the observable state of one mounted popup.
type PopupStatus struct {
	Identity  Identity `json:"identity"`
	Kind      Kind     `json:"kind"`
	State     State    `json:"state"`
	Triggered bool     `json:"triggered"`
}

// Snapshot is the observable state of an engine.
type Snapshot struct {
	Active Identity      `json:"active,omitempty"`
	Popups []PopupStatus `json:"popups"`
}

// NewEngine builds an engine and migrates legacy welcome and exit keys.
func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Scheduler == nil {
		return nil, errors.New("engine: scheduler is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	spawn := deps.Spawn
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	trackTimeout := deps.TrackTimeout
	if trackTimeout <= 0 {
		trackTimeout = defaultTrackTimeout
	}

	e := &Engine{
		sched:        deps.Scheduler,
		store:        NewAdapter(deps.Durable, deps.Session, logger),
		tracker:      deps.Tracker,
		submitter:    deps.Submitter,
		logger:       logger,
		pageSlug:     deps.PageSlug,
		spawn:        spawn,
		poll:         deps.SequencerPoll,
		trackTimeout: trackTimeout,
		instances:    make(map[Identity]*instance),
	}
	e.arbiter = NewArbiter(logger, func(id Identity) { e.track(id, ActionView) })
	e.ledger = NewLedger(e.store, e.arbiter, e.sched.Now)
	e.store.Migrate(Welcome, Exit)
	return e, nil
}

// Ledger exposes the eligibility predicates over the engine's state.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Store exposes the persistence adapter.
func (e *Engine) Store() *Adapter { return e.store }

// MountSite mounts every enabled site-wide popup plus custom, the popup resolved for the page.
func (e *Engine) MountSite(site SiteConfig, custom *CustomConfig) error {
	if err := site.Validate(); err != nil {
		return err
	}
	if err := e.MountWelcome(site.Welcome); err != nil {
		return err
	}
	if err := e.MountExit(site.Exit, site.Welcome.Enabled); err != nil {
		return err
	}
	if custom != nil {
		if err := e.MountCustom(*custom); err != nil {
			return err
		}
	}
	return nil
}

// MountWelcome mounts the welcome popup behind a timer. A disabled config mounts nothing.
func (e *Engine) MountWelcome(cfg WelcomeConfig) error {
	if !cfg.Enabled {
		return nil
	}
	rules := cfg.Rules()
	return e.mount(&instance{
		id:           Welcome,
		det:          newTimerDetector(e.sched, cfg.Delay()),
		eligible:     func() bool { return e.ledger.CanShowWelcome(rules) },
		contactKinds: cfg.ContactKinds,
		download:     cfg.Download,
	})
}

// MountExit mounts the exit-intent popup. Its detector is gated by a sequencer that waits for
// the welcome popup when welcomeEnabled is set.
func (e *Engine) MountExit(cfg ExitConfig, welcomeEnabled bool) error {
	if !cfg.Enabled {
		return nil
	}
	if e.sequencer != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyMounted, Exit)
	}
	dismissFor := cfg.DismissFor()
	det := newExitIntentDetector(e.sched, cfg.exitRules(), true)
	err := e.mount(&instance{
		id:           Exit,
		det:          det,
		eligible:     func() bool { return e.ledger.CanShowExit(dismissFor) },
		contactKinds: cfg.ContactKinds,
		download:     cfg.Download,
	})
	if err != nil {
		return err
	}
	e.sequencer = NewSequencer(e.sched, e.store, e.logger, welcomeEnabled, cfg.DelayAfterWelcome(), e.poll)
	e.sequencer.OnSatisfied(det.release)
	e.sequencer.Start()
	return nil
}

// MountCustom mounts a page or product targeted popup.
func (e *Engine) MountCustom(cfg CustomConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	var det detector
	switch cfg.TriggerType {
	case TriggerScroll:
		det = newScrollDetector(cfg.ScrollPercent)
	case TriggerExit:
		det = newExitIntentDetector(e.sched, cfg.exitRules(), false)
	default:
		det = newTimerDetector(e.sched, seconds(cfg.DelaySeconds))
	}
	e.store.Migrate(cfg.ID)
	id, dismissFor := cfg.ID, cfg.DismissFor()
	return e.mount(&instance{
		id:           id,
		det:          det,
		eligible:     func() bool { return e.ledger.CanShowCustom(id, dismissFor) },
		contactKinds: cfg.ContactKinds,
		download:     cfg.Download,
	})
}

func (e *Engine) mount(inst *instance) error {
	if e.closed {
		return ErrEngineClosed
	}
	if _, ok := e.instances[inst.id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyMounted, inst.id)
	}
	inst.state = StateIdle
	e.instances[inst.id] = inst
	e.order = append(e.order, inst.id)
	inst.det.start(func() { e.armed(inst) }, func() { e.fire(inst) })
	e.logger.Debug("popup mounted", zap.String("popup", inst.id.String()))
	return nil
}

func (e *Engine) armed(inst *instance) {
	if inst.state == StateIdle {
		inst.state = StateArmed
	}
}

// fire is the single-shot activation attempt of an instance.
func (e *Engine) fire(inst *instance) {
	if e.instances[inst.id] != inst || inst.triggered || inst.state.Terminal() {
		return
	}
	inst.triggered = true
	inst.det.stop()
	if e.arbiter.RequestActivate(inst.id, inst.eligible) {
		inst.state = StateActive
		e.logger.Debug("popup activated", zap.String("popup", inst.id.String()))
	}
}

// Unmount tears down the detector of id and frees the slot when id holds it.
func (e *Engine) Unmount(id Identity) error {
	inst, ok := e.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPopup, id)
	}
	inst.det.stop()
	if active, held := e.arbiter.Active(); held && active == id {
		e.arbiter.Release(id)
	}
	if id == Exit && e.sequencer != nil {
		e.sequencer.Stop()
		e.sequencer = nil
	}
	delete(e.instances, id)
	for i, mounted := range e.order {
		if mounted == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close unmounts every popup. Later mounts fail with ErrEngineClosed.
func (e *Engine) Close() {
	for _, id := range append([]Identity(nil), e.order...) {
		_ = e.Unmount(id)
	}
	e.closed = true
}

// Scroll dispatches a scroll observation to every listening detector.
func (e *Engine) Scroll(m ScrollMetrics) {
	e.each(func(d detector) { d.scroll(m) })
}

// Pointer dispatches a pointer movement to every listening detector.
func (e *Engine) Pointer(p PointerSignal) {
	e.each(func(d detector) { d.pointer(p) })
}

// Visibility dispatches a page visibility change to every listening detector.
func (e *Engine) Visibility(hidden bool) {
	e.each(func(d detector) { d.visibility(hidden) })
}

func (e *Engine) each(fn func(detector)) {
	for _, id := range append([]Identity(nil), e.order...) {
		inst, ok := e.instances[id]
		if !ok || inst.triggered || inst.state.Terminal() {
			continue
		}
		fn(inst.det)
	}
}

// Reevaluate re-reads the welcome record after the durable tier changed outside this engine.
func (e *Engine) Reevaluate() {
	if e.sequencer != nil {
		e.sequencer.Reevaluate()
	}
}

// Active returns the identity holding the slot.
func (e *Engine) Active() (Identity, bool) { return e.arbiter.Active() }

// State returns the lifecycle state of a mounted popup.
func (e *Engine) State(id Identity) (State, bool) {
	inst, ok := e.instances[id]
	if !ok {
		return "", false
	}
	return inst.state, true
}

// Snapshot returns the state of every mounted popup in mount order.
func (e *Engine) Snapshot() Snapshot {
	active, _ := e.arbiter.Active()
	snap := Snapshot{Active: active, Popups: make([]PopupStatus, 0, len(e.order))}
	for _, id := range e.order {
		inst := e.instances[id]
		snap.Popups = append(snap.Popups, PopupStatus{
			Identity:  id,
			Kind:      id.Kind(),
			State:     inst.state,
			Triggered: inst.triggered,
		})
	}
	return snap
}

func (e *Engine) track(id Identity, action Action) {
	if e.tracker == nil {
		return
	}
	event := TrackEvent{Kind: id.Kind(), Action: action, PageSlug: e.pageSlug, At: e.sched.Now()}
	if event.Kind == KindCustom {
		event.Identity = id
	}
	tracker, logger, timeout := e.tracker, e.logger, e.trackTimeout
	e.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := tracker.Track(ctx, event); err != nil {
			logger.Warn("popup tracking failed",
				zap.String("popup", id.String()),
				zap.String("action", string(action)),
				zap.Error(err),
			)
		}
	})
}

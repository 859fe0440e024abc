// Package pageview hosts one popup engine per storefront page load.
package pageview

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hanko-field/popups/internal/popup"
)

const (
	defaultTTL           = 30 * time.Minute
	defaultReapInterval  = time.Minute
	defaultSubmitTimeout = 10 * time.Second
)

var (
	// ErrNotFound reports an unknown or reaped page view.
	ErrNotFound = errors.New("pageview: not found")
	// ErrRegistryClosed reports use of a closed registry.
	ErrRegistryClosed = errors.New("pageview: registry closed")
)

// Deps wires a Registry.
type Deps struct {
	Submitter     popup.Submitter
	Tracker       popup.Tracker
	Logger        *zap.Logger
	TTL           time.Duration
	ReapInterval  time.Duration
	SequencerPoll time.Duration
	TrackTimeout  time.Duration
	SubmitTimeout time.Duration
	Clock         func() time.Time
	// DisableReaper leaves reaping to explicit Reap calls.
	DisableReaper bool
}

// Tiers are the persistence tiers of one visitor.
type Tiers struct {
	Durable popup.KV
	Session popup.KV
	Visitor string
}

// CreateRequest describes a new page load.
type CreateRequest struct {
	Tiers    Tiers
	Site     popup.SiteConfig
	Custom   *popup.CustomConfig
	PageSlug string
	// Attachment is host state kept with the view, such as the visitor's cookie jar.
	Attachment any
}

// Registry owns the live page views.
type Registry struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	views  map[string]*View
	closed bool

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry starts the idle reaper unless disabled. Callers must Close the registry.
func NewRegistry(deps Deps) (*Registry, error) {
	if deps.Submitter == nil {
		return nil, errors.New("pageview: submitter is required")
	}
	if deps.TTL <= 0 {
		deps.TTL = defaultTTL
	}
	if deps.ReapInterval <= 0 {
		deps.ReapInterval = defaultReapInterval
	}
	if deps.SubmitTimeout <= 0 {
		deps.SubmitTimeout = defaultSubmitTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		deps:    deps,
		logger:  logger.Named("pageview"),
		now:     now,
		views:   make(map[string]*View),
		entropy: ulid.Monotonic(rand.Reader, 0),
		stop:    make(chan struct{}),
	}
	if !deps.DisableReaper {
		r.wg.Add(1)
		go r.reapLoop()
	}
	return r, nil
}

// Create mounts an engine for the page load described by req.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*View, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRegistryClosed
	}

	id := r.newID()
	logger := r.logger.With(zap.String("pageView", id))
	loop := popup.NewLoop(
		popup.WithLoopLogger(logger),
		popup.WithLoopClock(r.now),
	)
	view := &View{
		id:         id,
		loop:       loop,
		visitor:    req.Tiers.Visitor,
		attachment: req.Attachment,
		submitter:  r.deps.Submitter,
		timeout:    r.deps.SubmitTimeout,
		logger:     logger,
		lastSeen:   r.now(),
	}

	var mountErr error
	err := loop.Do(ctx, func() {
		engine, err := popup.NewEngine(popup.EngineDeps{
			Durable:       req.Tiers.Durable,
			Session:       req.Tiers.Session,
			Scheduler:     loop,
			Tracker:       r.deps.Tracker,
			Submitter:     r.deps.Submitter,
			Logger:        logger.Named("engine"),
			PageSlug:      req.PageSlug,
			SequencerPoll: r.deps.SequencerPoll,
			TrackTimeout:  r.deps.TrackTimeout,
		})
		if err != nil {
			mountErr = err
			return
		}
		if err := engine.MountSite(req.Site, req.Custom); err != nil {
			engine.Close()
			mountErr = err
			return
		}
		view.engine = engine
	})
	if err == nil {
		err = mountErr
	}
	if err != nil {
		_ = loop.Close()
		return nil, fmt.Errorf("pageview: mount: %w", err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		view.shutdown()
		return nil, ErrRegistryClosed
	}
	r.views[id] = view
	r.mu.Unlock()
	logger.Debug("page view created", zap.String("pageSlug", req.PageSlug))
	return view, nil
}

// Get returns the live view id and marks it as seen.
func (r *Registry) Get(id string) (*View, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	view, ok := r.views[id]
	if !ok {
		return nil, ErrNotFound
	}
	view.touch(r.now())
	return view, nil
}

// Delete unmounts the view's popups and stops its loop.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	view, ok := r.views[id]
	delete(r.views, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	view.shutdown()
	return nil
}

// Len returns the number of live views.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// Reap closes views idle for longer than the TTL and returns how many were closed.
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.deps.TTL)
	r.mu.Lock()
	var stale []*View
	for id, view := range r.views {
		if view.idleSince().Before(cutoff) {
			stale = append(stale, view)
			delete(r.views, id)
		}
	}
	r.mu.Unlock()
	for _, view := range stale {
		view.shutdown()
	}
	if len(stale) > 0 {
		r.logger.Debug("reaped idle page views", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Close stops the reaper and every view.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	views := r.views
	r.views = make(map[string]*View)
	r.mu.Unlock()

	close(r.stop)
	r.wg.Wait()
	for _, view := range views {
		view.shutdown()
	}
}

func (r *Registry) reapLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.deps.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

func (r *Registry) newID() string {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(r.now()), r.entropy).String()
}

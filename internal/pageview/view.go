package pageview

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/popups/internal/popup"
)

// Signal is a batch of browser observations. Nil fields are skipped.
type Signal struct {
	Scroll  *popup.ScrollMetrics `json:"scroll,omitempty"`
	Pointer *popup.PointerSignal `json:"pointer,omitempty"`
	Hidden  *bool                `json:"hidden,omitempty"`
	// Reevaluate re-reads stored records, for example after another tab closed the welcome popup.
	Reevaluate bool `json:"reevaluate,omitempty"`
}

// View is one live page load. Engine access is serialised through the view's loop.
type View struct {
	id         string
	loop       *popup.Loop
	engine     *popup.Engine
	visitor    string
	attachment any
	submitter  popup.Submitter
	timeout    time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

// ID returns the page view id.
func (v *View) ID() string { return v.id }

// Visitor returns the visitor key the view was created for.
func (v *View) Visitor() string { return v.visitor }

// Attachment returns the host state passed at creation.
func (v *View) Attachment() any { return v.attachment }

// Snapshot returns the engine state.
func (v *View) Snapshot(ctx context.Context) (popup.Snapshot, error) {
	var snap popup.Snapshot
	err := v.loop.Do(ctx, func() { snap = v.engine.Snapshot() })
	return snap, err
}

// Signal dispatches observations in the order scroll, pointer, visibility.
func (v *View) Signal(ctx context.Context, s Signal) (popup.Snapshot, error) {
	var snap popup.Snapshot
	err := v.loop.Do(ctx, func() {
		if s.Reevaluate {
			v.engine.Reevaluate()
		}
		if s.Scroll != nil {
			v.engine.Scroll(*s.Scroll)
		}
		if s.Pointer != nil {
			v.engine.Pointer(*s.Pointer)
		}
		if s.Hidden != nil {
			v.engine.Visibility(*s.Hidden)
		}
		snap = v.engine.Snapshot()
	})
	return snap, err
}

// Dismiss closes the active popup id.
func (v *View) Dismiss(ctx context.Context, id popup.Identity) (popup.Snapshot, error) {
	var (
		snap      popup.Snapshot
		reduceErr error
	)
	err := v.loop.Do(ctx, func() {
		reduceErr = v.engine.Dismiss(id)
		snap = v.engine.Snapshot()
	})
	if err != nil {
		return popup.Snapshot{}, err
	}
	return snap, reduceErr
}

// Submit validates on the loop, calls the submitter on the caller's goroutine and applies the
// result on the loop. A popup closed while the call was in flight still records the submission.
func (v *View) Submit(ctx context.Context, id popup.Identity, input popup.Submission) (popup.SubmitReceipt, popup.Snapshot, error) {
	var (
		req        popup.ContactSubmission
		prepareErr error
	)
	if err := v.loop.Do(ctx, func() { req, prepareErr = v.engine.PrepareSubmission(id, input) }); err != nil {
		return popup.SubmitReceipt{}, popup.Snapshot{}, err
	}
	if prepareErr != nil {
		return popup.SubmitReceipt{}, popup.Snapshot{}, prepareErr
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	receipt, err := v.submitter.SubmitContact(callCtx, req)
	cancel()
	if err != nil {
		v.logger.Warn("popup submission failed", zap.String("popup", id.String()), zap.Error(err))
		return popup.SubmitReceipt{}, popup.Snapshot{}, popup.SubmissionFailed(err)
	}

	var (
		snap        popup.Snapshot
		completeErr error
	)
	// The contact is stored; apply it even when the caller went away.
	if err := v.loop.Do(context.WithoutCancel(ctx), func() {
		completeErr = v.engine.CompleteSubmission(id)
		snap = v.engine.Snapshot()
	}); err != nil {
		return receipt, popup.Snapshot{}, err
	}
	return receipt, snap, completeErr
}

func (v *View) touch(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if now.After(v.lastSeen) {
		v.lastSeen = now
	}
}

func (v *View) idleSince() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastSeen
}

// shutdown closes the engine and stops the loop. It is idempotent.
func (v *View) shutdown() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()
	_ = v.loop.Do(context.Background(), func() {
		if v.engine != nil {
			v.engine.Close()
		}
	})
	_ = v.loop.Close()
}

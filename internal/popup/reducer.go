package popup

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

// Submission is the visitor's form input.
type Submission struct {
	Contact ContactKind `json:"kind"`
	Value   string      `json:"value"`
}

// SubmissionFailed wraps cause as a retryable ErrSubmissionFailed.
func SubmissionFailed(cause error) error {
	if cause == nil {
		return ErrSubmissionFailed
	}
	return fmt.Errorf("%w: %w", ErrSubmissionFailed, cause)
}

// Dismiss closes the active popup id: it records the dismissal, sets the session marker for
// welcome, frees the slot and tracks the dismissal.
func (e *Engine) Dismiss(id Identity) error {
	inst, err := e.activeInstance(id)
	if err != nil {
		return err
	}
	e.store.RecordDismissal(id, e.sched.Now())
	if id == Welcome {
		e.store.MarkWelcomeShown()
	}
	e.arbiter.Release(id)
	e.finish(inst, StateDismissed)
	e.track(id, ActionDismiss)
	if id == Welcome {
		e.notifyWelcomeClosed()
	}
	return nil
}

// PrepareSubmission validates input for the active popup id and builds the request for the
// Submitter. It writes nothing.
func (e *Engine) PrepareSubmission(id Identity, input Submission) (ContactSubmission, error) {
	inst, err := e.activeInstance(id)
	if err != nil {
		return ContactSubmission{}, err
	}
	if !input.Contact.Valid() {
		return ContactSubmission{}, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported contact kind %q", input.Contact)}
	}
	if len(inst.contactKinds) > 0 && !slices.Contains(inst.contactKinds, input.Contact) {
		return ContactSubmission{}, &ValidationError{Field: "kind", Reason: fmt.Sprintf("%s is not offered by this popup", input.Contact)}
	}
	value, err := NormalizeContact(input.Contact, input.Value)
	if err != nil {
		return ContactSubmission{}, err
	}
	return ContactSubmission{
		Identity: id,
		Kind:     id.Kind(),
		Contact:  input.Contact,
		Value:    value,
		Download: inst.download,
		PageSlug: e.pageSlug,
	}, nil
}

// CompleteSubmission applies a successful submission of id: the submission flag and a dismissal
// record are written even when the popup was closed or unmounted while the call was in flight.
// The slot is only released when id still holds it.
func (e *Engine) CompleteSubmission(id Identity) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownPopup, id)
	}
	e.store.MarkSubmitted()
	e.store.RecordDismissal(id, e.sched.Now())
	if inst, ok := e.instances[id]; ok && inst.state == StateActive {
		e.arbiter.Release(id)
		e.finish(inst, StateSubmitted)
	} else {
		e.logger.Debug("submission completed for closed popup", zap.String("popup", id.String()))
	}
	if id == Welcome {
		e.notifyWelcomeClosed()
	}
	return nil
}

// Submit runs PrepareSubmission, the Submitter and CompleteSubmission in turn. The Submitter call
// blocks the caller; hosts running the engine on a Loop use the split form instead.
func (e *Engine) Submit(ctx context.Context, id Identity, input Submission) (SubmitReceipt, error) {
	req, err := e.PrepareSubmission(id, input)
	if err != nil {
		return SubmitReceipt{}, err
	}
	if e.submitter == nil {
		return SubmitReceipt{}, SubmissionFailed(fmt.Errorf("no submitter configured"))
	}
	receipt, err := e.submitter.SubmitContact(ctx, req)
	if err != nil {
		e.logger.Warn("popup submission failed", zap.String("popup", id.String()), zap.Error(err))
		return SubmitReceipt{}, SubmissionFailed(err)
	}
	if err := e.CompleteSubmission(id); err != nil {
		return receipt, err
	}
	return receipt, nil
}

func (e *Engine) activeInstance(id Identity) (*instance, error) {
	inst, ok := e.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPopup, id)
	}
	if inst.state != StateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, inst.state)
	}
	return inst, nil
}

func (e *Engine) finish(inst *instance, state State) {
	inst.state = state
	inst.det.stop()
}

func (e *Engine) notifyWelcomeClosed() {
	if e.sequencer != nil {
		e.sequencer.NotifyWelcomeClosed()
	}
}

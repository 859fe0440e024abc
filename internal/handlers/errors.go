package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/hanko-field/popups/internal/contacts"
	"github.com/hanko-field/popups/internal/pageview"
	"github.com/hanko-field/popups/internal/platform/httpx"
	"github.com/hanko-field/popups/internal/popup"
	"github.com/hanko-field/popups/internal/targeting"
)

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, httpx.ErrEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
	}
}

// writePopupError maps engine, registry and submission failures to the JSON error envelope.
func writePopupError(ctx context.Context, w http.ResponseWriter, err error) {
	var validation *popup.ValidationError
	switch {
	case errors.Is(err, contacts.ErrRateLimited):
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many submissions, retry later", http.StatusTooManyRequests))
	case errors.As(err, &validation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_contact", "contact value rejected", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"field": validation.Field, "reason": validation.Reason}))
	case errors.Is(err, popup.ErrInvalidContact):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_contact", "contact value rejected", http.StatusUnprocessableEntity))
	case errors.Is(err, pageview.ErrNotFound), errors.Is(err, popup.ErrLoopClosed), errors.Is(err, popup.ErrEngineClosed):
		httpx.WriteError(ctx, w, httpx.NewError("page_view_not_found", "page view not found or expired", http.StatusNotFound))
	case errors.Is(err, popup.ErrUnknownPopup):
		httpx.WriteError(ctx, w, httpx.NewError("popup_not_found", "popup is not mounted on this page", http.StatusNotFound))
	case errors.Is(err, popup.ErrNotActive):
		httpx.WriteError(ctx, w, httpx.NewError("popup_not_active", "popup is not currently displayed", http.StatusConflict))
	case errors.Is(err, popup.ErrSubmissionFailed):
		httpx.WriteError(ctx, w, httpx.NewError("submission_failed", "contact could not be delivered", http.StatusBadGateway).
			WithDetails(map[string]any{"retryable": true}))
	case errors.Is(err, popup.ErrInvalidConfig):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_popup_config", "popup configuration rejected", http.StatusInternalServerError))
	case errors.Is(err, targeting.ErrSourcesUnavailable), errors.Is(err, pageview.ErrRegistryClosed):
		httpx.WriteError(ctx, w, httpx.NewError("popups_unavailable", "popup service unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "unexpected error", http.StatusInternalServerError))
	}
}

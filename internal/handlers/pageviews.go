package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/popups/internal/pageview"
	"github.com/hanko-field/popups/internal/platform/httpx"
	"github.com/hanko-field/popups/internal/platform/observability"
	"github.com/hanko-field/popups/internal/platform/requestctx"
	"github.com/hanko-field/popups/internal/popup"
	"github.com/hanko-field/popups/internal/targeting"
)

const (
	maxPageViewBodySize = 4 * 1024
	maxSignalBodySize   = 8 * 1024
)

// PageViewCatalog supplies the site configuration and per-page custom popup.
type PageViewCatalog interface {
	Site() popup.SiteConfig
	Resolve(ctx context.Context, pagePath, productID string) (*popup.CustomConfig, error)
	Build(pagePath string, custom *popup.CustomConfig, acceptLanguage string) targeting.PageConfig
}

// PageViewRegistry hosts live page views.
type PageViewRegistry interface {
	Create(ctx context.Context, req pageview.CreateRequest) (*pageview.View, error)
	Get(id string) (*pageview.View, error)
	Delete(id string) error
}

// PageViewHandlers drives the popup engine of one storefront page load over HTTP.
type PageViewHandlers struct {
	catalog  PageViewCatalog
	registry PageViewRegistry
	visitors VisitorStore
}

// NewPageViewHandlers constructs the page view handlers.
func NewPageViewHandlers(catalog PageViewCatalog, registry PageViewRegistry, visitors VisitorStore) *PageViewHandlers {
	return &PageViewHandlers{catalog: catalog, registry: registry, visitors: visitors}
}

// Routes registers the /pageviews endpoints.
func (h *PageViewHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createPageView)
	r.Route("/{pageViewID}", func(view chi.Router) {
		view.Get("/", h.getPageView)
		view.Delete("/", h.deletePageView)
		view.Post("/signals", h.signal)
		view.Post("/popups/{identity}/dismiss", h.dismiss)
		view.Post("/popups/{identity}/submit", h.submit)
	})
}

type createPageViewRequest struct {
	Path      string `json:"path"`
	ProductID string `json:"productId"`
	PageSlug  string `json:"pageSlug"`
}

type pageViewResponse struct {
	ID       string                `json:"id"`
	Snapshot popup.Snapshot        `json:"snapshot"`
	Page     *targeting.PageConfig `json:"page,omitempty"`
}

type submitResponse struct {
	Receipt  popup.SubmitReceipt `json:"receipt"`
	Snapshot popup.Snapshot      `json:"snapshot"`
}

func (h *PageViewHandlers) createPageView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil || h.registry == nil || h.visitors == nil {
		httpx.WriteError(ctx, w, httpx.NewError("popups_unavailable", "popup service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createPageViewRequest
	if err := httpx.DecodeJSON(r, maxPageViewBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	pagePath := strings.TrimSpace(req.Path)
	if pagePath == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "path is required", http.StatusBadRequest))
		return
	}

	state, err := h.visitors.Load(r)
	if err != nil {
		observability.FromContext(ctx).Warn("load visitor state", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("visitor_state_unavailable", "visitor state unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(req.ProductID)
	custom, err := h.catalog.Resolve(ctx, pagePath, productID)
	if err != nil {
		writePopupError(ctx, w, err)
		return
	}

	view, err := h.registry.Create(ctx, pageview.CreateRequest{
		Tiers:      state.Tiers(),
		Site:       h.catalog.Site(),
		Custom:     custom,
		PageSlug:   strings.TrimSpace(req.PageSlug),
		Attachment: state,
	})
	if err != nil {
		writePopupError(ctx, w, err)
		return
	}
	snap, err := view.Snapshot(ctx)
	if err != nil {
		writePopupError(ctx, w, err)
		return
	}

	page := h.catalog.Build(pagePath, custom, r.Header.Get("Accept-Language"))
	saveState(ctx, w, state)
	httpx.WriteJSON(w, http.StatusCreated, pageViewResponse{ID: view.ID(), Snapshot: snap, Page: &page})
}

func (h *PageViewHandlers) getPageView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, state, ok := h.loadView(w, r)
	if !ok {
		return
	}
	snap, err := h.refresh(ctx, r, view, state)
	if err != nil {
		writePopupError(ctx, w, err)
		return
	}
	saveState(ctx, w, state)
	httpx.WriteJSON(w, http.StatusOK, pageViewResponse{ID: view.ID(), Snapshot: snap})
}

func (h *PageViewHandlers) deletePageView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.registry == nil {
		httpx.WriteError(ctx, w, httpx.NewError("popups_unavailable", "popup service unavailable", http.StatusServiceUnavailable))
		return
	}
	if err := h.registry.Delete(chi.URLParam(r, "pageViewID")); err != nil {
		writePopupError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PageViewHandlers) signal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, state, ok := h.loadView(w, r)
	if !ok {
		return
	}
	var sig pageview.Signal
	if err := httpx.DecodeJSON(r, maxSignalBodySize, &sig); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if state != nil && state.Refresh(r) {
		sig.Reevaluate = true
	}
	snap, err := view.Signal(ctx, sig)
	if err != nil {
		writePopupError(ctx, w, err)
		return
	}
	saveState(ctx, w, state)
	httpx.WriteJSON(w, http.StatusOK, pageViewResponse{ID: view.ID(), Snapshot: snap})
}

func (h *PageViewHandlers) dismiss(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, state, ok := h.loadView(w, r)
	if !ok {
		return
	}
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	if _, err := h.refresh(ctx, r, view, state); err != nil {
		writePopupError(ctx, w, err)
		return
	}
	snap, err := view.Dismiss(ctx, id)
	if err != nil {
		writePopupError(ctx, w, err)
		return
	}
	saveState(ctx, w, state)
	httpx.WriteJSON(w, http.StatusOK, pageViewResponse{ID: view.ID(), Snapshot: snap})
}

func (h *PageViewHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, state, ok := h.loadView(w, r)
	if !ok {
		return
	}
	id, ok := identityParam(w, r)
	if !ok {
		return
	}
	var input popup.Submission
	if err := httpx.DecodeJSON(r, maxPageViewBodySize, &input); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if _, err := h.refresh(ctx, r, view, state); err != nil {
		writePopupError(ctx, w, err)
		return
	}

	if visitor := view.Visitor(); visitor != "" {
		ctx = requestctx.WithVisitor(ctx, visitor)
	}
	receipt, snap, err := view.Submit(ctx, id, input)
	if err != nil {
		// A popup closed mid-call still stored the contact; keep the records it wrote.
		saveState(ctx, w, state)
		writePopupError(ctx, w, err)
		return
	}
	saveState(ctx, w, state)
	httpx.WriteJSON(w, http.StatusOK, submitResponse{Receipt: receipt, Snapshot: snap})
}

func (h *PageViewHandlers) loadView(w http.ResponseWriter, r *http.Request) (*pageview.View, VisitorState, bool) {
	ctx := r.Context()
	if h.registry == nil {
		httpx.WriteError(ctx, w, httpx.NewError("popups_unavailable", "popup service unavailable", http.StatusServiceUnavailable))
		return nil, nil, false
	}
	view, err := h.registry.Get(chi.URLParam(r, "pageViewID"))
	if err != nil {
		writePopupError(ctx, w, err)
		return nil, nil, false
	}
	state, _ := view.Attachment().(VisitorState)
	return view, state, true
}

// refresh re-runs eligibility when records arrived from another tab or device.
func (h *PageViewHandlers) refresh(ctx context.Context, r *http.Request, view *pageview.View, state VisitorState) (popup.Snapshot, error) {
	if state != nil && state.Refresh(r) {
		return view.Signal(ctx, pageview.Signal{Reevaluate: true})
	}
	return view.Snapshot(ctx)
}

func identityParam(w http.ResponseWriter, r *http.Request) (popup.Identity, bool) {
	id := popup.Identity(strings.TrimSpace(chi.URLParam(r, "identity")))
	if !id.Valid() {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_popup", "popup identity is invalid", http.StatusBadRequest))
		return "", false
	}
	return id, true
}

func saveState(ctx context.Context, w http.ResponseWriter, state VisitorState) {
	if state == nil {
		return
	}
	if err := state.Save(w); err != nil {
		observability.FromContext(ctx).Warn("persist visitor state", zap.Error(err))
	}
}

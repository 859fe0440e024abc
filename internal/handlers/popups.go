package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/popups/internal/platform/httpx"
	"github.com/hanko-field/popups/internal/targeting"
)

// PageCatalog resolves the popups shown on one storefront page.
type PageCatalog interface {
	Page(ctx context.Context, pagePath, productID, acceptLanguage string) (targeting.PageConfig, error)
}

// PopupHandlers serves the read-only popup configuration used by storefront renderers.
type PopupHandlers struct {
	catalog PageCatalog
}

// NewPopupHandlers constructs the popup configuration handlers.
func NewPopupHandlers(catalog PageCatalog) *PopupHandlers {
	return &PopupHandlers{catalog: catalog}
}

// Routes registers the /popups endpoints.
func (h *PopupHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/config", h.pageConfig)
}

func (h *PopupHandlers) pageConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("popups_unavailable", "popup service unavailable", http.StatusServiceUnavailable))
		return
	}
	query := r.URL.Query()
	pagePath := strings.TrimSpace(query.Get("path"))
	if pagePath == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "path query parameter is required", http.StatusBadRequest))
		return
	}
	page, err := h.catalog.Page(ctx, pagePath, strings.TrimSpace(query.Get("productId")), r.Header.Get("Accept-Language"))
	if err != nil {
		writePopupError(ctx, w, err)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=60")
	httpx.WriteJSON(w, http.StatusOK, page)
}

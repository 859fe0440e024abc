package targeting

import (
	"context"

	"github.com/hanko-field/popups/internal/popup"
)

// PopupView is the display configuration of one enabled popup.
type PopupView struct {
	Identity      popup.Identity      `json:"identity"`
	Kind          popup.Kind          `json:"kind"`
	TriggerType   popup.TriggerType   `json:"triggerType,omitempty"`
	DelaySeconds  float64             `json:"delaySeconds,omitempty"`
	ScrollPercent float64             `json:"scrollPercent,omitempty"`
	DismissDays   float64             `json:"dismissDays"`
	ContactKinds  []popup.ContactKind `json:"contactKinds,omitempty"`
	HasDownload   bool                `json:"hasDownload"`
	Copy          *RenderedCopy       `json:"copy,omitempty"`
	Extra         map[string]string   `json:"extra,omitempty"`
}

// PageConfig lists the popups that may appear on one page.
type PageConfig struct {
	Path   string      `json:"path"`
	Popups []PopupView `json:"popups"`
}

// Catalog combines the site configuration with per-page custom popup resolution.
type Catalog struct {
	site      popup.SiteConfig
	resolver  *Resolver
	localizer *Localizer
}

// NewCatalog builds a catalog over a validated site configuration.
func NewCatalog(site popup.SiteConfig, resolver *Resolver, localizer *Localizer) *Catalog {
	if resolver == nil {
		resolver = NewResolver(nil, NewStaticSource(site.Custom))
	}
	if localizer == nil {
		localizer = NewLocalizer(nil)
	}
	return &Catalog{site: site, resolver: resolver, localizer: localizer}
}

// Site returns the site-wide configuration.
func (c *Catalog) Site() popup.SiteConfig { return c.site }

// Resolve returns the custom popup for the page, if any.
func (c *Catalog) Resolve(ctx context.Context, pagePath, productID string) (*popup.CustomConfig, error) {
	return c.resolver.Resolve(ctx, pagePath, productID)
}

// Page builds the display configuration of the page for acceptLanguage.
func (c *Catalog) Page(ctx context.Context, pagePath, productID, acceptLanguage string) (PageConfig, error) {
	custom, err := c.Resolve(ctx, pagePath, productID)
	if err != nil {
		return PageConfig{}, err
	}
	return c.Build(pagePath, custom, acceptLanguage), nil
}

// Build assembles the display configuration for an already resolved custom popup.
func (c *Catalog) Build(pagePath string, custom *popup.CustomConfig, acceptLanguage string) PageConfig {
	page := PageConfig{Path: NormalizePath(pagePath), Popups: []PopupView{}}
	if w := c.site.Welcome; w.Enabled {
		page.Popups = append(page.Popups, PopupView{
			Identity:     popup.Welcome,
			Kind:         popup.KindWelcome,
			TriggerType:  popup.TriggerTimer,
			DelaySeconds: w.DelaySeconds,
			DismissDays:  w.DismissDays,
			ContactKinds: w.ContactKinds,
			HasDownload:  w.Download.Valid(),
			Copy:         c.localizer.Localize(w.Copy, acceptLanguage),
			Extra:        w.Extra,
		})
	}
	if x := c.site.Exit; x.Enabled {
		page.Popups = append(page.Popups, PopupView{
			Identity:     popup.Exit,
			Kind:         popup.KindExit,
			TriggerType:  popup.TriggerExit,
			DismissDays:  x.DismissDays,
			ContactKinds: x.ContactKinds,
			HasDownload:  x.Download.Valid(),
			Copy:         c.localizer.Localize(x.Copy, acceptLanguage),
			Extra:        x.Extra,
		})
	}
	if custom != nil {
		page.Popups = append(page.Popups, PopupView{
			Identity:      custom.ID,
			Kind:          popup.KindCustom,
			TriggerType:   custom.TriggerType,
			DelaySeconds:  custom.DelaySeconds,
			ScrollPercent: custom.ScrollPercent,
			DismissDays:   custom.DismissDays,
			ContactKinds:  custom.ContactKinds,
			HasDownload:   custom.Download.Valid(),
			Copy:          c.localizer.Localize(custom.Copy, acceptLanguage),
			Extra:         custom.Extra,
		})
	}
	return page
}

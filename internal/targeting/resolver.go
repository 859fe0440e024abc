// Package targeting decides which custom popup applies to a storefront page and prepares popup
// copy for display.
package targeting

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/hanko-field/popups/internal/popup"
)

// ErrSourcesUnavailable reports that no source could be read.
var ErrSourcesUnavailable = errors.New("targeting: popup sources unavailable")

const (
	matchUntargeted = iota
	matchPathPrefix
	matchPathExact
	matchProduct
)

// Resolver picks at most one custom popup per page.
type Resolver struct {
	sources []Source
	logger  *zap.Logger
}

// NewResolver builds a resolver. Earlier sources win when two define the same id.
func NewResolver(logger *zap.Logger, sources ...Source) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{sources: sources, logger: logger}
}

type candidate struct {
	cfg   popup.CustomConfig
	score int
	depth int
}

// Resolve returns the applicable custom popup for pagePath and the optional productID, or nil.
// Ties on priority go to the more specific match, then to the lower id.
func (r *Resolver) Resolve(ctx context.Context, pagePath, productID string) (*popup.CustomConfig, error) {
	all, err := r.collect(ctx)
	if err != nil {
		return nil, err
	}
	pagePath = NormalizePath(pagePath)
	productID = strings.TrimSpace(productID)

	var best *candidate
	for _, cfg := range all {
		if !cfg.Enabled {
			continue
		}
		score, depth, ok := match(cfg.Targeting, pagePath, productID)
		if !ok {
			continue
		}
		c := candidate{cfg: cfg, score: score, depth: depth}
		if best == nil || better(c, *best) {
			best = &c
		}
	}
	if best == nil {
		return nil, nil
	}
	resolved := best.cfg
	return &resolved, nil
}

func (r *Resolver) collect(ctx context.Context) ([]popup.CustomConfig, error) {
	seen := make(map[popup.Identity]struct{})
	var (
		out      []popup.CustomConfig
		failures []error
	)
	for _, src := range r.sources {
		popups, err := src.List(ctx)
		if err != nil {
			r.logger.Warn("popup source unavailable", zap.String("source", src.Name()), zap.Error(err))
			failures = append(failures, err)
			continue
		}
		for _, cfg := range popups {
			if _, dup := seen[cfg.ID]; dup {
				continue
			}
			if err := cfg.Validate(); err != nil {
				r.logger.Warn("skipping invalid custom popup", zap.String("source", src.Name()), zap.Error(err))
				continue
			}
			seen[cfg.ID] = struct{}{}
			out = append(out, cfg)
		}
	}
	if len(r.sources) > 0 && len(failures) == len(r.sources) {
		return nil, fmt.Errorf("%w: %w", ErrSourcesUnavailable, errors.Join(failures...))
	}
	return out, nil
}

func better(a, b candidate) bool {
	if a.cfg.Targeting.Priority != b.cfg.Targeting.Priority {
		return a.cfg.Targeting.Priority > b.cfg.Targeting.Priority
	}
	if a.score != b.score {
		return a.score > b.score
	}
	if a.depth != b.depth {
		return a.depth > b.depth
	}
	return a.cfg.ID < b.cfg.ID
}

// match reports whether targeting applies. Popups without paths and products apply everywhere.
func match(t popup.Targeting, pagePath, productID string) (score, depth int, ok bool) {
	if len(t.Paths) == 0 && len(t.ProductIDs) == 0 {
		return matchUntargeted, 0, true
	}
	if productID != "" && slices.Contains(t.ProductIDs, productID) {
		return matchProduct, 0, true
	}
	score, depth = -1, -1
	for _, pattern := range t.Paths {
		s, d, hit := matchPath(pattern, pagePath)
		if hit && (s > score || (s == score && d > depth)) {
			score, depth = s, d
		}
	}
	return score, depth, score >= 0
}

// matchPath supports exact paths, "/prefix/*" subtrees and "*" for every page.
func matchPath(pattern, pagePath string) (score, depth int, ok bool) {
	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "":
		return 0, 0, false
	case pattern == "*" || pattern == "/*":
		return matchPathPrefix, 0, true
	case strings.HasSuffix(pattern, "/*"):
		prefix := NormalizePath(strings.TrimSuffix(pattern, "/*"))
		if pagePath == prefix || strings.HasPrefix(pagePath, prefix+"/") {
			return matchPathPrefix, strings.Count(prefix, "/"), true
		}
		return 0, 0, false
	default:
		if NormalizePath(pattern) == pagePath {
			return matchPathExact, 0, true
		}
		return 0, 0, false
	}
}

// NormalizePath cleans a storefront path: leading slash, no trailing slash, no query.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

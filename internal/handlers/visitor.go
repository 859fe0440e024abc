package handlers

import (
	"net/http"
	"strings"

	"github.com/hanko-field/popups/internal/pageview"
	"github.com/hanko-field/popups/internal/platform/cookiestore"
	"github.com/hanko-field/popups/internal/platform/redisstore"
	"github.com/hanko-field/popups/internal/platform/requestctx"
)

// DeviceHeader carries the device id of native shells that keep popup state server side.
const DeviceHeader = "X-Popups-Device"

// VisitorState is the persistence of one visitor as seen by one page view.
type VisitorState interface {
	Tiers() pageview.Tiers
	// Refresh picks up records written outside the page view and reports whether any arrived.
	Refresh(r *http.Request) bool
	// Save re-issues whatever the response must carry.
	Save(w http.ResponseWriter) error
}

// VisitorStore loads visitor state for a request.
type VisitorStore interface {
	Load(r *http.Request) (VisitorState, error)
	// Visitor returns the visitor key of r without loading its tiers.
	Visitor(r *http.Request) string
}

// CookieVisitors keeps both tiers in signed cookies. Native shells sending DeviceHeader are served
// from Redis when a device store is configured.
type CookieVisitors struct {
	cookies *cookiestore.Manager
	devices *redisstore.Store
}

// NewCookieVisitors builds the visitor store. devices may be nil.
func NewCookieVisitors(cookies *cookiestore.Manager, devices *redisstore.Store) *CookieVisitors {
	return &CookieVisitors{cookies: cookies, devices: devices}
}

func (v *CookieVisitors) Load(r *http.Request) (VisitorState, error) {
	if device := v.device(r); device != "" {
		durable, err := v.devices.Durable(device)
		if err != nil {
			return nil, err
		}
		session, err := v.devices.Session(device)
		if err != nil {
			return nil, err
		}
		return &deviceState{tiers: pageview.Tiers{Durable: durable, Session: session, Visitor: device}}, nil
	}
	return &cookieState{jar: v.cookies.Load(r)}, nil
}

func (v *CookieVisitors) Visitor(r *http.Request) string {
	if device := v.device(r); device != "" {
		return device
	}
	return v.cookies.VisitorID(r)
}

func (v *CookieVisitors) device(r *http.Request) string {
	if v.devices == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(DeviceHeader))
}

type cookieState struct {
	jar *cookiestore.Jar
}

func (s *cookieState) Tiers() pageview.Tiers {
	return pageview.Tiers{Durable: s.jar.Durable(), Session: s.jar.Session(), Visitor: s.jar.VisitorID()}
}

func (s *cookieState) Refresh(r *http.Request) bool { return s.jar.Refresh(r) }

func (s *cookieState) Save(w http.ResponseWriter) error { return s.jar.Save(w) }

type deviceState struct {
	tiers pageview.Tiers
}

func (s *deviceState) Tiers() pageview.Tiers { return s.tiers }

// Refresh always reports a change: Redis may have been written by another device session.
func (s *deviceState) Refresh(*http.Request) bool { return true }

func (s *deviceState) Save(http.ResponseWriter) error { return nil }

// VisitorMiddleware stores the visitor key on the request context for logging and rate limiting.
func VisitorMiddleware(store VisitorStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if visitor := store.Visitor(r); visitor != "" {
				r = r.WithContext(requestctx.WithVisitor(r.Context(), visitor))
			}
			next.ServeHTTP(w, r)
		})
	}
}

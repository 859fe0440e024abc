// Package cookiestore keeps the popup durable and session tiers in signed browser cookies.
package cookiestore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/popups/internal/popup"
)

const (
	defaultDurableName   = "popups"
	defaultSessionName   = "popups_session"
	defaultCookiePath    = "/"
	defaultDurableMaxAge = 400 * 24 * time.Hour
)

// ErrInvalidConfig indicates the manager was initialised with missing or invalid options.
var ErrInvalidConfig = errors.New("cookiestore: invalid config")

// Config controls cookie encoding for both tiers.
type Config struct {
	HashKey       []byte
	BlockKey      []byte
	DurableName   string
	SessionName   string
	CookiePath    string
	CookieDomain  string
	CookieSecure  bool
	DurableMaxAge time.Duration
	Now           func() time.Time
}

// Manager decodes and re-issues the popup cookies.
type Manager struct {
	cfg   Config
	codec *securecookie.SecureCookie
	now   func() time.Time
}

type payload struct {
	Visitor string            `json:"v,omitempty"`
	Values  map[string]string `json:"kv,omitempty"`
}

// NewManager constructs a Manager using the provided configuration.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.HashKey) == 0 {
		return nil, fmt.Errorf("%w: hash key is required", ErrInvalidConfig)
	}
	if cfg.DurableName == "" {
		cfg.DurableName = defaultDurableName
	}
	if cfg.SessionName == "" {
		cfg.SessionName = defaultSessionName
	}
	if cfg.DurableName == cfg.SessionName {
		return nil, fmt.Errorf("%w: durable and session cookie names must differ", ErrInvalidConfig)
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = defaultCookiePath
	}
	if cfg.DurableMaxAge <= 0 {
		cfg.DurableMaxAge = defaultDurableMaxAge
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	codec := securecookie.New(cfg.HashKey, cfg.BlockKey)
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(cfg.DurableMaxAge.Seconds()))
	return &Manager{cfg: cfg, codec: codec, now: now}, nil
}

// Load decodes both tiers from the request. Missing or tampered cookies start empty tiers and a
// fresh visitor id.
func (m *Manager) Load(r *http.Request) *Jar {
	durable := m.decode(r, m.cfg.DurableName)
	session := m.decode(r, m.cfg.SessionName)
	jar := &Jar{
		mgr:     m,
		visitor: durable.Visitor,
		durable: newTier(durable.Values),
		session: newTier(session.Values),
	}
	if jar.visitor == "" {
		jar.visitor = ulid.MustNew(ulid.Timestamp(m.now()), rand.Reader).String()
		jar.durable.dirty = true
	}
	return jar
}

// VisitorID returns the visitor id carried by the request's durable cookie, or "".
func (m *Manager) VisitorID(r *http.Request) string {
	return m.decode(r, m.cfg.DurableName).Visitor
}

func (m *Manager) decode(r *http.Request, name string) payload {
	var stored payload
	cookie, err := r.Cookie(name)
	if err != nil {
		return stored
	}
	if err := m.codec.Decode(name, cookie.Value, &stored); err != nil {
		return payload{}
	}
	return stored
}

func (m *Manager) cookie(name, value string, maxAge time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     m.cfg.CookiePath,
		Domain:   m.cfg.CookieDomain,
		Secure:   m.cfg.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge.Round(time.Second).Seconds())
		c.Expires = m.now().Add(maxAge).UTC()
	}
	return c
}

// Jar holds the tiers decoded from one visitor's cookies. It is safe for concurrent use.
type Jar struct {
	mgr     *Manager
	visitor string
	durable *Tier
	session *Tier
}

// VisitorID returns the stable id kept in the durable cookie.
func (j *Jar) VisitorID() string { return j.visitor }

// Durable returns the long-lived tier.
func (j *Jar) Durable() *Tier { return j.durable }

// Session returns the browser-session tier. Its cookie carries no expiry.
func (j *Jar) Session() *Tier { return j.session }

// Refresh merges records written by another tab into the jar. Keys unknown to the jar are copied
// and known keys are reconciled with popup.Reconcile, so a newer dismissal is never rolled back by
// a later Save. It reports whether anything changed.
func (j *Jar) Refresh(r *http.Request) bool {
	durable := j.mgr.decode(r, j.mgr.cfg.DurableName)
	session := j.mgr.decode(r, j.mgr.cfg.SessionName)
	changedDurable := j.durable.merge(durable.Values)
	changedSession := j.session.merge(session.Values)
	return changedDurable || changedSession
}

// Save writes the tiers that changed since the last Save.
func (j *Jar) Save(w http.ResponseWriter) error {
	if values, ok := j.durable.takeDirty(); ok {
		encoded, err := j.mgr.codec.Encode(j.mgr.cfg.DurableName, payload{Visitor: j.visitor, Values: values})
		if err != nil {
			return fmt.Errorf("cookiestore: encode durable tier: %w", err)
		}
		http.SetCookie(w, j.mgr.cookie(j.mgr.cfg.DurableName, encoded, j.mgr.cfg.DurableMaxAge))
	}
	if values, ok := j.session.takeDirty(); ok {
		encoded, err := j.mgr.codec.Encode(j.mgr.cfg.SessionName, payload{Values: values})
		if err != nil {
			return fmt.Errorf("cookiestore: encode session tier: %w", err)
		}
		http.SetCookie(w, j.mgr.cookie(j.mgr.cfg.SessionName, encoded, 0))
	}
	return nil
}

// Tier is one cookie-backed key-value tier.
type Tier struct {
	mu     sync.Mutex
	values map[string]string
	dirty  bool
}

func newTier(values map[string]string) *Tier {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Tier{values: copied}
}

// Get implements popup.KV.
func (t *Tier) Get(key string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, ok := t.values[key]
	return value, ok, nil
}

// Set implements popup.KV.
func (t *Tier) Set(key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.values[key]; ok && current == value {
		return nil
	}
	t.values[key] = value
	t.dirty = true
	return nil
}

// Clear implements popup.KV.
func (t *Tier) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.values) > 0 {
		t.values = make(map[string]string)
		t.dirty = true
	}
	return nil
}

func (t *Tier) merge(incoming map[string]string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for k, v := range incoming {
		current, ok := t.values[k]
		if !ok {
			t.values[k] = v
			changed = true
			continue
		}
		if resolved := popup.Reconcile(k, current, v); resolved != current {
			t.values[k] = resolved
			changed = true
		}
	}
	return changed
}

func (t *Tier) takeDirty() (map[string]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return nil, false
	}
	t.dirty = false
	snapshot := make(map[string]string, len(t.values))
	for k, v := range t.values {
		snapshot[k] = v
	}
	return snapshot, true
}

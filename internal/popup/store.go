package popup

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// KV is one persistence tier. Implementations must make a successful Set visible to the next Get
// on the same value; cross-instance visibility is not required.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Clear() error
}

const (
	keySubmitted       = "popup.submitted"
	keyDismissedPrefix = "popup.dismissed."
	keyWelcomeShown    = "popup.welcome.shown"

	legacyKeySubmitted       = "popup_email_submitted"
	legacyKeyDismissedSuffix = "_popup_dismissed"

	flagTrue = "1"
)

// DismissedKey returns the durable key holding the dismissal timestamp of id.
func DismissedKey(id Identity) string { return keyDismissedPrefix + string(id) }

// SubmittedKey is the durable key of the submission flag.
const SubmittedKey = keySubmitted

// WelcomeShownKey is the session key of the welcome marker.
const WelcomeShownKey = keyWelcomeShown

// Adapter reads and writes popup state across the durable and session tiers. Storage failures
// fail open: an unreadable value is reported as absent and a failed write is logged and dropped.
type Adapter struct {
	durable KV
	session KV
	logger  *zap.Logger
}

// NewAdapter wraps the two tiers. A nil tier behaves as an empty store that discards writes.
func NewAdapter(durable, session KV, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{durable: durable, session: session, logger: logger}
}

// Durable reads key from the durable tier.
func (a *Adapter) Durable(key string) (string, bool) { return a.get(a.durable, "durable", key) }

// SetDurable writes key to the durable tier.
func (a *Adapter) SetDurable(key, value string) { a.set(a.durable, "durable", key, value) }

// Session reads key from the session tier.
func (a *Adapter) Session(key string) (string, bool) { return a.get(a.session, "session", key) }

// SetSession writes key to the session tier.
func (a *Adapter) SetSession(key, value string) { a.set(a.session, "session", key, value) }

// DismissedAt returns the last dismissal time of id.
func (a *Adapter) DismissedAt(id Identity) (time.Time, bool) {
	raw, ok := a.Durable(DismissedKey(id))
	if !ok {
		return time.Time{}, false
	}
	return parseEpochMillis(raw)
}

// RecordDismissal stores at as the dismissal time of id, replacing any earlier record.
func (a *Adapter) RecordDismissal(id Identity, at time.Time) {
	a.SetDurable(DismissedKey(id), strconv.FormatInt(at.UnixMilli(), 10))
}

// Submitted reports whether any popup form was submitted on this device.
func (a *Adapter) Submitted() bool {
	raw, ok := a.Durable(keySubmitted)
	return ok && raw == flagTrue
}

// MarkSubmitted sets the terminal submission flag.
func (a *Adapter) MarkSubmitted() { a.SetDurable(keySubmitted, flagTrue) }

// WelcomeShownThisSession reports whether the welcome popup was already offered in this browsing session.
func (a *Adapter) WelcomeShownThisSession() bool {
	raw, ok := a.Session(keyWelcomeShown)
	return ok && raw == flagTrue
}

// MarkWelcomeShown sets the session marker.
func (a *Adapter) MarkWelcomeShown() { a.SetSession(keyWelcomeShown, flagTrue) }

// Migrate copies legacy durable keys into their canonical form when the canonical key is absent.
// Legacy keys are only read. It returns the number of values copied.
func (a *Adapter) Migrate(ids ...Identity) int {
	copied := 0
	if _, ok := a.Durable(keySubmitted); !ok {
		if raw, ok := a.Durable(legacyKeySubmitted); ok && isLegacyTrue(raw) {
			a.MarkSubmitted()
			copied++
		}
	}
	for _, id := range ids {
		if !id.Valid() {
			continue
		}
		if _, ok := a.Durable(DismissedKey(id)); ok {
			continue
		}
		raw, ok := a.Durable(string(id) + legacyKeyDismissedSuffix)
		if !ok {
			continue
		}
		at, ok := parseEpochMillis(raw)
		if !ok {
			continue
		}
		a.RecordDismissal(id, at)
		copied++
	}
	if copied > 0 {
		a.logger.Debug("migrated legacy popup keys", zap.Int("count", copied))
	}
	return copied
}

// Reconcile returns the value to keep when a tier holds current for key and another writer
// produced incoming. Dismissal records keep the later timestamp and the submission and welcome
// flags stay set once set. For any other key current wins.
func Reconcile(key, current, incoming string) string {
	switch {
	case key == keySubmitted || key == keyWelcomeShown:
		if incoming == flagTrue {
			return flagTrue
		}
		return current
	case strings.HasPrefix(key, keyDismissedPrefix):
		in, ok := parseEpochMillis(incoming)
		if !ok {
			return current
		}
		if cur, ok := parseEpochMillis(current); ok && !in.After(cur) {
			return current
		}
		return incoming
	default:
		return current
	}
}

func (a *Adapter) get(tier KV, name, key string) (string, bool) {
	if tier == nil {
		return "", false
	}
	value, ok, err := tier.Get(key)
	if err != nil {
		a.logger.Debug("popup store read failed", zap.String("tier", name), zap.String("key", key), zap.Error(err))
		return "", false
	}
	return value, ok
}

func (a *Adapter) set(tier KV, name, key, value string) {
	if tier == nil {
		return
	}
	if err := tier.Set(key, value); err != nil {
		a.logger.Warn("popup store write failed", zap.String("tier", name), zap.String("key", key), zap.Error(err))
	}
}

func parseEpochMillis(raw string) (time.Time, bool) {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func isLegacyTrue(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// MemoryKV is a map backed tier, safe for concurrent use.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryKV returns an empty tier, optionally seeded with values.
func NewMemoryKV(seed map[string]string) *MemoryKV {
	values := make(map[string]string, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &MemoryKV{values: values}
}

// Get implements KV.
func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	return value, ok, nil
}

// Set implements KV.
func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// Clear implements KV.
func (m *MemoryKV) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}

// Snapshot returns a copy of the stored values.
func (m *MemoryKV) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

package targeting

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/hanko-field/popups/internal/platform/firestore"
	"github.com/hanko-field/popups/internal/popup"
)

// Source lists custom popup definitions.
type Source interface {
	Name() string
	List(ctx context.Context) ([]popup.CustomConfig, error)
}

// StaticSource serves the custom popups of the YAML site configuration.
type StaticSource struct {
	popups []popup.CustomConfig
}

// NewStaticSource copies popups.
func NewStaticSource(popups []popup.CustomConfig) *StaticSource {
	return &StaticSource{popups: append([]popup.CustomConfig(nil), popups...)}
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) List(context.Context) ([]popup.CustomConfig, error) {
	return append([]popup.CustomConfig(nil), s.popups...), nil
}

// FirestoreSource reads enabled custom popups from a collection. Documents without an id field
// take the document id.
type FirestoreSource struct {
	repo *pfirestore.Repository[popup.CustomConfig]
}

// NewFirestoreSource binds the popups collection.
func NewFirestoreSource(provider *pfirestore.Provider, collection string) *FirestoreSource {
	return &FirestoreSource{repo: pfirestore.NewRepository[popup.CustomConfig](provider, collection)}
}

func (s *FirestoreSource) Name() string { return "firestore" }

func (s *FirestoreSource) List(ctx context.Context) ([]popup.CustomConfig, error) {
	docs, err := s.repo.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("enabled", "==", true)
	})
	if err != nil {
		return nil, err
	}
	popups := make([]popup.CustomConfig, 0, len(docs))
	for _, doc := range docs {
		cfg := doc.Data
		if cfg.ID == "" {
			cfg.ID = popup.Identity(doc.ID)
		}
		popups = append(popups, cfg)
	}
	return popups, nil
}

// CachedSource memoises another source for a TTL. A failed refresh keeps serving the last good
// list until it is older than staleFor.
type CachedSource struct {
	inner    Source
	ttl      time.Duration
	staleFor time.Duration
	now      func() time.Time

	mu       sync.Mutex
	popups   []popup.CustomConfig
	loadedAt time.Time
}

// NewCachedSource wraps inner.
func NewCachedSource(inner Source, ttl time.Duration, now func() time.Time) *CachedSource {
	if now == nil {
		now = time.Now
	}
	return &CachedSource{inner: inner, ttl: ttl, staleFor: 10 * ttl, now: now}
}

func (c *CachedSource) Name() string { return c.inner.Name() }

func (c *CachedSource) List(ctx context.Context) ([]popup.CustomConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.loadedAt.IsZero() && now.Sub(c.loadedAt) < c.ttl {
		return c.popups, nil
	}
	popups, err := c.inner.List(ctx)
	if err != nil {
		if !c.loadedAt.IsZero() && now.Sub(c.loadedAt) < c.staleFor {
			return c.popups, nil
		}
		return nil, err
	}
	c.popups, c.loadedAt = popups, now
	return popups, nil
}

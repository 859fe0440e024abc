package contacts

import (
	"context"
	"errors"
	"sync"
	"time"

	pfirestore "github.com/hanko-field/popups/internal/platform/firestore"
)

// ErrLeadNotFound reports a missing lead.
var ErrLeadNotFound = errors.New("contacts: lead not found")

// Repository stores leads by key.
type Repository interface {
	// Insert stores lead under key unless the key exists. It returns the stored lead and whether
	// this call created it.
	Insert(ctx context.Context, key string, lead Lead) (Lead, bool, error)
	MarkPublished(ctx context.Context, key string, at time.Time) error
}

// FirestoreRepository keeps leads in a Firestore collection keyed by LeadKey.
type FirestoreRepository struct {
	repo *pfirestore.Repository[Lead]
}

// NewFirestoreRepository binds the leads collection.
func NewFirestoreRepository(provider *pfirestore.Provider, collection string) *FirestoreRepository {
	return &FirestoreRepository{repo: pfirestore.NewRepository[Lead](provider, collection)}
}

func (r *FirestoreRepository) Insert(ctx context.Context, key string, lead Lead) (Lead, bool, error) {
	err := r.repo.Create(ctx, key, lead)
	if err == nil {
		return lead, true, nil
	}
	if !pfirestore.IsConflict(err) {
		return Lead{}, false, err
	}
	doc, err := r.repo.Get(ctx, key)
	if err != nil {
		return Lead{}, false, err
	}
	return doc.Data, false, nil
}

func (r *FirestoreRepository) MarkPublished(ctx context.Context, key string, at time.Time) error {
	doc, err := r.repo.Get(ctx, key)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return ErrLeadNotFound
		}
		return err
	}
	lead := doc.Data
	lead.PublishedAt = &at
	return r.repo.Set(ctx, key, lead)
}

// MemoryRepository keeps leads in process.
type MemoryRepository struct {
	mu    sync.Mutex
	leads map[string]Lead
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{leads: make(map[string]Lead)}
}

func (r *MemoryRepository) Insert(_ context.Context, key string, lead Lead) (Lead, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.leads[key]; ok {
		return existing, false, nil
	}
	r.leads[key] = lead
	return lead, true, nil
}

func (r *MemoryRepository) MarkPublished(_ context.Context, key string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead, ok := r.leads[key]
	if !ok {
		return ErrLeadNotFound
	}
	lead.PublishedAt = &at
	r.leads[key] = lead
	return nil
}

// Leads returns a copy of the stored leads.
func (r *MemoryRepository) Leads() []Lead {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Lead, 0, len(r.leads))
	for _, lead := range r.leads {
		out = append(out, lead)
	}
	return out
}

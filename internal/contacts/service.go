package contacts

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hanko-field/popups/internal/platform/observability"
	"github.com/hanko-field/popups/internal/platform/requestctx"
	"github.com/hanko-field/popups/internal/platform/storage"
	"github.com/hanko-field/popups/internal/popup"
)

const defaultDownloadTTL = 10 * time.Minute

var (
	// ErrRateLimited reports a visitor submitting faster than allowed.
	ErrRateLimited = errors.New("contacts: too many submissions")
	// ErrDownloadUnavailable reports a popup download that cannot be signed.
	ErrDownloadUnavailable = errors.New("contacts: download unavailable")
)

// Publisher announces new leads.
type Publisher interface {
	Publish(ctx context.Context, payload any, attrs map[string]string) (string, error)
}

// DownloadSigner signs download links.
type DownloadSigner interface {
	SignedDownloadURL(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURL, error)
}

// ServiceDeps wires a Service.
type ServiceDeps struct {
	Repository  Repository
	Publisher   Publisher
	Downloads   DownloadSigner
	Limiter     *Limiter
	Logger      *zap.Logger
	Clock       func() time.Time
	DownloadTTL time.Duration
	// Entropy seeds lead ids. Defaults to crypto/rand.
	Entropy io.Reader
}

// Service implements popup.Submitter.
type Service struct {
	repo        Repository
	publisher   Publisher
	downloads   DownloadSigner
	limiter     *Limiter
	logger      *zap.Logger
	now         func() time.Time
	downloadTTL time.Duration

	entropyMu sync.Mutex
	entropy   io.Reader
}

var _ popup.Submitter = (*Service)(nil)

// NewService validates deps.
func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Repository == nil {
		return nil, errors.New("contacts: repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	ttl := deps.DownloadTTL
	if ttl <= 0 {
		ttl = defaultDownloadTTL
	}
	entropy := deps.Entropy
	if entropy == nil {
		entropy = rand.Reader
	}
	return &Service{
		repo:        deps.Repository,
		publisher:   deps.Publisher,
		downloads:   deps.Downloads,
		limiter:     deps.Limiter,
		logger:      logger.Named("contacts"),
		now:         now,
		downloadTTL: ttl,
		entropy:     entropy,
	}, nil
}

// SubmitContact stores the lead, announces it once and signs the popup's download. Retried calls
// for the same contact return the original lead id.
func (s *Service) SubmitContact(ctx context.Context, sub popup.ContactSubmission) (popup.SubmitReceipt, error) {
	visitor := requestctx.Visitor(ctx)
	if !s.limiter.Allow(visitor) {
		return popup.SubmitReceipt{}, ErrRateLimited
	}

	now := s.now().UTC()
	key := LeadKey(sub)
	lead, created, err := s.repo.Insert(ctx, key, Lead{
		ID:        s.newID(now),
		Popup:     string(sub.Identity),
		Kind:      string(sub.Kind),
		Contact:   string(sub.Contact),
		Value:     sub.Value,
		PageSlug:  sub.PageSlug,
		Visitor:   observability.HashVisitor(visitor),
		CreatedAt: now,
	})
	if err != nil {
		return popup.SubmitReceipt{}, fmt.Errorf("contacts: store lead: %w", err)
	}

	if lead.PublishedAt == nil && s.publisher != nil {
		if err := s.publish(ctx, key, lead); err != nil {
			return popup.SubmitReceipt{}, err
		}
	}

	receipt := popup.SubmitReceipt{LeadID: lead.ID}
	if sub.Download.Valid() {
		if s.downloads == nil {
			return popup.SubmitReceipt{}, ErrDownloadUnavailable
		}
		signed, err := s.downloads.SignedDownloadURL(ctx, sub.Download.Bucket, sub.Download.Object, storage.DownloadOptions{
			ExpiresIn: s.downloadTTL,
			FileName:  sub.Download.FileName,
		})
		if err != nil {
			return popup.SubmitReceipt{}, fmt.Errorf("%w: %w", ErrDownloadUnavailable, err)
		}
		receipt.DownloadURL = signed.URL
		receipt.DownloadExpiresAt = signed.ExpiresAt
	}

	s.logger.Info("lead captured",
		zap.String("leadId", lead.ID),
		zap.String("popup", lead.Popup),
		zap.String("contact", lead.Contact),
		zap.Bool("created", created),
		zap.String("visitor", lead.Visitor),
	)
	return receipt, nil
}

func (s *Service) publish(ctx context.Context, key string, lead Lead) error {
	attrs := map[string]string{
		"popup":   lead.Popup,
		"kind":    lead.Kind,
		"contact": lead.Contact,
	}
	if _, err := s.publisher.Publish(ctx, eventFor(lead), attrs); err != nil {
		return fmt.Errorf("contacts: publish lead: %w", err)
	}
	if err := s.repo.MarkPublished(ctx, key, s.now().UTC()); err != nil {
		// The event went out; a retry may announce the lead twice.
		s.logger.Warn("mark lead published failed", zap.String("leadId", lead.ID), zap.Error(err))
	}
	return nil
}

func (s *Service) newID(at time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

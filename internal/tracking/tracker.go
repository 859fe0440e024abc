// Package tracking records popup views and dismissals.
package tracking

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hanko-field/popups/internal/popup"
)

const meterName = "github.com/hanko-field/popups/internal/tracking"

// Publisher forwards events to the analytics pipeline.
type Publisher interface {
	Publish(ctx context.Context, payload any, attrs map[string]string) (string, error)
}

// Event is the Pub/Sub payload of a tracked action.
type Event struct {
	Popup    string    `json:"popup,omitempty"`
	Kind     string    `json:"kind"`
	Action   string    `json:"action"`
	PageSlug string    `json:"pageSlug,omitempty"`
	At       time.Time `json:"at"`
}

// Tracker implements popup.Tracker with OpenTelemetry counters and an optional publisher.
type Tracker struct {
	views      metric.Int64Counter
	dismissals metric.Int64Counter
	publisher  Publisher
	logger     *zap.Logger
}

var _ popup.Tracker = (*Tracker)(nil)

type config struct {
	meter     metric.Meter
	publisher Publisher
	logger    *zap.Logger
}

// Option customises a Tracker.
type Option func(*config)

// WithMeter injects an OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *config) { cfg.meter = m }
}

// WithPublisher forwards every event to p.
func WithPublisher(p Publisher) Option {
	return func(cfg *config) { cfg.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *config) { cfg.logger = logger }
}

// New registers the tracking instruments.
func New(opts ...Option) (*Tracker, error) {
	cfg := config{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(meterName)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	views, err := cfg.meter.Int64Counter("popups.views",
		metric.WithDescription("Popups shown to visitors"),
	)
	if err != nil {
		return nil, fmt.Errorf("tracking: register views counter: %w", err)
	}
	dismissals, err := cfg.meter.Int64Counter("popups.dismissals",
		metric.WithDescription("Popups closed by visitors"),
	)
	if err != nil {
		return nil, fmt.Errorf("tracking: register dismissals counter: %w", err)
	}
	return &Tracker{
		views:      views,
		dismissals: dismissals,
		publisher:  cfg.publisher,
		logger:     cfg.logger.Named("tracking"),
	}, nil
}

// Track counts the event and publishes it when a publisher is configured.
func (t *Tracker) Track(ctx context.Context, event popup.TrackEvent) error {
	attrs := []attribute.KeyValue{attribute.String("kind", string(event.Kind))}
	if event.Identity != "" {
		attrs = append(attrs, attribute.String("popup", string(event.Identity)))
	}
	switch event.Action {
	case popup.ActionView:
		t.views.Add(ctx, 1, metric.WithAttributes(attrs...))
	case popup.ActionDismiss:
		t.dismissals.Add(ctx, 1, metric.WithAttributes(attrs...))
	default:
		return fmt.Errorf("tracking: unknown action %q", event.Action)
	}
	t.logger.Debug("popup event",
		zap.String("kind", string(event.Kind)),
		zap.String("action", string(event.Action)),
		zap.String("popup", string(event.Identity)),
		zap.String("pageSlug", event.PageSlug),
	)

	if t.publisher == nil {
		return nil
	}
	payload := Event{
		Popup:    string(event.Identity),
		Kind:     string(event.Kind),
		Action:   string(event.Action),
		PageSlug: event.PageSlug,
		At:       event.At.UTC(),
	}
	if _, err := t.publisher.Publish(ctx, payload, map[string]string{
		"kind":   payload.Kind,
		"action": payload.Action,
		"popup":  payload.Popup,
	}); err != nil {
		return fmt.Errorf("tracking: publish %s: %w", event.Action, err)
	}
	return nil
}

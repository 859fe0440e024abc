package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/hanko-field/popups/internal/popup"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	attrs  []map[string]string
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, payload any, attrs map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, payload.(Event))
	p.attrs = append(p.attrs, attrs)
	return "id", nil
}

func counterValues(t *testing.T, reader *sdkmetric.ManualReader, name string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				kind, _ := dp.Attributes.Value(attribute.Key("kind"))
				out[kind.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestTrackCountsAndPublishes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	publisher := &recordingPublisher{}
	tracker, err := New(WithMeter(provider.Meter("test")), WithPublisher(publisher))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	events := []popup.TrackEvent{
		{Kind: popup.KindWelcome, Action: popup.ActionView, PageSlug: "home", At: at},
		{Kind: popup.KindWelcome, Action: popup.ActionDismiss, PageSlug: "home", At: at},
		{Identity: "spring", Kind: popup.KindCustom, Action: popup.ActionView, PageSlug: "sale", At: at},
	}
	for _, ev := range events {
		if err := tracker.Track(ctx, ev); err != nil {
			t.Fatalf("Track: %v", err)
		}
	}

	views := counterValues(t, reader, "popups.views")
	if views["welcome"] != 1 || views["custom"] != 1 {
		t.Fatalf("unexpected views %v", views)
	}
	if dismissals := counterValues(t, reader, "popups.dismissals"); dismissals["welcome"] != 1 {
		t.Fatalf("unexpected dismissals %v", dismissals)
	}
	if len(publisher.events) != 3 {
		t.Fatalf("expected 3 published events, got %d", len(publisher.events))
	}
	if last := publisher.events[2]; last.Popup != "spring" || last.Action != "view" || last.PageSlug != "sale" {
		t.Fatalf("unexpected event %+v", last)
	}
	if publisher.attrs[0]["popup"] != "" || publisher.attrs[0]["action"] != "view" {
		t.Fatalf("unexpected attributes %v", publisher.attrs[0])
	}
}

func TestTrackErrors(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("unavailable")}
	tracker, err := New(WithPublisher(publisher))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := tracker.Track(ctx, popup.TrackEvent{Kind: popup.KindExit, Action: popup.ActionView}); err == nil {
		t.Fatalf("expected publish error")
	}
	if err := tracker.Track(ctx, popup.TrackEvent{Kind: popup.KindExit, Action: "click"}); err == nil {
		t.Fatalf("expected unknown action error")
	}
}

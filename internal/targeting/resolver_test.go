package targeting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hanko-field/popups/internal/popup"
)

type failingSource struct{ err error }

func (f failingSource) Name() string { return "failing" }

func (f failingSource) List(context.Context) ([]popup.CustomConfig, error) { return nil, f.err }

type countingSource struct {
	calls  int
	err    error
	popups []popup.CustomConfig
}

func (c *countingSource) Name() string { return "counting" }

func (c *countingSource) List(context.Context) ([]popup.CustomConfig, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.popups, nil
}

func custom(id string, priority int, paths []string, products []string) popup.CustomConfig {
	return popup.CustomConfig{
		ID:          popup.Identity(id),
		Enabled:     true,
		TriggerType: popup.TriggerTimer,
		Targeting:   popup.Targeting{Paths: paths, ProductIDs: products, Priority: priority},
	}
}

func TestResolverPicksMostRelevantPopup(t *testing.T) {
	ctx := context.Background()
	resolver := NewResolver(nil, NewStaticSource([]popup.CustomConfig{
		custom("sitewide", 0, nil, nil),
		custom("products", 0, []string{"/products/*"}, nil),
		custom("seal", 0, []string{"/products/seal"}, nil),
		custom("gift", 0, nil, []string{"sku-42"}),
		custom("sale", 5, []string{"/sale"}, nil),
		{ID: "disabled", TriggerType: popup.TriggerTimer, Targeting: popup.Targeting{Priority: 99}},
	}))

	cases := []struct {
		path, product string
		want          popup.Identity
	}{
		{path: "/", want: "sitewide"},
		{path: "/about/", want: "sitewide"},
		{path: "/products/ring", want: "products"},
		{path: "/products/seal?ref=mail", want: "seal"},
		{path: "/products/seal", product: "sku-42", want: "gift"},
		{path: "sale", product: "sku-42", want: "sale"},
	}
	for _, tc := range cases {
		got, err := resolver.Resolve(ctx, tc.path, tc.product)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.path, err)
		}
		if got == nil || got.ID != tc.want {
			t.Fatalf("%s/%s: expected %s, got %+v", tc.path, tc.product, tc.want, got)
		}
	}
}

func TestResolverReturnsNilWithoutMatch(t *testing.T) {
	resolver := NewResolver(nil, NewStaticSource([]popup.CustomConfig{
		custom("seal", 0, []string{"/products/seal"}, nil),
	}))
	got, err := resolver.Resolve(context.Background(), "/cart", "")
	if err != nil || got != nil {
		t.Fatalf("expected no popup, got %+v (%v)", got, err)
	}
}

func TestResolverSourcePrecedenceAndFailures(t *testing.T) {
	ctx := context.Background()
	remote := &countingSource{popups: []popup.CustomConfig{custom("promo", 1, nil, nil)}}
	local := custom("promo", 9, nil, nil)
	resolver := NewResolver(nil, remote, failingSource{err: errors.New("down")}, NewStaticSource([]popup.CustomConfig{local}))

	got, err := resolver.Resolve(ctx, "/", "")
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if got == nil || got.Targeting.Priority != 1 {
		t.Fatalf("expected the earlier source to win, got %+v", got)
	}

	allDown := NewResolver(nil, failingSource{err: errors.New("down")})
	if _, err := allDown.Resolve(ctx, "/", ""); !errors.Is(err, ErrSourcesUnavailable) {
		t.Fatalf("expected ErrSourcesUnavailable, got %v", err)
	}
}

func TestResolverSkipsInvalidDefinitions(t *testing.T) {
	resolver := NewResolver(nil, NewStaticSource([]popup.CustomConfig{
		{ID: "welcome", Enabled: true, TriggerType: popup.TriggerTimer},
		{ID: "broken", Enabled: true, TriggerType: "hover"},
	}))
	got, err := resolver.Resolve(context.Background(), "/", "")
	if err != nil || got != nil {
		t.Fatalf("expected invalid definitions skipped, got %+v (%v)", got, err)
	}
}

func TestCachedSource(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	inner := &countingSource{popups: []popup.CustomConfig{custom("promo", 0, nil, nil)}}
	cached := NewCachedSource(inner, time.Minute, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cached.List(ctx); err != nil {
			t.Fatalf("List: %v", err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", inner.calls)
	}

	now = now.Add(2 * time.Minute)
	inner.err = errors.New("unavailable")
	popups, err := cached.List(ctx)
	if err != nil || len(popups) != 1 {
		t.Fatalf("expected stale list on refresh failure, got %v (%v)", popups, err)
	}

	now = now.Add(time.Hour)
	if _, err := cached.List(ctx); err == nil {
		t.Fatalf("expected error once the cached list is too old")
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                 "/",
		"products/":        "/products",
		"/a//b/../c?x=1":   "/a/c",
		"/products/seal#x": "/products/seal",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Fatalf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

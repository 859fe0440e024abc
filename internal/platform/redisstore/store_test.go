package redisstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hanko-field/popups/internal/popup"
)

var _ popup.KV = (*Tier)(nil)

func TestKeyHashTagsDevice(t *testing.T) {
	if got := Key("popups", "dev-1", "session"); got != "popups:{dev-1}:session" {
		t.Fatalf("unexpected key %s", got)
	}
}

func TestStoreRequiresDevice(t *testing.T) {
	client := NewClient("localhost:0", "", 0)
	defer client.Close()
	store, err := New(client, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Durable("  "); !errors.Is(err, ErrDeviceRequired) {
		t.Fatalf("expected ErrDeviceRequired, got %v", err)
	}
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

// TestTierIntegration requires a running Redis and is skipped otherwise.
func TestTierIntegration(t *testing.T) {
	client := NewClient("localhost:6379", "", 0)
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	store, err := New(client, Options{Prefix: "popups-test", SessionTTL: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	device := fmt.Sprintf("device-%d", time.Now().UnixNano())
	session, err := store.Session(device)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	t.Cleanup(func() { _ = session.Clear() })

	if _, ok, err := session.Get("popup:welcome:shown"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := session.Set("popup:welcome:shown", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if value, ok, err := session.Get("popup:welcome:shown"); err != nil || !ok || value != "true" {
		t.Fatalf("unexpected value %q ok=%v err=%v", value, ok, err)
	}
	ttl, err := client.TTL(ctx, Key("popups-test", device, "session")).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected session ttl to be set, got %s (%v)", ttl, err)
	}
	if err := session.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, _ := session.Get("popup:welcome:shown"); ok {
		t.Fatalf("expected cleared tier")
	}
}

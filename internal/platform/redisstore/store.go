// Package redisstore keeps popup tiers in Redis hashes keyed by device, for hosts that have no
// browser cookies.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix    = "popups"
	defaultTimeout   = 500 * time.Millisecond
	defaultSessionTT = 30 * time.Minute
)

// ErrDeviceRequired reports a blank device id.
var ErrDeviceRequired = errors.New("redisstore: device id is required")

// Options tune a Store.
type Options struct {
	Prefix     string
	SessionTTL time.Duration
	// Timeout bounds each Redis round trip made through the KV interface.
	Timeout time.Duration
}

// Store hands out Redis-backed tiers.
type Store struct {
	client     redis.UniversalClient
	prefix     string
	sessionTTL time.Duration
	timeout    time.Duration
}

// NewClient connects to addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// New wraps client.
func New(client redis.UniversalClient, opts Options) (*Store, error) {
	if client == nil {
		return nil, errors.New("redisstore: client is required")
	}
	s := &Store{
		client:     client,
		prefix:     strings.TrimSpace(opts.Prefix),
		sessionTTL: opts.SessionTTL,
		timeout:    opts.Timeout,
	}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = defaultSessionTT
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	return s, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Durable returns the device's long-lived tier.
func (s *Store) Durable(device string) (*Tier, error) {
	return s.tier(device, "durable", 0)
}

// Session returns the device's session tier. Every write extends its lifetime by the session TTL,
// so an idle session expires on its own.
func (s *Store) Session(device string) (*Tier, error) {
	return s.tier(device, "session", s.sessionTTL)
}

func (s *Store) tier(device, name string, ttl time.Duration) (*Tier, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return nil, ErrDeviceRequired
	}
	return &Tier{
		client:  s.client,
		key:     Key(s.prefix, device, name),
		ttl:     ttl,
		timeout: s.timeout,
	}, nil
}

// Key builds the hash key for one tier of one device.
func Key(prefix, device, tier string) string {
	return fmt.Sprintf("%s:{%s}:%s", prefix, device, tier)
}

// Tier implements popup.KV over one Redis hash.
type Tier struct {
	client  redis.UniversalClient
	key     string
	ttl     time.Duration
	timeout time.Duration
}

// Get implements popup.KV.
func (t *Tier) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	value, err := t.client.HGet(ctx, t.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisstore: hget %s: %w", key, err)
	}
	return value, true, nil
}

// Set implements popup.KV.
func (t *Tier) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, t.key, key, value)
		if t.ttl > 0 {
			pipe.Expire(ctx, t.key, t.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: hset %s: %w", key, err)
	}
	return nil
}

// Clear implements popup.KV.
func (t *Tier) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.client.Del(ctx, t.key).Err(); err != nil {
		return fmt.Errorf("redisstore: del: %w", err)
	}
	return nil
}

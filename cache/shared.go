package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Shared is the cross-process cache tier backed by redis. It is
// optional: a nil *Shared is a valid no-op tier, so single-process
// deployments pay nothing for it.
type Shared struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewShared wraps a redis client as the shared tier. Keys are
// namespaced under prefix; entries expire after ttl.
func NewShared(client redis.UniversalClient, prefix string, ttl time.Duration) *Shared {
	if prefix == "" {
		prefix = "turnstile"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	return &Shared{client: client, prefix: prefix, ttl: ttl}
}

func (s *Shared) entryKey(key string) string {
	return s.prefix + ":quota:" + key
}

func (s *Shared) genKey() string {
	return s.prefix + ":gen"
}

// Get fetches an entry. Returns nil, nil on miss; a nil receiver always
// misses.
func (s *Shared) Get(ctx context.Context, key string) (*Entry, error) {
	if s == nil {
		return nil, nil //nolint:nilnil // nil entry means cache miss
	}

	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil //nolint:nilnil // nil entry means cache miss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: shared get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("cache: decode shared entry: %w", err)
	}

	return &e, nil
}

// Put stores an entry with the tier's TTL. The live counter is folded
// into BaseUsed so other processes seed from the freshest count.
func (s *Shared) Put(ctx context.Context, key string, e *Entry) error {
	if s == nil {
		return nil
	}

	flat := Entry{
		Effective:   e.Effective,
		PeriodStart: e.PeriodStart,
		PeriodEnd:   e.PeriodEnd,
		Generation:  e.Generation,
		CachedAt:    e.CachedAt,
		BaseUsed:    e.TotalUsed(),
	}
	raw, err := json.Marshal(&flat)
	if err != nil {
		return fmt.Errorf("cache: encode shared entry: %w", err)
	}

	if err := s.client.Set(ctx, s.entryKey(key), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache: shared put: %w", err)
	}

	return nil
}

// Remove drops an entry.
func (s *Shared) Remove(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	if err := s.client.Del(ctx, s.entryKey(key)).Err(); err != nil {
		return fmt.Errorf("cache: shared remove: %w", err)
	}

	return nil
}

// BumpGeneration increments the shared configuration generation and
// returns the new value.
func (s *Shared) BumpGeneration(ctx context.Context) (uint64, error) {
	if s == nil {
		return 0, nil
	}

	n, err := s.client.Incr(ctx, s.genKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: bump generation: %w", err)
	}

	return uint64(n), nil
}

// Generation reads the shared configuration generation. A missing key
// reads as zero.
func (s *Shared) Generation(ctx context.Context) (uint64, error) {
	if s == nil {
		return 0, nil
	}

	n, err := s.client.Get(ctx, s.genKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache: read generation: %w", err)
	}

	return n, nil
}

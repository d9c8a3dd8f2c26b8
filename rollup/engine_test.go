package rollup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
)

// memStore is a minimal in-memory rollup store for engine tests.
type memStore struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	failing bool
	upserts int
}

func newMemStore() *memStore {
	return &memStore{buckets: make(map[string]*Bucket)}
}

func (m *memStore) key(b *Bucket) string {
	return fmt.Sprintf("%s/%s/%d", b.SubscriptionID, b.EventType, b.BucketStart.Unix())
}

func (m *memStore) UpsertBucketDelta(_ context.Context, delta *Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failing {
		return errors.New("store unavailable")
	}
	m.upserts++

	k := m.key(delta)
	existing, ok := m.buckets[k]
	if !ok {
		cp := *delta
		m.buckets[k] = &cp
		return nil
	}

	existing.Count += delta.Count
	existing.Sum += delta.Sum
	if delta.Max > existing.Max {
		existing.Max = delta.Max
	}
	merged, err := MergeUniqueBytes(existing.Unique, delta.Unique)
	if err != nil {
		return err
	}
	existing.Unique = merged

	return nil
}

func (m *memStore) QueryBuckets(_ context.Context, subscriptionID id.SubscriptionID, eventType string, start, end time.Time) ([]*Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Bucket
	for _, b := range m.buckets {
		if b.SubscriptionID != subscriptionID || b.EventType != eventType {
			continue
		}
		if b.BucketStart.Before(start) || !b.BucketStart.Before(end) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}

	return out, nil
}

func testEvent(sub id.SubscriptionID, eventType string, qty int64, signer string, at time.Time) *event.Event {
	return &event.Event{
		ID:             id.NewEventID(),
		SubscriptionID: sub,
		SignerID:       signer,
		Type:           eventType,
		Quantity:       qty,
		Timestamp:      at,
	}
}

func TestRecordDuringFlushNeverLost(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, WithFlushConfig(1000, time.Hour))
	sub := id.NewSubscriptionID()
	at := time.Date(2025, 4, 1, 10, 15, 0, 0, time.UTC)

	e.Record(testEvent(sub, "api.call", 3, "key-a", at))

	// Hold a reference to the open accumulator the way a concurrent
	// recorder that lost the race against the flush swap would.
	var stale *accumulator
	e.mu.RLock()
	for _, acc := range e.open {
		stale = acc
	}
	e.mu.RUnlock()

	e.flush(context.Background())

	if stale.record(7, "key-b") {
		t.Fatal("record() into a sealed accumulator must be refused")
	}

	// The engine path retries against the fresh map, so the event still
	// lands.
	e.Record(testEvent(sub, "api.call", 7, "key-b", at.Add(time.Minute)))

	s, err := e.Query(context.Background(), sub, "api.call", at.Truncate(time.Hour), at.Add(time.Hour))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if s.Count != 2 || s.Sum != 10 || s.Unique != 2 {
		t.Errorf("summary = %+v, want count 2 sum 10 unique 2", s)
	}
}

func TestEngineOpenBucketVisibleBeforeFlush(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, WithFlushConfig(1000, time.Hour))
	sub := id.NewSubscriptionID()
	at := time.Date(2025, 4, 1, 10, 15, 0, 0, time.UTC)

	e.Record(testEvent(sub, "api.call", 3, "key-a", at))
	e.Record(testEvent(sub, "api.call", 7, "key-b", at.Add(time.Minute)))

	s, err := e.Query(context.Background(), sub, "api.call", at.Truncate(time.Hour), at.Add(time.Hour))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if s.Count != 2 || s.Sum != 10 || s.Max != 7 || s.Unique != 2 {
		t.Errorf("open-bucket summary = %+v, want count 2 sum 10 max 7 unique 2", s)
	}
	if store.upserts != 0 {
		t.Errorf("store saw %d upserts before any flush trigger", store.upserts)
	}
}

func TestEngineFlushMatchesRescan(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, WithFlushConfig(1000, time.Hour))
	e.Start(context.Background())

	sub := id.NewSubscriptionID()
	base := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	// Events spread over two hour buckets. Expected values are what a
	// full re-scan of the raw events would produce.
	quantities := []int64{1, 5, 2, 9, 4, 4, 7}
	signers := []string{"a", "b", "a", "c", "b", "d", "a"}
	var wantSum, wantMax int64
	for i, q := range quantities {
		at := base.Add(time.Duration(i*20) * time.Minute)
		e.Record(testEvent(sub, "api.call", q, signers[i], at))
		wantSum += q
		if q > wantMax {
			wantMax = q
		}
	}

	e.Stop() // final flush

	s, err := e.Query(context.Background(), sub, "api.call", base, base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if s.Count != int64(len(quantities)) {
		t.Errorf("Count = %d, want %d", s.Count, len(quantities))
	}
	if s.Sum != wantSum {
		t.Errorf("Sum = %d, want %d", s.Sum, wantSum)
	}
	if s.Max != wantMax {
		t.Errorf("Max = %d, want %d", s.Max, wantMax)
	}
	if s.Unique != 4 || s.Approximate {
		t.Errorf("Unique = %d (approximate=%v), want exactly 4", s.Unique, s.Approximate)
	}
	if store.upserts == 0 {
		t.Error("Stop() did not flush to the store")
	}
}

func TestEngineAdditiveUpsert(t *testing.T) {
	// Two engines flushing the same bucket must add, not overwrite.
	store := newMemStore()
	sub := id.NewSubscriptionID()
	at := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	for _, qty := range []int64{2, 3} {
		e := NewEngine(store, WithFlushConfig(1000, time.Hour))
		e.Start(context.Background())
		e.Record(testEvent(sub, "api.call", qty, "shared", at))
		e.Stop()
	}

	e := NewEngine(store)
	s, err := e.Query(context.Background(), sub, "api.call", at, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if s.Count != 2 || s.Sum != 5 {
		t.Errorf("after two flushes: count %d sum %d, want 2 and 5", s.Count, s.Sum)
	}
	if s.Unique != 1 {
		t.Errorf("Unique = %d, want 1 (same signer both flushes)", s.Unique)
	}
}

func TestEngineBatchThresholdTriggersFlush(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, WithFlushConfig(3, time.Hour))
	e.Start(context.Background())
	defer e.Stop()

	sub := id.NewSubscriptionID()
	at := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		e.Record(testEvent(sub, "api.call", 1, "a", at))
	}

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		n := store.upserts
		store.mu.Unlock()
		if n > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("batch threshold did not trigger a flush")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEngineRetainsCountsOnStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failing = true
	e := NewEngine(store, WithFlushConfig(1000, time.Hour))
	e.Start(context.Background())

	sub := id.NewSubscriptionID()
	at := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	e.Record(testEvent(sub, "api.call", 4, "a", at))

	e.flush(context.Background()) // fails, delta requeued

	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()

	e.Stop()

	s, err := e.Query(context.Background(), sub, "api.call", at, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if s.Count != 1 || s.Sum != 4 {
		t.Errorf("counts lost across failed flush: %+v", s)
	}
}

func TestEngineUsage(t *testing.T) {
	store := newMemStore()
	e := NewEngine(store, WithFlushConfig(1000, time.Hour))
	sub := id.NewSubscriptionID()
	at := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	e.Record(testEvent(sub, "api.call", 2, "a", at))
	e.Record(testEvent(sub, "api.call", 3, "a", at.Add(time.Minute)))
	e.Record(testEvent(sub, "export.run", 100, "a", at)) // other type

	used, err := e.Usage(context.Background(), sub, "api.call", at, at.Add(time.Hour))
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if used != 5 {
		t.Errorf("Usage() = %d, want 5", used)
	}

	lifetime, err := e.Usage(context.Background(), sub, "api.call", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Usage() lifetime error = %v", err)
	}
	if lifetime != 5 {
		t.Errorf("lifetime Usage() = %d, want 5", lifetime)
	}
}

func TestBucketStart(t *testing.T) {
	at := time.Date(2025, 4, 1, 10, 59, 59, 999, time.UTC)
	want := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	if got := BucketStart(at); !got.Equal(want) {
		t.Errorf("BucketStart() = %v, want %v", got, want)
	}
}

package rollup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
)

// Key identifies one open accumulator.
type Key struct {
	Subscription string
	EventType    string
	BucketStart  int64 // unix seconds of the hour start
}

// accumulator holds the live aggregates for one open bucket. Each
// accumulator has its own lock so concurrent ingestion across keys
// never serializes.
type accumulator struct {
	mu     sync.Mutex
	closed bool
	count  int64
	sum    int64
	max    int64
	unique *UniqueState
}

// record folds one event in. It reports false when the accumulator has
// already been sealed for flushing; the caller must re-fetch from the
// open map, or the event would land on a bucket about to be discarded.
func (a *accumulator) record(quantity int64, signer string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false
	}

	a.count++
	a.sum += quantity
	if quantity > a.max {
		a.max = quantity
	}
	if signer != "" {
		a.unique.Add(signer)
	}

	return true
}

// Engine maintains open-bucket accumulators and flushes them to the
// durable rollup store after a batch threshold or a time interval,
// whichever comes first. Range queries combine closed buckets from the
// store with live open-bucket state so the current partial hour is
// never undercounted.
type Engine struct {
	store  Store
	logger *slog.Logger

	flushBatch    int
	flushInterval time.Duration

	mu      sync.RWMutex
	open    map[Key]*accumulator
	pending int

	kick     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	// OnFlush, when set before Start, is invoked after each successful
	// flush with the bucket count and elapsed time.
	OnFlush func(buckets int, elapsed time.Duration)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithFlushConfig sets the batch threshold and interval.
func WithFlushConfig(batch int, interval time.Duration) EngineOption {
	return func(e *Engine) {
		if batch > 0 {
			e.flushBatch = batch
		}
		if interval > 0 {
			e.flushInterval = interval
		}
	}
}

// WithEngineLogger sets the engine's logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates an aggregation engine over the given rollup store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:         store,
		logger:        slog.Default(),
		flushBatch:    500,
		flushInterval: 5 * time.Second,
		open:          make(map[Key]*accumulator),
		kick:          make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Start launches the flush worker.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.flushWorker(ctx)
}

// Stop signals the worker, waits for it, and performs a final flush.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})
	e.wg.Wait()
}

// Record folds a persisted event into its bucket's accumulator. Runs in
// constant time and never blocks on I/O; the durable write happens in
// the flush worker.
func (e *Engine) Record(ev *event.Event) {
	key := Key{
		Subscription: ev.SubscriptionID.String(),
		EventType:    ev.Type,
		BucketStart:  BucketStart(ev.Timestamp).Unix(),
	}

	for {
		e.mu.RLock()
		acc := e.open[key]
		e.mu.RUnlock()

		if acc == nil {
			e.mu.Lock()
			if acc = e.open[key]; acc == nil {
				acc = &accumulator{unique: NewUniqueState()}
				e.open[key] = acc
			}
			e.mu.Unlock()
		}

		// A false return means the flush worker sealed this accumulator
		// between our map read and the fold; the fresh map has (or will
		// get) a replacement.
		if acc.record(ev.Quantity, ev.SignerID) {
			break
		}
	}

	e.mu.Lock()
	e.pending++
	shouldKick := e.pending >= e.flushBatch
	e.mu.Unlock()

	if shouldKick {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) flushWorker(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			e.flush(ctx)
			return
		case <-e.kick:
			e.flush(ctx)
		case <-ticker.C:
			e.flush(ctx)
		}
	}
}

// flush swaps out the open accumulators and upserts each as a delta.
// A failed upsert is retried on the next cycle by folding the delta
// back into the live map, so counts are never dropped.
func (e *Engine) flush(ctx context.Context) {
	e.mu.Lock()
	if e.pending == 0 {
		e.mu.Unlock()
		return
	}
	snapshot := e.open
	e.open = make(map[Key]*accumulator, len(snapshot))
	e.pending = 0
	e.mu.Unlock()

	start := time.Now()
	flushed := 0

	for key, acc := range snapshot {
		delta, err := e.toBucket(key, acc)
		if err != nil {
			e.logger.Error("failed to encode rollup bucket",
				"error", err,
				"event_type", key.EventType,
			)
			continue
		}

		if err := e.store.UpsertBucketDelta(ctx, delta); err != nil {
			e.logger.Error("failed to flush rollup bucket",
				"error", err,
				"event_type", key.EventType,
				"bucket_start", delta.BucketStart,
			)
			e.requeue(key, acc)
			continue
		}
		flushed++
	}

	elapsed := time.Since(start)
	if e.OnFlush != nil && flushed > 0 {
		e.OnFlush(flushed, elapsed)
	}

	e.logger.Debug("flushed rollup buckets",
		"buckets", flushed,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

func (e *Engine) toBucket(key Key, acc *accumulator) (*Bucket, error) {
	acc.mu.Lock()
	defer acc.mu.Unlock()

	// Seal before encoding: a concurrent Record holding a stale
	// reference will see closed and retry against the fresh map.
	acc.closed = true

	subID, err := id.Parse(key.Subscription)
	if err != nil {
		return nil, err
	}
	unique, err := acc.unique.MarshalBinary()
	if err != nil {
		return nil, err
	}

	return &Bucket{
		SubscriptionID: subID,
		EventType:      key.EventType,
		BucketStart:    time.Unix(key.BucketStart, 0).UTC(),
		Count:          acc.count,
		Sum:            acc.sum,
		Max:            acc.max,
		Unique:         unique,
	}, nil
}

// requeue folds a failed delta back into the live accumulator map so
// the next flush cycle retries it.
func (e *Engine) requeue(key Key, acc *accumulator) {
	acc.mu.Lock()
	requeued := acc.count
	acc.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	live := e.open[key]
	if live == nil {
		acc.mu.Lock()
		acc.closed = false
		acc.mu.Unlock()
		e.open[key] = acc
	} else {
		live.mu.Lock()
		acc.mu.Lock()
		live.count += acc.count
		live.sum += acc.sum
		if acc.max > live.max {
			live.max = acc.max
		}
		if err := live.unique.Merge(acc.unique); err != nil {
			e.logger.Error("failed to merge requeued unique state", "error", err)
		}
		acc.mu.Unlock()
		live.mu.Unlock()
	}
	e.pending += int(requeued)
}

// Query returns the combined aggregates for the subscription and event
// type over [start, end): closed buckets from the store plus any live
// open-bucket state in range.
func (e *Engine) Query(ctx context.Context, subscriptionID id.SubscriptionID, eventType string, start, end time.Time) (*Summary, error) {
	buckets, err := e.store.QueryBuckets(ctx, subscriptionID, eventType, start, end)
	if err != nil {
		return nil, err
	}

	sum := &Summary{}
	unique := NewUniqueState()
	for _, b := range buckets {
		sum.Count += b.Count
		sum.Sum += b.Sum
		if b.Max > sum.Max {
			sum.Max = b.Max
		}
		part := NewUniqueState()
		if err := part.UnmarshalBinary(b.Unique); err != nil {
			return nil, err
		}
		if err := unique.Merge(part); err != nil {
			return nil, err
		}
	}

	e.mergeOpen(subscriptionID, eventType, start, end, sum, unique)

	sum.Unique, sum.Approximate = unique.Estimate()

	return sum, nil
}

// Usage returns the total consumed quantity for the subscription and
// event type over [start, end). The enforcement cold path reads this
// on a full cache miss. A zero start means lifetime usage.
func (e *Engine) Usage(ctx context.Context, subscriptionID id.SubscriptionID, eventType string, start, end time.Time) (int64, error) {
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}
	if end.IsZero() {
		end = time.Now().UTC().Add(time.Hour)
	}

	s, err := e.Query(ctx, subscriptionID, eventType, start, end)
	if err != nil {
		return 0, err
	}

	return s.Sum, nil
}

// mergeOpen folds live open-bucket state in [start, end) into the
// summary. Accumulator state counts toward queries immediately, before
// any flush, which is what keeps the most recent partial hour visible.
func (e *Engine) mergeOpen(subscriptionID id.SubscriptionID, eventType string, start, end time.Time, sum *Summary, unique *UniqueState) {
	sub := subscriptionID.String()

	e.mu.RLock()
	defer e.mu.RUnlock()

	for key, acc := range e.open {
		if key.Subscription != sub || key.EventType != eventType {
			continue
		}
		bucketStart := time.Unix(key.BucketStart, 0).UTC()
		if bucketStart.Before(start) || !bucketStart.Before(end) {
			continue
		}

		acc.mu.Lock()
		sum.Count += acc.count
		sum.Sum += acc.sum
		if acc.max > sum.Max {
			sum.Max = acc.max
		}
		if err := unique.Merge(acc.unique); err != nil {
			e.logger.Error("failed to merge open unique state", "error", err)
		}
		acc.mu.Unlock()
	}
}

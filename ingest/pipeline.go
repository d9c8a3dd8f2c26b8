// Package ingest implements the event ingestion pipeline: structural
// validation, idempotency, signature and delegation verification,
// authoritative timestamping, durable persistence with retry, and
// asynchronous publication to the aggregation and audit paths.
package ingest

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/turnstile/audit"
	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/identity"
	"github.com/xraph/turnstile/subscription"
	"github.com/xraph/turnstile/types"
)

// Rejection sentinels. Each maps to one terminal cause in the ingestion
// contract; none of them is retried by the pipeline.
var (
	ErrSchema           = errors.New("ingest: schema violation")
	ErrUnregisteredType = errors.New("ingest: unregistered event type")
	ErrSignature        = errors.New("ingest: signature verification failed")
	ErrDelegation       = errors.New("ingest: delegation chain verification failed")
	ErrNotAuthorized    = errors.New("ingest: identity not authorized for subscription")
	ErrTimestampSkew    = errors.New("ingest: client timestamp outside allowed skew")
	ErrDedupConflict    = errors.New("ingest: dedup key reused with different payload")
	ErrBatchTooLarge    = errors.New("ingest: batch exceeds element ceiling")
	ErrTimeout          = errors.New("ingest: processing timeout")
	ErrStoreUnavailable = errors.New("ingest: durable store unavailable")
)

// Status classifies the outcome for one submitted event.
type Status string

const (
	StatusCreated   Status = "created"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Result is the per-event ingestion outcome. Duplicate results carry
// the pre-existing event's identifier.
type Result struct {
	Status  Status     `json:"status"`
	EventID id.EventID `json:"event_id,omitempty"`
	Cause   string     `json:"cause,omitempty"`
	Err     error      `json:"-"`
}

func rejected(err error) Result {
	return Result{Status: StatusRejected, Cause: err.Error(), Err: err}
}

// Defaults for pipeline limits.
const (
	DefaultMaxSkew       = 10 * time.Minute
	DefaultMaxBatch      = 500
	DefaultMaxPropsDepth = 4
	DefaultMaxPropsBytes = 8 * 1024
	DefaultMaxChainLen   = 8
	DefaultTimeout       = 5 * time.Second
)

// Config bounds per-request resource use.
type Config struct {
	// MaxSkew is the allowed distance between the caller-supplied
	// timestamp and the authoritative clock.
	MaxSkew time.Duration
	// MaxBatch caps batch element count.
	MaxBatch int
	// MaxPropsDepth caps property-bag nesting.
	MaxPropsDepth int
	// MaxPropsBytes caps the encoded property-bag size.
	MaxPropsBytes int
	// MaxChainLen caps delegation chain length.
	MaxChainLen int
	// Timeout bounds processing of a single event; exceeding it fails
	// closed so the caller can retry under the same dedup key.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSkew <= 0 {
		c.MaxSkew = DefaultMaxSkew
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.MaxPropsDepth <= 0 {
		c.MaxPropsDepth = DefaultMaxPropsDepth
	}
	if c.MaxPropsBytes <= 0 {
		c.MaxPropsBytes = DefaultMaxPropsBytes
	}
	if c.MaxChainLen <= 0 {
		c.MaxChainLen = DefaultMaxChainLen
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}

	return c
}

// Pipeline validates, authenticates, deduplicates, timestamps, and
// durably persists usage events. It is safe for concurrent use.
type Pipeline struct {
	events   event.Store
	subs     subscription.Store
	registry identity.Registry
	clock    identity.Clock
	sink     audit.Sink
	logger   *slog.Logger
	cfg      Config

	typesMu    sync.RWMutex
	eventTypes map[string]struct{}

	// OnPersisted, when set, is invoked after each durable write with
	// the stored event. The engine wires aggregation and plugin
	// dispatch through it; it must not block.
	OnPersisted func(*event.Event)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig sets the pipeline limits.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithClock sets the authoritative clock source.
func WithClock(clock identity.Clock) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// New creates an ingestion pipeline.
func New(events event.Store, subs subscription.Store, registry identity.Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		events:     events,
		subs:       subs,
		registry:   registry,
		clock:      identity.SystemClock{},
		sink:       audit.NopSink{},
		logger:     slog.Default(),
		eventTypes: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}
	p.cfg = p.cfg.withDefaults()

	return p
}

// RegisterEventType adds an event type to the accepted set. Events of
// unregistered types are rejected at validation.
func (p *Pipeline) RegisterEventType(names ...string) {
	p.typesMu.Lock()
	defer p.typesMu.Unlock()
	for _, n := range names {
		p.eventTypes[n] = struct{}{}
	}
}

// EventTypeRegistered reports whether the type is accepted.
func (p *Pipeline) EventTypeRegistered(name string) bool {
	p.typesMu.RLock()
	defer p.typesMu.RUnlock()
	_, ok := p.eventTypes[name]

	return ok
}

// Ingest runs the full pipeline for one event. The input is not
// mutated; the returned Result references the persisted copy's ID.
func (p *Pipeline) Ingest(ctx context.Context, ev *event.Event) Result {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	res := p.ingest(ctx, ev)

	switch res.Status {
	case StatusCreated:
		p.sink.Record(ctx, audit.Entry{
			Action:    audit.ActionEventIngested,
			Identity:  ev.SignerID,
			EventType: ev.Type,
			EventID:   res.EventID.String(),
			At:        time.Now().UTC(),
		})
	case StatusDuplicate:
		p.sink.Record(ctx, audit.Entry{
			Action:    audit.ActionEventDuplicate,
			Identity:  ev.SignerID,
			EventType: ev.Type,
			EventID:   res.EventID.String(),
			At:        time.Now().UTC(),
		})
	case StatusRejected:
		p.sink.Record(ctx, audit.Entry{
			Action:    audit.ActionEventRejected,
			Identity:  ev.SignerID,
			EventType: ev.Type,
			Cause:     res.Cause,
			At:        time.Now().UTC(),
			Details:   map[string]any{"dedup_key": ev.DedupKey},
		})
		if errors.Is(res.Err, ErrSignature) || errors.Is(res.Err, ErrDelegation) {
			// Security signal, not just a bad request.
			p.logger.WarnContext(ctx, "rejected unverifiable event",
				"signer", ev.SignerID,
				"subscription", ev.SubscriptionID,
				"cause", res.Cause,
			)
		}
	}

	return res
}

// IngestBatch applies the pipeline to each element independently and
// returns a per-element result set in input order. The ceiling on
// element count is enforced before any element is processed.
func (p *Pipeline) IngestBatch(ctx context.Context, evs []*event.Event) ([]Result, error) {
	if len(evs) > p.cfg.MaxBatch {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(evs), p.cfg.MaxBatch)
	}

	results := make([]Result, len(evs))
	for i, ev := range evs {
		results[i] = p.Ingest(ctx, ev)
	}

	return results, nil
}

func (p *Pipeline) ingest(ctx context.Context, ev *event.Event) Result {
	// Step 1: structural validation.
	if err := p.validate(ev); err != nil {
		return rejected(err)
	}

	hash, err := ev.Hash()
	if err != nil {
		return rejected(fmt.Errorf("%w: %v", ErrSchema, err))
	}

	// Step 2: idempotency. Same key + same hash is an honest retry;
	// same key + different hash is key reuse and always rejected.
	existing, err := p.events.GetEventByDedupKey(ctx, ev.SubscriptionID, ev.DedupKey)
	if err != nil && !errors.Is(err, event.ErrNotFound) {
		return p.transient(err)
	}
	if existing != nil {
		if existing.PayloadHash == hash {
			return Result{Status: StatusDuplicate, EventID: existing.ID}
		}

		return rejected(ErrDedupConflict)
	}

	// Step 3: signature over the canonical encoding.
	if err := p.verifySignature(ctx, ev); err != nil {
		return rejected(err)
	}

	// Step 4: delegation chain, terminating at the subscription owner.
	if err := p.authorize(ctx, ev); err != nil {
		return rejected(err)
	}

	// Step 5: timestamp reconciliation. The caller timestamp is only
	// checked for skew; the authoritative clock decides the event's
	// position in every aggregate.
	now := p.clock.Now(ctx)
	if skew := now.Sub(ev.ClientTimestamp); skew > p.cfg.MaxSkew || skew < -p.cfg.MaxSkew {
		return rejected(fmt.Errorf("%w: %s", ErrTimestampSkew, skew.Round(time.Second)))
	}

	stored := *ev
	stored.Entity = types.NewEntity()
	stored.ID = id.NewEventID()
	stored.Timestamp = now
	stored.PayloadHash = hash

	// Step 6: durable write, retried with backoff on transient store
	// failures. A dedup-key collision here means we raced another
	// writer: re-fetch and classify against the stored hash.
	if res, done := p.persist(ctx, &stored, hash); done {
		return res
	}

	if p.OnPersisted != nil {
		p.OnPersisted(&stored)
	}

	return Result{Status: StatusCreated, EventID: stored.ID}
}

// persist writes the event. The bool return is true when ingest should
// return res instead of the created result.
func (p *Pipeline) persist(ctx context.Context, stored *event.Event, hash string) (Result, bool) {
	insert := func() (struct{}, error) {
		err := p.events.InsertEvent(ctx, stored)
		if errors.Is(err, event.ErrDedupKeyTaken) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, insert,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(p.cfg.Timeout),
	)
	if errors.Is(err, event.ErrDedupKeyTaken) {
		racer, ferr := p.events.GetEventByDedupKey(ctx, stored.SubscriptionID, stored.DedupKey)
		if ferr != nil || racer == nil {
			res := p.transient(err)
			return res, true
		}
		if racer.PayloadHash == hash {
			return Result{Status: StatusDuplicate, EventID: racer.ID}, true
		}

		return rejected(ErrDedupConflict), true
	}
	if err != nil {
		res := p.transient(err)
		return res, true
	}

	return Result{}, false
}

// transient classifies infrastructure failures, failing closed on
// timeout so a retry under the same dedup key cannot double-count.
func (p *Pipeline) transient(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return rejected(fmt.Errorf("%w: %v", ErrTimeout, err))
	}

	p.logger.Error("durable store unavailable", "error", err)

	return rejected(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
}

func (p *Pipeline) validate(ev *event.Event) error {
	switch {
	case ev == nil:
		return fmt.Errorf("%w: nil event", ErrSchema)
	case ev.DedupKey == "":
		return fmt.Errorf("%w: missing dedup key", ErrSchema)
	case ev.SignerID == "":
		return fmt.Errorf("%w: missing signer", ErrSchema)
	case ev.SubscriptionID.IsNil():
		return fmt.Errorf("%w: missing subscription", ErrSchema)
	case ev.Type == "":
		return fmt.Errorf("%w: missing event type", ErrSchema)
	case ev.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrSchema)
	case ev.ClientTimestamp.IsZero():
		return fmt.Errorf("%w: missing client timestamp", ErrSchema)
	case len(ev.Signature) != ed25519.SignatureSize:
		return fmt.Errorf("%w: malformed signature", ErrSchema)
	case len(ev.Delegation) > p.cfg.MaxChainLen:
		return fmt.Errorf("%w: delegation chain exceeds %d links", ErrSchema, p.cfg.MaxChainLen)
	}

	if !p.EventTypeRegistered(ev.Type) {
		return fmt.Errorf("%w: %q", ErrUnregisteredType, ev.Type)
	}

	if ev.Props != nil {
		if depth := propsDepth(ev.Props, 0); depth > p.cfg.MaxPropsDepth {
			return fmt.Errorf("%w: props nested %d levels, max %d", ErrSchema, depth, p.cfg.MaxPropsDepth)
		}
		raw, err := json.Marshal(ev.Props)
		if err != nil {
			return fmt.Errorf("%w: props not encodable: %v", ErrSchema, err)
		}
		if len(raw) > p.cfg.MaxPropsBytes {
			return fmt.Errorf("%w: props %d bytes, max %d", ErrSchema, len(raw), p.cfg.MaxPropsBytes)
		}
	}

	return nil
}

func propsDepth(v any, depth int) int {
	deepest := depth
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if d := propsDepth(child, depth+1); d > deepest {
				deepest = d
			}
		}
	case []any:
		for _, child := range t {
			if d := propsDepth(child, depth+1); d > deepest {
				deepest = d
			}
		}
	}

	return deepest
}

func (p *Pipeline) verifySignature(ctx context.Context, ev *event.Event) error {
	key, err := p.registry.ResolveKey(ctx, ev.SignerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}

	canonical, err := ev.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if !ed25519.Verify(key, canonical, ev.Signature) {
		return ErrSignature
	}

	return nil
}

// authorize checks that the signer may act on the target subscription:
// either it is the subscription's owner identity, or the event carries
// a delegation chain from the signer whose terminal issuer is the
// owner, every link verifiable and unexpired.
func (p *Pipeline) authorize(ctx context.Context, ev *event.Event) error {
	sub, err := p.subs.Get(ctx, ev.SubscriptionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	if !sub.ActiveAt(p.clock.Now(ctx)) {
		return fmt.Errorf("%w: subscription %s is %s", ErrNotAuthorized, sub.ID, sub.Status)
	}

	if ev.SignerID == sub.OwnerIdentity {
		return nil
	}
	if len(ev.Delegation) == 0 {
		return fmt.Errorf("%w: signer %s is not the subscription owner and carries no delegation", ErrNotAuthorized, ev.SignerID)
	}

	// Chain is ordered leaf to root: the first link must grant the
	// signer, each link's issuer must be granted by the next, and the
	// final issuer must be the owner.
	if ev.Delegation[0].Delegate != ev.SignerID {
		return fmt.Errorf("%w: chain does not start at signer", ErrDelegation)
	}
	for i, link := range ev.Delegation {
		if err := identity.VerifyDelegationProof(ctx, p.registry, link.Proof, link.Issuer, link.Delegate); err != nil {
			return fmt.Errorf("%w: link %d: %v", ErrDelegation, i, err)
		}
		if i+1 < len(ev.Delegation) && ev.Delegation[i+1].Delegate != link.Issuer {
			return fmt.Errorf("%w: broken chain at link %d", ErrDelegation, i)
		}
	}
	if terminal := ev.Delegation[len(ev.Delegation)-1].Issuer; terminal != sub.OwnerIdentity {
		return fmt.Errorf("%w: chain terminates at %s, not the subscription owner", ErrDelegation, terminal)
	}

	return nil
}

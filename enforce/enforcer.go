// Package enforce implements the inline quota enforcement hot path: a
// tiered lookup chain (membership filter, in-process LRU, shared cache,
// durable resolve) producing allow/deny decisions, plus the two-phase
// reservation protocol for non-idempotent consumption.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xraph/turnstile/audit"
	"github.com/xraph/turnstile/cache"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/identity"
	"github.com/xraph/turnstile/quota"
)

var (
	// ErrStateUnavailable is returned on a full cache miss when the
	// durable fallback cannot be read and the enforcer is configured
	// to fail closed.
	ErrStateUnavailable = errors.New("enforce: quota state unavailable")
	// ErrNoSnapshot is returned when no configuration snapshot has
	// been loaded yet and the enforcer is configured to fail closed.
	ErrNoSnapshot = errors.New("enforce: no configuration snapshot loaded")
)

// Decision causes reported on denials.
const (
	CauseLimitReached = "limit reached"
	CauseUnavailable  = "quota state unavailable"
)

// UsageReader is the aggregation surface the enforcer consults on a
// full cache miss. rollup.Engine implements it.
type UsageReader interface {
	Usage(ctx context.Context, subscriptionID id.SubscriptionID, eventType string, start, end time.Time) (int64, error)
}

// Config tunes the enforcement tiers and failure posture.
type Config struct {
	// FailOpen allows requests when the durable fallback is
	// unreachable on a full miss. When false such checks deny.
	FailOpen bool
	// LocalCapacity and LocalTTL size the in-process tier.
	LocalCapacity int
	LocalTTL      time.Duration
	// FilterKeys and FilterFPRate size the membership filter.
	FilterKeys   uint
	FilterFPRate float64
	// ReservationTTL is the default expiry for reservations made
	// without an explicit TTL.
	ReservationTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.LocalCapacity <= 0 {
		c.LocalCapacity = 8192
	}
	if c.LocalTTL <= 0 {
		c.LocalTTL = 10 * time.Second
	}
	if c.FilterKeys == 0 {
		c.FilterKeys = 4096
	}
	if c.FilterFPRate <= 0 {
		c.FilterFPRate = 0.01
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 30 * time.Second
	}

	return c
}

// Enforcer answers quota checks. All tiers below the durable fallback
// are process-local or non-blocking; only a full miss touches I/O.
type Enforcer struct {
	registry identity.Registry
	usage    UsageReader
	clock    identity.Clock
	sink     audit.Sink
	logger   *slog.Logger
	cfg      Config

	snapshot atomic.Pointer[quota.Snapshot]
	filter   *cache.MembershipFilter
	local    *cache.Local
	shared   *cache.Shared
	gens     *cache.Generations

	reservations *reservationTable
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithConfig sets tuning parameters.
func WithConfig(cfg Config) Option {
	return func(e *Enforcer) { e.cfg = cfg }
}

// WithSharedCache attaches the cross-process cache tier.
func WithSharedCache(shared *cache.Shared) Option {
	return func(e *Enforcer) { e.shared = shared }
}

// WithClock sets the clock source.
func WithClock(clock identity.Clock) Option {
	return func(e *Enforcer) { e.clock = clock }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Enforcer) { e.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) { e.logger = logger }
}

// New creates an enforcer. A configuration snapshot must be loaded via
// LoadSnapshot before checks consult any rules; until then every check
// allows unconditionally (there is nothing to enforce).
func New(registry identity.Registry, usage UsageReader, opts ...Option) *Enforcer {
	e := &Enforcer{
		registry:     registry,
		usage:        usage,
		clock:        identity.SystemClock{},
		sink:         audit.NopSink{},
		logger:       slog.Default(),
		reservations: newReservationTable(),
	}

	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()

	e.filter = cache.NewMembershipFilter(e.cfg.FilterKeys, e.cfg.FilterFPRate)
	e.local = cache.NewLocal(e.cfg.LocalCapacity, e.cfg.LocalTTL)
	e.gens = cache.NewGenerations(e.shared, cache.DefaultSyncInterval)

	return e
}

// LoadSnapshot installs a new configuration snapshot, rebuilds the
// membership filter from its rule owners, and bumps the generation so
// entries resolved under the previous configuration go stale.
func (e *Enforcer) LoadSnapshot(ctx context.Context, snap *quota.Snapshot) {
	e.snapshot.Store(snap)
	e.filter.Rebuild(snap.RuleOwners())
	e.gens.Bump(ctx)
}

// Check decides whether the identity may perform one event of the given
// type. It is read-only and safe to retry; pair it with NoteUsage (or
// the reservation protocol) for consumption.
func (e *Enforcer) Check(ctx context.Context, identityID, eventType string) (*quota.Decision, error) {
	return e.check(ctx, identityID, eventType, 1)
}

// Effective resolves the quota that currently governs the identity for
// the given event type, without touching caches or usage counters. A
// nil result with nil error means no rule is configured anywhere on the
// chain.
func (e *Enforcer) Effective(ctx context.Context, identityID, eventType string) (*quota.Effective, error) {
	orgID, err := e.registry.ResolveOwner(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("enforce: resolve owner: %w", err)
	}
	subID, err := e.registry.ResolveSubscription(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("enforce: resolve subscription: %w", err)
	}

	snap := e.snapshot.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}

	return snap.Resolve(orgID, subID, eventType)
}

func (e *Enforcer) check(ctx context.Context, identityID, eventType string, qty int64) (*quota.Decision, error) {
	d := &quota.Decision{Identity: identityID, EventType: eventType}

	orgID, err := e.registry.ResolveOwner(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("enforce: resolve owner: %w", err)
	}
	subID, err := e.registry.ResolveSubscription(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("enforce: resolve subscription: %w", err)
	}

	snap := e.snapshot.Load()
	if snap == nil {
		if !e.cfg.FailOpen {
			return nil, ErrNoSnapshot
		}
		d.Allowed, d.Unlimited, d.Degraded = true, true, true

		return d, nil
	}

	// Tier 1: membership filter over the subscription and every chain
	// organization. All negative means no rule anywhere: allow with no
	// further lookup.
	if !e.mayHaveRule(snap, orgID, subID, eventType) {
		d.Allowed, d.Unlimited = true, true

		return d, nil
	}

	now := e.clock.Now(ctx)
	gen := e.gens.Current(ctx)
	key := cache.EntryKey(subID.String(), eventType)

	// Tier 2: in-process LRU. Never blocks.
	if entry := e.local.Get(key); entry != nil && !entry.Stale(gen, now) {
		return e.decide(ctx, d, entry, key, qty, now), nil
	}

	// Tier 3: shared cache; a hit repopulates tier 2.
	if entry, err := e.shared.Get(ctx, key); err == nil && entry != nil && !entry.Stale(gen, now) {
		e.local.Put(key, entry)

		return e.decide(ctx, d, entry, key, qty, now), nil
	}

	// Tier 4: durable resolve.
	entry, err := e.resolveEntry(ctx, snap, orgID, subID, eventType, gen, now)
	if err != nil {
		return e.degrade(ctx, d, err)
	}
	if entry == nil {
		// Filter false positive: no rule after all.
		d.Allowed, d.Unlimited = true, true

		return d, nil
	}

	e.local.Put(key, entry)
	if err := e.shared.Put(ctx, key, entry); err != nil {
		e.logger.Debug("shared cache put failed", "error", err)
	}

	return e.decide(ctx, d, entry, key, qty, now), nil
}

func (e *Enforcer) mayHaveRule(snap *quota.Snapshot, orgID id.OrganizationID, subID id.SubscriptionID, eventType string) bool {
	if !subID.IsNil() && e.filter.MayHaveRule(subID.String(), eventType) {
		return true
	}

	chain, err := snap.Ancestry(orgID)
	if err != nil {
		return true // corrupt chain: do not short-circuit
	}
	for _, ancestor := range chain {
		if e.filter.MayHaveRule(ancestor.String(), eventType) {
			return true
		}
	}

	return false
}

// resolveEntry performs the full-miss path: inheritance resolve against
// the snapshot plus a current-period usage read from the rollup store.
func (e *Enforcer) resolveEntry(ctx context.Context, snap *quota.Snapshot, orgID id.OrganizationID, subID id.SubscriptionID, eventType string, gen uint64, now time.Time) (*cache.Entry, error) {
	eff, err := snap.Resolve(orgID, subID, eventType)
	if err != nil {
		return nil, err
	}
	if eff == nil {
		return nil, nil //nolint:nilnil // nil entry means no rule configured
	}

	start := quota.PeriodStart(now, eff.Rule.Period)
	end := quota.PeriodEnd(now, eff.Rule.Period)
	used, err := e.usage.Usage(ctx, subID, eventType, start, end)
	if err != nil {
		return nil, err
	}

	return &cache.Entry{
		Effective:   eff,
		PeriodStart: start,
		PeriodEnd:   end,
		Generation:  gen,
		CachedAt:    now,
		BaseUsed:    used,
	}, nil
}

// decide evaluates the overflow policy against the entry's usage plus
// any uncommitted reservations on the same key.
func (e *Enforcer) decide(ctx context.Context, d *quota.Decision, entry *cache.Entry, key string, qty int64, now time.Time) *quota.Decision {
	rule := entry.Effective.Rule
	used := entry.TotalUsed() + e.reservations.held(key, now)

	d.Used = used
	d.Limit = rule.Limit
	d.Policy = rule.Overflow
	d.ResetAt = entry.PeriodEnd
	d.SourceOrg = entry.Effective.SourceOrg
	d.SourceSub = entry.Effective.SourceSub

	// A negative limit is an explicit unlimited grant; it never reaches
	// the overflow policy.
	if rule.Limit < 0 {
		d.Allowed, d.Unlimited = true, true

		return d
	}

	if used+qty <= rule.Limit {
		d.Allowed = true
		d.Remaining = rule.Limit - used - qty

		return d
	}

	switch rule.Overflow {
	case quota.OverflowBlock:
		d.Allowed = false
		d.Cause = CauseLimitReached
		if !entry.PeriodEnd.IsZero() {
			d.RetryAfter = entry.PeriodEnd.Sub(now)
		}
		e.sink.Record(ctx, audit.Entry{
			Action:    audit.ActionQuotaDenied,
			Identity:  d.Identity,
			EventType: d.EventType,
			Cause:     d.Cause,
			At:        now,
			Details:   map[string]any{"used": used, "limit": rule.Limit},
		})
	case quota.OverflowOverage:
		d.Allowed = true
		d.Overage = true
		e.sink.Record(ctx, audit.Entry{
			Action:    audit.ActionQuotaOverage,
			Identity:  d.Identity,
			EventType: d.EventType,
			At:        now,
			Details:   map[string]any{"used": used, "limit": rule.Limit},
		})
	case quota.OverflowNotify:
		d.Allowed = true
		e.logger.WarnContext(ctx, "quota limit exceeded",
			"identity", d.Identity,
			"event_type", d.EventType,
			"used", used,
			"limit", rule.Limit,
		)
	case quota.OverflowThrottle:
		d.Allowed = true
		d.Throttle = rule.ThrottleDelay
		if d.Throttle <= 0 {
			d.Throttle = time.Second
		}
	}

	return d
}

// degrade applies the configured failure posture when quota state
// cannot be read.
func (e *Enforcer) degrade(ctx context.Context, d *quota.Decision, cause error) (*quota.Decision, error) {
	d.Degraded = true

	if e.cfg.FailOpen {
		e.logger.WarnContext(ctx, "allowing with unverifiable quota state",
			"identity", d.Identity,
			"event_type", d.EventType,
			"error", cause,
		)
		d.Allowed = true

		return d, nil
	}

	d.Allowed = false
	d.Cause = CauseUnavailable

	return d, fmt.Errorf("%w: %v", ErrStateUnavailable, cause)
}

// NoteUsage advances the live counter for a subscription and event type
// after an admitted event, so repeated checks between cache refreshes
// observe a shrinking balance. Unknown keys are a no-op; the next miss
// reads durable state anyway.
func (e *Enforcer) NoteUsage(subID id.SubscriptionID, eventType string, qty int64) {
	if entry := e.local.Get(cache.EntryKey(subID.String(), eventType)); entry != nil {
		entry.Used.Add(qty)
	}
}

// Invalidate drops cached state for a subscription and event type and
// bumps the generation, forcing re-resolution everywhere within the
// staleness window.
func (e *Enforcer) Invalidate(ctx context.Context, subID id.SubscriptionID, eventType string) {
	key := cache.EntryKey(subID.String(), eventType)
	e.local.Remove(key)
	if err := e.shared.Remove(ctx, key); err != nil {
		e.logger.Debug("shared cache remove failed", "error", err)
	}
	e.gens.Bump(ctx)
}

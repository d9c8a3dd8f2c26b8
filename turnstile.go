package turnstile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/turnstile/audit"
	"github.com/xraph/turnstile/cache"
	"github.com/xraph/turnstile/enforce"
	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/identity"
	"github.com/xraph/turnstile/ingest"
	"github.com/xraph/turnstile/org"
	"github.com/xraph/turnstile/plugin"
	"github.com/xraph/turnstile/quota"
	"github.com/xraph/turnstile/rollup"
	"github.com/xraph/turnstile/store"
	"github.com/xraph/turnstile/subscription"
	"github.com/xraph/turnstile/types"
)

// Turnstile is the metered-access control engine. It wires the
// ingestion pipeline, the quota enforcer, and the aggregation engine
// over a single durable store and exposes the admin surface that
// configures them.
type Turnstile struct {
	store    store.Store
	registry identity.Registry
	plugins  *plugin.Registry
	logger   *slog.Logger
	clock    identity.Clock
	sink     audit.Sink

	pipeline *ingest.Pipeline
	enforcer *enforce.Enforcer
	rollups  *rollup.Engine

	// Configuration
	ingestCfg     ingest.Config
	enforceCfg    enforce.Config
	shared        *cache.Shared
	skipMigrate   bool
	flushBatch    int
	flushInterval time.Duration
	sweepInterval time.Duration
	eventTypes    []string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Turnstile engine over the given store and identity
// registry. Call Start to run migrations and launch background workers.
func New(s store.Store, registry identity.Registry, opts ...Option) *Turnstile {
	t := &Turnstile{
		store:         s,
		registry:      registry,
		plugins:       plugin.NewRegistry(),
		logger:        slog.Default(),
		clock:         identity.SystemClock{},
		sink:          audit.NopSink{},
		flushBatch:    500,
		flushInterval: 5 * time.Second,
		sweepInterval: 10 * time.Second,
		stopChan:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.rollups = rollup.NewEngine(s,
		rollup.WithFlushConfig(t.flushBatch, t.flushInterval),
		rollup.WithEngineLogger(t.logger),
	)

	enforceOpts := []enforce.Option{
		enforce.WithConfig(t.enforceCfg),
		enforce.WithClock(t.clock),
		enforce.WithAuditSink(t.sink),
		enforce.WithLogger(t.logger),
	}
	if t.shared != nil {
		enforceOpts = append(enforceOpts, enforce.WithSharedCache(t.shared))
	}
	t.enforcer = enforce.New(registry, t.rollups, enforceOpts...)

	t.pipeline = ingest.New(s, store.Subscriptions(s), registry,
		ingest.WithConfig(t.ingestCfg),
		ingest.WithClock(t.clock),
		ingest.WithAuditSink(t.sink),
		ingest.WithLogger(t.logger),
	)
	t.pipeline.RegisterEventType(t.eventTypes...)

	// Fan persisted events out to aggregation, the live counters, and
	// plugins. This runs on the ingestion path and must stay cheap;
	// Record and NoteUsage are constant-time and plugin dispatch is
	// bounded by the registry's per-hook timeout.
	t.pipeline.OnPersisted = func(ev *event.Event) {
		t.rollups.Record(ev)
		t.enforcer.NoteUsage(ev.SubscriptionID, ev.Type, ev.Quantity)
		t.plugins.EmitEventIngested(context.Background(), ev)
	}
	t.rollups.OnFlush = func(buckets int, elapsed time.Duration) {
		t.plugins.EmitRollupFlushed(context.Background(), buckets, elapsed)
	}

	return t
}

// Option configures a Turnstile instance.
type Option func(*Turnstile)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Turnstile) {
		t.logger = logger
		t.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(t *Turnstile) {
		_ = t.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithClock sets the authoritative clock source used for event
// timestamping and quota window computation.
func WithClock(clock identity.Clock) Option {
	return func(t *Turnstile) { t.clock = clock }
}

// WithAuditSink sets the sink receiving security-relevant actions.
func WithAuditSink(sink audit.Sink) Option {
	return func(t *Turnstile) { t.sink = sink }
}

// WithSharedCache attaches a cross-process cache tier for quota state.
func WithSharedCache(shared *cache.Shared) Option {
	return func(t *Turnstile) { t.shared = shared }
}

// WithIngestConfig sets ingestion pipeline limits.
func WithIngestConfig(cfg ingest.Config) Option {
	return func(t *Turnstile) { t.ingestCfg = cfg }
}

// WithEnforceConfig sets enforcement tiers and failure posture.
func WithEnforceConfig(cfg enforce.Config) Option {
	return func(t *Turnstile) { t.enforceCfg = cfg }
}

// WithFlushConfig configures rollup flush parameters.
func WithFlushConfig(batchSize int, flushInterval time.Duration) Option {
	return func(t *Turnstile) {
		if batchSize > 0 {
			t.flushBatch = batchSize
		}
		if flushInterval > 0 {
			t.flushInterval = flushInterval
		}
	}
}

// WithReservationSweepInterval sets how often expired reservations are
// swept back into the available balance.
func WithReservationSweepInterval(interval time.Duration) Option {
	return func(t *Turnstile) {
		if interval > 0 {
			t.sweepInterval = interval
		}
	}
}

// WithoutMigrations skips store migration on Start, for deployments
// that run schema migrations out of band.
func WithoutMigrations() Option {
	return func(t *Turnstile) { t.skipMigrate = true }
}

// WithEventTypes pre-registers schema event types accepted at ingestion.
func WithEventTypes(names ...string) Option {
	return func(t *Turnstile) { t.eventTypes = append(t.eventTypes, names...) }
}

// RegisterEventType adds accepted event types after construction.
func (t *Turnstile) RegisterEventType(names ...string) {
	t.pipeline.RegisterEventType(names...)
}

// Registry returns the identity registry the engine verifies against.
func (t *Turnstile) Registry() identity.Registry { return t.registry }

// Plugins returns the plugin registry.
func (t *Turnstile) Plugins() *plugin.Registry { return t.plugins }

// Start runs store migrations, loads the quota configuration snapshot,
// initializes plugins, and launches background workers.
func (t *Turnstile) Start(ctx context.Context) error {
	if !t.skipMigrate {
		if err := t.store.Migrate(ctx); err != nil {
			return fmt.Errorf("turnstile: migrate: %w", err)
		}
	}

	if err := t.reloadSnapshot(ctx); err != nil {
		return err
	}

	t.plugins.EmitInit(ctx, t)

	t.rollups.Start(ctx)

	t.wg.Add(1)
	go t.sweepWorker(ctx)

	t.logger.Info("turnstile started",
		"flush_batch", t.flushBatch,
		"flush_interval", t.flushInterval,
		"sweep_interval", t.sweepInterval,
	)

	return nil
}

// Stop drains background workers, flushes pending rollups, notifies
// plugins, and closes the store.
func (t *Turnstile) Stop() error {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
	t.wg.Wait()
	t.rollups.Stop()

	t.plugins.EmitShutdown(context.Background())

	return t.store.Close()
}

func (t *Turnstile) sweepWorker(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			if n := t.enforcer.SweepReservations(ctx); n > 0 {
				t.logger.Debug("swept expired reservations", "count", n)
			}
		}
	}
}

// ──────────────────────────────────────────────────
// Event Ingestion
// ──────────────────────────────────────────────────

// Ingest runs the full ingestion pipeline for one signed event and
// returns the per-event outcome. Duplicates return the original event's
// ID; rejections carry a terminal cause and are never retried here.
func (t *Turnstile) Ingest(ctx context.Context, ev *event.Event) ingest.Result {
	res := t.pipeline.Ingest(ctx, ev)

	switch res.Status {
	case ingest.StatusDuplicate:
		t.plugins.EmitEventDuplicate(ctx, res.EventID)
	case ingest.StatusRejected:
		t.plugins.EmitEventRejected(ctx, &res)
	case ingest.StatusCreated:
		// EmitEventIngested fires from the persistence hook with the
		// stored copy, which carries the authoritative timestamp.
	}

	return res
}

// IngestBatch ingests each element independently and returns results in
// input order. Exceeding the batch ceiling fails the whole call before
// any element is processed.
func (t *Turnstile) IngestBatch(ctx context.Context, evs []*event.Event) ([]ingest.Result, error) {
	return t.pipeline.IngestBatch(ctx, evs)
}

// GetEvent returns the full signed event record for audit.
func (t *Turnstile) GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error) {
	return t.store.GetEvent(ctx, eventID)
}

// QueryEvents returns a subscription's events matching the filter,
// newest first.
func (t *Turnstile) QueryEvents(ctx context.Context, subID id.SubscriptionID, opts event.QueryOpts) ([]*event.Event, error) {
	return t.store.QueryEvents(ctx, subID, opts)
}

// AnonymizeEvent blanks the attributable fields of a persisted event in
// place. Aggregates derived from it are unaffected.
func (t *Turnstile) AnonymizeEvent(ctx context.Context, eventID id.EventID) error {
	return t.store.AnonymizeEvent(ctx, eventID)
}

// ArchiveEvents drops events older than the cutoff from the hot store
// and returns the number of rows removed.
func (t *Turnstile) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	return t.store.ArchiveEvents(ctx, before)
}

// ──────────────────────────────────────────────────
// Quota Enforcement
// ──────────────────────────────────────────────────

// Check decides whether the identity may perform one event of the given
// type. Read-only; pair it with the reservation protocol when the
// caller needs the check and the consumption to be atomic.
func (t *Turnstile) Check(ctx context.Context, identityID, eventType string) (*quota.Decision, error) {
	d, err := t.enforcer.Check(ctx, identityID, eventType)
	if err != nil {
		return nil, err
	}

	t.plugins.EmitQuotaChecked(ctx, d)

	return d, nil
}

// GetEffectiveQuota resolves the rule that currently governs the
// identity for the event type, after organizational inheritance. It
// returns nil with no error when no rule is configured on the chain.
func (t *Turnstile) GetEffectiveQuota(ctx context.Context, identityID, eventType string) (*quota.Effective, error) {
	return t.enforcer.Effective(ctx, identityID, eventType)
}

// Reserve holds quantity units against the identity's quota until the
// reservation is committed, rolled back, or expires. A zero ttl uses
// the configured default.
func (t *Turnstile) Reserve(ctx context.Context, identityID, eventType string, quantity int64, ttl time.Duration) (*enforce.Reservation, error) {
	rsv, err := t.enforcer.Reserve(ctx, identityID, eventType, quantity, ttl)
	if err != nil {
		return nil, err
	}

	t.plugins.EmitReservationMade(ctx, rsv)

	return rsv, nil
}

// Commit finalizes a reservation as consumed usage.
func (t *Turnstile) Commit(ctx context.Context, rsvID id.ReservationID) error {
	if err := t.enforcer.Commit(ctx, rsvID); err != nil {
		return err
	}

	t.plugins.EmitReservationSettled(ctx, rsvID, true)

	return nil
}

// Rollback releases a reservation's held units.
func (t *Turnstile) Rollback(ctx context.Context, rsvID id.ReservationID) error {
	if err := t.enforcer.Rollback(ctx, rsvID); err != nil {
		return err
	}

	t.plugins.EmitReservationSettled(ctx, rsvID, false)

	return nil
}

// ──────────────────────────────────────────────────
// Usage Queries
// ──────────────────────────────────────────────────

// QueryUsage returns the aggregate usage summary for a subscription and
// event type over [start, end). Open in-memory buckets are merged in so
// the current partial window is never undercounted.
func (t *Turnstile) QueryUsage(ctx context.Context, subID id.SubscriptionID, eventType string, start, end time.Time) (*rollup.Summary, error) {
	return t.rollups.Query(ctx, subID, eventType, start, end)
}

// Usage returns the total consumed quantity for a subscription and
// event type over [start, end).
func (t *Turnstile) Usage(ctx context.Context, subID id.SubscriptionID, eventType string, start, end time.Time) (int64, error) {
	return t.rollups.Usage(ctx, subID, eventType, start, end)
}

// ──────────────────────────────────────────────────
// Organization Management
// ──────────────────────────────────────────────────

// CreateOrganization adds a node to the organization tree. The parent,
// when set, must exist and not be deleted.
func (t *Turnstile) CreateOrganization(ctx context.Context, o *org.Organization) error {
	if o.ID == (id.OrganizationID{}) {
		o.ID = id.NewOrganizationID()
	}
	if o.Mode == "" {
		o.Mode = org.ModeStrict
	}
	if !o.Mode.Valid() {
		return ErrInvalidMode
	}
	o.Entity = types.NewEntity()

	if !o.ParentID.IsNil() {
		parent, err := t.store.GetOrganization(ctx, o.ParentID)
		if err != nil {
			return err
		}
		if parent.IsDeleted() {
			return ErrOrganizationDeleted
		}
	}

	if err := t.store.CreateOrganization(ctx, o); err != nil {
		return err
	}

	if err := t.reloadSnapshot(ctx); err != nil {
		return err
	}
	t.plugins.EmitOrganizationChanged(ctx, o)

	return nil
}

// GetOrganization retrieves an organization by ID.
func (t *Turnstile) GetOrganization(ctx context.Context, orgID id.OrganizationID) (*org.Organization, error) {
	return t.store.GetOrganization(ctx, orgID)
}

// ListOrganizations lists organizations.
func (t *Turnstile) ListOrganizations(ctx context.Context, opts org.ListOpts) ([]*org.Organization, error) {
	return t.store.ListOrganizations(ctx, opts)
}

// UpdateOrganization changes a node's name, mode, parent, or metadata.
// Re-parenting is validated against cycles before the write.
func (t *Turnstile) UpdateOrganization(ctx context.Context, o *org.Organization) error {
	if !o.Mode.Valid() {
		return ErrInvalidMode
	}
	if err := t.checkAncestry(ctx, o.ID, o.ParentID); err != nil {
		return err
	}
	o.Touch()

	if err := t.store.UpdateOrganization(ctx, o); err != nil {
		return err
	}

	if err := t.reloadSnapshot(ctx); err != nil {
		return err
	}
	t.plugins.EmitOrganizationChanged(ctx, o)

	return nil
}

// DeleteOrganization soft-deletes a node. The record stays in the tree
// as a tombstone so historical usage remains attributable; rules owned
// by the node stop contributing to resolution.
func (t *Turnstile) DeleteOrganization(ctx context.Context, orgID id.OrganizationID) error {
	if err := t.store.SoftDeleteOrganization(ctx, orgID); err != nil {
		return err
	}

	if err := t.reloadSnapshot(ctx); err != nil {
		return err
	}

	o, err := t.store.GetOrganization(ctx, orgID)
	if err == nil {
		t.plugins.EmitOrganizationChanged(ctx, o)
	}

	return nil
}

// checkAncestry walks up from the proposed parent and rejects the edge
// if it would make orgID its own ancestor.
func (t *Turnstile) checkAncestry(ctx context.Context, orgID, parentID id.OrganizationID) error {
	for depth := 0; !parentID.IsNil(); depth++ {
		if depth > quota.MaxDepth {
			return ErrOrganizationCycle
		}
		if parentID == orgID {
			return ErrOrganizationCycle
		}
		parent, err := t.store.GetOrganization(ctx, parentID)
		if err != nil {
			return err
		}
		parentID = parent.ParentID
	}

	return nil
}

// ──────────────────────────────────────────────────
// Quota Rule Management
// ──────────────────────────────────────────────────

// PutRule installs a quota rule as a new active version, deactivating
// any previous version for the same owner and event type. Previous
// versions are retained for audit.
func (t *Turnstile) PutRule(ctx context.Context, rule *quota.Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == (id.RuleID{}) {
		rule.ID = id.NewRuleID()
	}
	rule.Entity = types.NewEntity()

	if err := t.store.PutRule(ctx, rule); err != nil {
		return err
	}

	if err := t.reloadSnapshot(ctx); err != nil {
		return err
	}
	t.plugins.EmitRuleChanged(ctx, rule)
	if !rule.OwnerSub.IsNil() {
		t.enforcer.Invalidate(ctx, rule.OwnerSub, rule.EventType)
		t.plugins.EmitCacheInvalidated(ctx, rule.OwnerSub, rule.EventType)
	}

	return nil
}

// GetRule retrieves one rule version by ID.
func (t *Turnstile) GetRule(ctx context.Context, ruleID id.RuleID) (*quota.Rule, error) {
	return t.store.GetRule(ctx, ruleID)
}

// ListRules lists rule versions matching the filter.
func (t *Turnstile) ListRules(ctx context.Context, opts quota.ListOpts) ([]*quota.Rule, error) {
	return t.store.ListRules(ctx, opts)
}

// DeactivateRule retires a rule version without a replacement.
func (t *Turnstile) DeactivateRule(ctx context.Context, ruleID id.RuleID) error {
	rule, err := t.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}

	if err := t.store.DeactivateRule(ctx, ruleID); err != nil {
		return err
	}

	if err := t.reloadSnapshot(ctx); err != nil {
		return err
	}
	rule.Active = false
	t.plugins.EmitRuleChanged(ctx, rule)
	if !rule.OwnerSub.IsNil() {
		t.enforcer.Invalidate(ctx, rule.OwnerSub, rule.EventType)
		t.plugins.EmitCacheInvalidated(ctx, rule.OwnerSub, rule.EventType)
	}

	return nil
}

func validateRule(rule *quota.Rule) error {
	hasOrg := !rule.OwnerOrg.IsNil()
	hasSub := !rule.OwnerSub.IsNil()
	switch {
	case hasOrg && hasSub:
		return ErrRuleOwnerBoth
	case !hasOrg && !hasSub:
		return ErrRuleOwnerless
	}
	if rule.EventType == "" {
		return ValidationError{Field: "event_type", Message: "must not be empty"}
	}
	if !rule.Period.Valid() {
		return ErrInvalidPeriod
	}
	if !rule.Overflow.Valid() {
		return ErrInvalidPolicy
	}
	if rule.Limit < -1 {
		return ValidationError{Field: "limit", Message: "must be -1 (unlimited) or non-negative"}
	}

	return nil
}

// ──────────────────────────────────────────────────
// Subscription Management
// ──────────────────────────────────────────────────

// CreateSubscription creates a subscription under an organization.
func (t *Turnstile) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	if sub.ID == (id.SubscriptionID{}) {
		sub.ID = id.NewSubscriptionID()
	}
	if sub.Status == "" {
		sub.Status = subscription.StatusActive
	}
	if sub.StartedAt.IsZero() {
		sub.StartedAt = t.clock.Now(ctx)
	}
	sub.Entity = types.NewEntity()

	if !sub.OrganizationID.IsNil() {
		if _, err := t.store.GetOrganization(ctx, sub.OrganizationID); err != nil {
			return err
		}
	}

	if err := t.store.CreateSubscription(ctx, sub); err != nil {
		return err
	}

	t.plugins.EmitSubscriptionCreated(ctx, sub)

	return nil
}

// GetSubscription retrieves a subscription by ID.
func (t *Turnstile) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return t.store.GetSubscription(ctx, subID)
}

// ListSubscriptions lists an organization's subscriptions.
func (t *Turnstile) ListSubscriptions(ctx context.Context, orgID id.OrganizationID, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return t.store.ListSubscriptions(ctx, orgID, opts)
}

// CancelSubscription cancels a subscription, immediately or at the end
// of the current monthly window. Ingestion rejects events against a
// canceled subscription once the cancel time passes.
func (t *Turnstile) CancelSubscription(ctx context.Context, subID id.SubscriptionID, immediately bool) error {
	sub, err := t.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}

	now := t.clock.Now(ctx)
	cancelAt := quota.PeriodEnd(now, quota.PeriodMonthly)
	if immediately {
		cancelAt = now
	}

	if err := t.store.CancelSubscription(ctx, subID, cancelAt); err != nil {
		return err
	}

	sub.Status = subscription.StatusCanceled
	sub.CanceledAt = &cancelAt
	t.plugins.EmitSubscriptionCanceled(ctx, sub)

	return nil
}

// ──────────────────────────────────────────────────
// Configuration Snapshot
// ──────────────────────────────────────────────────

// reloadSnapshot rebuilds the resolver snapshot from durable state and
// swaps it into the enforcer, bumping the cache generation so every
// process re-resolves within the staleness window.
func (t *Turnstile) reloadSnapshot(ctx context.Context) error {
	rules, err := t.store.GetActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("turnstile: load active rules: %w", err)
	}

	// Deleted organizations stay in the snapshot as tombstones so
	// ancestry chains through them remain resolvable.
	orgs, err := t.store.ListOrganizations(ctx, org.ListOpts{IncludeDeleted: true})
	if err != nil {
		return fmt.Errorf("turnstile: load organizations: %w", err)
	}

	t.enforcer.LoadSnapshot(ctx, quota.NewSnapshot(orgs, rules))

	return nil
}

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/turnstile/enforce"
	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/ingest"
	"github.com/xraph/turnstile/org"
	"github.com/xraph/turnstile/quota"
	"github.com/xraph/turnstile/subscription"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit                 []OnInit
	onShutdown             []OnShutdown
	onEventIngested        []OnEventIngested
	onEventDuplicate       []OnEventDuplicate
	onEventRejected        []OnEventRejected
	onQuotaChecked         []OnQuotaChecked
	onQuotaDenied          []OnQuotaDenied
	onOverageFlagged       []OnOverageFlagged
	onReservationMade      []OnReservationMade
	onReservationSettled   []OnReservationSettled
	onRollupFlushed        []OnRollupFlushed
	onCacheInvalidated     []OnCacheInvalidated
	onOrganizationChanged  []OnOrganizationChanged
	onRuleChanged          []OnRuleChanged
	onSubscriptionCreated  []OnSubscriptionCreated
	onSubscriptionCanceled []OnSubscriptionCanceled
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnEventIngested); ok {
		r.onEventIngested = append(r.onEventIngested, v)
	}
	if v, ok := p.(OnEventDuplicate); ok {
		r.onEventDuplicate = append(r.onEventDuplicate, v)
	}
	if v, ok := p.(OnEventRejected); ok {
		r.onEventRejected = append(r.onEventRejected, v)
	}
	if v, ok := p.(OnQuotaChecked); ok {
		r.onQuotaChecked = append(r.onQuotaChecked, v)
	}
	if v, ok := p.(OnQuotaDenied); ok {
		r.onQuotaDenied = append(r.onQuotaDenied, v)
	}
	if v, ok := p.(OnOverageFlagged); ok {
		r.onOverageFlagged = append(r.onOverageFlagged, v)
	}
	if v, ok := p.(OnReservationMade); ok {
		r.onReservationMade = append(r.onReservationMade, v)
	}
	if v, ok := p.(OnReservationSettled); ok {
		r.onReservationSettled = append(r.onReservationSettled, v)
	}
	if v, ok := p.(OnRollupFlushed); ok {
		r.onRollupFlushed = append(r.onRollupFlushed, v)
	}
	if v, ok := p.(OnCacheInvalidated); ok {
		r.onCacheInvalidated = append(r.onCacheInvalidated, v)
	}
	if v, ok := p.(OnOrganizationChanged); ok {
		r.onOrganizationChanged = append(r.onOrganizationChanged, v)
	}
	if v, ok := p.(OnRuleChanged); ok {
		r.onRuleChanged = append(r.onRuleChanged, v)
	}
	if v, ok := p.(OnSubscriptionCreated); ok {
		r.onSubscriptionCreated = append(r.onSubscriptionCreated, v)
	}
	if v, ok := p.(OnSubscriptionCanceled); ok {
		r.onSubscriptionCanceled = append(r.onSubscriptionCanceled, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnEventIngested)(nil)).Elem(), "OnEventIngested")
	checkInterface(reflect.TypeOf((*OnEventRejected)(nil)).Elem(), "OnEventRejected")
	checkInterface(reflect.TypeOf((*OnQuotaChecked)(nil)).Elem(), "OnQuotaChecked")
	checkInterface(reflect.TypeOf((*OnQuotaDenied)(nil)).Elem(), "OnQuotaDenied")
	checkInterface(reflect.TypeOf((*OnReservationMade)(nil)).Elem(), "OnReservationMade")
	checkInterface(reflect.TypeOf((*OnRollupFlushed)(nil)).Elem(), "OnRollupFlushed")
	checkInterface(reflect.TypeOf((*OnRuleChanged)(nil)).Elem(), "OnRuleChanged")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, turnstile interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, turnstile)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitEventIngested emits an event ingested hook.
func (r *Registry) EmitEventIngested(ctx context.Context, ev *event.Event) {
	r.mu.RLock()
	plugins := r.onEventIngested
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnEventIngested(ctx, ev)
		}); err != nil {
			r.logger.Warn("plugin OnEventIngested failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitEventDuplicate emits a duplicate submission hook.
func (r *Registry) EmitEventDuplicate(ctx context.Context, existing id.EventID) {
	r.mu.RLock()
	plugins := r.onEventDuplicate
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnEventDuplicate(ctx, existing)
		}); err != nil {
			r.logger.Warn("plugin OnEventDuplicate failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitEventRejected emits a rejection hook.
func (r *Registry) EmitEventRejected(ctx context.Context, res *ingest.Result) {
	r.mu.RLock()
	plugins := r.onEventRejected
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnEventRejected(ctx, res)
		}); err != nil {
			r.logger.Warn("plugin OnEventRejected failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitQuotaChecked emits a quota decision hook.
func (r *Registry) EmitQuotaChecked(ctx context.Context, d *quota.Decision) {
	r.mu.RLock()
	checked := r.onQuotaChecked
	denied := r.onQuotaDenied
	overage := r.onOverageFlagged
	r.mu.RUnlock()

	for _, p := range checked {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnQuotaChecked(ctx, d)
		}); err != nil {
			r.logger.Warn("plugin OnQuotaChecked failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
	if !d.Allowed {
		for _, p := range denied {
			if err := r.callWithTimeout(ctx, p.Name(), func() error {
				return p.OnQuotaDenied(ctx, d)
			}); err != nil {
				r.logger.Warn("plugin OnQuotaDenied failed",
					"plugin", p.Name(),
					"error", err,
				)
			}
		}
	}
	if d.Overage {
		for _, p := range overage {
			if err := r.callWithTimeout(ctx, p.Name(), func() error {
				return p.OnOverageFlagged(ctx, d)
			}); err != nil {
				r.logger.Warn("plugin OnOverageFlagged failed",
					"plugin", p.Name(),
					"error", err,
				)
			}
		}
	}
}

// EmitReservationMade emits a reservation hook.
func (r *Registry) EmitReservationMade(ctx context.Context, rsv *enforce.Reservation) {
	r.mu.RLock()
	plugins := r.onReservationMade
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnReservationMade(ctx, rsv)
		}); err != nil {
			r.logger.Warn("plugin OnReservationMade failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitReservationSettled emits a reservation settlement hook.
func (r *Registry) EmitReservationSettled(ctx context.Context, rsvID id.ReservationID, committed bool) {
	r.mu.RLock()
	plugins := r.onReservationSettled
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnReservationSettled(ctx, rsvID, committed)
		}); err != nil {
			r.logger.Warn("plugin OnReservationSettled failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitRollupFlushed emits a rollup flush hook.
func (r *Registry) EmitRollupFlushed(ctx context.Context, buckets int, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onRollupFlushed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnRollupFlushed(ctx, buckets, elapsed)
		}); err != nil {
			r.logger.Warn("plugin OnRollupFlushed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCacheInvalidated emits a cache invalidation hook.
func (r *Registry) EmitCacheInvalidated(ctx context.Context, subID id.SubscriptionID, eventType string) {
	r.mu.RLock()
	plugins := r.onCacheInvalidated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCacheInvalidated(ctx, subID, eventType)
		}); err != nil {
			r.logger.Warn("plugin OnCacheInvalidated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitOrganizationChanged emits an organization lifecycle hook.
func (r *Registry) EmitOrganizationChanged(ctx context.Context, o *org.Organization) {
	r.mu.RLock()
	plugins := r.onOrganizationChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnOrganizationChanged(ctx, o)
		}); err != nil {
			r.logger.Warn("plugin OnOrganizationChanged failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitRuleChanged emits a rule lifecycle hook.
func (r *Registry) EmitRuleChanged(ctx context.Context, rule *quota.Rule) {
	r.mu.RLock()
	plugins := r.onRuleChanged
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnRuleChanged(ctx, rule)
		}); err != nil {
			r.logger.Warn("plugin OnRuleChanged failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionCreated emits a subscription created hook.
func (r *Registry) EmitSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) {
	r.mu.RLock()
	plugins := r.onSubscriptionCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionCreated(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitSubscriptionCanceled emits a subscription canceled hook.
func (r *Registry) EmitSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) {
	r.mu.RLock()
	plugins := r.onSubscriptionCanceled
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnSubscriptionCanceled(ctx, sub)
		}); err != nil {
			r.logger.Warn("plugin OnSubscriptionCanceled failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins must never block the enforcement or ingestion path.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}

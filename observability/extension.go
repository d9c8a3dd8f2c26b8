// Package observability provides a metrics extension for Turnstile that
// records lifecycle event counts via a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/turnstile/enforce"
	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/ingest"
	"github.com/xraph/turnstile/plugin"
	"github.com/xraph/turnstile/quota"
	"github.com/xraph/turnstile/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnEventIngested        = (*MetricsExtension)(nil)
	_ plugin.OnEventDuplicate       = (*MetricsExtension)(nil)
	_ plugin.OnEventRejected        = (*MetricsExtension)(nil)
	_ plugin.OnQuotaChecked         = (*MetricsExtension)(nil)
	_ plugin.OnQuotaDenied          = (*MetricsExtension)(nil)
	_ plugin.OnOverageFlagged       = (*MetricsExtension)(nil)
	_ plugin.OnReservationMade      = (*MetricsExtension)(nil)
	_ plugin.OnReservationSettled   = (*MetricsExtension)(nil)
	_ plugin.OnRollupFlushed        = (*MetricsExtension)(nil)
	_ plugin.OnCacheInvalidated     = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated  = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Turnstile plugin to automatically track metering metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Ingestion metrics
	EventsIngested  Counter
	EventsDuplicate Counter
	EventsRejected  Counter
	EventQuantity   Histogram

	// Enforcement metrics
	QuotaChecks      Counter
	QuotaDenied      Counter
	QuotaDegraded    Counter
	OverageFlagged   Counter
	QuotaUtilization Histogram

	// Reservation metrics
	ReservationsMade       Counter
	ReservationsCommitted  Counter
	ReservationsRolledBack Counter

	// Rollup metrics
	RollupFlushes        Counter
	RollupBucketsWritten Counter
	RollupFlushLatency   Histogram

	// Cache metrics
	CacheInvalidations Counter

	// Subscription metrics
	SubscriptionCreated  Counter
	SubscriptionCanceled Counter

	// Error metrics
	StoreErrors  Counter
	PluginErrors Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		// Ingestion metrics
		EventsIngested:  factory.Counter("turnstile.events.ingested"),
		EventsDuplicate: factory.Counter("turnstile.events.duplicate"),
		EventsRejected:  factory.Counter("turnstile.events.rejected"),
		EventQuantity:   factory.Histogram("turnstile.events.quantity"),

		// Enforcement metrics
		QuotaChecks:      factory.Counter("turnstile.quota.checks"),
		QuotaDenied:      factory.Counter("turnstile.quota.denied"),
		QuotaDegraded:    factory.Counter("turnstile.quota.degraded"),
		OverageFlagged:   factory.Counter("turnstile.quota.overage"),
		QuotaUtilization: factory.Histogram("turnstile.quota.utilization"),

		// Reservation metrics
		ReservationsMade:       factory.Counter("turnstile.reservations.made"),
		ReservationsCommitted:  factory.Counter("turnstile.reservations.committed"),
		ReservationsRolledBack: factory.Counter("turnstile.reservations.rolled_back"),

		// Rollup metrics
		RollupFlushes:        factory.Counter("turnstile.rollup.flushes"),
		RollupBucketsWritten: factory.Counter("turnstile.rollup.buckets.written"),
		RollupFlushLatency:   factory.Histogram("turnstile.rollup.flush.latency_ms"),

		// Cache metrics
		CacheInvalidations: factory.Counter("turnstile.cache.invalidations"),

		// Subscription metrics
		SubscriptionCreated:  factory.Counter("turnstile.subscription.created"),
		SubscriptionCanceled: factory.Counter("turnstile.subscription.canceled"),

		// Error metrics
		StoreErrors:  factory.Counter("turnstile.store.errors"),
		PluginErrors: factory.Counter("turnstile.plugin.errors"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	// No initialization needed
	return nil
}

// ──────────────────────────────────────────────────
// Event lifecycle hooks
// ──────────────────────────────────────────────────

// OnEventIngested implements plugin.OnEventIngested.
func (m *MetricsExtension) OnEventIngested(_ context.Context, ev *event.Event) error {
	m.EventsIngested.Inc()
	m.EventQuantity.Observe(float64(ev.Quantity))
	return nil
}

// OnEventDuplicate implements plugin.OnEventDuplicate.
func (m *MetricsExtension) OnEventDuplicate(_ context.Context, _ id.EventID) error {
	m.EventsDuplicate.Inc()
	return nil
}

// OnEventRejected implements plugin.OnEventRejected.
func (m *MetricsExtension) OnEventRejected(_ context.Context, _ *ingest.Result) error {
	m.EventsRejected.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Enforcement hooks
// ──────────────────────────────────────────────────

// OnQuotaChecked implements plugin.OnQuotaChecked.
func (m *MetricsExtension) OnQuotaChecked(_ context.Context, d *quota.Decision) error {
	m.QuotaChecks.Inc()
	if d.Limit > 0 {
		m.QuotaUtilization.Observe(float64(d.Used) / float64(d.Limit))
	}
	return nil
}

// OnQuotaDenied implements plugin.OnQuotaDenied.
func (m *MetricsExtension) OnQuotaDenied(_ context.Context, d *quota.Decision) error {
	if d.Degraded {
		m.QuotaDegraded.Inc()
	} else {
		m.QuotaDenied.Inc()
	}
	return nil
}

// OnOverageFlagged implements plugin.OnOverageFlagged.
func (m *MetricsExtension) OnOverageFlagged(_ context.Context, _ *quota.Decision) error {
	m.OverageFlagged.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

// OnReservationMade implements plugin.OnReservationMade.
func (m *MetricsExtension) OnReservationMade(_ context.Context, _ *enforce.Reservation) error {
	m.ReservationsMade.Inc()
	return nil
}

// OnReservationSettled implements plugin.OnReservationSettled.
func (m *MetricsExtension) OnReservationSettled(_ context.Context, _ id.ReservationID, committed bool) error {
	if committed {
		m.ReservationsCommitted.Inc()
	} else {
		m.ReservationsRolledBack.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Rollup and cache hooks
// ──────────────────────────────────────────────────

// OnRollupFlushed implements plugin.OnRollupFlushed.
func (m *MetricsExtension) OnRollupFlushed(_ context.Context, buckets int, elapsed time.Duration) error {
	m.RollupFlushes.Inc()
	m.RollupBucketsWritten.Add(float64(buckets))
	m.RollupFlushLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnCacheInvalidated implements plugin.OnCacheInvalidated.
func (m *MetricsExtension) OnCacheInvalidated(_ context.Context, _ id.SubscriptionID, _ string) error {
	m.CacheInvalidations.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCreated.Inc()
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionCanceled.Inc()
	return nil
}

// Package plugin provides an extensible plugin system for Turnstile.
// Plugins can hook into various lifecycle events to extend functionality.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/turnstile/enforce"
	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/ingest"
	"github.com/xraph/turnstile/org"
	"github.com/xraph/turnstile/quota"
	"github.com/xraph/turnstile/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized. The argument is the
// owning *turnstile.Turnstile, passed untyped to avoid an import cycle.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, t interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Event lifecycle hooks
// ──────────────────────────────────────────────────

// OnEventIngested is called after a usage event is durably persisted.
type OnEventIngested interface {
	Plugin
	OnEventIngested(ctx context.Context, ev *event.Event) error
}

// OnEventDuplicate is called when a submission replays an already
// persisted event.
type OnEventDuplicate interface {
	Plugin
	OnEventDuplicate(ctx context.Context, existing id.EventID) error
}

// OnEventRejected is called when a submission is rejected.
type OnEventRejected interface {
	Plugin
	OnEventRejected(ctx context.Context, res *ingest.Result) error
}

// ──────────────────────────────────────────────────
// Quota hooks
// ──────────────────────────────────────────────────

// OnQuotaChecked is called after every quota decision, allowed or not.
type OnQuotaChecked interface {
	Plugin
	OnQuotaChecked(ctx context.Context, d *quota.Decision) error
}

// OnQuotaDenied is called when a quota check denies the action.
type OnQuotaDenied interface {
	Plugin
	OnQuotaDenied(ctx context.Context, d *quota.Decision) error
}

// OnOverageFlagged is called when usage past the limit is allowed under
// an overage policy.
type OnOverageFlagged interface {
	Plugin
	OnOverageFlagged(ctx context.Context, d *quota.Decision) error
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

// OnReservationMade is called when quota is reserved ahead of use.
type OnReservationMade interface {
	Plugin
	OnReservationMade(ctx context.Context, r *enforce.Reservation) error
}

// OnReservationSettled is called when a reservation is committed or
// rolled back. Committed is false for rollbacks.
type OnReservationSettled interface {
	Plugin
	OnReservationSettled(ctx context.Context, rsvID id.ReservationID, committed bool) error
}

// ──────────────────────────────────────────────────
// Rollup and cache hooks
// ──────────────────────────────────────────────────

// OnRollupFlushed is called when open rollup buckets are flushed to the
// store.
type OnRollupFlushed interface {
	Plugin
	OnRollupFlushed(ctx context.Context, buckets int, elapsed time.Duration) error
}

// OnCacheInvalidated is called when a cached quota entry is dropped.
type OnCacheInvalidated interface {
	Plugin
	OnCacheInvalidated(ctx context.Context, subID id.SubscriptionID, eventType string) error
}

// ──────────────────────────────────────────────────
// Configuration lifecycle hooks
// ──────────────────────────────────────────────────

// OnOrganizationChanged is called when an organization node is created,
// updated, or soft-deleted.
type OnOrganizationChanged interface {
	Plugin
	OnOrganizationChanged(ctx context.Context, o *org.Organization) error
}

// OnRuleChanged is called when a quota rule version is put or
// deactivated.
type OnRuleChanged interface {
	Plugin
	OnRuleChanged(ctx context.Context, r *quota.Rule) error
}

// OnSubscriptionCreated is called when a new subscription is created.
type OnSubscriptionCreated interface {
	Plugin
	OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error
}

// OnSubscriptionCanceled is called when a subscription is canceled.
type OnSubscriptionCanceled interface {
	Plugin
	OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error
}

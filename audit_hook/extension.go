// Package audithook bridges Turnstile lifecycle events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not import
// any particular audit backend directly. Callers inject a RecorderFunc
// adapter that bridges to their backend at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/turnstile/enforce"
	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/ingest"
	"github.com/xraph/turnstile/org"
	"github.com/xraph/turnstile/plugin"
	"github.com/xraph/turnstile/quota"
	"github.com/xraph/turnstile/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnEventIngested        = (*Extension)(nil)
	_ plugin.OnEventDuplicate       = (*Extension)(nil)
	_ plugin.OnEventRejected        = (*Extension)(nil)
	_ plugin.OnQuotaDenied          = (*Extension)(nil)
	_ plugin.OnOverageFlagged       = (*Extension)(nil)
	_ plugin.OnReservationMade      = (*Extension)(nil)
	_ plugin.OnReservationSettled   = (*Extension)(nil)
	_ plugin.OnRollupFlushed        = (*Extension)(nil)
	_ plugin.OnOrganizationChanged  = (*Extension)(nil)
	_ plugin.OnRuleChanged          = (*Extension)(nil)
	_ plugin.OnSubscriptionCreated  = (*Extension)(nil)
	_ plugin.OnSubscriptionCanceled = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement. It is
// defined locally so that callers inject their concrete backend at
// wiring time without this package depending on it.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Turnstile lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Event lifecycle hooks
// ──────────────────────────────────────────────────

// OnEventIngested implements plugin.OnEventIngested.
func (e *Extension) OnEventIngested(ctx context.Context, ev *event.Event) error {
	return e.record(ctx, ActionEventIngested, SeverityInfo, OutcomeSuccess,
		ResourceEvent, ev.ID.String(), CategoryIngestion, nil,
		"subscription_id", ev.SubscriptionID.String(),
		"type", ev.Type,
		"quantity", ev.Quantity,
		"signer_id", ev.SignerID,
	)
}

// OnEventDuplicate implements plugin.OnEventDuplicate.
func (e *Extension) OnEventDuplicate(ctx context.Context, existing id.EventID) error {
	return e.record(ctx, ActionEventDuplicate, SeverityInfo, OutcomeSuccess,
		ResourceEvent, existing.String(), CategoryIngestion, nil,
		"event", "duplicate_submission",
	)
}

// OnEventRejected implements plugin.OnEventRejected.
func (e *Extension) OnEventRejected(ctx context.Context, res *ingest.Result) error {
	return e.record(ctx, ActionEventRejected, SeverityWarning, OutcomeFailure,
		ResourceEvent, res.EventID.String(), CategoryIngestion, res.Err,
		"cause", res.Cause,
	)
}

// ──────────────────────────────────────────────────
// Quota hooks
// ──────────────────────────────────────────────────

// OnQuotaDenied implements plugin.OnQuotaDenied.
func (e *Extension) OnQuotaDenied(ctx context.Context, d *quota.Decision) error {
	severity := SeverityWarning
	action := ActionQuotaDenied
	if d.Degraded {
		action = ActionQuotaDegraded
		severity = SeverityError
	}
	return e.record(ctx, action, severity, OutcomeFailure,
		ResourceQuota, d.EventType, CategoryEnforcement, nil,
		"identity", d.Identity,
		"used", d.Used,
		"limit", d.Limit,
		"source_org", d.SourceOrg.String(),
	)
}

// OnOverageFlagged implements plugin.OnOverageFlagged.
func (e *Extension) OnOverageFlagged(ctx context.Context, d *quota.Decision) error {
	return e.record(ctx, ActionQuotaOverage, SeverityWarning, OutcomeSuccess,
		ResourceQuota, d.EventType, CategoryEnforcement, nil,
		"identity", d.Identity,
		"used", d.Used,
		"limit", d.Limit,
	)
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

// OnReservationMade implements plugin.OnReservationMade.
func (e *Extension) OnReservationMade(ctx context.Context, r *enforce.Reservation) error {
	return e.record(ctx, ActionReservationMade, SeverityInfo, OutcomeSuccess,
		ResourceReservation, r.ID.String(), CategoryEnforcement, nil,
		"identity", r.Identity,
		"event_type", r.EventType,
		"quantity", r.Quantity,
	)
}

// OnReservationSettled implements plugin.OnReservationSettled.
func (e *Extension) OnReservationSettled(ctx context.Context, rsvID id.ReservationID, committed bool) error {
	action := ActionReservationRolledBack
	if committed {
		action = ActionReservationCommitted
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceReservation, rsvID.String(), CategoryEnforcement, nil,
		"committed", committed,
	)
}

// ──────────────────────────────────────────────────
// Rollup hooks
// ──────────────────────────────────────────────────

// OnRollupFlushed implements plugin.OnRollupFlushed.
func (e *Extension) OnRollupFlushed(ctx context.Context, buckets int, elapsed time.Duration) error {
	return e.record(ctx, ActionRollupFlushed, SeverityInfo, OutcomeSuccess,
		ResourceRollup, "", CategoryAggregation, nil,
		"buckets", buckets,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ──────────────────────────────────────────────────
// Configuration lifecycle hooks
// ──────────────────────────────────────────────────

// OnOrganizationChanged implements plugin.OnOrganizationChanged.
func (e *Extension) OnOrganizationChanged(ctx context.Context, o *org.Organization) error {
	return e.record(ctx, ActionOrganizationChanged, SeverityInfo, OutcomeSuccess,
		ResourceOrganization, o.ID.String(), CategoryConfiguration, nil,
		"name", o.Name,
		"mode", string(o.Mode),
		"deleted", o.IsDeleted(),
	)
}

// OnRuleChanged implements plugin.OnRuleChanged.
func (e *Extension) OnRuleChanged(ctx context.Context, r *quota.Rule) error {
	return e.record(ctx, ActionRuleChanged, SeverityInfo, OutcomeSuccess,
		ResourceRule, r.ID.String(), CategoryConfiguration, nil,
		"owner", r.OwnerKey(),
		"event_type", r.EventType,
		"limit", r.Limit,
		"period", string(r.Period),
		"version", r.Version,
		"active", r.Active,
	)
}

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (e *Extension) OnSubscriptionCreated(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCreated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategoryConfiguration, nil,
		"organization_id", sub.OrganizationID.String(),
		"owner_identity", sub.OwnerIdentity,
	)
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (e *Extension) OnSubscriptionCanceled(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionCanceled, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategoryConfiguration, nil,
		"organization_id", sub.OrganizationID.String(),
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

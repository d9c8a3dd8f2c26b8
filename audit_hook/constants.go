package audithook

// Action constants for audit events.
const (
	// Event actions
	ActionEventIngested  = "event.ingested"
	ActionEventDuplicate = "event.duplicate"
	ActionEventRejected  = "event.rejected"

	// Quota actions
	ActionQuotaDenied   = "quota.denied"
	ActionQuotaOverage  = "quota.overage"
	ActionQuotaDegraded = "quota.degraded"

	// Reservation actions
	ActionReservationMade       = "reservation.made"
	ActionReservationCommitted  = "reservation.committed"
	ActionReservationRolledBack = "reservation.rolled_back"

	// Configuration actions
	ActionOrganizationChanged = "organization.changed"
	ActionRuleChanged         = "rule.changed"

	// Subscription actions
	ActionSubscriptionCreated  = "subscription.created"
	ActionSubscriptionCanceled = "subscription.canceled"

	// Rollup actions
	ActionRollupFlushed = "rollup.flushed"
)

// Resource constants for audit events.
const (
	ResourceEvent        = "event"
	ResourceQuota        = "quota"
	ResourceReservation  = "reservation"
	ResourceOrganization = "organization"
	ResourceRule         = "rule"
	ResourceSubscription = "subscription"
	ResourceRollup       = "rollup"
)

// Category constants for audit events.
const (
	CategoryIngestion     = "ingestion"
	CategoryEnforcement   = "enforcement"
	CategoryConfiguration = "configuration"
	CategoryAggregation   = "aggregation"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

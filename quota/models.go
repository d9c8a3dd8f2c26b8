// Package quota defines quota rules, periods, overflow policies, and the
// organizational inheritance resolver that computes the effective quota
// for an identity.
package quota

import (
	"time"

	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/types"
)

// Period is the window a quota limit applies to.
type Period string

const (
	PeriodHourly   Period = "hourly"
	PeriodDaily    Period = "daily"
	PeriodMonthly  Period = "monthly"
	PeriodLifetime Period = "lifetime"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodHourly, PeriodDaily, PeriodMonthly, PeriodLifetime:
		return true
	}
	return false
}

// Overflow is the behavior applied once usage reaches its limit.
type Overflow string

const (
	// OverflowBlock denies outright.
	OverflowBlock Overflow = "block"
	// OverflowOverage allows but flags the excess for premium pricing.
	OverflowOverage Overflow = "overage"
	// OverflowNotify allows and emits an async warning.
	OverflowNotify Overflow = "notify"
	// OverflowThrottle allows but signals a recommended delay.
	OverflowThrottle Overflow = "throttle"
)

// Valid reports whether o is a known overflow policy.
func (o Overflow) Valid() bool {
	switch o {
	case OverflowBlock, OverflowOverage, OverflowNotify, OverflowThrottle:
		return true
	}
	return false
}

// Rule is one versioned quota rule. A rule attaches to exactly one
// organization node or one subscription, never both. Superseding a rule
// inserts a new version and deactivates the old record; rules are never
// overwritten in place.
type Rule struct {
	types.Entity
	ID            id.RuleID         `json:"id"`
	OwnerOrg      id.OrganizationID `json:"owner_org,omitempty"`
	OwnerSub      id.SubscriptionID `json:"owner_sub,omitempty"`
	EventType     string            `json:"event_type"`
	Limit         int64             `json:"limit"`
	Period        Period            `json:"period"`
	Overflow      Overflow          `json:"overflow"`
	OverageUnit   *types.Money      `json:"overage_unit,omitempty"`
	ThrottleDelay time.Duration     `json:"throttle_delay,omitempty"`
	Version       int               `json:"version"`
	Active        bool              `json:"active"`
}

// OwnerKey returns the string identity of the rule's owner, for cache
// and membership-filter keying.
func (r *Rule) OwnerKey() string {
	if !r.OwnerSub.IsNil() {
		return r.OwnerSub.String()
	}
	return r.OwnerOrg.String()
}

// OverageCost prices excess units consumed over the limit under this
// rule. Returns nil when the rule carries no overage pricing or there
// is no excess.
func (r *Rule) OverageCost(excess int64) *types.Money {
	if r.OverageUnit == nil || excess <= 0 {
		return nil
	}
	cost := r.OverageUnit.Multiply(excess)
	return &cost
}

// Effective is the result of resolving the organizational inheritance
// chain: the single rule that governs an (identity, event-type) pair,
// plus the node it came from for audit purposes.
type Effective struct {
	Rule      *Rule               `json:"rule"`
	SourceOrg id.OrganizationID   `json:"source_org,omitempty"`
	SourceSub id.SubscriptionID   `json:"source_sub,omitempty"`
	Chain     []id.OrganizationID `json:"chain,omitempty"`
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool              `json:"allowed"`
	Identity   string            `json:"identity"`
	EventType  string            `json:"event_type"`
	Used       int64             `json:"used"`
	Limit      int64             `json:"limit"`
	Remaining  int64             `json:"remaining"`
	Policy     Overflow          `json:"policy,omitempty"`
	Overage    bool              `json:"overage,omitempty"`
	Throttle   time.Duration     `json:"throttle,omitempty"`
	ResetAt    time.Time         `json:"reset_at,omitempty"`
	RetryAfter time.Duration     `json:"retry_after,omitempty"`
	Unlimited  bool              `json:"unlimited,omitempty"`
	Degraded   bool              `json:"degraded,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	SourceOrg  id.OrganizationID `json:"source_org,omitempty"`
	SourceSub  id.SubscriptionID `json:"source_sub,omitempty"`
}

// ListOpts filters rule listings.
type ListOpts struct {
	EventType  string
	ActiveOnly bool
	Limit      int
	Offset     int
}

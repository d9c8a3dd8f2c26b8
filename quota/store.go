package quota

import (
	"context"

	"github.com/xraph/turnstile/id"
)

// Store defines persistence operations for quota rules. Rules are
// versioned: a change produces a new version and deactivates the prior
// one, so historical decisions remain attributable to the exact rule
// version that produced them.
type Store interface {
	// PutRule persists a new rule version. When an active rule already
	// exists for the same owner and event type, the implementation must
	// deactivate it and assign the new rule the next version number,
	// atomically.
	PutRule(ctx context.Context, rule *Rule) error

	// GetRule retrieves a rule version by ID.
	GetRule(ctx context.Context, ruleID id.RuleID) (*Rule, error)

	// GetActiveRules returns all currently active rules, for snapshot
	// construction.
	GetActiveRules(ctx context.Context) ([]*Rule, error)

	// ListRules returns rules matching the filter, newest version first.
	ListRules(ctx context.Context, opts ListOpts) ([]*Rule, error)

	// DeactivateRule marks a rule version inactive without replacing it.
	// Used to remove a quota entirely.
	DeactivateRule(ctx context.Context, ruleID id.RuleID) error
}

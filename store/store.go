package store

import (
	"context"
	"time"

	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/org"
	"github.com/xraph/turnstile/quota"
	"github.com/xraph/turnstile/rollup"
	"github.com/xraph/turnstile/subscription"
)

// Store is the unified storage interface for all Turnstile entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
type Store interface {
	// Event methods
	InsertEvent(ctx context.Context, e *event.Event) error
	GetEvent(ctx context.Context, eventID id.EventID) (*event.Event, error)
	GetEventByDedupKey(ctx context.Context, subID id.SubscriptionID, dedupKey string) (*event.Event, error)
	QueryEvents(ctx context.Context, subID id.SubscriptionID, opts event.QueryOpts) ([]*event.Event, error)
	AnonymizeEvent(ctx context.Context, eventID id.EventID) error
	ArchiveEvents(ctx context.Context, before time.Time) (int64, error)

	// Organization methods
	CreateOrganization(ctx context.Context, o *org.Organization) error
	GetOrganization(ctx context.Context, orgID id.OrganizationID) (*org.Organization, error)
	ListOrganizations(ctx context.Context, opts org.ListOpts) ([]*org.Organization, error)
	UpdateOrganization(ctx context.Context, o *org.Organization) error
	SoftDeleteOrganization(ctx context.Context, orgID id.OrganizationID) error

	// Quota rule methods
	PutRule(ctx context.Context, rule *quota.Rule) error
	GetRule(ctx context.Context, ruleID id.RuleID) (*quota.Rule, error)
	GetActiveRules(ctx context.Context) ([]*quota.Rule, error)
	ListRules(ctx context.Context, opts quota.ListOpts) ([]*quota.Rule, error)
	DeactivateRule(ctx context.Context, ruleID id.RuleID) error

	// Subscription methods
	CreateSubscription(ctx context.Context, s *subscription.Subscription) error
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, orgID id.OrganizationID, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	UpdateSubscription(ctx context.Context, s *subscription.Subscription) error
	CancelSubscription(ctx context.Context, subID id.SubscriptionID, cancelAt time.Time) error

	// Rollup methods
	UpsertBucketDelta(ctx context.Context, delta *rollup.Bucket) error
	QueryBuckets(ctx context.Context, subID id.SubscriptionID, eventType string, start, end time.Time) ([]*rollup.Bucket, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Subscriptions adapts a unified Store to the subscription.Store
// surface consumed by the ingestion pipeline.
func Subscriptions(s Store) subscription.Store {
	return subAdapter{s}
}

type subAdapter struct{ s Store }

func (a subAdapter) Create(ctx context.Context, sub *subscription.Subscription) error {
	return a.s.CreateSubscription(ctx, sub)
}

func (a subAdapter) Get(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	return a.s.GetSubscription(ctx, subID)
}

func (a subAdapter) ListByOrganization(ctx context.Context, orgID id.OrganizationID, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return a.s.ListSubscriptions(ctx, orgID, opts)
}

func (a subAdapter) Update(ctx context.Context, sub *subscription.Subscription) error {
	return a.s.UpdateSubscription(ctx, sub)
}

func (a subAdapter) Cancel(ctx context.Context, subID id.SubscriptionID, cancelAt time.Time) error {
	return a.s.CancelSubscription(ctx, subID, cancelAt)
}

package subscription

import (
	"context"
	"time"

	"github.com/xraph/turnstile/id"
)

type Store interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	ListByOrganization(ctx context.Context, orgID id.OrganizationID, opts ListOpts) ([]*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	Cancel(ctx context.Context, subID id.SubscriptionID, cancelAt time.Time) error
}

type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}

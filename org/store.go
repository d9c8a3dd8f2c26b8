package org

import (
	"context"

	"github.com/xraph/turnstile/id"
)

// Store is the organization storage surface.
type Store interface {
	CreateOrganization(ctx context.Context, o *Organization) error
	GetOrganization(ctx context.Context, orgID id.OrganizationID) (*Organization, error)
	ListOrganizations(ctx context.Context, opts ListOpts) ([]*Organization, error)
	UpdateOrganization(ctx context.Context, o *Organization) error
	SoftDeleteOrganization(ctx context.Context, orgID id.OrganizationID) error
}

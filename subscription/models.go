package subscription

import (
	"time"

	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/types"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCanceled  Status = "canceled"
	StatusExpired   Status = "expired"
)

// Subscription is the billing target usage events meter against. Every
// event belongs to exactly one subscription; rollups and dedup keys are
// scoped by it. OwnerIdentity is the principal a delegation chain must
// terminate at for an event on this subscription to be authorized.
type Subscription struct {
	types.Entity
	ID             id.SubscriptionID `json:"id"`
	OrganizationID id.OrganizationID `json:"organization_id"`
	OwnerIdentity  string            `json:"owner_identity"`
	Status         Status            `json:"status"`
	StartedAt      time.Time         `json:"started_at"`
	CanceledAt     *time.Time        `json:"canceled_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ActiveAt reports whether events may be ingested against the
// subscription at the given instant. A canceled subscription stays
// ingestable until its cancel time passes, which is what makes
// cancel-at-period-end a scheduled stop rather than an immediate one.
func (s *Subscription) ActiveAt(now time.Time) bool {
	if s.Status == StatusActive {
		return true
	}
	if s.Status == StatusCanceled && s.CanceledAt != nil {
		return now.Before(*s.CanceledAt)
	}

	return false
}

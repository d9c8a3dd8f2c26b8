// Package org models the organization tree that quota rules attach to.
package org

import (
	"time"

	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/types"
)

// Mode controls how a node combines its own quota configuration with
// values inherited from its ancestor chain.
type Mode string

const (
	// ModeStrict keeps the inherited value untouched; the node's own
	// configuration only applies when nothing was inherited.
	ModeStrict Mode = "strict"

	// ModeOverrideAllowed accepts the node's own value only when it is
	// more restrictive than the inherited one.
	ModeOverrideAllowed Mode = "override-allowed"

	// ModeIndependent discards everything inherited and restarts the
	// fold from this node.
	ModeIndependent Mode = "independent"
)

// Valid reports whether m is a known inheritance mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeStrict, ModeOverrideAllowed, ModeIndependent:
		return true
	}
	return false
}

// Organization is a node in the organization tree. The tree is acyclic;
// a node's effective quota is a deterministic function of its own
// configuration and its ancestor chain. Organizations are never hard
// deleted, only soft-deleted, so billing history stays attributable.
type Organization struct {
	types.Entity
	ID        id.OrganizationID `json:"id"`
	Name      string            `json:"name"`
	ParentID  id.OrganizationID `json:"parent_id,omitempty"`
	Mode      Mode              `json:"mode"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsRoot reports whether the organization has no parent.
func (o *Organization) IsRoot() bool { return o.ParentID.IsNil() }

// IsDeleted reports whether the organization has been soft-deleted.
func (o *Organization) IsDeleted() bool { return o.DeletedAt != nil }

// ListOpts filters organization listings.
type ListOpts struct {
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Package identity defines the collaborator interfaces Turnstile consumes
// from an external identity registry and clock source, plus in-memory
// implementations for tests and single-process deployments.
//
// Turnstile does not manage principals itself: it only needs to resolve a
// signing identity to its registered public key, its owning organization,
// and its active subscription.
package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"time"

	"github.com/xraph/turnstile/id"
)

var (
	// ErrUnknownIdentity is returned when an identity has no registration.
	ErrUnknownIdentity = errors.New("identity: unknown identity")
	// ErrNoSubscription is returned when an identity has no active subscription.
	ErrNoSubscription = errors.New("identity: no active subscription")
)

// Registry resolves signing identities. Implementations are expected to
// be fast (in-memory or cached): the quota enforcer consults the registry
// on its hot path.
type Registry interface {
	// ResolveKey returns the currently registered public key for an identity.
	ResolveKey(ctx context.Context, identity string) (ed25519.PublicKey, error)

	// ResolveOwner returns the organization that owns the identity.
	ResolveOwner(ctx context.Context, identity string) (id.OrganizationID, error)

	// ResolveSubscription returns the identity's active subscription.
	ResolveSubscription(ctx context.Context, identity string) (id.SubscriptionID, error)
}

// Clock is the authoritative time source used to stamp events. Caller
// timestamps are advisory only; the Clock decides an event's position in
// any time-bucketed aggregate.
type Clock interface {
	Now(ctx context.Context) time.Time
}

// SystemClock is a Clock backed by the local system time in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now(_ context.Context) time.Time { return time.Now().UTC() }

// Registration is one identity record in the in-memory registry.
type Registration struct {
	Key          ed25519.PublicKey
	Organization id.OrganizationID
	Subscription id.SubscriptionID
}

// MemoryRegistry is an in-memory Registry for tests and single-process
// deployments.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]Registration
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]Registration)}
}

// Register adds or replaces an identity registration.
func (r *MemoryRegistry) Register(identity string, reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[identity] = reg
}

// ResolveKey implements Registry.
func (r *MemoryRegistry) ResolveKey(_ context.Context, identity string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[identity]
	if !ok || reg.Key == nil {
		return nil, ErrUnknownIdentity
	}
	return reg.Key, nil
}

// ResolveOwner implements Registry.
func (r *MemoryRegistry) ResolveOwner(_ context.Context, identity string) (id.OrganizationID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[identity]
	if !ok {
		return id.Nil, ErrUnknownIdentity
	}
	return reg.Organization, nil
}

// ResolveSubscription implements Registry.
func (r *MemoryRegistry) ResolveSubscription(_ context.Context, identity string) (id.SubscriptionID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[identity]
	if !ok {
		return id.Nil, ErrUnknownIdentity
	}
	if reg.Subscription.IsNil() {
		return id.Nil, ErrNoSubscription
	}
	return reg.Subscription, nil
}

// Package memory provides an in-memory Store implementation for testing
// and single-process embedding. Data is lost when the process exits.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/turnstile"
	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/org"
	"github.com/xraph/turnstile/quota"
	"github.com/xraph/turnstile/rollup"
	"github.com/xraph/turnstile/store"
	"github.com/xraph/turnstile/subscription"
)

type bucketKey struct {
	sub       string
	eventType string
	start     int64
}

type Store struct {
	mu sync.RWMutex

	// Event storage
	events      map[string]*event.Event
	eventsByKey map[string]*event.Event // subID + "\x00" + dedupKey

	// Organization storage
	organizations map[string]*org.Organization

	// Quota rule storage
	rules map[string]*quota.Rule

	// Subscription storage
	subscriptions map[string]*subscription.Subscription

	// Rollup bucket storage
	buckets map[bucketKey]*rollup.Bucket
}

func New() *Store {
	return &Store{
		events:        make(map[string]*event.Event),
		eventsByKey:   make(map[string]*event.Event),
		organizations: make(map[string]*org.Organization),
		rules:         make(map[string]*quota.Rule),
		subscriptions: make(map[string]*subscription.Subscription),
		buckets:       make(map[bucketKey]*rollup.Bucket),
	}
}

var _ store.Store = (*Store)(nil)

func dedupIndexKey(subID id.SubscriptionID, dedupKey string) string {
	return subID.String() + "\x00" + dedupKey
}

// ==================== Events ====================

func (s *Store) InsertEvent(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupIndexKey(e.SubscriptionID, e.DedupKey)
	if _, taken := s.eventsByKey[key]; taken {
		return event.ErrDedupKeyTaken
	}

	cp := *e
	s.events[e.ID.String()] = &cp
	s.eventsByKey[key] = &cp
	return nil
}

func (s *Store) GetEvent(_ context.Context, eventID id.EventID) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.events[eventID.String()]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, event.ErrNotFound
}

func (s *Store) GetEventByDedupKey(_ context.Context, subID id.SubscriptionID, dedupKey string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.eventsByKey[dedupIndexKey(subID, dedupKey)]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, event.ErrNotFound
}

func (s *Store) QueryEvents(_ context.Context, subID id.SubscriptionID, opts event.QueryOpts) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*event.Event
	for _, e := range s.events {
		if e.SubscriptionID != subID {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if !opts.Start.IsZero() && e.Timestamp.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && !e.Timestamp.Before(opts.End) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}

	// Newest first; ID breaks timestamp ties deterministically.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID.String() > matched[j].ID.String()
	})

	return paginate(matched, opts.Offset, opts.Limit), nil
}

func (s *Store) AnonymizeEvent(_ context.Context, eventID id.EventID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID.String()]
	if !ok {
		return event.ErrNotFound
	}
	e.Anonymize()
	return nil
}

func (s *Store) ArchiveEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for eid, e := range s.events {
		if e.Timestamp.Before(before) {
			delete(s.events, eid)
			delete(s.eventsByKey, dedupIndexKey(e.SubscriptionID, e.DedupKey))
			removed++
		}
	}
	return removed, nil
}

// ==================== Organizations ====================

func (s *Store) CreateOrganization(_ context.Context, o *org.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.organizations[o.ID.String()]; exists {
		return turnstile.ErrAlreadyExists
	}
	cp := *o
	s.organizations[o.ID.String()] = &cp
	return nil
}

func (s *Store) GetOrganization(_ context.Context, orgID id.OrganizationID) (*org.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if o, ok := s.organizations[orgID.String()]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, turnstile.ErrOrganizationNotFound
}

func (s *Store) ListOrganizations(_ context.Context, opts org.ListOpts) ([]*org.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*org.Organization
	for _, o := range s.organizations {
		if o.IsDeleted() && !opts.IncludeDeleted {
			continue
		}
		cp := *o
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ID.String() < matched[j].ID.String()
	})

	return paginate(matched, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateOrganization(_ context.Context, o *org.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.organizations[o.ID.String()]; !ok {
		return turnstile.ErrOrganizationNotFound
	}
	cp := *o
	cp.Touch()
	s.organizations[o.ID.String()] = &cp
	return nil
}

func (s *Store) SoftDeleteOrganization(_ context.Context, orgID id.OrganizationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.organizations[orgID.String()]
	if !ok {
		return turnstile.ErrOrganizationNotFound
	}
	if o.DeletedAt == nil {
		now := time.Now().UTC()
		o.DeletedAt = &now
		o.Touch()
	}
	return nil
}

// ==================== Quota rules ====================

func (s *Store) PutRule(_ context.Context, rule *quota.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Supersede the active rule for the same owner and event type, if
	// any, and continue its version sequence.
	maxVersion := 0
	for _, existing := range s.rules {
		if existing.OwnerKey() != rule.OwnerKey() || existing.EventType != rule.EventType {
			continue
		}
		if existing.Version > maxVersion {
			maxVersion = existing.Version
		}
		if existing.Active {
			existing.Active = false
			existing.Touch()
		}
	}

	cp := *rule
	cp.Version = maxVersion + 1
	cp.Active = true
	s.rules[cp.ID.String()] = &cp

	rule.Version = cp.Version
	rule.Active = true
	return nil
}

func (s *Store) GetRule(_ context.Context, ruleID id.RuleID) (*quota.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rules[ruleID.String()]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, turnstile.ErrRuleNotFound
}

func (s *Store) GetActiveRules(_ context.Context) ([]*quota.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*quota.Rule
	for _, r := range s.rules {
		if r.Active {
			cp := *r
			active = append(active, &cp)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].ID.String() < active[j].ID.String()
	})
	return active, nil
}

func (s *Store) ListRules(_ context.Context, opts quota.ListOpts) ([]*quota.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*quota.Rule
	for _, r := range s.rules {
		if opts.EventType != "" && r.EventType != opts.EventType {
			continue
		}
		if opts.ActiveOnly && !r.Active {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}

	// Newest version first within an owner, owners grouped together.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].OwnerKey() != matched[j].OwnerKey() {
			return matched[i].OwnerKey() < matched[j].OwnerKey()
		}
		if matched[i].EventType != matched[j].EventType {
			return matched[i].EventType < matched[j].EventType
		}
		return matched[i].Version > matched[j].Version
	})

	return paginate(matched, opts.Offset, opts.Limit), nil
}

func (s *Store) DeactivateRule(_ context.Context, ruleID id.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[ruleID.String()]
	if !ok {
		return turnstile.ErrRuleNotFound
	}
	if r.Active {
		r.Active = false
		r.Touch()
	}
	return nil
}

// ==================== Subscriptions ====================

func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return turnstile.ErrAlreadyExists
	}
	cp := *sub
	s.subscriptions[sub.ID.String()] = &cp
	return nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, turnstile.ErrSubscriptionNotFound
}

func (s *Store) ListSubscriptions(_ context.Context, orgID id.OrganizationID, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*subscription.Subscription
	for _, sub := range s.subscriptions {
		if sub.OrganizationID != orgID {
			continue
		}
		if opts.Status != "" && sub.Status != opts.Status {
			continue
		}
		cp := *sub
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ID.String() < matched[j].ID.String()
	})

	return paginate(matched, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[sub.ID.String()]; !ok {
		return turnstile.ErrSubscriptionNotFound
	}
	cp := *sub
	cp.Touch()
	s.subscriptions[sub.ID.String()] = &cp
	return nil
}

func (s *Store) CancelSubscription(_ context.Context, subID id.SubscriptionID, cancelAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subID.String()]
	if !ok {
		return turnstile.ErrSubscriptionNotFound
	}
	sub.Status = subscription.StatusCanceled
	at := cancelAt.UTC()
	sub.CanceledAt = &at
	sub.Touch()
	return nil
}

// ==================== Rollup buckets ====================

func (s *Store) UpsertBucketDelta(_ context.Context, delta *rollup.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{
		sub:       delta.SubscriptionID.String(),
		eventType: delta.EventType,
		start:     delta.BucketStart.UTC().Unix(),
	}

	existing, ok := s.buckets[key]
	if !ok {
		cp := *delta
		cp.Unique = append([]byte(nil), delta.Unique...)
		s.buckets[key] = &cp
		return nil
	}

	merged, err := rollup.MergeUniqueBytes(existing.Unique, delta.Unique)
	if err != nil {
		return err
	}
	existing.Count += delta.Count
	existing.Sum += delta.Sum
	if delta.Max > existing.Max {
		existing.Max = delta.Max
	}
	existing.Unique = merged
	return nil
}

func (s *Store) QueryBuckets(_ context.Context, subscriptionID id.SubscriptionID, eventType string, start, end time.Time) ([]*rollup.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	startUnix := start.UTC().Unix()
	endUnix := end.UTC().Unix()

	var matched []*rollup.Bucket
	for key, b := range s.buckets {
		if key.sub != subscriptionID.String() || key.eventType != eventType {
			continue
		}
		if key.start < startUnix || key.start >= endUnix {
			continue
		}
		cp := *b
		cp.Unique = append([]byte(nil), b.Unique...)
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].BucketStart.Before(matched[j].BucketStart)
	})
	return matched, nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// Reset drops all stored data. Test helper.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = make(map[string]*event.Event)
	s.eventsByKey = make(map[string]*event.Event)
	s.organizations = make(map[string]*org.Organization)
	s.rules = make(map[string]*quota.Rule)
	s.subscriptions = make(map[string]*subscription.Subscription)
	s.buckets = make(map[bucketKey]*rollup.Bucket)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

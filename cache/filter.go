// Package cache provides the tiered quota-lookup cache: a bloom
// membership pre-filter, an in-process LRU of live quota state, and an
// optional shared redis tier, with generation-based invalidation tying
// them together.
package cache

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// MembershipFilter answers "might any rule be configured for this owner
// and event type?" with no false negatives. A negative lets the hot
// path allow an event without touching any other tier. Owners with a
// zero-limit rule are inserted like any other, so the filter never
// short-circuits a deny.
//
// Bloom filters do not support removal, so rule deletion swaps in a
// freshly built filter via Rebuild.
type MembershipFilter struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	n      uint
	fp     float64
}

// NewMembershipFilter sizes the filter for the expected number of
// distinct (owner, event type) pairs at the given false-positive rate.
func NewMembershipFilter(expectedKeys uint, fpRate float64) *MembershipFilter {
	if expectedKeys == 0 {
		expectedKeys = 1024
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	return &MembershipFilter{
		filter: bloom.NewWithEstimates(expectedKeys, fpRate),
		n:      expectedKeys,
		fp:     fpRate,
	}
}

// FilterKey builds the canonical filter key for an owner and event type.
func FilterKey(owner, eventType string) string {
	return owner + "/" + eventType
}

// Add inserts an owner/event-type pair.
func (f *MembershipFilter) Add(owner, eventType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.AddString(FilterKey(owner, eventType))
}

// MayHaveRule reports whether a rule might exist for the pair. False
// means definitely not.
func (f *MembershipFilter) MayHaveRule(owner, eventType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.filter.TestString(FilterKey(owner, eventType))
}

// Rebuild replaces the filter contents with the given pre-joined keys
// (as produced by FilterKey). Used after rule deactivation, since
// entries cannot be removed in place.
func (f *MembershipFilter) Rebuild(keys []string) {
	size := f.n
	if uint(len(keys)) > size {
		size = uint(len(keys)) * 2
	}
	fresh := bloom.NewWithEstimates(size, f.fp)
	for _, k := range keys {
		fresh.AddString(k)
	}

	f.mu.Lock()
	f.filter = fresh
	f.n = size
	f.mu.Unlock()
}

package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xraph/turnstile/quota"
)

// Entry is a cached quota lookup: the effective rule for an owner and
// event type plus the usage observed for the current period. Entries
// are stamped with the configuration generation they were built under;
// a generation bump makes every older entry stale without touching the
// cache itself.
type Entry struct {
	Effective   *quota.Effective `json:"effective"`
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	Generation  uint64           `json:"generation"`
	CachedAt    time.Time        `json:"cached_at"`

	// Used is the live usage counter for the period. It is advanced
	// in place on every admitted event so repeated checks see a
	// decreasing remaining balance between refreshes.
	Used atomic.Int64 `json:"-"`

	// BaseUsed is the durable usage the entry was seeded with, kept
	// separate so the entry can be serialized for the shared tier.
	BaseUsed int64 `json:"used"`
}

// TotalUsed returns the total usage the entry has observed.
func (e *Entry) TotalUsed() int64 {
	return e.BaseUsed + e.Used.Load()
}

// Stale reports whether the entry predates the given configuration
// generation or its quota period has rolled over.
func (e *Entry) Stale(generation uint64, now time.Time) bool {
	if e.Generation < generation {
		return true
	}
	if !e.PeriodEnd.IsZero() && !now.Before(e.PeriodEnd) {
		return true
	}

	return false
}

// Local is the in-process cache tier. Hits never block on I/O.
type Local struct {
	lru *expirable.LRU[string, *Entry]
}

// NewLocal builds the in-process tier with the given capacity and entry
// TTL. TTL bounds how long an entry can serve before the durable count
// is re-read, independent of generation bumps.
func NewLocal(capacity int, ttl time.Duration) *Local {
	if capacity <= 0 {
		capacity = 8192
	}

	return &Local{lru: expirable.NewLRU[string, *Entry](capacity, nil, ttl)}
}

// EntryKey builds the cache key for a subscription and event type.
func EntryKey(subscription, eventType string) string {
	return subscription + "/" + eventType
}

// Get returns the entry for the key, or nil on miss.
func (l *Local) Get(key string) *Entry {
	e, ok := l.lru.Get(key)
	if !ok {
		return nil
	}

	return e
}

// Put stores an entry.
func (l *Local) Put(key string, e *Entry) {
	l.lru.Add(key, e)
}

// Remove drops an entry, if present.
func (l *Local) Remove(key string) {
	l.lru.Remove(key)
}

// Purge drops every entry.
func (l *Local) Purge() {
	l.lru.Purge()
}

// Len returns the number of cached entries.
func (l *Local) Len() int {
	return l.lru.Len()
}

package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// DefaultSyncInterval bounds how stale the local view of the shared
// generation may be. Configuration changes made by another process
// take effect here within this window at the latest.
const DefaultSyncInterval = time.Second

// Generations tracks the configuration generation used to invalidate
// cached quota state. A bump anywhere makes every entry stamped with an
// older generation stale. The local counter is reconciled against the
// shared one at most once per sync interval, so reads on the hot path
// touch redis rarely.
type Generations struct {
	shared   *Shared
	interval time.Duration

	local    atomic.Uint64
	lastSync atomic.Int64 // unix nanos of last shared read
}

// NewGenerations builds a generation tracker. shared may be nil, in
// which case the counter is purely local.
func NewGenerations(shared *Shared, syncInterval time.Duration) *Generations {
	if syncInterval <= 0 {
		syncInterval = DefaultSyncInterval
	}

	return &Generations{shared: shared, interval: syncInterval}
}

// Current returns the generation to validate entries against,
// refreshing from the shared tier when the local view is older than the
// sync interval. A shared-tier error falls back to the local value so a
// redis outage degrades to local-only invalidation rather than failing
// the check path.
func (g *Generations) Current(ctx context.Context) uint64 {
	if g.shared == nil {
		return g.local.Load()
	}

	now := time.Now().UnixNano()
	last := g.lastSync.Load()
	if now-last < int64(g.interval) {
		return g.local.Load()
	}

	// Claim this sync slot; losers just use the local value.
	if !g.lastSync.CompareAndSwap(last, now) {
		return g.local.Load()
	}

	remote, err := g.shared.Generation(ctx)
	if err != nil {
		return g.local.Load()
	}
	for {
		cur := g.local.Load()
		if remote <= cur || g.local.CompareAndSwap(cur, remote) {
			break
		}
	}

	return g.local.Load()
}

// Bump advances the generation locally and, when a shared tier is
// configured, remotely. Called on every rule or organization change.
func (g *Generations) Bump(ctx context.Context) uint64 {
	if g.shared != nil {
		if remote, err := g.shared.BumpGeneration(ctx); err == nil {
			for {
				cur := g.local.Load()
				if remote <= cur || g.local.CompareAndSwap(cur, remote) {
					return g.local.Load()
				}
			}
		}
	}

	return g.local.Add(1)
}

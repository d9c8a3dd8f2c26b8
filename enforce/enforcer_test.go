package enforce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/identity"
	"github.com/xraph/turnstile/org"
	"github.com/xraph/turnstile/quota"
)

// fakeUsage is a UsageReader with injectable totals and failures.
type fakeUsage struct {
	mu    sync.Mutex
	used  map[string]int64
	calls int
	err   error
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{used: make(map[string]int64)}
}

func (f *fakeUsage) Usage(_ context.Context, subID id.SubscriptionID, eventType string, _, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return 0, f.err
	}

	return f.used[subID.String()+"/"+eventType], nil
}

// testClock is a mutable fixed clock.
type testClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *testClock) Now(context.Context) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.at
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

type enforcerFixture struct {
	enforcer *Enforcer
	usage    *fakeUsage
	clock    *testClock
	registry *identity.MemoryRegistry
	orgID    id.OrganizationID
	subID    id.SubscriptionID
}

// newEnforcerFixture wires an enforcer with identity "caller" owned by
// one root organization, optionally governed by the given rules.
func newEnforcerFixture(t *testing.T, failOpen bool, rules ...*quota.Rule) *enforcerFixture {
	t.Helper()

	f := &enforcerFixture{
		usage:    newFakeUsage(),
		clock:    &testClock{at: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)},
		registry: identity.NewMemoryRegistry(),
		orgID:    id.NewOrganizationID(),
		subID:    id.NewSubscriptionID(),
	}
	f.registry.Register("caller", identity.Registration{
		Organization: f.orgID,
		Subscription: f.subID,
	})

	f.enforcer = New(f.registry, f.usage,
		WithClock(f.clock),
		WithConfig(Config{FailOpen: failOpen, LocalTTL: time.Minute}),
	)

	root := &org.Organization{ID: f.orgID, Mode: org.ModeStrict}
	for _, r := range rules {
		if r.OwnerOrg.IsNil() && r.OwnerSub.IsNil() {
			r.OwnerOrg = f.orgID
		}
	}
	f.enforcer.LoadSnapshot(context.Background(), quota.NewSnapshot([]*org.Organization{root}, rules))

	return f
}

func hourlyRule(limit int64, policy quota.Overflow) *quota.Rule {
	return &quota.Rule{
		ID:        id.NewRuleID(),
		EventType: "call",
		Limit:     limit,
		Period:    quota.PeriodHourly,
		Overflow:  policy,
		Version:   1,
		Active:    true,
	}
}

func TestCheckNoRuleUnconditionalAllow(t *testing.T) {
	f := newEnforcerFixture(t, false)

	d, err := f.enforcer.Check(context.Background(), "caller", "call")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !d.Allowed || !d.Unlimited {
		t.Fatalf("Check() = %+v, want unconditional allow", d)
	}
	if f.usage.calls != 0 {
		t.Errorf("no-rule check read durable usage %d times", f.usage.calls)
	}
}

func TestCheckZeroLimitDeniesUnlikeNoRule(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(0, quota.OverflowBlock))

	d, err := f.enforcer.Check(context.Background(), "caller", "call")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d.Allowed {
		t.Fatalf("zero-limit rule allowed: %+v", d)
	}

	// A different, unconfigured event type still allows.
	d, err = f.enforcer.Check(context.Background(), "caller", "other")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !d.Allowed || !d.Unlimited {
		t.Fatalf("unconfigured type = %+v, want unconditional allow", d)
	}
}

func TestCheckNegativeLimitGrantsUnlimited(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(-1, quota.OverflowBlock))
	f.usage.used[f.subID.String()+"/call"] = 1_000_000

	d, err := f.enforcer.Check(context.Background(), "caller", "call")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !d.Allowed || !d.Unlimited {
		t.Fatalf("Check() = %+v, want unlimited allow regardless of usage", d)
	}
	if d.SourceOrg != f.orgID {
		t.Errorf("source org = %v, want %v", d.SourceOrg, f.orgID)
	}

	// Reservations against an unlimited grant always succeed.
	if _, err := f.enforcer.Reserve(context.Background(), "caller", "call", 500, time.Minute); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
}

func TestCheckBlockScenario(t *testing.T) {
	// Hourly quota of 5 under block: five checks allow with remaining
	// 4,3,2,1,0, the sixth denies with retry-after equal to the time
	// to the next hour boundary, and the window rollover restores the
	// full balance.
	f := newEnforcerFixture(t, false, hourlyRule(5, quota.OverflowBlock))
	ctx := context.Background()

	for i, want := range []int64{4, 3, 2, 1, 0} {
		d, err := f.enforcer.Check(ctx, "caller", "call")
		if err != nil {
			t.Fatalf("check %d error = %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("check %d denied: %+v", i+1, d)
		}
		if d.Remaining != want {
			t.Errorf("check %d remaining = %d, want %d", i+1, d.Remaining, want)
		}
		f.enforcer.NoteUsage(f.subID, "call", 1)
	}

	d, err := f.enforcer.Check(ctx, "caller", "call")
	if err != nil {
		t.Fatalf("sixth check error = %v", err)
	}
	if d.Allowed {
		t.Fatalf("sixth check allowed: %+v", d)
	}
	if d.Cause != CauseLimitReached {
		t.Errorf("cause = %q, want %q", d.Cause, CauseLimitReached)
	}
	wantRetry := time.Date(2025, 5, 1, 13, 0, 0, 0, time.UTC).Sub(f.clock.at)
	if d.RetryAfter != wantRetry {
		t.Errorf("retry-after = %v, want %v", d.RetryAfter, wantRetry)
	}

	// Hour rollover: the cached entry's period ends, forcing a fresh
	// resolve with zero usage in the new window.
	f.clock.advance(time.Hour)
	d, err = f.enforcer.Check(ctx, "caller", "call")
	if err != nil {
		t.Fatalf("post-rollover check error = %v", err)
	}
	if !d.Allowed || d.Remaining != 4 {
		t.Fatalf("post-rollover check = %+v, want allow with remaining 4", d)
	}
}

func TestCheckOverflowPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      quota.Overflow
		wantAllowed bool
		check       func(t *testing.T, d *quota.Decision)
	}{
		{"block denies", quota.OverflowBlock, false, func(t *testing.T, d *quota.Decision) {
			if d.Cause != CauseLimitReached {
				t.Errorf("cause = %q", d.Cause)
			}
		}},
		{"overage allows flagged", quota.OverflowOverage, true, func(t *testing.T, d *quota.Decision) {
			if !d.Overage {
				t.Error("overage not flagged")
			}
		}},
		{"notify allows", quota.OverflowNotify, true, func(t *testing.T, d *quota.Decision) {
			if d.Overage || d.Throttle != 0 {
				t.Errorf("notify decision carried extras: %+v", d)
			}
		}},
		{"throttle allows with delay", quota.OverflowThrottle, true, func(t *testing.T, d *quota.Decision) {
			if d.Throttle <= 0 {
				t.Error("throttle decision has no delay")
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := hourlyRule(3, tt.policy)
			f := newEnforcerFixture(t, false, rule)
			f.usage.used[f.subID.String()+"/call"] = 3 // at the limit

			d, err := f.enforcer.Check(context.Background(), "caller", "call")
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if d.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, want %v (%+v)", d.Allowed, tt.wantAllowed, d)
			}
			tt.check(t, d)
		})
	}
}

func TestCheckCachesDurableReads(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(100, quota.OverflowBlock))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := f.enforcer.Check(ctx, "caller", "call"); err != nil {
			t.Fatalf("check %d error = %v", i, err)
		}
	}

	if f.usage.calls != 1 {
		t.Errorf("durable usage read %d times across 10 checks, want 1", f.usage.calls)
	}
}

func TestCheckInvalidationOnRuleChange(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(100, quota.OverflowBlock))
	ctx := context.Background()

	d, _ := f.enforcer.Check(ctx, "caller", "call")
	if d.Limit != 100 {
		t.Fatalf("initial limit = %d", d.Limit)
	}

	// Tighten the rule and load the new snapshot: the cached entry
	// must go stale immediately.
	tightened := hourlyRule(10, quota.OverflowBlock)
	tightened.OwnerOrg = f.orgID
	tightened.Version = 2
	root := &org.Organization{ID: f.orgID, Mode: org.ModeStrict}
	f.enforcer.LoadSnapshot(ctx, quota.NewSnapshot([]*org.Organization{root}, []*quota.Rule{tightened}))

	d, err := f.enforcer.Check(ctx, "caller", "call")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d.Limit != 10 {
		t.Errorf("limit after rule change = %d, want 10", d.Limit)
	}
}

func TestCheckFailurePosture(t *testing.T) {
	t.Run("fail closed", func(t *testing.T) {
		f := newEnforcerFixture(t, false, hourlyRule(5, quota.OverflowBlock))
		f.usage.err = errors.New("store down")

		d, err := f.enforcer.Check(context.Background(), "caller", "call")
		if !errors.Is(err, ErrStateUnavailable) {
			t.Fatalf("Check() error = %v, want state unavailable", err)
		}
		if d == nil || d.Allowed || !d.Degraded {
			t.Fatalf("Check() = %+v, want degraded deny", d)
		}
	})

	t.Run("fail open", func(t *testing.T) {
		f := newEnforcerFixture(t, true, hourlyRule(5, quota.OverflowBlock))
		f.usage.err = errors.New("store down")

		d, err := f.enforcer.Check(context.Background(), "caller", "call")
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !d.Allowed || !d.Degraded {
			t.Fatalf("Check() = %+v, want degraded allow", d)
		}
	})
}

func TestCheckUnknownIdentity(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(5, quota.OverflowBlock))

	if _, err := f.enforcer.Check(context.Background(), "ghost", "call"); err == nil {
		t.Fatal("Check() succeeded for unregistered identity")
	}
}

func TestCheckRecordsSource(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(5, quota.OverflowBlock))

	d, err := f.enforcer.Check(context.Background(), "caller", "call")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d.SourceOrg != f.orgID {
		t.Errorf("SourceOrg = %s, want %s", d.SourceOrg, f.orgID)
	}
}

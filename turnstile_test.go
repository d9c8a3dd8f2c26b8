package turnstile_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/turnstile"
	"github.com/xraph/turnstile/event"
	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/identity"
	"github.com/xraph/turnstile/ingest"
	"github.com/xraph/turnstile/org"
	"github.com/xraph/turnstile/quota"
	"github.com/xraph/turnstile/store/memory"
	"github.com/xraph/turnstile/subscription"
)

// engineFixture wires a started engine over the memory store with one
// organization, one active subscription, and one registered signer. A
// non-nil rule is installed on the organization before the fixture is
// returned.
type engineFixture struct {
	engine   *turnstile.Turnstile
	store    *memory.Store
	registry *identity.MemoryRegistry
	org      id.OrganizationID
	sub      id.SubscriptionID
	owner    string
	ownerKey ed25519.PrivateKey
}

func newEngineFixture(t *testing.T, rule *quota.Rule, opts ...turnstile.Option) *engineFixture {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	f := &engineFixture{
		store:    memory.New(),
		registry: identity.NewMemoryRegistry(),
		owner:    "svc-owner",
		ownerKey: priv,
	}

	opts = append([]turnstile.Option{
		turnstile.WithEventTypes("api.call", "export.run"),
		turnstile.WithFlushConfig(64, 50*time.Millisecond),
	}, opts...)
	f.engine = turnstile.New(f.store, f.registry, opts...)

	ctx := context.Background()
	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}

	o := &org.Organization{Name: "root", Mode: org.ModeStrict}
	if err := f.engine.CreateOrganization(ctx, o); err != nil {
		t.Fatalf("create organization: %v", err)
	}
	f.org = o.ID

	sub := &subscription.Subscription{OrganizationID: o.ID, OwnerIdentity: f.owner}
	if err := f.engine.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	f.sub = sub.ID

	f.registry.Register(f.owner, identity.Registration{
		Key:          pub,
		Organization: f.org,
		Subscription: f.sub,
	})

	if rule != nil {
		if rule.OwnerOrg.IsNil() && rule.OwnerSub.IsNil() {
			rule.OwnerOrg = f.org
		}
		if err := f.engine.PutRule(ctx, rule); err != nil {
			t.Fatalf("put rule: %v", err)
		}
	}

	return f
}

func (f *engineFixture) close() {
	_ = f.engine.Stop() //nolint:errcheck // fixture teardown
}

// signedEvent builds an api.call event signed by the fixture owner.
func (f *engineFixture) signedEvent(t *testing.T, dedupKey string, qty int64) *event.Event {
	t.Helper()

	ev := &event.Event{
		DedupKey:        dedupKey,
		SignerID:        f.owner,
		SubscriptionID:  f.sub,
		Type:            "api.call",
		Quantity:        qty,
		ClientTimestamp: time.Now().UTC(),
	}
	f.sign(t, ev)

	return ev
}

func (f *engineFixture) sign(t *testing.T, ev *event.Event) {
	t.Helper()

	canonical, err := ev.CanonicalBytes()
	if err != nil {
		t.Fatalf("canonical bytes: %v", err)
	}
	ev.Signature = ed25519.Sign(f.ownerKey, canonical)
}

// ingest submits a signed api.call event and fails the test unless it
// is created.
func (f *engineFixture) ingest(t *testing.T, dedupKey string, qty int64) ingest.Result {
	t.Helper()

	res := f.engine.Ingest(context.Background(), f.signedEvent(t, dedupKey, qty))
	if res.Status != ingest.StatusCreated {
		t.Fatalf("Ingest(%q) = %+v, want created", dedupKey, res)
	}

	return res
}

func TestIngestDedupConflict(t *testing.T) {
	f := newEngineFixture(t, nil)
	defer f.close()

	f.ingest(t, "k1", 2)

	// Same dedup key, different payload: terminal conflict, not a
	// duplicate.
	conflicting := f.signedEvent(t, "k1", 9)
	res := f.engine.Ingest(context.Background(), conflicting)
	if res.Status != ingest.StatusRejected {
		t.Fatalf("Ingest() = %+v, want rejected", res)
	}
	if !errors.Is(res.Err, turnstile.ErrDedupConflict) {
		t.Errorf("Ingest() err = %v, want ErrDedupConflict", res.Err)
	}
	if !turnstile.IsTerminalRejection(res.Err) {
		t.Errorf("IsTerminalRejection(%v) = false, want true", res.Err)
	}
}

func TestIngestTimestampSkewRejected(t *testing.T) {
	f := newEngineFixture(t, nil)
	defer f.close()

	ev := &event.Event{
		DedupKey:        "stale",
		SignerID:        f.owner,
		SubscriptionID:  f.sub,
		Type:            "api.call",
		Quantity:        1,
		ClientTimestamp: time.Now().UTC().Add(-2 * time.Hour),
	}
	f.sign(t, ev)

	res := f.engine.Ingest(context.Background(), ev)
	if res.Status != ingest.StatusRejected || !errors.Is(res.Err, turnstile.ErrTimestampSkew) {
		t.Fatalf("Ingest() = %+v, want skew rejection", res)
	}
}

func TestCheckUnlimitedWithoutRule(t *testing.T) {
	f := newEngineFixture(t, nil)
	defer f.close()

	d, err := f.engine.Check(context.Background(), f.owner, "api.call")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || !d.Unlimited {
		t.Errorf("Check() = %+v, want allowed and unlimited", d)
	}
}

func TestGetEffectiveQuota(t *testing.T) {
	f := newEngineFixture(t, &quota.Rule{
		EventType: "api.call",
		Limit:     3,
		Period:    quota.PeriodMonthly,
		Overflow:  quota.OverflowBlock,
	})
	defer f.close()

	ctx := context.Background()

	eff, err := f.engine.GetEffectiveQuota(ctx, f.owner, "api.call")
	if err != nil {
		t.Fatal(err)
	}
	if eff == nil || eff.Rule == nil {
		t.Fatal("GetEffectiveQuota() = nil, want governing rule")
	}
	if eff.Rule.Limit != 3 {
		t.Errorf("effective limit = %d, want 3", eff.Rule.Limit)
	}
	if eff.SourceOrg != f.org {
		t.Errorf("source org = %v, want %v", eff.SourceOrg, f.org)
	}

	eff, err = f.engine.GetEffectiveQuota(ctx, f.owner, "export.run")
	if err != nil {
		t.Fatal(err)
	}
	if eff != nil {
		t.Errorf("GetEffectiveQuota(export.run) = %+v, want nil for unconfigured type", eff)
	}
}

func TestCheckDeniesAtLimit(t *testing.T) {
	f := newEngineFixture(t, &quota.Rule{
		EventType: "api.call",
		Limit:     3,
		Period:    quota.PeriodMonthly,
		Overflow:  quota.OverflowBlock,
	})
	defer f.close()

	ctx := context.Background()
	for i, key := range []string{"a", "b", "c"} {
		f.ingest(t, key, 1)

		d, err := f.engine.Check(ctx, f.owner, "api.call")
		if err != nil {
			t.Fatal(err)
		}
		wantAllowed := i < 2
		if d.Allowed != wantAllowed {
			t.Fatalf("Check() after %d events allowed = %v, want %v (%+v)", i+1, d.Allowed, wantAllowed, d)
		}
	}

	d, err := f.engine.Check(ctx, f.owner, "api.call")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatalf("Check() at limit = %+v, want denied", d)
	}
	if d.Used != 3 || d.Limit != 3 {
		t.Errorf("Check() used/limit = %d/%d, want 3/3", d.Used, d.Limit)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("Check() retry after = %v, want positive until period reset", d.RetryAfter)
	}
	if d.SourceOrg != f.org {
		t.Errorf("Check() source org = %v, want %v", d.SourceOrg, f.org)
	}
}

func TestCheckOveragePolicyAllowsAndFlags(t *testing.T) {
	f := newEngineFixture(t, &quota.Rule{
		EventType: "api.call",
		Limit:     2,
		Period:    quota.PeriodMonthly,
		Overflow:  quota.OverflowOverage,
	})
	defer f.close()

	f.ingest(t, "a", 2)
	f.ingest(t, "b", 1)

	d, err := f.engine.Check(context.Background(), f.owner, "api.call")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || !d.Overage {
		t.Errorf("Check() = %+v, want allowed with overage flag", d)
	}
}

func TestQuotaInheritanceFromAncestor(t *testing.T) {
	f := newEngineFixture(t, nil)
	defer f.close()

	ctx := context.Background()

	// A child org under the fixture root; the subscription moves to it.
	child := &org.Organization{Name: "team", ParentID: f.org, Mode: org.ModeStrict}
	if err := f.engine.CreateOrganization(ctx, child); err != nil {
		t.Fatal(err)
	}
	sub, err := f.engine.GetSubscription(ctx, f.sub)
	if err != nil {
		t.Fatal(err)
	}
	sub.OrganizationID = child.ID
	if err := f.store.UpdateSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	f.registry.Register(f.owner, identity.Registration{
		Organization: child.ID,
		Subscription: f.sub,
	})

	// The only rule lives on the ancestor.
	if err := f.engine.PutRule(ctx, &quota.Rule{
		OwnerOrg:  f.org,
		EventType: "api.call",
		Limit:     5,
		Period:    quota.PeriodMonthly,
		Overflow:  quota.OverflowBlock,
	}); err != nil {
		t.Fatal(err)
	}

	d, err := f.engine.Check(ctx, f.owner, "api.call")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Limit != 5 {
		t.Fatalf("Check() = %+v, want allowed under inherited limit 5", d)
	}
	if d.SourceOrg != f.org {
		t.Errorf("Check() source org = %v, want ancestor %v", d.SourceOrg, f.org)
	}
}

func TestReservationRollbackReleasesHold(t *testing.T) {
	f := newEngineFixture(t, &quota.Rule{
		EventType: "api.call",
		Limit:     5,
		Period:    quota.PeriodMonthly,
		Overflow:  quota.OverflowBlock,
	})
	defer f.close()

	ctx := context.Background()

	rsv, err := f.engine.Reserve(ctx, f.owner, "api.call", 5, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.Reserve(ctx, f.owner, "api.call", 1, time.Minute); !errors.Is(err, turnstile.ErrReservationDenied) {
		t.Fatalf("Reserve() over held quota err = %v, want ErrReservationDenied", err)
	}

	if err := f.engine.Rollback(ctx, rsv.ID); err != nil {
		t.Fatal(err)
	}

	d, err := f.engine.Check(ctx, f.owner, "api.call")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.Used != 0 {
		t.Errorf("Check() after rollback = %+v, want allowed with nothing used", d)
	}
}

func TestCancelSubscriptionStopsIngestion(t *testing.T) {
	f := newEngineFixture(t, nil)
	defer f.close()

	ctx := context.Background()
	if err := f.engine.CancelSubscription(ctx, f.sub, true); err != nil {
		t.Fatal(err)
	}

	res := f.engine.Ingest(ctx, f.signedEvent(t, "after-cancel", 1))
	if res.Status != ingest.StatusRejected || !errors.Is(res.Err, turnstile.ErrNotAuthorized) {
		t.Fatalf("Ingest() on canceled subscription = %+v, want not-authorized rejection", res)
	}
}

func TestCancelAtPeriodEndKeepsIngesting(t *testing.T) {
	f := newEngineFixture(t, nil)
	defer f.close()

	ctx := context.Background()
	if err := f.engine.CancelSubscription(ctx, f.sub, false); err != nil {
		t.Fatal(err)
	}

	sub, err := f.engine.GetSubscription(ctx, f.sub)
	if err != nil {
		t.Fatal(err)
	}
	if sub.CanceledAt == nil || !sub.CanceledAt.After(time.Now()) {
		t.Fatalf("cancel time = %v, want end of current window", sub.CanceledAt)
	}

	// The scheduled stop is in the future, so events keep flowing.
	f.ingest(t, "before-cutoff", 1)
}

func TestAnonymizeEventKeepsAggregates(t *testing.T) {
	f := newEngineFixture(t, nil)
	defer f.close()

	ctx := context.Background()
	res := f.ingest(t, "gdpr", 4)

	if err := f.engine.AnonymizeEvent(ctx, res.EventID); err != nil {
		t.Fatal(err)
	}

	stored, err := f.engine.GetEvent(ctx, res.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.SignerID != "" || stored.Signature != nil {
		t.Errorf("GetEvent() after anonymize = %+v, want attributable fields blanked", stored)
	}
	if stored.Quantity != 4 {
		t.Errorf("GetEvent() quantity = %d, want 4 (aggregation input untouched)", stored.Quantity)
	}

	now := time.Now().UTC()
	total, err := f.engine.Usage(ctx, f.sub, "api.call", now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 {
		t.Errorf("Usage() after anonymize = %d, want 4", total)
	}
}

func TestRuleVersioningSupersedes(t *testing.T) {
	f := newEngineFixture(t, &quota.Rule{
		EventType: "api.call",
		Limit:     10,
		Period:    quota.PeriodMonthly,
		Overflow:  quota.OverflowBlock,
	})
	defer f.close()

	ctx := context.Background()
	if err := f.engine.PutRule(ctx, &quota.Rule{
		OwnerOrg:  f.org,
		EventType: "api.call",
		Limit:     2,
		Period:    quota.PeriodMonthly,
		Overflow:  quota.OverflowBlock,
	}); err != nil {
		t.Fatal(err)
	}

	rules, err := f.engine.ListRules(ctx, quota.ListOpts{EventType: "api.call"})
	if err != nil {
		t.Fatal(err)
	}
	var active int
	for _, r := range rules {
		if r.Active {
			active++
			if r.Limit != 2 || r.Version != 2 {
				t.Errorf("active rule = limit %d version %d, want 2/2", r.Limit, r.Version)
			}
		}
	}
	if len(rules) != 2 || active != 1 {
		t.Fatalf("ListRules() = %d rules, %d active, want 2 retained with 1 active", len(rules), active)
	}

	// The new version takes effect immediately.
	f.ingest(t, "a", 2)
	d, err := f.engine.Check(ctx, f.owner, "api.call")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Errorf("Check() under superseded limit = %+v, want denied", d)
	}
}

func TestPutRuleValidation(t *testing.T) {
	f := newEngineFixture(t, nil)
	defer f.close()

	ctx := context.Background()
	tests := []struct {
		name string
		rule *quota.Rule
		want error
	}{
		{
			name: "both owners",
			rule: &quota.Rule{OwnerOrg: f.org, OwnerSub: f.sub, EventType: "api.call", Period: quota.PeriodDaily, Overflow: quota.OverflowBlock},
			want: turnstile.ErrRuleOwnerBoth,
		},
		{
			name: "no owner",
			rule: &quota.Rule{EventType: "api.call", Period: quota.PeriodDaily, Overflow: quota.OverflowBlock},
			want: turnstile.ErrRuleOwnerless,
		},
		{
			name: "bad period",
			rule: &quota.Rule{OwnerOrg: f.org, EventType: "api.call", Period: "fortnightly", Overflow: quota.OverflowBlock},
			want: turnstile.ErrInvalidPeriod,
		},
		{
			name: "bad policy",
			rule: &quota.Rule{OwnerOrg: f.org, EventType: "api.call", Period: quota.PeriodDaily, Overflow: "explode"},
			want: turnstile.ErrInvalidPolicy,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.engine.PutRule(ctx, tt.rule); !errors.Is(err, tt.want) {
				t.Errorf("PutRule() err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUpdateOrganizationRejectsCycle(t *testing.T) {
	f := newEngineFixture(t, nil)
	defer f.close()

	ctx := context.Background()
	child := &org.Organization{Name: "child", ParentID: f.org, Mode: org.ModeStrict}
	if err := f.engine.CreateOrganization(ctx, child); err != nil {
		t.Fatal(err)
	}

	root, err := f.engine.GetOrganization(ctx, f.org)
	if err != nil {
		t.Fatal(err)
	}
	root.ParentID = child.ID
	if err := f.engine.UpdateOrganization(ctx, root); !errors.Is(err, turnstile.ErrOrganizationCycle) {
		t.Fatalf("UpdateOrganization() err = %v, want ErrOrganizationCycle", err)
	}
}

// countingPlugin records hook invocations for dispatch tests.
type countingPlugin struct {
	ingested atomic.Int64
	checked  atomic.Int64
}

func (*countingPlugin) Name() string { return "counting" }

func (p *countingPlugin) OnEventIngested(context.Context, *event.Event) error {
	p.ingested.Add(1)
	return nil
}

func (p *countingPlugin) OnQuotaChecked(context.Context, *quota.Decision) error {
	p.checked.Add(1)
	return nil
}

func TestPluginDispatch(t *testing.T) {
	cp := &countingPlugin{}
	f := newEngineFixture(t, nil, turnstile.WithPlugin(cp))
	defer f.close()

	f.ingest(t, "p1", 1)
	f.ingest(t, "p2", 1)
	if _, err := f.engine.Check(context.Background(), f.owner, "api.call"); err != nil {
		t.Fatal(err)
	}

	if got := cp.ingested.Load(); got != 2 {
		t.Errorf("OnEventIngested calls = %d, want 2", got)
	}
	if got := cp.checked.Load(); got != 1 {
		t.Errorf("OnQuotaChecked calls = %d, want 1", got)
	}
}

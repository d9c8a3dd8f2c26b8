package quota

import (
	"testing"
	"time"

	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/org"
)

func testOrg(parent id.OrganizationID, mode org.Mode) *org.Organization {
	return &org.Organization{
		ID:       id.NewOrganizationID(),
		ParentID: parent,
		Mode:     mode,
	}
}

func testRule(owner id.OrganizationID, eventType string, limit int64, period Period) *Rule {
	return &Rule{
		ID:        id.NewRuleID(),
		OwnerOrg:  owner,
		EventType: eventType,
		Limit:     limit,
		Period:    period,
		Overflow:  OverflowBlock,
		Version:   1,
		Active:    true,
	}
}

func testSubRule(sub id.SubscriptionID, eventType string, limit int64, period Period) *Rule {
	r := testRule(id.Nil, eventType, limit, period)
	r.OwnerSub = sub
	return r
}

func TestResolveNoRule(t *testing.T) {
	root := testOrg(id.Nil, org.ModeStrict)
	snap := NewSnapshot([]*org.Organization{root}, nil)

	eff, err := snap.Resolve(root.ID, id.Nil, "api.call")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if eff != nil {
		t.Fatalf("Resolve() = %+v, want nil for unconfigured event type", eff)
	}
}

func TestResolveDirectRule(t *testing.T) {
	root := testOrg(id.Nil, org.ModeStrict)
	rule := testRule(root.ID, "api.call", 100, PeriodDaily)
	snap := NewSnapshot([]*org.Organization{root}, []*Rule{rule})

	eff, err := snap.Resolve(root.ID, id.Nil, "api.call")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if eff == nil {
		t.Fatal("Resolve() = nil, want effective rule")
	}
	if eff.Rule.ID != rule.ID {
		t.Errorf("effective rule = %s, want %s", eff.Rule.ID, rule.ID)
	}
	if eff.SourceOrg != root.ID {
		t.Errorf("SourceOrg = %s, want %s", eff.SourceOrg, root.ID)
	}
}

func TestResolveStrictKeepsParent(t *testing.T) {
	root := testOrg(id.Nil, org.ModeStrict)
	child := testOrg(root.ID, org.ModeStrict)
	parentRule := testRule(root.ID, "api.call", 100, PeriodDaily)
	childRule := testRule(child.ID, "api.call", 10, PeriodDaily)
	snap := NewSnapshot([]*org.Organization{root, child}, []*Rule{parentRule, childRule})

	eff, err := snap.Resolve(child.ID, id.Nil, "api.call")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if eff.Rule.ID != parentRule.ID {
		t.Errorf("strict child overrode parent: got limit %d, want %d", eff.Rule.Limit, parentRule.Limit)
	}
}

func TestResolveOverrideAllowed(t *testing.T) {
	tests := []struct {
		name        string
		childLimit  int64
		childPeriod Period
		wantChild   bool
	}{
		{"tighter limit same period", 10, PeriodDaily, true},
		{"same limit shorter period", 100, PeriodHourly, true},
		{"tighter both", 10, PeriodHourly, true},
		{"looser limit", 200, PeriodDaily, false},
		{"same limit same period", 100, PeriodDaily, false},
		{"tighter limit longer period", 10, PeriodMonthly, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := testOrg(id.Nil, org.ModeStrict)
			child := testOrg(root.ID, org.ModeOverrideAllowed)
			parentRule := testRule(root.ID, "api.call", 100, PeriodDaily)
			childRule := testRule(child.ID, "api.call", tt.childLimit, tt.childPeriod)
			snap := NewSnapshot([]*org.Organization{root, child}, []*Rule{parentRule, childRule})

			eff, err := snap.Resolve(child.ID, id.Nil, "api.call")
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}

			want := parentRule.ID
			if tt.wantChild {
				want = childRule.ID
			}
			if eff.Rule.ID != want {
				t.Errorf("effective rule = %s (limit %d), want %s", eff.Rule.ID, eff.Rule.Limit, want)
			}
		})
	}
}

func TestResolveUnlimitedNeverTightens(t *testing.T) {
	// An explicit unlimited grant is the loosest rule there is: it must
	// not displace a finite limit anywhere tightening is the only move.
	t.Run("override-allowed child", func(t *testing.T) {
		root := testOrg(id.Nil, org.ModeStrict)
		child := testOrg(root.ID, org.ModeOverrideAllowed)
		parentRule := testRule(root.ID, "api.call", 100, PeriodDaily)
		childRule := testRule(child.ID, "api.call", -1, PeriodDaily)
		snap := NewSnapshot([]*org.Organization{root, child}, []*Rule{parentRule, childRule})

		eff, err := snap.Resolve(child.ID, id.Nil, "api.call")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if eff.Rule.ID != parentRule.ID {
			t.Errorf("unlimited child displaced finite parent: limit %d", eff.Rule.Limit)
		}
	})

	t.Run("subscription leaf", func(t *testing.T) {
		root := testOrg(id.Nil, org.ModeStrict)
		subID := id.NewSubscriptionID()
		orgRule := testRule(root.ID, "api.call", 100, PeriodDaily)
		subRule := testSubRule(subID, "api.call", -1, PeriodDaily)
		snap := NewSnapshot([]*org.Organization{root}, []*Rule{orgRule, subRule})

		eff, err := snap.Resolve(root.ID, subID, "api.call")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if eff.Rule.ID != orgRule.ID {
			t.Errorf("unlimited subscription rule displaced finite org rule: limit %d", eff.Rule.Limit)
		}
	})

	t.Run("independent child replaces outright", func(t *testing.T) {
		root := testOrg(id.Nil, org.ModeStrict)
		child := testOrg(root.ID, org.ModeIndependent)
		parentRule := testRule(root.ID, "api.call", 100, PeriodDaily)
		childRule := testRule(child.ID, "api.call", -1, PeriodDaily)
		snap := NewSnapshot([]*org.Organization{root, child}, []*Rule{parentRule, childRule})

		eff, err := snap.Resolve(child.ID, id.Nil, "api.call")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if eff.Rule.ID != childRule.ID {
			t.Errorf("independent child kept inherited rule: limit %d", eff.Rule.Limit)
		}
	})
}

func TestResolveIndependent(t *testing.T) {
	root := testOrg(id.Nil, org.ModeStrict)
	child := testOrg(root.ID, org.ModeIndependent)
	parentRule := testRule(root.ID, "api.call", 10, PeriodHourly)
	childRule := testRule(child.ID, "api.call", 1000, PeriodMonthly)
	snap := NewSnapshot([]*org.Organization{root, child}, []*Rule{parentRule, childRule})

	eff, err := snap.Resolve(child.ID, id.Nil, "api.call")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if eff.Rule.ID != childRule.ID {
		t.Errorf("independent child did not take its own rule: got limit %d", eff.Rule.Limit)
	}
	if eff.SourceOrg != child.ID {
		t.Errorf("SourceOrg = %s, want %s", eff.SourceOrg, child.ID)
	}
}

func TestResolveSkipsGapsInChain(t *testing.T) {
	// Rule at the root, nothing at the middle node, resolution at the
	// leaf still finds the root's rule.
	root := testOrg(id.Nil, org.ModeStrict)
	mid := testOrg(root.ID, org.ModeOverrideAllowed)
	leaf := testOrg(mid.ID, org.ModeOverrideAllowed)
	rootRule := testRule(root.ID, "api.call", 50, PeriodDaily)
	snap := NewSnapshot([]*org.Organization{root, mid, leaf}, []*Rule{rootRule})

	eff, err := snap.Resolve(leaf.ID, id.Nil, "api.call")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if eff == nil || eff.Rule.ID != rootRule.ID {
		t.Fatalf("leaf did not inherit root rule: %+v", eff)
	}
	if len(eff.Chain) != 3 {
		t.Errorf("chain length = %d, want 3", len(eff.Chain))
	}
}

func TestResolveDeletedNodeIgnored(t *testing.T) {
	now := time.Now()
	root := testOrg(id.Nil, org.ModeStrict)
	mid := testOrg(root.ID, org.ModeIndependent)
	mid.DeletedAt = &now
	leaf := testOrg(mid.ID, org.ModeOverrideAllowed)
	rootRule := testRule(root.ID, "api.call", 50, PeriodDaily)
	midRule := testRule(mid.ID, "api.call", 5, PeriodHourly)
	snap := NewSnapshot([]*org.Organization{root, mid, leaf}, []*Rule{rootRule, midRule})

	eff, err := snap.Resolve(leaf.ID, id.Nil, "api.call")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if eff.Rule.ID != rootRule.ID {
		t.Errorf("deleted node's rule applied: got limit %d, want %d", eff.Rule.Limit, rootRule.Limit)
	}
}

func TestResolveSubscriptionRule(t *testing.T) {
	root := testOrg(id.Nil, org.ModeStrict)
	sub := id.NewSubscriptionID()

	t.Run("tightens inherited", func(t *testing.T) {
		orgRule := testRule(root.ID, "api.call", 100, PeriodDaily)
		subRule := testSubRule(sub, "api.call", 10, PeriodDaily)
		snap := NewSnapshot([]*org.Organization{root}, []*Rule{orgRule, subRule})

		eff, err := snap.Resolve(root.ID, sub, "api.call")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if eff.Rule.ID != subRule.ID {
			t.Errorf("subscription rule did not tighten: limit = %d", eff.Rule.Limit)
		}
		if eff.SourceSub != sub {
			t.Errorf("SourceSub = %s, want %s", eff.SourceSub, sub)
		}
	})

	t.Run("cannot loosen inherited", func(t *testing.T) {
		orgRule := testRule(root.ID, "api.call", 100, PeriodDaily)
		subRule := testSubRule(sub, "api.call", 1000, PeriodDaily)
		snap := NewSnapshot([]*org.Organization{root}, []*Rule{orgRule, subRule})

		eff, err := snap.Resolve(root.ID, sub, "api.call")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if eff.Rule.ID != orgRule.ID {
			t.Errorf("subscription rule loosened org quota: limit = %d", eff.Rule.Limit)
		}
	})

	t.Run("applies when nothing inherited", func(t *testing.T) {
		subRule := testSubRule(sub, "api.call", 1000, PeriodMonthly)
		snap := NewSnapshot([]*org.Organization{root}, []*Rule{subRule})

		eff, err := snap.Resolve(root.ID, sub, "api.call")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if eff == nil || eff.Rule.ID != subRule.ID {
			t.Fatalf("subscription-only rule not applied: %+v", eff)
		}
	})
}

func TestResolveShortestPeriodWinsPerNode(t *testing.T) {
	root := testOrg(id.Nil, org.ModeStrict)
	monthly := testRule(root.ID, "api.call", 10000, PeriodMonthly)
	hourly := testRule(root.ID, "api.call", 100, PeriodHourly)
	snap := NewSnapshot([]*org.Organization{root}, []*Rule{monthly, hourly})

	eff, err := snap.Resolve(root.ID, id.Nil, "api.call")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if eff.Rule.ID != hourly.ID {
		t.Errorf("node candidate = %s period, want hourly", eff.Rule.Period)
	}
}

func TestResolveInactiveRulesIgnored(t *testing.T) {
	root := testOrg(id.Nil, org.ModeStrict)
	rule := testRule(root.ID, "api.call", 100, PeriodDaily)
	rule.Active = false
	snap := NewSnapshot([]*org.Organization{root}, []*Rule{rule})

	eff, err := snap.Resolve(root.ID, id.Nil, "api.call")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if eff != nil {
		t.Fatalf("inactive rule resolved: %+v", eff)
	}
}

func TestResolveDepthExceeded(t *testing.T) {
	orgs := make([]*org.Organization, MaxDepth+1)
	parent := id.Nil
	for i := range orgs {
		orgs[i] = testOrg(parent, org.ModeStrict)
		parent = orgs[i].ID
	}
	snap := NewSnapshot(orgs, nil)

	_, err := snap.Resolve(orgs[len(orgs)-1].ID, id.Nil, "api.call")
	if err == nil {
		t.Fatal("Resolve() succeeded on chain deeper than MaxDepth")
	}
}

func TestResolveUnknownOrganization(t *testing.T) {
	snap := NewSnapshot(nil, nil)

	eff, err := snap.Resolve(id.NewOrganizationID(), id.Nil, "api.call")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if eff != nil {
		t.Fatalf("unknown organization resolved a rule: %+v", eff)
	}
}

func TestHasAnyRule(t *testing.T) {
	root := testOrg(id.Nil, org.ModeStrict)
	leaf := testOrg(root.ID, org.ModeStrict)
	sub := id.NewSubscriptionID()
	snap := NewSnapshot(
		[]*org.Organization{root, leaf},
		[]*Rule{
			testRule(root.ID, "api.call", 100, PeriodDaily),
			testSubRule(sub, "export.run", 5, PeriodDaily),
		},
	)

	if !snap.HasAnyRule(leaf.ID, id.Nil, "api.call") {
		t.Error("HasAnyRule() = false for inherited rule")
	}
	if !snap.HasAnyRule(leaf.ID, sub, "export.run") {
		t.Error("HasAnyRule() = false for subscription rule")
	}
	if snap.HasAnyRule(leaf.ID, id.Nil, "unmetered.op") {
		t.Error("HasAnyRule() = true for unconfigured event type")
	}
}

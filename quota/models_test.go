package quota

import (
	"testing"

	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/types"
)

func TestRuleOwnerKey(t *testing.T) {
	orgID := id.NewOrganizationID()
	subID := id.NewSubscriptionID()

	orgRule := &Rule{OwnerOrg: orgID, EventType: "api.call"}
	if got := orgRule.OwnerKey(); got != orgID.String() {
		t.Errorf("OwnerKey() = %q, want org %q", got, orgID)
	}

	subRule := &Rule{OwnerSub: subID, EventType: "api.call"}
	if got := subRule.OwnerKey(); got != subID.String() {
		t.Errorf("OwnerKey() = %q, want sub %q", got, subID)
	}
}

func TestRuleOverageCost(t *testing.T) {
	unit := types.USD(3)
	rule := &Rule{
		EventType:   "api.call",
		Limit:       100,
		Overflow:    OverflowOverage,
		OverageUnit: &unit,
	}

	cost := rule.OverageCost(250)
	if cost == nil || cost.Amount != 750 || cost.Currency != "usd" {
		t.Fatalf("OverageCost(250) = %v, want $7.50", cost)
	}

	if got := rule.OverageCost(0); got != nil {
		t.Errorf("OverageCost(0) = %v, want nil", got)
	}

	unpriced := &Rule{EventType: "api.call", Limit: 100, Overflow: OverflowOverage}
	if got := unpriced.OverageCost(10); got != nil {
		t.Errorf("OverageCost without unit price = %v, want nil", got)
	}
}

func TestPeriodValid(t *testing.T) {
	for _, p := range []Period{PeriodHourly, PeriodDaily, PeriodMonthly, PeriodLifetime} {
		if !p.Valid() {
			t.Errorf("Period(%q).Valid() = false", p)
		}
	}
	if Period("fortnightly").Valid() {
		t.Error("unknown period reported valid")
	}
}

func TestOverflowValid(t *testing.T) {
	for _, o := range []Overflow{OverflowBlock, OverflowOverage, OverflowNotify, OverflowThrottle} {
		if !o.Valid() {
			t.Errorf("Overflow(%q).Valid() = false", o)
		}
	}
	if Overflow("explode").Valid() {
		t.Error("unknown policy reported valid")
	}
}

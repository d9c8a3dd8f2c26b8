package enforce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/turnstile/quota"
)

func TestReserveHoldsHeadroom(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(5, quota.OverflowBlock))
	ctx := context.Background()

	r, err := f.enforcer.Reserve(ctx, "caller", "call", 3, time.Minute)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if r.Quantity != 3 || r.ID.IsNil() {
		t.Fatalf("Reserve() = %+v", r)
	}

	// The hold counts against checks on the same key.
	d, err := f.enforcer.Check(ctx, "caller", "call")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("Check() with 3 held = %+v, want allow with remaining 1", d)
	}

	// Reserving past the limit is denied.
	if _, err := f.enforcer.Reserve(ctx, "caller", "call", 3, time.Minute); !errors.Is(err, ErrReservationDenied) {
		t.Fatalf("over-reserve error = %v, want denial", err)
	}
}

func TestReserveCommit(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(5, quota.OverflowBlock))
	ctx := context.Background()

	r, err := f.enforcer.Reserve(ctx, "caller", "call", 2, time.Minute)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := f.enforcer.Commit(ctx, r.ID); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// Committed quantity persists in the live counter.
	d, _ := f.enforcer.Check(ctx, "caller", "call")
	if d.Used != 2 || d.Remaining != 2 {
		t.Errorf("post-commit check = used %d remaining %d, want 2 and 2", d.Used, d.Remaining)
	}

	// A settled handle cannot be reused.
	if err := f.enforcer.Commit(ctx, r.ID); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("double Commit() error = %v", err)
	}
}

func TestReserveRollback(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(5, quota.OverflowBlock))
	ctx := context.Background()

	r, err := f.enforcer.Reserve(ctx, "caller", "call", 5, time.Minute)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := f.enforcer.Rollback(ctx, r.ID); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	d, _ := f.enforcer.Check(ctx, "caller", "call")
	if !d.Allowed || d.Remaining != 4 {
		t.Errorf("post-rollback check = %+v, want full headroom", d)
	}

	// Rolling back twice is a no-op success.
	if err := f.enforcer.Rollback(ctx, r.ID); err != nil {
		t.Errorf("second Rollback() error = %v", err)
	}
}

func TestReservationExpiry(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(5, quota.OverflowBlock))
	ctx := context.Background()

	r, err := f.enforcer.Reserve(ctx, "caller", "call", 5, time.Minute)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	f.clock.advance(2 * time.Minute)

	// Committing past expiry fails; the reservation counts as rolled back.
	if err := f.enforcer.Commit(ctx, r.ID); !errors.Is(err, ErrReservationExpired) {
		t.Errorf("Commit() after expiry error = %v", err)
	}

	// Expired holds no longer count toward checks.
	d, err := f.enforcer.Check(ctx, "caller", "call")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !d.Allowed || d.Remaining != 4 {
		t.Fatalf("check after expiry = %+v, want full headroom", d)
	}
}

func TestSweepReservations(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(50, quota.OverflowBlock))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.enforcer.Reserve(ctx, "caller", "call", 1, time.Minute); err != nil {
			t.Fatalf("Reserve() error = %v", err)
		}
	}
	if _, err := f.enforcer.Reserve(ctx, "caller", "call", 1, time.Hour); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	f.clock.advance(5 * time.Minute)

	if n := f.enforcer.SweepReservations(ctx); n != 3 {
		t.Errorf("SweepReservations() = %d, want 3", n)
	}
}

func TestReserveInvalidQuantity(t *testing.T) {
	f := newEnforcerFixture(t, false, hourlyRule(5, quota.OverflowBlock))

	if _, err := f.enforcer.Reserve(context.Background(), "caller", "call", 0, time.Minute); err == nil {
		t.Fatal("Reserve(0) succeeded")
	}
}

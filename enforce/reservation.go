package enforce

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xraph/turnstile/audit"
	"github.com/xraph/turnstile/cache"
	"github.com/xraph/turnstile/id"
)

var (
	// ErrReservationNotFound is returned for unknown or already
	// settled reservation handles.
	ErrReservationNotFound = errors.New("enforce: reservation not found")
	// ErrReservationExpired is returned when committing a reservation
	// past its expiry; it has already been treated as rolled back.
	ErrReservationExpired = errors.New("enforce: reservation expired")
	// ErrReservationDenied is returned when the reserve-time check
	// denies the quota.
	ErrReservationDenied = errors.New("enforce: reservation denied by quota")
)

// Reservation is an optimistic hold on quota headroom for an action
// whose cost is known up front but whose success is uncertain. An
// uncommitted reservation past ExpiresAt is treated as rolled back.
type Reservation struct {
	ID             id.ReservationID  `json:"id"`
	Identity       string            `json:"identity"`
	SubscriptionID id.SubscriptionID `json:"subscription_id"`
	EventType      string            `json:"event_type"`
	Quantity       int64             `json:"quantity"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// reservationTable holds process-local reservations. Holds count toward
// Check decisions on the same (subscription, event type) key, which is
// what makes reserve-then-check honest across concurrent callers.
type reservationTable struct {
	mu    sync.Mutex
	byID  map[string]*Reservation
	byKey map[string]int64
}

func newReservationTable() *reservationTable {
	return &reservationTable{
		byID:  make(map[string]*Reservation),
		byKey: make(map[string]int64),
	}
}

func (t *reservationTable) add(r *Reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[r.ID.String()] = r
	t.byKey[cache.EntryKey(r.SubscriptionID.String(), r.EventType)] += r.Quantity
}

// take removes a reservation and returns it. The bool reports whether
// it was still live (not expired) at now.
func (t *reservationTable) take(rsvID id.ReservationID, now time.Time) (*Reservation, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.byID[rsvID.String()]
	if !ok {
		return nil, false, ErrReservationNotFound
	}
	delete(t.byID, rsvID.String())
	t.release(r)

	return r, now.Before(r.ExpiresAt), nil
}

// release must be called with the lock held.
func (t *reservationTable) release(r *Reservation) {
	key := cache.EntryKey(r.SubscriptionID.String(), r.EventType)
	t.byKey[key] -= r.Quantity
	if t.byKey[key] <= 0 {
		delete(t.byKey, key)
	}
}

// held returns the total live reserved quantity for a key, reclaiming
// any expired holds it encounters.
func (t *reservationTable) held(key string, now time.Time) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked(now)

	return t.byKey[key]
}

// sweep reclaims every expired reservation and returns the count.
func (t *reservationTable) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.sweepLocked(now)
}

func (t *reservationTable) sweepLocked(now time.Time) int {
	reclaimed := 0
	for k, r := range t.byID {
		if now.Before(r.ExpiresAt) {
			continue
		}
		delete(t.byID, k)
		t.release(r)
		reclaimed++
	}

	return reclaimed
}

// Reserve optimistically deducts quantity from the identity's headroom
// and returns a handle. The hold counts against subsequent checks until
// committed, rolled back, or expired. A zero ttl uses the configured
// default.
func (e *Enforcer) Reserve(ctx context.Context, identityID, eventType string, quantity int64, ttl time.Duration) (*Reservation, error) {
	if quantity <= 0 {
		return nil, errors.New("enforce: reservation quantity must be positive")
	}
	if ttl <= 0 {
		ttl = e.cfg.ReservationTTL
	}

	d, err := e.check(ctx, identityID, eventType, quantity)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, ErrReservationDenied
	}

	subID, err := e.registry.ResolveSubscription(ctx, identityID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now(ctx)
	r := &Reservation{
		ID:             id.NewReservationID(),
		Identity:       identityID,
		SubscriptionID: subID,
		EventType:      eventType,
		Quantity:       quantity,
		ExpiresAt:      now.Add(ttl),
	}
	e.reservations.add(r)

	e.sink.Record(ctx, audit.Entry{
		Action:    audit.ActionReservationMade,
		Identity:  identityID,
		EventType: eventType,
		At:        now,
		Details:   map[string]any{"reservation": r.ID.String(), "quantity": quantity},
	})

	return r, nil
}

// Commit finalizes a reservation: the hold is released and the quantity
// folded into the live usage counter. Committing an expired reservation
// fails; it has already been reclaimed.
func (e *Enforcer) Commit(ctx context.Context, rsvID id.ReservationID) error {
	now := e.clock.Now(ctx)
	r, live, err := e.reservations.take(rsvID, now)
	if err != nil {
		return err
	}
	if !live {
		return ErrReservationExpired
	}

	e.NoteUsage(r.SubscriptionID, r.EventType, r.Quantity)

	return nil
}

// Rollback releases a reservation without consuming anything. Rolling
// back an expired reservation is a no-op success: expiry already
// restored the hold.
func (e *Enforcer) Rollback(_ context.Context, rsvID id.ReservationID) error {
	_, _, err := e.reservations.take(rsvID, time.Time{})
	if errors.Is(err, ErrReservationNotFound) {
		return nil
	}

	return err
}

// SweepReservations reclaims expired holds. The engine worker calls it
// periodically; held() also reclaims lazily on the hot path.
func (e *Enforcer) SweepReservations(ctx context.Context) int {
	return e.reservations.sweep(e.clock.Now(ctx))
}

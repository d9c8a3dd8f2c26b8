package rollup

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/axiomhq/hyperloglog"
)

// ExactThreshold is the member count at which unique tracking spills
// from an exact set into a HyperLogLog sketch. Below it, unique counts
// are exact; above it, approximate with the sketch's error bounds.
const ExactThreshold = 1024

// Serialization mode tags for UniqueState.
const (
	uniqueModeExact  = 0x01
	uniqueModeSketch = 0x02
)

// UniqueState tracks the distinct members seen in one bucket. It holds
// an exact set up to ExactThreshold members, then converts to a
// HyperLogLog sketch. States are mergeable in either mode, which is
// what lets closed buckets combine across a range query.
type UniqueState struct {
	exact  map[string]struct{}
	sketch *hyperloglog.Sketch
}

// NewUniqueState returns an empty state in exact mode.
func NewUniqueState() *UniqueState {
	return &UniqueState{exact: make(map[string]struct{})}
}

// Add records a member.
func (u *UniqueState) Add(member string) {
	if u.sketch != nil {
		u.sketch.Insert([]byte(member))
		return
	}

	u.exact[member] = struct{}{}
	if len(u.exact) > ExactThreshold {
		u.spill()
	}
}

// spill converts the exact set into a sketch.
func (u *UniqueState) spill() {
	sk := hyperloglog.New14()
	for m := range u.exact {
		sk.Insert([]byte(m))
	}
	u.sketch = sk
	u.exact = nil
}

// Estimate returns the distinct count and whether it is approximate.
func (u *UniqueState) Estimate() (uint64, bool) {
	if u.sketch != nil {
		return u.sketch.Estimate(), true
	}

	return uint64(len(u.exact)), false
}

// Merge folds other into u. Merging a sketch into an exact state
// converts u to sketch mode first.
func (u *UniqueState) Merge(other *UniqueState) error {
	if other == nil {
		return nil
	}

	if u.sketch == nil && other.sketch == nil {
		for m := range other.exact {
			u.Add(m)
		}

		return nil
	}

	if u.sketch == nil {
		u.spill()
	}
	if other.sketch != nil {
		if err := u.sketch.Merge(other.sketch); err != nil {
			return fmt.Errorf("rollup: merge unique sketches: %w", err)
		}

		return nil
	}
	for m := range other.exact {
		u.sketch.Insert([]byte(m))
	}

	return nil
}

// MarshalBinary serializes the state as a one-byte mode tag followed by
// either a JSON string array (exact, sorted for stable output) or the
// sketch's own binary form.
func (u *UniqueState) MarshalBinary() ([]byte, error) {
	if u.sketch != nil {
		raw, err := u.sketch.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("rollup: marshal unique sketch: %w", err)
		}

		return append([]byte{uniqueModeSketch}, raw...), nil
	}

	members := make([]string, 0, len(u.exact))
	for m := range u.exact {
		members = append(members, m)
	}
	sort.Strings(members)
	raw, err := json.Marshal(members)
	if err != nil {
		return nil, fmt.Errorf("rollup: marshal unique set: %w", err)
	}

	return append([]byte{uniqueModeExact}, raw...), nil
}

// UnmarshalBinary restores a state produced by MarshalBinary. An empty
// input yields an empty exact state.
func (u *UniqueState) UnmarshalBinary(data []byte) error {
	u.exact = make(map[string]struct{})
	u.sketch = nil

	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case uniqueModeExact:
		var members []string
		if err := json.Unmarshal(data[1:], &members); err != nil {
			return fmt.Errorf("rollup: unmarshal unique set: %w", err)
		}
		for _, m := range members {
			u.exact[m] = struct{}{}
		}

		return nil
	case uniqueModeSketch:
		sk := hyperloglog.New14()
		if err := sk.UnmarshalBinary(data[1:]); err != nil {
			return fmt.Errorf("rollup: unmarshal unique sketch: %w", err)
		}
		u.sketch = sk
		u.exact = nil

		return nil
	default:
		return fmt.Errorf("rollup: unknown unique state mode 0x%02x", data[0])
	}
}

// MergeUniqueBytes merges two serialized unique states, for store
// implementations performing additive bucket upserts.
func MergeUniqueBytes(existing, delta []byte) ([]byte, error) {
	a := NewUniqueState()
	if err := a.UnmarshalBinary(existing); err != nil {
		return nil, err
	}
	b := NewUniqueState()
	if err := b.UnmarshalBinary(delta); err != nil {
		return nil, err
	}
	if err := a.Merge(b); err != nil {
		return nil, err
	}

	return a.MarshalBinary()
}

package quota

import (
	"errors"
	"fmt"
	"math"

	"github.com/xraph/turnstile/id"
	"github.com/xraph/turnstile/org"
)

// MaxDepth bounds the organization walk. A chain deeper than this is
// treated as corrupt configuration rather than walked further, which
// keeps resolution terminating even if a cycle slips past validation.
const MaxDepth = 64

// ErrDepthExceeded is returned when an ancestor chain exceeds MaxDepth.
var ErrDepthExceeded = errors.New("quota: organization chain exceeds max depth")

// Snapshot is an immutable, arena-indexed view of the organization tree
// and the active rule set. Resolution works only against a snapshot, so
// it is a pure, deterministic function of stored configuration: the same
// snapshot and inputs always produce the same effective quota, whatever
// the cache tiers contain.
type Snapshot struct {
	nodes    []snapNode
	index    map[string]int
	orgRules map[string]map[string][]*Rule // org -> event type -> active rules
	subRules map[string]map[string][]*Rule // sub -> event type -> active rules
}

type snapNode struct {
	id      id.OrganizationID
	parent  int // arena index, -1 for root
	mode    org.Mode
	deleted bool
}

// NewSnapshot builds a snapshot from the full organization list and the
// active rule set. Unknown parents are treated as roots; inactive rules
// are ignored.
func NewSnapshot(orgs []*org.Organization, rules []*Rule) *Snapshot {
	s := &Snapshot{
		index:    make(map[string]int, len(orgs)),
		orgRules: make(map[string]map[string][]*Rule),
		subRules: make(map[string]map[string][]*Rule),
	}

	s.nodes = make([]snapNode, len(orgs))
	for i, o := range orgs {
		s.index[o.ID.String()] = i
		s.nodes[i] = snapNode{id: o.ID, parent: -1, mode: o.Mode, deleted: o.IsDeleted()}
	}
	// Parent indexes are linked in a second pass so order of the input
	// slice does not matter.
	for i, o := range orgs {
		if o.ParentID.IsNil() {
			continue
		}
		if pi, ok := s.index[o.ParentID.String()]; ok {
			s.nodes[i].parent = pi
		}
	}

	for _, r := range rules {
		if !r.Active {
			continue
		}
		byType := s.orgRules
		key := r.OwnerOrg.String()
		if !r.OwnerSub.IsNil() {
			byType = s.subRules
			key = r.OwnerSub.String()
		}
		if byType[key] == nil {
			byType[key] = make(map[string][]*Rule)
		}
		byType[key][r.EventType] = append(byType[key][r.EventType], r)
	}

	return s
}

// HasAnyRule reports whether any active rule exists for the event type
// on the subscription or anywhere on the organization chain. Used to
// seed the membership pre-filter.
func (s *Snapshot) HasAnyRule(orgID id.OrganizationID, subID id.SubscriptionID, eventType string) bool {
	if !subID.IsNil() {
		if byType := s.subRules[subID.String()]; byType != nil && len(byType[eventType]) > 0 {
			return true
		}
	}
	chain, err := s.ancestry(orgID)
	if err != nil {
		return true // corrupt chain: fail toward "rule may exist"
	}
	for _, n := range chain {
		if byType := s.orgRules[n.id.String()]; byType != nil && len(byType[eventType]) > 0 {
			return true
		}
	}
	return false
}

// RuleOwners returns the owner/event-type pairs of every active rule in
// the snapshot, for membership-filter population.
func (s *Snapshot) RuleOwners() []string {
	var keys []string
	for owner, byType := range s.orgRules {
		for eventType := range byType {
			keys = append(keys, owner+"/"+eventType)
		}
	}
	for owner, byType := range s.subRules {
		for eventType := range byType {
			keys = append(keys, owner+"/"+eventType)
		}
	}
	return keys
}

// Resolve walks the identity's owning organization up to the root and
// folds the directly-configured rules root-to-leaf, applying each node's
// inheritance mode. A subscription-attached rule, when present, is
// folded last as the leaf-most entry. Returns nil when no rule governs
// the pair (unconditional allow).
func (s *Snapshot) Resolve(orgID id.OrganizationID, subID id.SubscriptionID, eventType string) (*Effective, error) {
	chain, err := s.ancestry(orgID)
	if err != nil {
		return nil, err
	}

	eff := &Effective{}
	for _, n := range chain {
		eff.Chain = append(eff.Chain, n.id)
		if n.deleted {
			continue
		}
		candidate := s.nodeRule(s.orgRules, n.id.String(), eventType)
		if candidate == nil {
			continue
		}

		if eff.Rule == nil {
			eff.Rule = candidate
			eff.SourceOrg = n.id
			continue
		}

		switch n.mode {
		case org.ModeStrict:
			// Inherited value stays.
		case org.ModeOverrideAllowed:
			if moreRestrictive(candidate, eff.Rule) {
				eff.Rule = candidate
				eff.SourceOrg = n.id
			}
		case org.ModeIndependent:
			eff.Rule = candidate
			eff.SourceOrg = n.id
		}
	}

	// Subscription rules are leaf-most: they may only tighten whatever
	// the organization chain produced.
	if !subID.IsNil() {
		if sub := s.nodeRule(s.subRules, subID.String(), eventType); sub != nil {
			if eff.Rule == nil || moreRestrictive(sub, eff.Rule) {
				eff.Rule = sub
				eff.SourceOrg = id.Nil
				eff.SourceSub = subID
			}
		}
	}

	if eff.Rule == nil {
		return nil, nil //nolint:nilnil // nil Effective means "no rule configured"
	}
	return eff, nil
}

// nodeRule returns the node's directly-configured rule for the event
// type. When rules exist across several periods, the tightest window
// wins; ties break on lower limit, then lower version for stability.
func (s *Snapshot) nodeRule(byOwner map[string]map[string][]*Rule, owner, eventType string) *Rule {
	byType := byOwner[owner]
	if byType == nil {
		return nil
	}
	var best *Rule
	for _, r := range byType[eventType] {
		if best == nil || tighter(r, best) {
			best = r
		}
	}
	return best
}

// Ancestry returns the organization chain from root to the given leaf,
// inclusive. Unknown leaves yield an empty chain.
func (s *Snapshot) Ancestry(leaf id.OrganizationID) ([]id.OrganizationID, error) {
	chain, err := s.ancestry(leaf)
	if err != nil {
		return nil, err
	}

	ids := make([]id.OrganizationID, len(chain))
	for i, n := range chain {
		ids[i] = n.id
	}
	return ids, nil
}

// ancestry returns the chain from root to the given leaf, inclusive.
func (s *Snapshot) ancestry(leaf id.OrganizationID) ([]snapNode, error) {
	i, ok := s.index[leaf.String()]
	if !ok {
		return nil, nil
	}

	var reversed []snapNode
	for depth := 0; i >= 0; depth++ {
		if depth >= MaxDepth {
			return nil, fmt.Errorf("%w: leaf %s", ErrDepthExceeded, leaf)
		}
		reversed = append(reversed, s.nodes[i])
		i = s.nodes[i].parent
	}

	chain := make([]snapNode, len(reversed))
	for j := range reversed {
		chain[j] = reversed[len(reversed)-1-j]
	}
	return chain, nil
}

// boundedLimit maps the unlimited marker to the loosest possible value
// for restrictiveness comparisons. An explicit unlimited grant never
// tightens anything.
func boundedLimit(l int64) int64 {
	if l < 0 {
		return math.MaxInt64
	}
	return l
}

// moreRestrictive reports whether child is unambiguously tighter than
// parent: a window no longer than the parent's with a limit no higher.
// Anything ambiguous keeps the inherited value.
func moreRestrictive(child, parent *Rule) bool {
	cl, pl := boundedLimit(child.Limit), boundedLimit(parent.Limit)
	if periodRank(child.Period) > periodRank(parent.Period) {
		return false
	}
	if cl > pl {
		return false
	}
	return cl < pl || periodRank(child.Period) < periodRank(parent.Period)
}

// tighter orders a node's own rules: shortest window first, then lowest
// limit, then lowest version.
func tighter(a, b *Rule) bool {
	if periodRank(a.Period) != periodRank(b.Period) {
		return periodRank(a.Period) < periodRank(b.Period)
	}
	if boundedLimit(a.Limit) != boundedLimit(b.Limit) {
		return boundedLimit(a.Limit) < boundedLimit(b.Limit)
	}
	return a.Version < b.Version
}

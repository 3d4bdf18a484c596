package ice

import "sort"

// DefaultMaxPairsPerComponent is the hard per-component pair cap unless a
// caller overrides it via Config.MaxPairsPerComponent (spec.md section 6.4).
const DefaultMaxPairsPerComponent = 100

// CheckList is the per-session priority-sorted sequence of candidate
// pairs, its triggered-check FIFO, and the subset marked valid (spec.md
// section 3: "Check List").
type CheckList struct {
	Pairs     []*CandidatePair
	triggered []*CandidatePair
	Valid     []*CandidatePair

	maxPairs int
}

// NewCheckList creates an empty check list capped at maxPairsPerComponent
// times the component count.
func NewCheckList(componentCount, maxPairsPerComponent int) *CheckList {
	if maxPairsPerComponent <= 0 {
		maxPairsPerComponent = DefaultMaxPairsPerComponent
	}
	return &CheckList{maxPairs: maxPairsPerComponent * componentCount}
}

// Find returns the existing pair matching (local, remote) by the
// uniqueness key of spec.md section 3, if any.
func (c *CheckList) Find(local *LocalCandidate, remote *RemoteCandidate) *CandidatePair {
	key := pairKeyOf(local, remote)
	for _, p := range c.Pairs {
		if p.key() == key {
			return p
		}
	}
	return nil
}

func pairKeyOf(local *LocalCandidate, remote *RemoteCandidate) string {
	p := &CandidatePair{Local: local, Remote: remote}
	return p.key()
}

// AddPairs adds newly-formed pairs, rewrites server-reflexive locals to
// their base, re-sorts by (priority desc, component-id asc), prunes
// duplicates (keeping the first/highest-priority occurrence), and
// truncates to the configured cap — RFC 8445 sections 6.1.2.3/6.1.2.4, as
// specified in spec.md section 4.8.
func (c *CheckList) AddPairs(pairs []*CandidatePair) {
	for _, p := range pairs {
		if p.Local.Type == CandidateTypeServerReflexive {
			rewritten := *p.Local
			rewritten.Address = p.Local.Base
			p.Local = &rewritten
		}
		c.Pairs = append(c.Pairs, p)
	}

	sort.SliceStable(c.Pairs, func(i, j int) bool {
		if c.Pairs[i].Priority != c.Pairs[j].Priority {
			return c.Pairs[i].Priority > c.Pairs[j].Priority
		}
		return c.Pairs[i].Local.ComponentID < c.Pairs[j].Local.ComponentID
	})

	seen := make(map[string]bool, len(c.Pairs))
	deduped := c.Pairs[:0]
	for _, p := range c.Pairs {
		k := p.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		deduped = append(deduped, p)
	}
	c.Pairs = deduped

	if c.maxPairs > 0 && len(c.Pairs) > c.maxPairs {
		c.Pairs = c.Pairs[:c.maxPairs]
	}
}

// Add inserts a single pair (used by the triggered-check path when a
// request arrives for a pair that does not yet exist).
func (c *CheckList) Add(p *CandidatePair) {
	c.AddPairs([]*CandidatePair{p})
}

// Trigger enqueues p on the FIFO triggered-check queue, used both for
// fresh pairs built in response to an incoming check and existing pairs
// reset to waiting (spec.md section 4.8).
func (c *CheckList) Trigger(p *CandidatePair) {
	c.triggered = append(c.triggered, p)
}

// NextCheck implements spec.md section 4.8's check-scheduling priority:
// triggered FIFO first, then the highest-priority waiting pair, then (as
// the documented simplification of RFC 8445 section 6.1.4.2) the
// highest-priority frozen pair. Returns nil if there is nothing to check.
func (c *CheckList) NextCheck() *CandidatePair {
	for len(c.triggered) > 0 {
		p := c.triggered[0]
		c.triggered = c.triggered[1:]
		if p.State == PairWaiting || p.State == PairFrozen {
			return p
		}
	}

	for _, p := range c.Pairs {
		if p.State == PairWaiting {
			return p
		}
	}

	for _, p := range c.Pairs {
		if p.State == PairFrozen {
			return p
		}
	}

	return nil
}

// MarkValid appends p to Valid if it is not already present (spec.md
// testable property 4: every succeeded pair has a corresponding validPairs
// entry).
func (c *CheckList) MarkValid(p *CandidatePair) {
	p.IsValid = true
	for _, v := range c.Valid {
		if v == p {
			return
		}
	}
	c.Valid = append(c.Valid, p)
}

// Done reports whether no pair remains in a state that could still
// produce a nomination: waiting, in-progress, or frozen (spec.md section
// 4.8's failure-detection rule).
func (c *CheckList) Done() bool {
	for _, p := range c.Pairs {
		switch p.State {
		case PairWaiting, PairInProgress, PairFrozen:
			return false
		}
	}
	return true
}

// BestNominatedFor returns the first nominated, succeeded pair for the
// given component, or nil.
func (c *CheckList) BestNominatedFor(componentID int) *CandidatePair {
	for _, p := range c.Pairs {
		if p.Local.ComponentID == componentID && p.IsNominated && p.State == PairSucceeded {
			return p
		}
	}
	return nil
}

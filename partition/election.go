package partition

import (
	"github.com/outofforest/failover/types"
)

// Random selects one of equally ranked candidates.
type Random interface {
	Intn(n int) int
}

// NewElector creates new primary elector.
func NewElector(ranker types.PromotionRanker, random Random, testMode bool) *Elector {
	return &Elector{
		ranker:   ranker,
		random:   random,
		testMode: testMode,
	}
}

// Elector selects the replica to become the primary.
type Elector struct {
	ranker   types.PromotionRanker
	random   Random
	testMode bool
}

// CompareForPrimary returns positive value if replica a is a better primary than b, negative one if b is better
// and 0 if they are equal.
func (e *Elector) CompareForPrimary(fu *FailoverUnit, a, b *Replica) int {
	if a.LastAcknowledgedLSN != b.LastAcknowledgedLSN {
		if a.LastAcknowledgedLSN > b.LastAcknowledgedLSN {
			return 1
		}
		return -1
	}

	aInCC, bInCC := a.IsInCurrentConfiguration(), b.IsInCurrentConfiguration()
	if aInCC != bInCC {
		if aInCC {
			return 1
		}
		return -1
	}

	if a.FirstAcknowledgedLSN != b.FirstAcknowledgedLSN {
		switch {
		case a.FirstAcknowledgedLSN == 0:
			return -1
		case b.FirstAcknowledgedLSN == 0:
			return 1
		case a.FirstAcknowledgedLSN < b.FirstAcknowledgedLSN:
			return 1
		default:
			return -1
		}
	}

	if e.ranker == nil {
		return 0
	}
	switch rank := e.ranker.CompareNodeForPromotion(fu.Service.Name, fu.ID, a.Node.ID, b.Node.ID); {
	case rank < 0:
		return 1
	case rank > 0:
		return -1
	default:
		return 0
	}
}

// SelectPrimary returns the best candidate. Ties are broken randomly unless test mode is enabled.
func (e *Elector) SelectPrimary(fu *FailoverUnit, candidates []*Replica) *Replica {
	var best []*Replica
	for _, c := range candidates {
		if len(best) == 0 {
			best = append(best, c)
			continue
		}
		switch cmp := e.CompareForPrimary(fu, c, best[0]); {
		case cmp > 0:
			best = append(best[:0], c)
		case cmp == 0:
			best = append(best, c)
		}
	}

	switch {
	case len(best) == 0:
		return nil
	case len(best) == 1 || e.testMode || e.random == nil:
		return best[0]
	default:
		return best[e.random.Intn(len(best))]
	}
}

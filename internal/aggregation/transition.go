package aggregation

import (
	"math/big"

	"holder-analytics/internal/domain"
)

// DetectTransition classifies the holder-status change between two balances:
// zero to positive gains a holder, positive to zero loses one. Moves into or out
// of a negative balance are not transitions; negative balances only arise from
// an inconsistent upstream stream and are reported separately.
func DetectTransition(prev, next *big.Int) domain.Transition {
	switch {
	case prev.Sign() == 0 && next.Sign() > 0:
		return domain.GainedHolder
	case prev.Sign() > 0 && next.Sign() == 0:
		return domain.LostHolder
	default:
		return domain.NoChange
	}
}

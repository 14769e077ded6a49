package workflow

import (
	"github.com/shopspring/decimal"

	"github.com/fundraiseapp/fundraise_backend/solana"
)

// DefaultTolerance absorbs fee deduction and unit-conversion rounding
// when comparing the received amount against the requested one:
// 0.001 SOL.
var DefaultTolerance = decimal.New(1, -3)

// MatchSettlement finds the settlement transaction for a donation
// among scanner candidates. A candidate matches only when the
// donation's reference tag appears among its participant addresses
// AND the transferred amount is within tolerance of the expected
// amount. A candidate without the reference tag never matches, no
// matter how closely the amount agrees: amount-only matching is
// ambiguous between donations and is not a fallback here.
//
// Candidates arrive newest first from the scanner; the first match
// wins.
func MatchSettlement(candidates []solana.SettlementCandidate, referenceTag string, expectedAmount, tolerance decimal.Decimal) (*solana.SettlementCandidate, bool) {
	if referenceTag == "" {
		return nil, false
	}
	for i := range candidates {
		candidate := &candidates[i]
		if candidate.Failed {
			continue
		}
		if !candidate.HasParticipant(referenceTag) {
			continue
		}
		if candidate.TransferredAmount.Sub(expectedAmount).Abs().GreaterThan(tolerance) {
			continue
		}
		return candidate, true
	}
	return nil, false
}

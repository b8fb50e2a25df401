/*
policy.go - The reward schedule

PURPOSE:
  One place holding the token amounts each attribution kind earns. The
  amounts are fixed-point decimals constructed once at startup; handlers
  never parse reward literals on the hot path.

SEE ALSO:
  - settler.go: Applies the policy
*/
package attribution

import (
	"github.com/shopspring/decimal"

	"github.com/extropy/ledger/ledger"
)

// RewardPolicy maps attribution kinds to award amounts. A zero amount means
// the kind earns nothing and settlement is skipped.
type RewardPolicy struct {
	// Publish is credited to the author when a new card is published.
	Publish decimal.Decimal

	Citation decimal.Decimal
	Remix    decimal.Decimal
	Reply    decimal.Decimal
}

// DefaultPolicy is the platform reward schedule.
func DefaultPolicy() RewardPolicy {
	return RewardPolicy{
		Publish:  ledger.MustDecimal("1.0"),
		Citation: ledger.MustDecimal("0.1"),
		Remix:    ledger.MustDecimal("0.5"),
		Reply:    ledger.MustDecimal("0.05"),
	}
}

// RewardFor returns the award for one attribution kind. Unknown kinds earn
// zero rather than failing: the ledger must not reject events a newer
// pipeline version emits before this service is redeployed.
func (p RewardPolicy) RewardFor(kind Kind) decimal.Decimal {
	switch kind {
	case KindCitation:
		return p.Citation
	case KindRemix:
		return p.Remix
	case KindReply:
		return p.Reply
	default:
		return decimal.Zero
	}
}

// Package fees computes the platform fee and curator earnings for a sold
// listing. Amounts are int64 minor units (cents); intermediate math uses
// decimals so the split is exact.
package fees

import "github.com/shopspring/decimal"

// Tier is a curator's subscription level. Higher tiers pay a lower base
// rate on the starting price.
type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierElite Tier = "elite"
)

// baseRate returns the fraction of the starting price charged as the base
// fee. Unknown tiers fall back to the free rate.
func baseRate(tier Tier) decimal.Decimal {
	switch tier {
	case TierElite:
		return decimal.NewFromFloat(0.05)
	case TierPro:
		return decimal.NewFromFloat(0.07)
	default:
		return decimal.NewFromFloat(0.10)
	}
}

// premiumPlatformShare is the platform's cut of the bidding-war premium
// (the amount the final price climbed above the starting price). The
// remaining 75% stays with the curator.
var premiumPlatformShare = decimal.NewFromFloat(0.25)

// Breakdown is the result of a fee computation.
// PlatformFee + CuratorEarnings == FinalPrice always holds exactly.
type Breakdown struct {
	PlatformFee     int64
	CuratorEarnings int64
}

// Compute splits finalPrice between the platform and the curator.
//
// baseFee = startingPrice * rate(tier)
// premium = max(0, finalPrice - startingPrice)
// platformFee = round(baseFee + 0.25 * premium)
//
// Rounding happens once, at the end, so the curator's share is defined as
// the exact remainder and no cent is ever created or lost.
func Compute(finalPrice, startingPrice int64, tier Tier) Breakdown {
	baseFee := decimal.NewFromInt(startingPrice).Mul(baseRate(tier))

	premium := finalPrice - startingPrice
	if premium < 0 {
		premium = 0
	}

	platformFee := baseFee.
		Add(decimal.NewFromInt(premium).Mul(premiumPlatformShare)).
		Round(0).
		IntPart()

	// A degenerate listing (tiny final price, high base rate) must never
	// drive earnings negative or charge more than the sale brought in.
	if platformFee > finalPrice {
		platformFee = finalPrice
	}
	if platformFee < 0 {
		platformFee = 0
	}

	return Breakdown{
		PlatformFee:     platformFee,
		CuratorEarnings: finalPrice - platformFee,
	}
}

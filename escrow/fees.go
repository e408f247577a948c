package escrow

import "math"

// Tier is the fee-relevant subscription level of the party receiving funds.
type Tier string

const (
	TierFree         Tier = "free"
	TierProfessional Tier = "professional"
)

// FeeSchedule maps tiers to the platform's escrow fee percentage. The
// percentages are configuration, not constants: a user's tier is read at the
// moment of release, never cached from funding time.
type FeeSchedule struct {
	FreePercent         float64
	ProfessionalPercent float64
}

// Percent returns the fee percentage for the tier. Unknown tiers pay the free
// rate.
func (f FeeSchedule) Percent(tier Tier) float64 {
	switch tier {
	case TierProfessional:
		return f.ProfessionalPercent
	default:
		return f.FreePercent
	}
}

// Fee computes the platform fee in cents, rounded half up.
func (f FeeSchedule) Fee(amount int64, tier Tier) int64 {
	if amount <= 0 {
		return 0
	}
	return int64(math.Floor(float64(amount)*f.Percent(tier)/100 + 0.5))
}

package perps

import "time"

// FundingPeriod is the reference interval one full funding rate accrues
// over.
const FundingPeriod = 8 * time.Hour

// baseFundingRate is the inventory-skew component, signed by the net
// trader position.
var baseFundingRate = MustDec("0.0001")

// UpdateFundingRate recomputes the perpetual's funding rate from the mark
// premium EMA and the AMM inventory. Premiums inside the clamp band
// contribute nothing; only the excess beyond the band moves the rate, plus
// a fixed skew in the direction of net trader exposure.
func UpdateFundingRate(p *Perpetual) {
	clamp := p.Risk.FundingRateClamp
	premium := p.MarkPremiumEMA
	rate := premium.Max(clamp).Add(premium.Min(clamp.Neg()))

	k2 := p.AMMAccount().PositionBC.Neg()
	switch k2.Sign() {
	case 1:
		rate = rate.Add(baseFundingRate)
	case -1:
		rate = rate.Sub(baseFundingRate)
	}
	p.FundingRate = rate
}

// AccrueFunding adds the funding accumulated over the elapsed interval to
// the perpetual's unit accumulator. The accumulator is in collateral
// currency per unit of base position.
func AccrueFunding(p *Perpetual, now time.Time) {
	if p.UpdateTime.IsZero() {
		p.UpdateTime = now
		return
	}
	elapsed := now.Sub(p.UpdateTime)
	if elapsed <= 0 {
		return
	}
	p.UpdateTime = now

	var conversion Dec64
	switch p.CollateralKind {
	case CollateralBase:
		conversion = dec64One
	case CollateralQuanto:
		conversion = p.S2().Div(p.S3())
	default:
		conversion = p.S2()
	}
	fraction := DecFromInt(int64(elapsed / time.Second)).
		Div(DecFromInt(int64(FundingPeriod / time.Second)))
	p.UnitAccumulatedFunding = p.UnitAccumulatedFunding.
		Add(conversion.Mul(p.FundingRate).Mul(fraction))
}

package perps

import "time"

// OracleSample is one observation from an external price feed.
type OracleSample struct {
	Price         Dec64
	Time          time.Time
	IsOpen        bool
	Terminated    bool
	Insignificant bool
}

// PriceOutcome is the typed result of folding an oracle sample into a
// perpetual. Emergency transitions are outcomes, not errors.
type PriceOutcome int

const (
	PriceContinue PriceOutcome = iota
	PriceEmergency
)

// QuoteToCollateral returns the multiplier converting quote-currency
// amounts to collateral currency.
func QuoteToCollateral(p *Perpetual) Dec64 {
	switch p.CollateralKind {
	case CollateralBase:
		return dec64One.Div(p.S2())
	case CollateralQuanto:
		return dec64One.Div(p.S3())
	default:
		return dec64One
	}
}

// BaseToCollateral returns the multiplier converting base-currency amounts
// to collateral currency, optionally at the mark price.
func BaseToCollateral(p *Perpetual, atMark bool) Dec64 {
	s2 := p.S2()
	if atMark {
		s2 = s2.Mul(dec64One.Add(p.MarkPremiumEMA))
	}
	switch p.CollateralKind {
	case CollateralBase:
		return s2.Div(p.S2())
	case CollateralQuanto:
		return s2.Div(p.S3())
	default:
		return s2
	}
}

// MarkPrice returns the smoothed executable price S2*(1+premiumEMA).
func (p *Perpetual) MarkPrice() Dec64 {
	return p.S2().Mul(dec64One.Add(p.MarkPremiumEMA))
}

// UpdateMarkPremium folds the current premium rate into the mark-price EMA.
func (p *Perpetual) UpdateMarkPremium(premium Dec64) {
	lambda := p.Risk.MarkPriceEMALambda
	p.CurrentPremium = premium
	p.MarkPremiumEMA = lambda.Mul(p.MarkPremiumEMA).Add(dec64One.Sub(lambda).Mul(premium))
}

// ApplyIndexSample folds one oracle sample into the given feed. Samples
// younger than minInterval or flagged insignificant leave the stored price
// and timestamp untouched. A terminated feed yields PriceEmergency; the
// caller moves the perpetual to EMERGENCY.
func (p *Perpetual) ApplyIndexSample(feed *PriceFeed, s OracleSample, minInterval time.Duration) PriceOutcome {
	if s.Terminated {
		return PriceEmergency
	}
	if s.Time.Sub(feed.Time) < minInterval {
		return PriceContinue
	}
	if s.Insignificant && !feed.Price.IsZero() {
		return PriceContinue
	}
	feed.Price = s.Price
	feed.Time = s.Time
	feed.IsOpen = s.IsOpen
	return PriceContinue
}

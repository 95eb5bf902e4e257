package perps

import "time"

// ValidateOrder runs the stateless precondition checks, in order. Each
// failure maps to one sentinel error and leaves no state change.
func ValidateOrder(p *Perpetual, o *Order, now time.Time, wl WhitelistChecker) error {
	if wl != nil && wl.IsWhitelistActive() && !wl.IsWhitelisted(o.Trader) {
		return ErrNotWhitelisted
	}
	if o.Trader == "" {
		return ErrNoSender
	}
	if o.Referrer != "" && o.IsMarket() {
		return ErrReferrerOnMarket
	}
	if o.Amount.IsZero() {
		return ErrInvalidAmount
	}
	if o.Deadline != 0 && now.Unix() > o.Deadline {
		return ErrDeadlineExceeded
	}
	if p.State != StateNormal {
		return ErrWrongState
	}
	if !p.IndexS2.IsOpen {
		return ErrMarketClosed
	}
	if p.CollateralKind == CollateralQuanto && !p.IndexS3.IsOpen {
		return ErrQuantoClosed
	}
	if o.IsStop() {
		if o.TriggerPrice.Sign() <= 0 {
			return ErrTriggerRequired
		}
		mark := p.MarkPrice()
		if o.Amount.Sign() > 0 && mark.Lt(o.TriggerPrice) {
			return ErrTriggerNotMet
		}
		if o.Amount.Sign() < 0 && mark.Gt(o.TriggerPrice) {
			return ErrTriggerNotMet
		}
	}
	return nil
}

// MaxSignedTradeSize returns the largest admissible trade in the direction
// of amount for a trader currently holding pos. Trades growing away from
// kStar have the exposure-EMA bound scaled down while the default fund is
// under target; trades toward kStar keep the unscaled bound and get the
// doubled-kStar slack when that is larger; an explicit position cap, if
// configured, binds last.
func MaxSignedTradeSize(pool *LiquidityPool, p *Perpetual, pos, amount Dec64) (Dec64, error) {
	ema := p.TraderExposureEMA
	if ema.Sign() <= 0 {
		return Dec64{}, ErrNeedPositiveEMA
	}
	maxAbs := p.FundRisk.MaximalTradeSizeBumpUp.Mul(ema)

	dir := amount.Sign()
	if dir == p.KStarSide {
		maxAbs = maxAbs.Max(dec64Two.Mul(p.KStar.Abs()))
	} else if p.TargetDFSize.Sign() > 0 && pool.DefaultFundCashCC.Lt(p.TargetDFSize) {
		scale := pool.DefaultFundCashCC.Div(p.TargetDFSize).Max(Dec64{})
		maxAbs = maxAbs.Mul(scale)
	}
	bound := maxAbs
	if dir < 0 {
		bound = maxAbs.Neg()
	}
	if maxPos := p.Params.MaxPositionBC; maxPos.Sign() > 0 {
		if dir > 0 {
			bound = bound.Min(maxPos.Sub(pos))
		} else {
			bound = bound.Max(maxPos.Neg().Sub(pos))
		}
	}
	return bound, nil
}

// checkTradeSize rejects amounts beyond the signed bound.
func checkTradeSize(pool *LiquidityPool, p *Perpetual, pos, amount Dec64) error {
	bound, err := MaxSignedTradeSize(pool, p, pos, amount)
	if err != nil {
		return err
	}
	if amount.Sign() > 0 && amount.Gt(bound) {
		return ErrTradeSizeExceeds
	}
	if amount.Sign() < 0 && amount.Lt(bound) {
		return ErrTradeSizeExceeds
	}
	return nil
}

// PreTrade resolves the executable amount and price for an order. Close-only
// orders are shrunk to the open position; the amount is rounded to the lot
// grid; the AMM quote is checked against the order's limit price.
func PreTrade(pool *LiquidityPool, p *Perpetual, o *Order) (price, amount Dec64, err error) {
	amount = o.Amount
	acc := p.Account(o.Trader)
	if o.IsCloseOnly() {
		if !acc.HasPosition() {
			return Dec64{}, Dec64{}, ErrNoPositionToClose
		}
		if amount.Sign() == acc.PositionBC.Sign() {
			return Dec64{}, Dec64{}, ErrCloseOnlyTrade
		}
		if amount.Abs().Gt(acc.PositionBC.Abs()) {
			amount = acc.PositionBC.Neg()
		}
	}
	amount = amount.RoundToLot(p.Params.LotSizeBC)
	if amount.IsZero() {
		return Dec64{}, Dec64{}, ErrInvalidAmount
	}
	if err := checkTradeSize(pool, p, acc.PositionBC, amount); err != nil {
		return Dec64{}, Dec64{}, err
	}

	v := GetAMMVariables(pool, p)
	price = CalcPerpetualPrice(v, amount, p.Risk, p.KStar, Spread(pool, p))
	if price.Sign() <= 0 {
		return Dec64{}, Dec64{}, ErrPriceNotPositive
	}
	if o.LimitPrice.Sign() > 0 {
		if amount.Sign() > 0 && price.Gt(o.LimitPrice) {
			return Dec64{}, Dec64{}, ErrPriceExceedsLimit
		}
		if amount.Sign() < 0 && price.Lt(o.LimitPrice) {
			return Dec64{}, Dec64{}, ErrPriceExceedsLimit
		}
	}
	return price, amount, nil
}

// settleAccountFunding realizes accrued funding into cash and resets the
// account's offset.
func settleAccountFunding(p *Perpetual, acc *MarginAccount) {
	due := acc.PositionBC.Mul(p.UnitAccumulatedFunding.Sub(acc.FundingOffset))
	acc.CashCC = acc.CashCC.Sub(due)
	acc.FundingOffset = p.UnitAccumulatedFunding
}

// ExecuteTrade applies the position, locked-value, funding and exposure
// updates for a trade of the given signed amount at the given price. The
// AMM account takes the opposite side. isClose marks an execution that must
// reduce exposure; violating that is caller misuse, not a market condition.
func ExecuteTrade(pool *LiquidityPool, p *Perpetual, trader string, amount, price Dec64, isClose bool) error {
	if amount.IsZero() {
		return ErrZeroTradeAmount
	}
	acc := p.Account(trader)
	oldPos := acc.PositionBC
	if isClose {
		if oldPos.IsZero() {
			return ErrNotClosing
		}
		if amount.Sign() == oldPos.Sign() {
			return ErrAlreadyClosed
		}
	}

	settleAccountFunding(p, acc)
	acc.PositionBC = oldPos.Add(amount)
	acc.LockedInValueQC = acc.LockedInValueQC.Add(amount.Mul(price))

	amm := p.AMMAccount()
	settleAccountFunding(p, amm)
	amm.PositionBC = amm.PositionBC.Sub(amount)
	amm.LockedInValueQC = amm.LockedInValueQC.Sub(amount.Mul(price))

	// Open interest tracks the long side of trader exposure.
	p.OpenInterest = p.OpenInterest.
		Add(acc.PositionBC.Max(Dec64{})).
		Sub(oldPos.Max(Dec64{}))

	if acc.HasPosition() {
		p.MarkOpen(trader)
	} else {
		p.MarkClosed(trader)
	}

	updateExposureEMAs(p, amount)
	UpdateKStar(pool, p)
	return nil
}

// updateExposureEMAs folds the trade into the trader-side magnitude EMA
// and the direction-split AMM exposure EMAs. Growing observations adapt
// with the fast decay factor, shrinking ones with the slow factor.
func updateExposureEMAs(p *Perpetual, amount Dec64) {
	slow, fast := p.FundRisk.DFLambda[0], p.FundRisk.DFLambda[1]

	obs := amount.Abs()
	lambda := slow
	if obs.Gt(p.TraderExposureEMA) {
		lambda = fast
	}
	p.TraderExposureEMA = lambda.Mul(p.TraderExposureEMA).
		Add(dec64One.Sub(lambda).Mul(obs))

	k2 := p.AMMAccount().PositionBC.Neg()
	idx := 0
	if k2.Sign() > 0 {
		idx = 1
	}
	lambda = slow
	if k2.Abs().Gt(p.AMMExposureEMA[idx].Abs()) {
		lambda = fast
	}
	p.AMMExposureEMA[idx] = lambda.Mul(p.AMMExposureEMA[idx]).
		Add(dec64One.Sub(lambda).Mul(k2))
}

// CalculateFees computes the PnL-participant fee, the treasury fee and the
// referral rebate for a trade of |amount|, all in collateral currency.
// Opening trades must leave the initial margin covered; closing trades clip
// the fees to the remaining margin and forfeit the rebate.
func CalculateFees(p *Perpetual, acc *MarginAccount, amount Dec64, hasReferrer, hasOpened bool) (pnlFee, treasuryFee, rebate Dec64, err error) {
	if amount.Sign() < 0 {
		return Dec64{}, Dec64{}, Dec64{}, ErrAbsoluteValue
	}
	conv := BaseToCollateral(p, false)
	pnlFee = p.Params.PnLPartRate.Mul(amount).Mul(conv)
	treasuryFee = p.Params.TreasuryFeeRate.Mul(amount).Mul(conv)
	if hasReferrer {
		rebate = p.Params.ReferralRebateCC
	}

	available := AvailableMargin(p, acc, true)
	total := pnlFee.Add(treasuryFee).Add(rebate)
	if available.Gte(total) {
		return pnlFee, treasuryFee, rebate, nil
	}
	if hasOpened {
		return Dec64{}, Dec64{}, Dec64{}, ErrMarginNotEnough
	}
	// Closing: clip so pnlFee+treasuryFee exactly exhausts the margin.
	rebate = Dec64{}
	if available.Sign() <= 0 {
		return Dec64{}, Dec64{}, Dec64{}, nil
	}
	feeSum := pnlFee.Add(treasuryFee)
	if feeSum.Sign() > 0 {
		pnlFee = pnlFee.Mul(available).Div(feeSum)
		treasuryFee = available.Sub(pnlFee)
	}
	return pnlFee, treasuryFee, Dec64{}, nil
}

// CalculateContributions splits a fee amount between the AMM fund and the
// default fund. The AMM fund is filled up to its target first; a default
// fund over target additionally releases surplus toward the remaining gap.
func CalculateContributions(pool *LiquidityPool, p *Perpetual, fee Dec64) (ammContribution, dfContribution Dec64) {
	gap := p.TargetAMMFundSize.Sub(p.AMMFundCashCC).Max(Dec64{})
	ammContribution = fee.Min(gap)
	dfContribution = fee.Sub(ammContribution)

	surplus := pool.DefaultFundCashCC.Sub(pool.TargetDFSize)
	if surplus.Sign() > 0 {
		release := surplus.Min(gap.Sub(ammContribution))
		ammContribution = ammContribution.Add(release)
		dfContribution = dfContribution.Sub(release)
	}
	return ammContribution, dfContribution
}

// TransferFee moves the computed fees out of the trader's margin: the
// PnL-participant fee to the participant bucket, the treasury fee split
// across AMM fund (pool bucket and perpetual mirror) and default fund, and
// the rebate to the referrer through the external ledger.
func TransferFee(pool *LiquidityPool, p *Perpetual, trader, referrer string, pnlFee, treasuryFee, rebate Dec64, ledger Ledger) error {
	acc := p.Account(trader)
	acc.CashCC = acc.CashCC.Sub(pnlFee).Sub(treasuryFee).Sub(rebate)

	pool.ParticipantCashCC = pool.ParticipantCashCC.Add(pnlFee)

	ammPart, dfPart := CalculateContributions(pool, p, treasuryFee)
	pool.AMMFundCashCC = pool.AMMFundCashCC.Add(ammPart)
	p.AMMFundCashCC = p.AMMFundCashCC.Add(ammPart)
	pool.DefaultFundCashCC = pool.DefaultFundCashCC.Add(dfPart)

	if rebate.Sign() > 0 && referrer != "" && ledger != nil {
		if err := ledger.TransferOut(pool.CollateralToken, referrer, rebate.Decimal()); err != nil {
			return err
		}
	}
	return nil
}

package perps

// IsLiquidatable reports whether the trader's margin balance has fallen
// below the maintenance requirement.
func IsLiquidatable(p *Perpetual, trader string) bool {
	acc := p.Accounts[trader]
	if acc == nil || !acc.HasPosition() {
		return false
	}
	return !IsMaintenanceMarginSafe(p, acc)
}

// collateralDenominator is the quote-to-collateral divisor: 1 for quote
// collateral, S2 for base, S3 for quanto.
func collateralDenominator(p *Perpetual) Dec64 {
	switch p.CollateralKind {
	case CollateralBase:
		return p.S2()
	case CollateralQuanto:
		return p.S3()
	default:
		return dec64One
	}
}

// LiquidationAmount returns the signed part of the position that must be
// closed, at the current mark price with fees and penalty priced in, to
// restore the margin ratio to the initial-margin-rate cap. The amount
// carries the sign of the position; a solved magnitude below one lot closes
// the whole position, otherwise it is grown to the lot grid and the whole
// position is returned when the residual would drop below one lot.
func LiquidationAmount(p *Perpetual, acc *MarginAccount) Dec64 {
	if !acc.HasPosition() {
		return Dec64{}
	}
	pos := acc.PositionBC
	sm := p.MarkPrice()
	den := collateralDenominator(p)
	b0 := pos.Mul(sm).Sub(acc.LockedInValueQC).Div(den).Add(acc.CashCC).
		Sub(pos.Mul(p.UnitAccumulatedFunding.Sub(acc.FundingOffset)))

	tau := p.Params.InitialMarginRateCap
	feeRate := p.Params.TreasuryFeeRate.
		Add(p.Params.PnLPartRate).
		Add(p.Params.LiquidationPenaltyRate)

	denom := sm.Mul(tau).Sub(p.S2().Mul(feeRate))
	if denom.Sign() <= 0 {
		return pos
	}
	mag := pos.Abs().Mul(tau).Mul(sm).Sub(b0.Mul(den)).Div(denom)
	if mag.Sign() <= 0 {
		return Dec64{}
	}
	if mag.Lt(p.Params.LotSizeBC) {
		return pos
	}
	mag = mag.GrowToLot(p.Params.LotSizeBC)
	if mag.Gte(pos.Abs()) || pos.Abs().Sub(mag).Lt(p.Params.LotSizeBC) {
		return pos
	}
	if pos.Sign() < 0 {
		return mag.Neg()
	}
	return mag
}

// LiquidationResult reports what a liquidation did.
type LiquidationResult struct {
	Trader          string `json:"trader"`
	LiquidatedAmount Dec64 `json:"liquidatedAmount"`
	Penalty         Dec64 `json:"penalty"`
	FullyClosed     bool   `json:"fullyClosed"`
}

// LiquidatePosition closes the unsafe part of the trader's position against
// the AMM at the average entry price, realizing the mark-price difference
// into cash. The penalty is split evenly between the AMM fund and the
// default fund; trading fees route through the regular fee transfer. An
// insolvent trader's shortfall is paid by the AMM fund and the cash floored
// at zero.
func LiquidatePosition(pool *LiquidityPool, p *Perpetual, trader string, ledger Ledger) (*LiquidationResult, error) {
	if p.State != StateNormal && p.State != StateEmergency {
		return nil, ErrWrongState
	}
	acc := p.Accounts[trader]
	if acc == nil || !acc.HasPosition() {
		return nil, ErrNoPositionToClose
	}
	if IsMaintenanceMarginSafe(p, acc) {
		return nil, ErrPositionSafe
	}

	liqAmt := LiquidationAmount(p, acc)
	if liqAmt.IsZero() {
		return nil, ErrPositionSafe
	}
	settleAccountFunding(p, acc)

	pos := acc.PositionBC
	entry := acc.LockedInValueQC.Div(pos)
	sm := p.MarkPrice()
	den := collateralDenominator(p)

	dCash := sm.Sub(entry).Mul(liqAmt).Div(den)
	acc.LockedInValueQC = acc.LockedInValueQC.Sub(liqAmt.Mul(entry))
	acc.PositionBC = pos.Sub(liqAmt)
	acc.CashCC = acc.CashCC.Add(dCash)

	amm := p.AMMAccount()
	settleAccountFunding(p, amm)
	amm.LockedInValueQC = amm.LockedInValueQC.Add(liqAmt.Mul(entry))
	amm.PositionBC = amm.PositionBC.Add(liqAmt)
	amm.CashCC = amm.CashCC.Sub(dCash)

	p.OpenInterest = p.OpenInterest.
		Add(acc.PositionBC.Max(Dec64{})).
		Sub(pos.Max(Dec64{}))

	// Penalty and trading fees, all charged on the closed size.
	size := liqAmt.Abs()
	penalty := size.Mul(p.S2().Div(den)).Mul(p.Params.LiquidationPenaltyRate)
	acc.CashCC = acc.CashCC.Sub(penalty)
	half := penalty.Div(dec64Two)
	pool.DefaultFundCashCC = pool.DefaultFundCashCC.Add(half)
	pool.AMMFundCashCC = pool.AMMFundCashCC.Add(penalty.Sub(half))
	p.AMMFundCashCC = p.AMMFundCashCC.Add(penalty.Sub(half))

	conv := BaseToCollateral(p, false)
	pnlFee := p.Params.PnLPartRate.Mul(size).Mul(conv)
	treasuryFee := p.Params.TreasuryFeeRate.Mul(size).Mul(conv)
	if err := TransferFee(pool, p, trader, "", pnlFee, treasuryFee, Dec64{}, ledger); err != nil {
		return nil, err
	}

	// An insolvent account never goes negative: the AMM fund absorbs the
	// shortfall.
	if acc.CashCC.Sign() < 0 {
		DecreaseAMMFundCash(pool, p, acc.CashCC.Neg())
		acc.CashCC = Dec64{}
	}

	fullyClosed := !acc.HasPosition()
	if fullyClosed {
		p.MarkClosed(trader)
	}
	UpdateKStar(pool, p)

	return &LiquidationResult{
		Trader:           trader,
		LiquidatedAmount: liqAmt,
		Penalty:          penalty,
		FullyClosed:      fullyClosed,
	}, nil
}

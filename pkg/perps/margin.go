package perps

// Margin accounting is a set of total functions over an account and its
// perpetual's price state. Callers decide safety by the sign of the result.

// InitialMarginRate returns min(cap, alpha + beta*|pos|).
func InitialMarginRate(p *Perpetual, pos Dec64) Dec64 {
	rate := p.Params.InitialMarginRateAlpha.Add(p.Params.MarginRateBeta.Mul(pos.Abs()))
	return rate.Min(p.Params.InitialMarginRateCap)
}

// MaintenanceMarginRate returns min(cap - alphaInit + alphaMaint,
// alphaMaint + beta*|pos|). The shifted cap keeps the maintenance rate
// continuous where the initial rate hits its cap.
func MaintenanceMarginRate(p *Perpetual, pos Dec64) Dec64 {
	maxRate := p.Params.InitialMarginRateCap.
		Sub(p.Params.InitialMarginRateAlpha).
		Add(p.Params.MaintenanceMarginAlpha)
	rate := p.Params.MaintenanceMarginAlpha.Add(p.Params.MarginRateBeta.Mul(pos.Abs()))
	return rate.Min(maxRate)
}

// MarginBalance returns the account's margin balance in collateral currency
// at the current mark price, net of funding accrued since the account was
// last touched.
func MarginBalance(p *Perpetual, acc *MarginAccount) Dec64 {
	b := acc.PositionBC.Mul(BaseToCollateral(p, true))
	b = b.Sub(acc.LockedInValueQC.Mul(QuoteToCollateral(p)))
	funding := acc.PositionBC.Mul(p.UnitAccumulatedFunding.Sub(acc.FundingOffset))
	return b.Sub(funding).Add(acc.CashCC)
}

// InitialMargin returns the initial margin requirement in collateral
// currency for the given position size, valued at spot.
func InitialMargin(p *Perpetual, pos Dec64) Dec64 {
	return pos.Abs().Mul(InitialMarginRate(p, pos)).Mul(BaseToCollateral(p, false))
}

// MaintenanceMargin returns the maintenance requirement in collateral
// currency for the given position size, valued at spot.
func MaintenanceMargin(p *Perpetual, pos Dec64) Dec64 {
	return pos.Abs().Mul(MaintenanceMarginRate(p, pos)).Mul(BaseToCollateral(p, false))
}

// AvailableMargin returns margin balance minus the initial or maintenance
// requirement.
func AvailableMargin(p *Perpetual, acc *MarginAccount, initial bool) Dec64 {
	req := MaintenanceMargin(p, acc.PositionBC)
	if initial {
		req = InitialMargin(p, acc.PositionBC)
	}
	return MarginBalance(p, acc).Sub(req)
}

// IsInitialMarginSafe reports whether the balance covers initial margin.
func IsInitialMarginSafe(p *Perpetual, acc *MarginAccount) bool {
	return AvailableMargin(p, acc, true).Sign() >= 0
}

// IsMaintenanceMarginSafe reports whether the balance covers maintenance
// margin. An unsafe account is liquidatable.
func IsMaintenanceMarginSafe(p *Perpetual, acc *MarginAccount) bool {
	return AvailableMargin(p, acc, false).Sign() >= 0
}

// IsMarginSafe reports whether the balance itself is non-negative.
func IsMarginSafe(p *Perpetual, acc *MarginAccount) bool {
	return MarginBalance(p, acc).Sign() >= 0
}

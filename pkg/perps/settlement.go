package perps

// SetEmergencyState freezes the perpetual for settlement: the current index
// prices and mark premium are snapshotted as the settlement prices. Already
// frozen or cleared perpetuals are left alone.
func SetEmergencyState(pool *LiquidityPool, p *Perpetual) {
	if p.State == StateEmergency || p.State == StateCleared {
		return
	}
	p.State = StateEmergency
	p.SettlementS2 = p.S2()
	p.SettlementS3 = p.S3()
	p.SettlementPremium = p.MarkPremiumEMA
}

func settlementDenominator(p *Perpetual) Dec64 {
	switch p.CollateralKind {
	case CollateralBase:
		return p.SettlementS2
	case CollateralQuanto:
		return p.SettlementS3
	default:
		return dec64One
	}
}

// SettlementMarginBalance values the account at the frozen settlement
// prices.
func SettlementMarginBalance(p *Perpetual, acc *MarginAccount) Dec64 {
	den := settlementDenominator(p)
	mark := p.SettlementS2.Mul(dec64One.Add(p.SettlementPremium))
	b := acc.PositionBC.Mul(mark).Sub(acc.LockedInValueQC).Div(den)
	funding := acc.PositionBC.Mul(p.UnitAccumulatedFunding.Sub(acc.FundingOffset))
	return b.Sub(funding).Add(acc.CashCC)
}

// CountMargin folds the account's non-negative settlement margin into the
// perpetual's clearing accumulator. Accounts without exposure contribute
// their cash only.
func CountMargin(p *Perpetual, trader string) {
	acc := p.Accounts[trader]
	if acc == nil {
		return
	}
	bal := SettlementMarginBalance(p, acc)
	if bal.Sign() > 0 {
		p.TotalMarginBalance = p.TotalMarginBalance.Add(bal)
	}
}

// ClearNextTrader pops one account off the active set, counts its margin
// and releases its active slot. The balances stay in place until Settle
// pays them out. Driving past an empty set is caller misuse.
func ClearNextTrader(pool *LiquidityPool, p *Perpetual) (string, error) {
	if p.State != StateEmergency {
		return "", ErrNotEmergency
	}
	if len(p.Active) == 0 {
		return "", ErrNoAccountToClear
	}
	trader := p.Active[0]
	CountMargin(p, trader)
	p.MarkClosed(trader)
	if len(p.Active) == 0 {
		markCleared(pool, p)
	}
	return trader, nil
}

// markCleared finishes the perpetual: the AMM margin account is swept into
// the AMM fund and the fund targets drop to zero.
func markCleared(pool *LiquidityPool, p *Perpetual) {
	amm := p.AMMAccount()
	bal := SettlementMarginBalance(p, amm)
	*amm = MarginAccount{}
	p.AMMFundCashCC = p.AMMFundCashCC.Add(bal)
	pool.AMMFundCashCC = pool.AMMFundCashCC.Add(bal)
	p.State = StateCleared
	p.TargetAMMFundSize = Dec64{}
	p.TargetDFSize = Dec64{}
}

// SetRedemptionRate fixes the payout fraction min(totalCapital/totalMargin,
// 1), never outside [0, 1].
func SetRedemptionRate(pool *LiquidityPool, totalMargin, totalCapital Dec64) {
	rate := dec64One
	if totalMargin.Sign() > 0 {
		rate = totalCapital.Div(totalMargin).Min(dec64One).Max(Dec64{})
	}
	pool.RedemptionRate = rate
}

func poolCapital(pool *LiquidityPool) Dec64 {
	return pool.AMMFundCashCC.
		Add(pool.ParticipantCashCC).
		Add(pool.DefaultFundCashCC)
}

// SettleNextTraderInPool advances emergency settlement by exactly one
// clearing step across the pool's perpetuals. It returns true while work
// remains. Once every emergency perpetual is cleared the redemption rate is
// fixed; the pool stops running only when no member perpetual is left
// non-cleared.
func SettleNextTraderInPool(pool *LiquidityPool, perps []*Perpetual) (bool, error) {
	if !pool.IsRunning {
		return false, ErrPoolNotRunning
	}
	if len(perps) == 0 {
		return false, ErrNoPerpInPool
	}
	for _, p := range perps {
		if p.State != StateEmergency {
			continue
		}
		if len(p.Active) == 0 {
			markCleared(pool, p)
			continue
		}
		if _, err := ClearNextTrader(pool, p); err != nil {
			return false, err
		}
		return true, nil
	}

	// No emergency perpetual has accounts left to clear.
	totalMargin := Dec64{}
	allCleared := true
	for _, p := range perps {
		switch p.State {
		case StateCleared:
			totalMargin = totalMargin.Add(p.TotalMarginBalance)
		default:
			allCleared = false
		}
	}
	if totalMargin.Sign() > 0 && pool.RedemptionRate.IsZero() {
		SetRedemptionRate(pool, totalMargin, poolCapital(pool))
	}
	if allCleared {
		pool.IsRunning = false
	}
	return false, nil
}

// Settle pays the trader's settlement claim through the ledger and zeroes
// the account. A second call finds an empty account and pays zero.
func Settle(pool *LiquidityPool, p *Perpetual, trader string, ledger Ledger) (Dec64, error) {
	if p.State != StateCleared {
		return Dec64{}, ErrWrongState
	}
	acc := p.Accounts[trader]
	if acc == nil {
		return Dec64{}, nil
	}
	claim := SettlementMarginBalance(p, acc).Max(Dec64{}).Mul(pool.RedemptionRate)
	*acc = MarginAccount{}
	if claim.Sign() <= 0 {
		return Dec64{}, nil
	}
	drawSettlementPayout(pool, p, claim)
	if ledger != nil {
		if err := ledger.TransferOut(pool.CollateralToken, trader, claim.Decimal()); err != nil {
			return Dec64{}, err
		}
	}
	return claim, nil
}

// drawSettlementPayout drains the claim from the pool buckets, AMM fund
// first, then participants, then the default fund.
func drawSettlementPayout(pool *LiquidityPool, p *Perpetual, claim Dec64) {
	fromAMM := claim.Min(pool.AMMFundCashCC).Max(Dec64{})
	pool.AMMFundCashCC = pool.AMMFundCashCC.Sub(fromAMM)
	p.AMMFundCashCC = p.AMMFundCashCC.Sub(fromAMM.Min(p.AMMFundCashCC).Max(Dec64{}))

	rest := claim.Sub(fromAMM)
	fromPart := rest.Min(pool.ParticipantCashCC).Max(Dec64{})
	pool.ParticipantCashCC = pool.ParticipantCashCC.Sub(fromPart)

	rest = rest.Sub(fromPart)
	if rest.Sign() > 0 {
		pool.DefaultFundCashCC = pool.DefaultFundCashCC.Sub(rest.Min(pool.DefaultFundCashCC))
	}
}

package perps

var (
	participantCeilShare = MustDec("0.75")
	poolDrawCap          = MustDec("0.95")
)

// SplitAmount allocates a pool cash movement between the PnL-participant
// and AMM buckets. The participant share is proportional to its balance,
// capped at 75 percent; withdrawals spill any excess over a bucket's actual
// balance to the other side.
func SplitAmount(pool *LiquidityPool, amount Dec64, isWithdrawal bool) (ammAmount, participantAmount Dec64, err error) {
	if amount.Sign() <= 0 {
		return Dec64{}, Dec64{}, nil
	}
	combined := pool.AMMFundCashCC.Add(pool.ParticipantCashCC)
	if !pool.IsRunning || combined.Sign() <= 0 {
		if isWithdrawal {
			return Dec64{}, Dec64{}, ErrPoolCashExceeded
		}
		return amount, Dec64{}, nil
	}
	if isWithdrawal && amount.Gt(combined) {
		return Dec64{}, Dec64{}, ErrPoolCashExceeded
	}

	weight := pool.ParticipantCashCC.Div(combined).Min(participantCeilShare)
	participantAmount = amount.Mul(weight)
	ammAmount = amount.Sub(participantAmount)

	if isWithdrawal {
		if excess := participantAmount.Sub(pool.ParticipantCashCC); excess.Sign() > 0 {
			participantAmount = pool.ParticipantCashCC
			ammAmount = ammAmount.Add(excess)
		}
		if excess := ammAmount.Sub(pool.AMMFundCashCC); excess.Sign() > 0 {
			ammAmount = pool.AMMFundCashCC
			participantAmount = participantAmount.Add(excess)
		}
	}
	return ammAmount, participantAmount, nil
}

// IncreaseAMMFundCash routes incoming cash to the perpetual's AMM fund up
// to its target; the excess spills into the default fund. Nothing is lost.
func IncreaseAMMFundCash(pool *LiquidityPool, p *Perpetual, amount Dec64) {
	if amount.Sign() <= 0 {
		return
	}
	gap := p.TargetAMMFundSize.Sub(p.AMMFundCashCC).Max(Dec64{})
	toAMM := amount.Min(gap)
	toDF := amount.Sub(toAMM)
	p.AMMFundCashCC = p.AMMFundCashCC.Add(toAMM)
	pool.AMMFundCashCC = pool.AMMFundCashCC.Add(toAMM)
	pool.DefaultFundCashCC = pool.DefaultFundCashCC.Add(toDF)
}

// DecreaseAMMFundCash removes cash from the perpetual's AMM fund, keeping
// the pool bucket and the perpetual mirror in step.
func DecreaseAMMFundCash(pool *LiquidityPool, p *Perpetual, amount Dec64) {
	if amount.Sign() <= 0 {
		return
	}
	p.AMMFundCashCC = p.AMMFundCashCC.Sub(amount)
	pool.AMMFundCashCC = pool.AMMFundCashCC.Sub(amount)
}

// TransferFromPoolToAMMMargin credits the AMM margin account with up to
// amount, drawing at most 95 percent of the combined AMM and participant
// cash first and the default fund for the remainder. Draining the default
// fund to zero with demand unmet forces the perpetual into EMERGENCY.
// Returns the amount actually moved.
func TransferFromPoolToAMMMargin(pool *LiquidityPool, p *Perpetual, amount Dec64) Dec64 {
	if amount.Sign() <= 0 {
		return Dec64{}
	}
	combined := pool.AMMFundCashCC.Add(pool.ParticipantCashCC)
	drawCap := poolDrawCap.Mul(combined).Max(Dec64{})
	fromFunds := amount.Min(drawCap)

	paid := Dec64{}
	if fromFunds.Sign() > 0 {
		ammPart, participantPart, err := SplitAmount(pool, fromFunds, true)
		if err == nil {
			fromMirror := ammPart.Min(p.AMMFundCashCC).Max(Dec64{})
			p.AMMFundCashCC = p.AMMFundCashCC.Sub(fromMirror)
			pool.AMMFundCashCC = pool.AMMFundCashCC.Sub(ammPart)
			pool.ParticipantCashCC = pool.ParticipantCashCC.Sub(participantPart)
			paid = ammPart.Add(participantPart)
		}
	}

	if remainder := amount.Sub(paid); remainder.Sign() > 0 {
		fromDF := remainder.Min(pool.DefaultFundCashCC).Max(Dec64{})
		pool.DefaultFundCashCC = pool.DefaultFundCashCC.Sub(fromDF)
		paid = paid.Add(fromDF)
		if pool.DefaultFundCashCC.IsZero() && fromDF.Lt(remainder) {
			SetEmergencyState(pool, p)
		}
	}

	amm := p.AMMAccount()
	amm.CashCC = amm.CashCC.Add(paid)
	return paid
}

// RebalanceMargin returns the AMM margin account's excess over its initial
// margin requirement. Positive means cash can return to the fund.
func RebalanceMargin(pool *LiquidityPool, p *Perpetual) Dec64 {
	amm := p.AMMAccount()
	return MarginBalance(p, amm).Sub(InitialMargin(p, amm.PositionBC))
}

// RebalanceAMM equalizes the AMM margin account to its initial margin,
// returning excess cash to the fund or drawing the shortfall from the pool.
func RebalanceAMM(pool *LiquidityPool, p *Perpetual) {
	excess := RebalanceMargin(pool, p)
	amm := p.AMMAccount()
	switch {
	case excess.Sign() > 0:
		amm.CashCC = amm.CashCC.Sub(excess)
		IncreaseAMMFundCash(pool, p, excess)
	case excess.Sign() < 0:
		TransferFromPoolToAMMMargin(pool, p, excess.Neg())
	}
}

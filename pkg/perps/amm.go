package perps

// AMMVariables is the AMM state fed to the pricing and sizing closed forms.
// M1/M2/M3 are the available collateral buffers mapped to quote, base and
// quanto currency; at most one is non-zero for a given perpetual. K2 is the
// net trader position (the negative of the AMM's own position), L1 the net
// trader locked-in value.
type AMMVariables struct {
	M1 Dec64
	M2 Dec64
	M3 Dec64
	K2 Dec64
	L1 Dec64
	S2 Dec64
	S3 Dec64
}

// GetAMMVariables assembles the closed-form inputs from the pool and the
// perpetual. The buffer is the perpetual's AMM fund mirror plus the AMM
// margin account's cash.
func GetAMMVariables(pool *LiquidityPool, p *Perpetual) AMMVariables {
	amm := p.AMMAccount()
	cash := p.AMMFundCashCC.Add(amm.CashCC)
	v := AMMVariables{
		K2: amm.PositionBC.Neg(),
		L1: amm.LockedInValueQC.Neg(),
		S2: p.S2(),
		S3: p.S3(),
	}
	switch p.CollateralKind {
	case CollateralQuote:
		v.M1 = cash
	case CollateralBase:
		v.M2 = cash
	case CollateralQuanto:
		v.M3 = cash
	}
	return v
}

// ProbabilityOfDefault returns the AMM default probability and its
// distance-to-default for the given state. Degenerate states resolve to
// the 0/1 edges instead of an arithmetic error.
func ProbabilityOfDefault(v AMMVariables, r RiskParams) (pd, dd Dec64) {
	if v.M3.Sign() > 0 {
		return probDefaultQuanto(v, r)
	}
	return probDefaultNoQuanto(v, r)
}

func probDefaultNoQuanto(v AMMVariables, r RiskParams) (pd, dd Dec64) {
	num := v.L1.Neg().Sub(v.M1)
	den := v.M2.Sub(v.K2)
	switch {
	case den.Sign() >= 0 && num.Sign() <= 0:
		return Dec64{}, DecFromInt(-100)
	case den.Sign() <= 0 && num.Sign() > 0:
		return dec64One, DecFromInt(100)
	}
	sigma2 := r.Sigma2
	mu := sigma2.Mul(sigma2).Div(dec64Two).Neg()
	dd = num.Div(v.S2.Mul(den)).Ln().Sub(mu).Div(sigma2)
	if den.Sign() < 0 {
		dd = dd.Neg()
	}
	return normCDF(dd), dd
}

func probDefaultQuanto(v AMMVariables, r RiskParams) (pd, dd Dec64) {
	m3s3 := v.M3.Mul(v.S3)
	c3 := v.S2.Mul(v.M2.Sub(v.K2)).Div(m3s3)
	s2sq := r.Sigma2.Mul(r.Sigma2)
	s3sq := r.Sigma3.Mul(r.Sigma3)
	cross := r.Rho23.Mul(r.Sigma2).Mul(r.Sigma3)

	varZ := s2sq.Exp().Sub(dec64One).Mul(c3).Mul(c3).
		Add(s3sq.Exp().Sub(dec64One)).
		Add(dec64Two.Mul(cross.Exp().Sub(dec64One)).Mul(c3))
	if varZ.Sign() <= 0 {
		return Dec64{}, DecFromInt(-100)
	}
	muZ := dec64One.Add(c3)
	dd = v.L1.Neg().Sub(v.M1).Div(m3s3).Sub(muZ).Div(varZ.Sqrt())
	return normCDF(dd), dd
}

// CalcKStar returns the AMM's risk-minimizing inventory change. The
// non-quanto case reduces to M2-K2; the quanto case adds the covariance
// hedge term.
func CalcKStar(v AMMVariables, r RiskParams) Dec64 {
	k := v.M2.Sub(v.K2)
	if v.M3.Sign() <= 0 {
		return k
	}
	s2sq := r.Sigma2.Mul(r.Sigma2)
	cross := r.Rho23.Mul(r.Sigma2).Mul(r.Sigma3)
	hedge := v.M3.Mul(v.S3).Div(v.S2).
		Mul(cross.Exp().Sub(dec64One)).
		Div(s2sq.Exp().Sub(dec64One))
	return k.Add(hedge)
}

// CalcPerpetualPrice quotes the AMM price for a signed trade size k. The
// risk premium is the default probability at the post-trade state, charged
// in the direction that moves inventory away from kStar; the minimal spread
// always applies in the trade direction.
func CalcPerpetualPrice(v AMMVariables, k Dec64, r RiskParams, kStar, spread Dec64) Dec64 {
	shifted := v
	shifted.K2 = v.K2.Add(k)
	shifted.L1 = v.L1.Add(k.Mul(v.S2))
	q, _ := ProbabilityOfDefault(shifted, r)

	px := dec64One
	switch k.Sub(kStar).Sign() {
	case 1:
		px = px.Add(q)
	case -1:
		px = px.Sub(q)
	}
	switch k.Sign() {
	case 1:
		px = px.Add(spread)
	case -1:
		px = px.Sub(spread)
	}
	return v.S2.Mul(px)
}

// Spread returns the applicable minimal spread for the pool's stress state.
func Spread(pool *LiquidityPool, p *Perpetual) Dec64 {
	if pool.DefaultFundCashCC.Gte(pool.TargetDFSize) {
		return p.Params.MinimalSpread
	}
	return p.Params.MinimalSpreadInStress
}

// TargetCollateralM1 sizes the quote-currency buffer so the distance to
// default equals targetDD.
func TargetCollateralM1(k2, l1, s2, sigma2, targetDD Dec64) Dec64 {
	if k2.IsZero() {
		return l1.Neg().Max(Dec64{})
	}
	mu := sigma2.Mul(sigma2).Div(dec64Two).Neg()
	exponent := mu.Sub(sigma2.Mul(targetDD))
	if k2.Sign() < 0 {
		exponent = mu.Add(sigma2.Mul(targetDD))
	}
	return k2.Mul(s2).Mul(exponent.Exp()).Sub(l1)
}

// TargetCollateralM2 sizes the base-currency buffer so the distance to
// default equals targetDD.
func TargetCollateralM2(k2, l1, s2, sigma2, targetDD Dec64) Dec64 {
	if l1.IsZero() {
		return k2.Max(Dec64{})
	}
	mu := sigma2.Mul(sigma2).Div(dec64Two).Neg()
	exponent := sigma2.Mul(targetDD).Sub(mu)
	if l1.Sign() < 0 {
		exponent = sigma2.Mul(targetDD).Add(mu).Neg()
	}
	return k2.Sub(l1.Div(s2).Mul(exponent.Exp()))
}

// TargetCollateralM3 sizes the quanto-currency buffer so the distance to
// default equals targetDD, solving the quadratic obtained by squaring the
// default-probability identity.
func TargetCollateralM3(k2, l1, s2, s3 Dec64, r RiskParams, targetDD Dec64) Dec64 {
	a := r.Sigma2.Mul(r.Sigma2).Exp().Sub(dec64One)
	b := dec64Two.Mul(r.Rho23.Mul(r.Sigma2).Mul(r.Sigma3).Exp().Sub(dec64One))
	c := r.Sigma3.Mul(r.Sigma3).Exp().Sub(dec64One)
	tauSq := targetDD.Mul(targetDD)

	g := k2.Neg().Mul(s2).Div(s3)
	f := l1.Neg().Div(s3)

	qa := dec64One.Sub(tauSq.Mul(c))
	qb := dec64Two.Mul(g.Sub(f)).Sub(tauSq.Mul(b).Mul(g))
	qc := f.Sub(g).Mul(f.Sub(g)).Sub(tauSq.Mul(a).Mul(g).Mul(g))

	disc := qb.Mul(qb).Sub(DecFromInt(4).Mul(qa).Mul(qc))
	if disc.Sign() < 0 || qa.IsZero() {
		return Dec64{}
	}
	return qb.Neg().Add(disc.Sqrt()).Div(dec64Two.Mul(qa))
}

// UpdateKStar recomputes the perpetual's optimal inventory target and its
// side.
func UpdateKStar(pool *LiquidityPool, p *Perpetual) {
	v := GetAMMVariables(pool, p)
	p.KStar = CalcKStar(v, p.Risk)
	p.KStarSide = p.KStar.Sign()
}

// UpdateTargetAMMFundSize recomputes the perpetual's AMM fund target. The
// sizing runs on exposures shifted by the trader exposure EMA in the
// adverse direction (opposite to kStar), with the stressed DD target when
// the default fund is underfunded.
func UpdateTargetAMMFundSize(pool *LiquidityPool, p *Perpetual) {
	v := GetAMMVariables(pool, p)
	shift := p.TraderExposureEMA
	if p.KStarSide > 0 {
		shift = shift.Neg()
	}
	k2 := v.K2.Add(shift)
	l1 := v.L1.Add(shift.Mul(v.S2))

	dd := p.FundRisk.AMMTargetDD[0]
	if pool.DefaultFundCashCC.Gte(pool.TargetDFSize) {
		dd = p.FundRisk.AMMTargetDD[1]
	}

	var size Dec64
	switch p.CollateralKind {
	case CollateralQuote:
		size = TargetCollateralM1(k2, l1, v.S2, p.Risk.Sigma2, dd)
	case CollateralBase:
		size = TargetCollateralM2(k2, l1, v.S2, p.Risk.Sigma2, dd)
	case CollateralQuanto:
		size = TargetCollateralM3(k2, l1, v.S2, v.S3, p.Risk, dd)
	}
	p.TargetAMMFundSize = size.Max(p.FundRisk.AMMMinSizeCC)
}

// UpdateTargetDFSize recomputes the perpetual's default-fund target from
// the clipped exposure EMAs and the configured stress returns.
func UpdateTargetDFSize(pool *LiquidityPool, p *Perpetual, activeTraders int) {
	fr := p.FundRisk
	coverN := DecFromInt(int64(activeTraders)).Mul(fr.DFCoverNRate).Max(DecFromInt(5))
	k2Trader := p.TraderExposureEMA.Max(fr.MinimalTraderExposure)

	short := p.AMMExposureEMA[0].Abs().Max(fr.MinimalAMMExposure)
	long := p.AMMExposureEMA[1].Abs().Max(fr.MinimalAMMExposure)
	eDown := long.Add(coverN.Mul(k2Trader))
	eUp := short.Add(coverN.Mul(k2Trader))

	expDown := fr.StressReturnS2[0].Exp()
	expUp := fr.StressReturnS2[1].Exp()
	lossDown := eDown.Mul(dec64One.Sub(expDown)).Max(Dec64{})
	lossUp := eUp.Mul(expUp.Sub(dec64One)).Max(Dec64{})

	var size Dec64
	switch p.CollateralKind {
	case CollateralQuote:
		size = p.S2().Mul(lossDown.Max(lossUp))
	case CollateralBase:
		size = lossDown.Div(expDown).Max(lossUp.Div(expUp))
	case CollateralQuanto:
		q := p.S2().Div(p.S3())
		size = q.Mul(lossDown.Div(fr.StressReturnS3[0].Exp()).
			Max(lossUp.Div(fr.StressReturnS3[1].Exp())))
	}
	p.TargetDFSize = size
}

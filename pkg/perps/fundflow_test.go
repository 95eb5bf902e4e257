package perps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAmountDeposit(t *testing.T) {
	pool := testPool()
	pool.AMMFundCashCC = MustDec("100")
	pool.ParticipantCashCC = MustDec("100")

	// Equal buckets split a deposit evenly.
	amm, part, err := SplitAmount(pool, MustDec("10"), false)
	require.NoError(t, err)
	assert.Equal(t, "5", amm.String())
	assert.Equal(t, "5", part.String())

	// A dominant participant bucket is capped at 75 percent.
	pool.ParticipantCashCC = MustDec("900")
	amm, part, err = SplitAmount(pool, MustDec("100"), false)
	require.NoError(t, err)
	assert.Equal(t, "25", amm.String())
	assert.Equal(t, "75", part.String())

	// Before the pool runs, everything belongs to the AMM side.
	pool.IsRunning = false
	amm, part, err = SplitAmount(pool, MustDec("10"), false)
	require.NoError(t, err)
	assert.Equal(t, "10", amm.String())
	assert.True(t, part.IsZero())
}

func TestSplitAmountWithdrawal(t *testing.T) {
	pool := testPool()
	pool.AMMFundCashCC = MustDec("10")
	pool.ParticipantCashCC = MustDec("90")

	// The AMM share of a capped withdrawal exceeds its bucket, so the
	// excess spills to the participant side.
	amm, part, err := SplitAmount(pool, MustDec("96"), true)
	require.NoError(t, err)
	assert.Equal(t, "10", amm.String())
	assert.Equal(t, "86", part.String())

	pool.AMMFundCashCC = MustDec("90")
	pool.ParticipantCashCC = MustDec("10")
	amm, part, err = SplitAmount(pool, MustDec("80"), true)
	require.NoError(t, err)
	assert.Equal(t, "8", part.String())
	assert.Equal(t, "72", amm.String())

	// More than the combined cash cannot leave the pool.
	_, _, err = SplitAmount(pool, MustDec("101"), true)
	assert.ErrorIs(t, err, ErrPoolCashExceeded)

	pool.AMMFundCashCC = Dec64{}
	pool.ParticipantCashCC = Dec64{}
	_, _, err = SplitAmount(pool, MustDec("1"), true)
	assert.ErrorIs(t, err, ErrPoolCashExceeded)
}

func TestIncreaseAMMFundCashRouting(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	p.TargetAMMFundSize = MustDec("10")
	p.AMMFundCashCC = MustDec("6")
	pool.AMMFundCashCC = MustDec("6")

	// Fills the gap first, spills the rest into the default fund.
	IncreaseAMMFundCash(pool, p, MustDec("7"))
	assert.Equal(t, "10", p.AMMFundCashCC.String())
	assert.Equal(t, "10", pool.AMMFundCashCC.String())
	assert.Equal(t, "3", pool.DefaultFundCashCC.String())

	DecreaseAMMFundCash(pool, p, MustDec("4"))
	assert.Equal(t, "6", p.AMMFundCashCC.String())
	assert.Equal(t, "6", pool.AMMFundCashCC.String())
	assert.Equal(t, "3", pool.DefaultFundCashCC.String())
}

func TestTransferFromPoolToAMMMargin(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	pool.AMMFundCashCC = MustDec("50")
	pool.ParticipantCashCC = MustDec("50")
	pool.DefaultFundCashCC = MustDec("100")
	p.AMMFundCashCC = MustDec("50")

	// A small draw comes out of the AMM and participant buckets pro rata.
	paid := TransferFromPoolToAMMMargin(pool, p, MustDec("10"))
	assert.Equal(t, "10", paid.String())
	assert.Equal(t, "45", pool.AMMFundCashCC.String())
	assert.Equal(t, "45", p.AMMFundCashCC.String())
	assert.Equal(t, "45", pool.ParticipantCashCC.String())
	assert.Equal(t, "100", pool.DefaultFundCashCC.String())
	assert.Equal(t, "10", p.AMMAccount().CashCC.String())
	assert.Equal(t, StateNormal, p.State)
}

func TestTransferFromPoolHitsDefaultFund(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	pool.AMMFundCashCC = MustDec("50")
	pool.ParticipantCashCC = MustDec("50")
	pool.DefaultFundCashCC = MustDec("100")
	p.AMMFundCashCC = MustDec("50")

	// Only 95 percent of the combined 100 may come from the funds; the
	// remaining 25 comes out of the default fund.
	paid := TransferFromPoolToAMMMargin(pool, p, MustDec("120"))
	assert.Equal(t, "120", paid.String())
	assert.InDelta(t, 5.0, pool.AMMFundCashCC.Add(pool.ParticipantCashCC).Float64(), 1e-12)
	assert.InDelta(t, 75.0, pool.DefaultFundCashCC.Float64(), 1e-12)
	assert.Equal(t, StateNormal, p.State)
}

func TestTransferFromPoolDrainForcesEmergency(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	pool.AMMFundCashCC = MustDec("50")
	pool.ParticipantCashCC = MustDec("50")
	pool.DefaultFundCashCC = MustDec("10")
	p.AMMFundCashCC = MustDec("50")

	paid := TransferFromPoolToAMMMargin(pool, p, MustDec("200"))
	assert.InDelta(t, 105.0, paid.Float64(), 1e-12)
	assert.True(t, pool.DefaultFundCashCC.IsZero())
	assert.Equal(t, StateEmergency, p.State)
	assert.Equal(t, paid, p.AMMAccount().CashCC)
}

func TestRebalanceAMMReturnsExcess(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	p.TargetAMMFundSize = MustDec("1000")
	p.AMMFundCashCC = MustDec("900")
	pool.AMMFundCashCC = MustDec("900")

	// A flat AMM book with spare cash returns everything to the fund.
	amm := p.AMMAccount()
	amm.CashCC = MustDec("50")
	RebalanceAMM(pool, p)
	assert.True(t, amm.CashCC.IsZero())
	assert.Equal(t, "950", p.AMMFundCashCC.String())
	assert.Equal(t, "950", pool.AMMFundCashCC.String())
}

func TestRebalanceAMMDrawsShortfall(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	pool.AMMFundCashCC = MustDec("100000")
	pool.ParticipantCashCC = MustDec("100000")
	pool.DefaultFundCashCC = MustDec("100000")
	p.AMMFundCashCC = MustDec("100000")

	// Give the AMM a short book with no cash behind it.
	amm := p.AMMAccount()
	amm.PositionBC = MustDec("-1")
	amm.LockedInValueQC = MustDec("-47200")

	shortfall := RebalanceMargin(pool, p).Neg()
	require.True(t, shortfall.Sign() > 0)

	RebalanceAMM(pool, p)
	assert.InDelta(t, 0.0, RebalanceMargin(pool, p).Float64(), 1e-9)
	assert.InDelta(t, shortfall.Float64(), amm.CashCC.Float64(), 1e-9)
}

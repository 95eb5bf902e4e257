package perps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetEmergencyStateSnapshots(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	p.MarkPremiumEMA = MustDec("0.001")

	SetEmergencyState(pool, p)
	assert.Equal(t, StateEmergency, p.State)
	assert.Equal(t, MustDec("47200"), p.SettlementS2)
	assert.Equal(t, MustDec("0.001"), p.SettlementPremium)

	// The snapshot is immune to later index moves.
	p.IndexS2.Price = MustDec("10")
	p.MarkPremiumEMA = Dec64{}
	SetEmergencyState(pool, p)
	assert.Equal(t, MustDec("47200"), p.SettlementS2)
	assert.Equal(t, MustDec("0.001"), p.SettlementPremium)
}

func TestClearNextTraderGuards(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")

	_, err := ClearNextTrader(pool, p)
	assert.ErrorIs(t, err, ErrNotEmergency)

	SetEmergencyState(pool, p)
	_, err = ClearNextTrader(pool, p)
	assert.ErrorIs(t, err, ErrNoAccountToClear)
}

// settlementWalk drives a two-trader book into emergency and all the way
// through clearing and payout, checking capital conservation at the end.
func TestSettlementWalkConservesCapital(t *testing.T) {
	pool := testPool()
	pool.AMMFundCashCC = MustDec("100000")
	pool.ParticipantCashCC = MustDec("50000")
	pool.DefaultFundCashCC = MustDec("20000")

	p := testPerp(CollateralQuote, "47200", "")
	p.AMMFundCashCC = MustDec("100000")

	alice := p.Account("alice")
	alice.CashCC = MustDec("10000")
	require.NoError(t, ExecuteTrade(pool, p, "alice", MustDec("1"), MustDec("47200"), false))
	bob := p.Account("bob")
	bob.CashCC = MustDec("8000")
	require.NoError(t, ExecuteTrade(pool, p, "bob", MustDec("-0.5"), MustDec("47200"), false))

	p.IndexS2.Price = MustDec("46000")
	SetEmergencyState(pool, p)

	steps := 0
	for {
		more, err := SettleNextTraderInPool(pool, []*Perpetual{p})
		require.NoError(t, err)
		if !more {
			break
		}
		steps++
		require.Less(t, steps, 10)
	}
	assert.Equal(t, 2, steps)
	assert.Equal(t, StateCleared, p.State)
	assert.False(t, pool.IsRunning)

	rate := pool.RedemptionRate
	require.True(t, rate.Sign() > 0)
	require.True(t, rate.Lte(dec64One))

	// Both margins were positive, so the clearing total is their sum. The
	// AMM's own settlement margin was swept into the fund instead.
	wantTotal := SettlementMarginBalance(p, alice).Add(SettlementMarginBalance(p, bob))
	assert.Equal(t, wantTotal, p.TotalMarginBalance)
	assert.InDelta(t, 8800.0, SettlementMarginBalance(p, alice).Float64(), 1e-6)
	assert.InDelta(t, 8600.0, SettlementMarginBalance(p, bob).Float64(), 1e-6)
	assert.InDelta(t, 170600.0, poolCapital(pool).Float64(), 1e-6)

	capBefore := poolCapital(pool)
	claimA, err := Settle(pool, p, "alice", nil)
	require.NoError(t, err)
	claimB, err := Settle(pool, p, "bob", nil)
	require.NoError(t, err)
	assert.InDelta(t, 8800.0, claimA.Float64(), 1e-6)
	assert.InDelta(t, 8600.0, claimB.Float64(), 1e-6)

	// Nobody can be paid twice.
	again, err := Settle(pool, p, "alice", nil)
	require.NoError(t, err)
	assert.True(t, again.IsZero())

	// The pool shrinks by exactly what the traders were paid.
	assert.InDelta(t, capBefore.Sub(claimA).Sub(claimB).Float64(), poolCapital(pool).Float64(), 1e-9)
}

func TestSettleRequiresCleared(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	_, err := Settle(pool, p, "alice", nil)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestSetRedemptionRateBounds(t *testing.T) {
	pool := testPool()

	SetRedemptionRate(pool, MustDec("100"), MustDec("50"))
	assert.Equal(t, "0.5", pool.RedemptionRate.String())

	// Capital above the margin total pays at par, never more.
	SetRedemptionRate(pool, MustDec("100"), MustDec("500"))
	assert.Equal(t, "1", pool.RedemptionRate.String())

	SetRedemptionRate(pool, MustDec("100"), MustDec("-1"))
	assert.True(t, pool.RedemptionRate.IsZero())

	// No counted margin means nothing to scale down.
	SetRedemptionRate(pool, Dec64{}, MustDec("500"))
	assert.Equal(t, "1", pool.RedemptionRate.String())
}

func TestSettlementPayoutDrawOrder(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	pool.AMMFundCashCC = MustDec("10")
	p.AMMFundCashCC = MustDec("10")
	pool.ParticipantCashCC = MustDec("10")
	pool.DefaultFundCashCC = MustDec("10")

	drawSettlementPayout(pool, p, MustDec("25"))
	assert.True(t, pool.AMMFundCashCC.IsZero())
	assert.True(t, p.AMMFundCashCC.IsZero())
	assert.True(t, pool.ParticipantCashCC.IsZero())
	assert.Equal(t, "5", pool.DefaultFundCashCC.String())
}

func TestMarkClearedSweepsAMMMargin(t *testing.T) {
	pool := testPool()
	pool.AMMFundCashCC = MustDec("1000")
	p := testPerp(CollateralQuote, "47200", "")
	p.AMMFundCashCC = MustDec("1000")
	p.TargetAMMFundSize = MustDec("500")
	p.TargetDFSize = MustDec("300")

	amm := p.AMMAccount()
	amm.CashCC = MustDec("25")
	SetEmergencyState(pool, p)

	_, err := ClearNextTrader(pool, p)
	assert.ErrorIs(t, err, ErrNoAccountToClear)

	// With no traders the pool-level driver clears the perpetual directly.
	more, err := SettleNextTraderInPool(pool, []*Perpetual{p})
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, StateCleared, p.State)
	assert.Equal(t, "1025", pool.AMMFundCashCC.String())
	assert.Equal(t, "1025", p.AMMFundCashCC.String())
	assert.True(t, amm.CashCC.IsZero())
	assert.True(t, p.TargetAMMFundSize.IsZero())
	assert.True(t, p.TargetDFSize.IsZero())
}

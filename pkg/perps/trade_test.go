package perps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool() *LiquidityPool {
	return &LiquidityPool{
		ID:              1,
		CollateralToken: "USDC",
		Treasury:        "treasury",
		IsRunning:       true,
		PerpIDs:         []uint32{1},
	}
}

func TestValidateOrderSequence(t *testing.T) {
	p := testPerp(CollateralQuote, "47200", "")
	now := time.Unix(1700000000, 0)
	ok := &Order{
		PerpID: 1, Trader: "alice", Amount: MustDec("0.1"),
		Flags: FlagLimitOrder, Deadline: now.Add(time.Hour).Unix(),
	}
	require.NoError(t, ValidateOrder(p, ok, now, nil))

	cases := []struct {
		name   string
		mutate func(*Order, *Perpetual)
		want   error
	}{
		{"no sender", func(o *Order, _ *Perpetual) { o.Trader = "" }, ErrNoSender},
		{"referrer on market", func(o *Order, _ *Perpetual) {
			o.Flags = FlagMarketOrder
			o.Referrer = "ref"
		}, ErrReferrerOnMarket},
		{"zero amount", func(o *Order, _ *Perpetual) { o.Amount = Dec64{} }, ErrInvalidAmount},
		{"deadline", func(o *Order, _ *Perpetual) { o.Deadline = now.Add(-time.Minute).Unix() }, ErrDeadlineExceeded},
		{"wrong state", func(_ *Order, p *Perpetual) { p.State = StateInitializing }, ErrWrongState},
		{"market closed", func(_ *Order, p *Perpetual) { p.IndexS2.IsOpen = false }, ErrMarketClosed},
		{"missing trigger", func(o *Order, _ *Perpetual) { o.Flags = FlagStopOrder }, ErrTriggerRequired},
		{"trigger not met", func(o *Order, _ *Perpetual) {
			o.Flags = FlagStopOrder
			o.TriggerPrice = MustDec("50000")
		}, ErrTriggerNotMet},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testPerp(CollateralQuote, "47200", "")
			o := *ok
			tc.mutate(&o, p)
			assert.ErrorIs(t, ValidateOrder(p, &o, now, nil), tc.want)
		})
	}

	// Quanto perpetuals also require their second index to be open.
	qp := testPerp(CollateralQuanto, "47200", "2000")
	qp.IndexS3.IsOpen = false
	assert.ErrorIs(t, ValidateOrder(qp, ok, now, nil), ErrQuantoClosed)

	// Sell stops trigger when the mark is at or below the trigger.
	sell := *ok
	sell.Amount = MustDec("-0.1")
	sell.Flags = FlagStopOrder
	sell.TriggerPrice = MustDec("40000")
	assert.ErrorIs(t, ValidateOrder(p, &sell, now, nil), ErrTriggerNotMet)
	sell.TriggerPrice = MustDec("50000")
	assert.NoError(t, ValidateOrder(p, &sell, now, nil))
}

func TestMaxSignedTradeSize(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	p.TraderExposureEMA = MustDec("2")

	// Fully funded default fund: the bump-up bound applies unscaled.
	p.TargetDFSize = MustDec("100")
	pool.DefaultFundCashCC = MustDec("100")
	bound, err := MaxSignedTradeSize(pool, p, Dec64{}, MustDec("1"))
	require.NoError(t, err)
	assert.InDelta(t, 1.25*2, bound.Float64(), 1e-12)

	// Underfunded default fund scales the bound down proportionally.
	pool.DefaultFundCashCC = MustDec("50")
	bound, err = MaxSignedTradeSize(pool, p, Dec64{}, MustDec("1"))
	require.NoError(t, err)
	assert.InDelta(t, 1.25*2*0.5, bound.Float64(), 1e-12)

	// Toward kStar the doubled-kStar slack wins when larger.
	p.KStar = MustDec("-10")
	p.KStarSide = -1
	bound, err = MaxSignedTradeSize(pool, p, Dec64{}, MustDec("-1"))
	require.NoError(t, err)
	assert.InDelta(t, -20.0, bound.Float64(), 1e-12)

	// An explicit position cap binds last.
	p.Params.MaxPositionBC = MustDec("1")
	bound, err = MaxSignedTradeSize(pool, p, MustDec("0.4"), MustDec("1"))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, bound.Float64(), 1e-12)

	// The bound is a trader precondition, not a silent clamp.
	pool.DefaultFundCashCC = MustDec("100")
	p.Params.MaxPositionBC = Dec64{}
	p.KStarSide = 0
	assert.ErrorIs(t, checkTradeSize(pool, p, Dec64{}, MustDec("3")), ErrTradeSizeExceeds)
	assert.ErrorIs(t, checkTradeSize(pool, p, Dec64{}, MustDec("-3")), ErrTradeSizeExceeds)
	assert.NoError(t, checkTradeSize(pool, p, Dec64{}, MustDec("2")))

	p.TraderExposureEMA = Dec64{}
	_, err = MaxSignedTradeSize(pool, p, Dec64{}, MustDec("1"))
	assert.ErrorIs(t, err, ErrNeedPositiveEMA)
}

func TestMaxSignedTradeSizeScalesOnlyAdverseDirection(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	p.TraderExposureEMA = MustDec("10")
	p.TargetDFSize = MustDec("100")
	pool.DefaultFundCashCC = MustDec("50")
	p.KStar = MustDec("0.1")
	p.KStarSide = 1

	// Buying shrinks the AMM's risk: the bound stays unscaled even though
	// the default fund sits at half its target.
	bound, err := MaxSignedTradeSize(pool, p, Dec64{}, MustDec("1"))
	require.NoError(t, err)
	assert.InDelta(t, 1.25*10, bound.Float64(), 1e-12)

	// Selling grows the book away from kStar and takes the scaled bound.
	bound, err = MaxSignedTradeSize(pool, p, Dec64{}, MustDec("-1"))
	require.NoError(t, err)
	assert.InDelta(t, -1.25*10*0.5, bound.Float64(), 1e-12)
}

func TestPreTradeCloseOnly(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	p.TraderExposureEMA = MustDec("5")
	p.AMMFundCashCC = MustDec("1000000")
	pool.AMMFundCashCC = MustDec("1000000")

	o := &Order{PerpID: 1, Trader: "alice", Amount: MustDec("-1"), Flags: FlagCloseOnly}
	_, _, err := PreTrade(pool, p, o)
	assert.ErrorIs(t, err, ErrNoPositionToClose)

	acc := p.Account("alice")
	acc.PositionBC = MustDec("0.5").RoundToLot(p.Params.LotSizeBC)
	acc.LockedInValueQC = MustDec("23600")

	// Same direction as the position cannot be a close.
	same := &Order{PerpID: 1, Trader: "alice", Amount: MustDec("1"), Flags: FlagCloseOnly}
	_, _, err = PreTrade(pool, p, same)
	assert.ErrorIs(t, err, ErrCloseOnlyTrade)

	// Oversized close orders shrink to the open position.
	_, amount, err := PreTrade(pool, p, o)
	require.NoError(t, err)
	assert.Equal(t, acc.PositionBC.Neg(), amount)
}

func TestPreTradeLimitPrice(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	p.TraderExposureEMA = MustDec("5")
	p.AMMFundCashCC = MustDec("1000000")
	pool.AMMFundCashCC = MustDec("1000000")

	// A buy above its limit is rejected; the same buy with headroom fills.
	buy := &Order{PerpID: 1, Trader: "alice", Amount: MustDec("1"), LimitPrice: MustDec("47000")}
	_, _, err := PreTrade(pool, p, buy)
	assert.ErrorIs(t, err, ErrPriceExceedsLimit)

	buy.LimitPrice = MustDec("48000")
	price, _, err := PreTrade(pool, p, buy)
	require.NoError(t, err)
	assert.True(t, price.Gt(MustDec("47200")))

	// A sell below its limit is rejected.
	sell := &Order{PerpID: 1, Trader: "alice", Amount: MustDec("-1"), LimitPrice: MustDec("47500")}
	_, _, err = PreTrade(pool, p, sell)
	assert.ErrorIs(t, err, ErrPriceExceedsLimit)
}

func TestExecuteTradeMirrorsAMM(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	p.UnitAccumulatedFunding = MustDec("2")

	acc := p.Account("alice")
	acc.CashCC = MustDec("10000")

	require.NoError(t, ExecuteTrade(pool, p, "alice", MustDec("0.5"), MustDec("47250"), false))
	amm := p.AMMAccount()
	assert.Equal(t, acc.PositionBC, amm.PositionBC.Neg())
	assert.Equal(t, acc.LockedInValueQC, amm.LockedInValueQC.Neg())
	assert.InDelta(t, 0.5*47250, acc.LockedInValueQC.Float64(), 1e-9)
	assert.Equal(t, p.UnitAccumulatedFunding, acc.FundingOffset)
	assert.Contains(t, p.Active, "alice")
	assert.NotContains(t, p.Active, AMMTrader)

	// Funding accrued between trades is realized at the old position.
	p.UnitAccumulatedFunding = MustDec("4")
	cashBefore := acc.CashCC
	require.NoError(t, ExecuteTrade(pool, p, "alice", MustDec("0.1"), MustDec("47300"), false))
	due := MustDec("0.5").Mul(MustDec("2"))
	assert.InDelta(t, cashBefore.Sub(due).Float64(), acc.CashCC.Float64(), 1e-9)
}

func TestExecuteTradeGuards(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")

	assert.ErrorIs(t, ExecuteTrade(pool, p, "alice", Dec64{}, MustDec("47200"), false), ErrZeroTradeAmount)
	assert.ErrorIs(t, ExecuteTrade(pool, p, "alice", MustDec("-0.1"), MustDec("47200"), true), ErrNotClosing)

	acc := p.Account("alice")
	acc.PositionBC = MustDec("0.5")
	assert.ErrorIs(t, ExecuteTrade(pool, p, "alice", MustDec("0.1"), MustDec("47200"), true), ErrAlreadyClosed)
}

func TestExposureEMAUpdates(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	p.TraderExposureEMA = MustDec("1")

	// A shrinking observation decays with the slow factor.
	updateExposureEMAs(p, MustDec("0.5"))
	assert.InDelta(t, 0.999*1+0.001*0.5, p.TraderExposureEMA.Float64(), 1e-12)

	// A growing observation adapts with the fast factor.
	before := p.TraderExposureEMA.Float64()
	updateExposureEMAs(p, MustDec("3"))
	assert.InDelta(t, 0.25*before+0.75*3, p.TraderExposureEMA.Float64(), 1e-12)

	// The AMM-side EMA tracks the signed net trader position per side.
	p.AMMAccount().PositionBC = MustDec("-2.5") // traders net long 2.5
	emaBefore := p.AMMExposureEMA[1].Float64()
	updateExposureEMAs(p, MustDec("0.1"))
	assert.InDelta(t, 0.25*emaBefore+0.75*2.5, p.AMMExposureEMA[1].Float64(), 1e-12)
	_ = pool
}

func TestCalculateFees(t *testing.T) {
	p := testPerp(CollateralQuote, "47200", "")
	acc := p.Account("alice")
	acc.CashCC = MustDec("50000")

	pnl, treasury, rebate, err := CalculateFees(p, acc, MustDec("1"), true, true)
	require.NoError(t, err)
	assert.InDelta(t, 0.0003*47200, pnl.Float64(), 1e-9)
	assert.InDelta(t, 0.0003*47200, treasury.Float64(), 1e-9)
	assert.Equal(t, p.Params.ReferralRebateCC, rebate)

	_, _, _, err = CalculateFees(p, acc, MustDec("-1"), false, true)
	assert.ErrorIs(t, err, ErrAbsoluteValue)

	// Opening without margin for the fees is rejected.
	poor := p.Account("bob")
	poor.CashCC = MustDec("1")
	_, _, _, err = CalculateFees(p, poor, MustDec("1"), false, true)
	assert.ErrorIs(t, err, ErrMarginNotEnough)

	// Closing clips the fees to the remaining margin and drops the rebate.
	pnl, treasury, rebate, err = CalculateFees(p, poor, MustDec("1"), true, false)
	require.NoError(t, err)
	assert.True(t, rebate.IsZero())
	assert.Equal(t, MarginBalance(p, poor), pnl.Add(treasury))

	// Nothing left means no fee at all.
	broke := p.Account("carol")
	broke.CashCC = MustDec("-5")
	pnl, treasury, _, err = CalculateFees(p, broke, MustDec("1"), false, false)
	require.NoError(t, err)
	assert.True(t, pnl.IsZero())
	assert.True(t, treasury.IsZero())
}

func TestCalculateContributions(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	p.TargetAMMFundSize = MustDec("10")
	p.AMMFundCashCC = MustDec("6") // gap 4
	pool.TargetDFSize = MustDec("10")

	// Default fund exactly at target: fee fills the AMM gap, rest to DF.
	pool.DefaultFundCashCC = MustDec("10")
	amm, df := CalculateContributions(pool, p, MustDec("2"))
	assert.Equal(t, "2", amm.String())
	assert.True(t, df.IsZero())

	// Fee above the gap: overflow goes to the default fund.
	amm, df = CalculateContributions(pool, p, MustDec("5"))
	assert.Equal(t, "4", amm.String())
	assert.Equal(t, "1", df.String())

	// Default fund over target releases surplus toward the remaining gap.
	pool.DefaultFundCashCC = MustDec("11")
	amm, df = CalculateContributions(pool, p, MustDec("2"))
	assert.Equal(t, "3", amm.String())
	assert.Equal(t, "-1", df.String())

	// AMM at target: everything lands in the default fund.
	p.AMMFundCashCC = MustDec("10")
	pool.DefaultFundCashCC = MustDec("10")
	amm, df = CalculateContributions(pool, p, MustDec("2"))
	assert.True(t, amm.IsZero())
	assert.Equal(t, "2", df.String())
}

func TestTransferFeeZeroSum(t *testing.T) {
	pool := testPool()
	p := testPerp(CollateralQuote, "47200", "")
	p.TargetAMMFundSize = MustDec("10")
	p.AMMFundCashCC = MustDec("6")
	pool.AMMFundCashCC = MustDec("6")
	pool.ParticipantCashCC = MustDec("100")
	pool.DefaultFundCashCC = MustDec("50")
	pool.TargetDFSize = MustDec("50")

	acc := p.Account("alice")
	acc.CashCC = MustDec("1000")
	ledger := newStubLedger()

	pnl, treasury, rebate := MustDec("3"), MustDec("2"), MustDec("0.5")
	require.NoError(t, TransferFee(pool, p, "alice", "ref", pnl, treasury, rebate, ledger))

	assert.Equal(t, MustDec("1000").Sub(MustDec("5.5")), acc.CashCC)
	assert.Equal(t, "103", pool.ParticipantCashCC.String())
	// Treasury fee fills the AMM gap first: 2 of 4 to AMM, 0 to DF.
	assert.Equal(t, "8", pool.AMMFundCashCC.String())
	assert.Equal(t, "8", p.AMMFundCashCC.String())
	assert.Equal(t, "50", pool.DefaultFundCashCC.String())
	assert.Equal(t, "0.5", ledger.balance("ref").String())
}

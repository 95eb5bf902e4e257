package perps

import (
	"errors"
	"time"
)

// CollateralKind selects the currency margin is held in.
type CollateralKind uint8

const (
	// CollateralQuote holds margin in the quote currency of the base index.
	CollateralQuote CollateralKind = iota
	// CollateralBase holds margin in the base currency itself.
	CollateralBase
	// CollateralQuanto holds margin in a third currency priced by the
	// quanto index S3.
	CollateralQuanto
)

func (k CollateralKind) String() string {
	switch k {
	case CollateralQuote:
		return "QUOTE"
	case CollateralBase:
		return "BASE"
	case CollateralQuanto:
		return "QUANTO"
	default:
		return "UNKNOWN"
	}
}

// PerpState is the perpetual lifecycle state. Transitions only move forward;
// a CLEARED perpetual is never revived.
type PerpState uint8

const (
	StateInvalid PerpState = iota
	StateInitializing
	StateNormal
	StateEmergency
	StateCleared
)

func (s PerpState) String() string {
	switch s {
	case StateInvalid:
		return "INVALID"
	case StateInitializing:
		return "INITIALIZING"
	case StateNormal:
		return "NORMAL"
	case StateEmergency:
		return "EMERGENCY"
	case StateCleared:
		return "CLEARED"
	default:
		return "UNKNOWN"
	}
}

// Order flag masks. An order carries at most one of market/limit/stop.
const (
	FlagCloseOnly         uint32 = 0x80000000
	FlagMarketOrder       uint32 = 0x40000000
	FlagStopOrder         uint32 = 0x20000000
	FlagUseTargetLeverage uint32 = 0x08000000
	FlagLimitOrder        uint32 = 0x04000000
)

// Order is an immutable trade request. Amount is signed, the sign giving
// the direction. TriggerPrice is zero unless the order is conditional.
type Order struct {
	PerpID       uint32 `json:"perpId"`
	Trader       string `json:"trader"`
	Amount       Dec64  `json:"amount"`
	LimitPrice   Dec64  `json:"limitPrice"`
	TriggerPrice Dec64  `json:"triggerPrice"`
	Leverage     Dec64  `json:"leverage"`
	Deadline     int64  `json:"deadline"`
	Referrer     string `json:"referrer"`
	Flags        uint32 `json:"flags"`
	CreatedAt    int64  `json:"createdAt"`
}

// IsMarket reports whether the market-order flag is set.
func (o *Order) IsMarket() bool { return o.Flags&FlagMarketOrder != 0 }

// IsStop reports whether the stop-order flag is set.
func (o *Order) IsStop() bool { return o.Flags&FlagStopOrder != 0 }

// IsLimit reports whether the limit-order flag is set.
func (o *Order) IsLimit() bool { return o.Flags&FlagLimitOrder != 0 }

// IsCloseOnly reports whether the order may only reduce exposure.
func (o *Order) IsCloseOnly() bool { return o.Flags&FlagCloseOnly != 0 }

// UseTargetLeverage reports whether margin should be adjusted toward the
// order's leverage hint on execution.
func (o *Order) UseTargetLeverage() bool { return o.Flags&FlagUseTargetLeverage != 0 }

// MarginAccount is the per-trader per-perpetual ledger entry. LockedInValue
// is in quote currency, Cash in collateral currency, Position in base
// currency. PositionID is the active-slot identifier; zero means the account
// is not in the perpetual's active set.
type MarginAccount struct {
	LockedInValueQC Dec64  `json:"lockedInValueQC"`
	CashCC          Dec64  `json:"cashCC"`
	PositionBC      Dec64  `json:"positionBC"`
	FundingOffset   Dec64  `json:"fundingOffset"`
	PositionID      uint64 `json:"positionId"`
}

// HasPosition reports whether the account holds exposure.
func (a *MarginAccount) HasPosition() bool { return !a.PositionBC.IsZero() }

// PerpParams are the per-perpetual margin, fee and granularity parameters.
type PerpParams struct {
	InitialMarginRateAlpha Dec64 `json:"initialMarginRateAlpha"`
	MarginRateBeta         Dec64 `json:"marginRateBeta"`
	MaintenanceMarginAlpha Dec64 `json:"maintenanceMarginAlpha"`
	InitialMarginRateCap   Dec64 `json:"initialMarginRateCap"`
	TreasuryFeeRate        Dec64 `json:"treasuryFeeRate"`
	PnLPartRate            Dec64 `json:"pnlPartRate"`
	ReferralRebateCC       Dec64 `json:"referralRebateCC"`
	LiquidationPenaltyRate Dec64 `json:"liquidationPenaltyRate"`
	MinimalSpread          Dec64 `json:"minimalSpread"`
	MinimalSpreadInStress  Dec64 `json:"minimalSpreadInStress"`
	LotSizeBC              Dec64 `json:"lotSizeBC"`
	MaxPositionBC          Dec64 `json:"maxPositionBC"`
}

// RiskParams are the price-process parameters of the underlying.
type RiskParams struct {
	FundingRateClamp   Dec64 `json:"fundingRateClamp"`
	MarkPriceEMALambda Dec64 `json:"markPriceEMALambda"`
	Sigma2             Dec64 `json:"sigma2"`
	Sigma3             Dec64 `json:"sigma3"`
	Rho23              Dec64 `json:"rho23"`
}

// FundRiskParams size the AMM fund and default fund.
type FundRiskParams struct {
	StressReturnS2         [2]Dec64 `json:"stressReturnS2"`
	StressReturnS3         [2]Dec64 `json:"stressReturnS3"`
	DFCoverNRate           Dec64    `json:"dfCoverNRate"`
	DFLambda               [2]Dec64 `json:"dfLambda"`
	AMMTargetDD            [2]Dec64 `json:"ammTargetDD"`
	AMMMinSizeCC           Dec64    `json:"ammMinSizeCC"`
	MinimalTraderExposure  Dec64    `json:"minimalTraderExposure"`
	MinimalAMMExposure     Dec64    `json:"minimalAMMExposure"`
	MaximalTradeSizeBumpUp Dec64    `json:"maximalTradeSizeBumpUp"`
}

// PriceFeed is the cached last sample of one index.
type PriceFeed struct {
	Price     Dec64     `json:"price"`
	Time      time.Time `json:"time"`
	IsOpen    bool      `json:"isOpen"`
	SymbolS2S string    `json:"symbol"`
}

// Perpetual is one contract inside a liquidity pool. Accounts maps trader
// address to margin account; Active is the ordered active-account set used
// by the settlement cursor. The account keyed by AMMTrader is the AMM's own
// margin account.
type Perpetual struct {
	ID             uint32         `json:"id"`
	PoolID         uint32         `json:"poolId"`
	State          PerpState      `json:"state"`
	CollateralKind CollateralKind `json:"collateralKind"`

	IndexS2 PriceFeed `json:"indexS2"`
	IndexS3 PriceFeed `json:"indexS3"`

	Params     PerpParams     `json:"params"`
	Risk       RiskParams     `json:"risk"`
	FundRisk   FundRiskParams `json:"fundRisk"`
	UpdateTime time.Time      `json:"updateTime"`

	MarkPremiumEMA        Dec64 `json:"markPremiumEMA"`
	CurrentPremium        Dec64 `json:"currentPremium"`
	OpenInterest          Dec64 `json:"openInterest"`
	UnitAccumulatedFunding Dec64 `json:"unitAccumulatedFunding"`
	FundingRate           Dec64 `json:"fundingRate"`

	// Exposure EMAs: trader side is a single magnitude, AMM side is kept
	// per direction (index 0 short, 1 long).
	TraderExposureEMA Dec64    `json:"traderExposureEMA"`
	AMMExposureEMA    [2]Dec64 `json:"ammExposureEMA"`

	KStar     Dec64 `json:"kStar"`
	KStarSide int   `json:"kStarSide"`

	AMMFundCashCC      Dec64 `json:"ammFundCashCC"`
	TargetAMMFundSize  Dec64 `json:"targetAMMFundSize"`
	TargetDFSize       Dec64 `json:"targetDFSize"`
	TotalMarginBalance Dec64 `json:"totalMarginBalance"`
	SettlementS2       Dec64 `json:"settlementS2"`
	SettlementS3       Dec64 `json:"settlementS3"`
	SettlementPremium  Dec64 `json:"settlementPremium"`

	Accounts map[string]*MarginAccount `json:"accounts"`
	Active   []string                  `json:"active"`

	nextPositionID uint64
}

// AMMTrader is the reserved address of the AMM's own margin account.
const AMMTrader = "amm"

// LiquidityPool holds the shared cash buckets of its member perpetuals.
type LiquidityPool struct {
	ID              uint32 `json:"id"`
	CollateralToken string `json:"collateralToken"`
	Treasury        string `json:"treasury"`

	AMMFundCashCC     Dec64 `json:"ammFundCashCC"`
	ParticipantCashCC Dec64 `json:"participantCashCC"`
	DefaultFundCashCC Dec64 `json:"defaultFundCashCC"`

	TargetAMMFundSize Dec64 `json:"targetAMMFundSize"`
	TargetDFSize      Dec64 `json:"targetDFSize"`
	RedemptionRate    Dec64 `json:"redemptionRate"`

	IsRunning bool     `json:"isRunning"`
	PerpIDs   []uint32 `json:"perpIds"`
}

// Precondition errors. Every rejected call leaves state untouched.
var (
	ErrNotWhitelisted   = errors.New("account should be whitelisted")
	ErrNoSender         = errors.New("sender should be set in an order")
	ErrReferrerOnMarket = errors.New("referrer can't be set for market order")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	ErrWrongState       = errors.New("perpetual should be in NORMAL state")
	ErrMarketClosed     = errors.New("market is closed now")
	ErrQuantoClosed     = errors.New("quanto market is closed now")
	ErrTradeSizeExceeds = errors.New("trade amount exceeds maximal trade amount for trader and AMM state")
	ErrTriggerRequired  = errors.New("positive trigger price required for stop orders")
	ErrTriggerNotMet    = errors.New("mark price does not meet stop order trigger condition")
	ErrBadSignature     = errors.New("invalid signature")
	ErrOrderExecuted    = errors.New("order already executed")
	ErrOrderCanceled    = errors.New("order was canceled")
	ErrMarginNotEnough  = errors.New("margin not enough")
	ErrZeroTradeAmount  = errors.New("trading amount is zero")
	ErrNoPositionToClose = errors.New("trader has no position to close")
	ErrCloseOnlyTrade   = errors.New("trade is close only")
	ErrPriceExceedsLimit = errors.New("price exceeds limit")
	ErrPriceNotPositive = errors.New("price must be positive")
	ErrNeedPositiveEMA  = errors.New("precondition: trader exposure EMA must be positive")
)

// Structural errors: caller misuse, never a recoverable trading condition.
var (
	ErrNotClosing       = errors.New("cannot be closing if no exposure")
	ErrAlreadyClosed    = errors.New("cannot be closing if already closed")
	ErrNoAccountToClear = errors.New("no account to clear")
	ErrPoolNotRunning   = errors.New("pool is not running")
	ErrNoPerpInPool     = errors.New("no perpetual in pool")
	ErrWithdrawEmergency = errors.New("no withdrawal in emergency state")
	ErrUnknownPool       = errors.New("unknown pool")
	ErrUnknownPerpetual  = errors.New("unknown perpetual")
	ErrUnknownAccount    = errors.New("unknown margin account")
	ErrWithdrawExceeds   = errors.New("withdrawal exceeds available margin")
	ErrPoolCashExceeded  = errors.New("amount exceeds available pool cash")
	ErrPositionSafe      = errors.New("position is safe, no liquidation")
	ErrNotEmergency      = errors.New("perpetual should be in EMERGENCY state")
	ErrNotInitializing   = errors.New("perpetual should be in INITIALIZING state")
	ErrAbsoluteValue     = errors.New("absolute trade value required")
)

// DefaultPerpParams returns the reference parameter set used by the tests
// and as a sane starting point for a BTC-quoted contract.
func DefaultPerpParams() PerpParams {
	return PerpParams{
		InitialMarginRateAlpha: MustDec("0.06"),
		MarginRateBeta:         MustDec("0.1"),
		MaintenanceMarginAlpha: MustDec("0.04"),
		InitialMarginRateCap:   MustDec("0.1"),
		TreasuryFeeRate:        MustDec("0.0003"),
		PnLPartRate:            MustDec("0.0003"),
		ReferralRebateCC:       MustDec("0.0001"),
		LiquidationPenaltyRate: MustDec("0.002"),
		MinimalSpread:          MustDec("0.00001"),
		MinimalSpreadInStress:  MustDec("0.00002"),
		LotSizeBC:              MustDec("0.0001"),
	}
}

// DefaultRiskParams returns the reference underlying-risk parameters.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		FundingRateClamp:   MustDec("0.0005"),
		MarkPriceEMALambda: MustDec("0.999"),
		Sigma2:             MustDec("0.07"),
		Sigma3:             MustDec("0.05"),
		Rho23:              MustDec("0.4"),
	}
}

// DefaultFundRiskParams returns the reference fund-sizing parameters.
func DefaultFundRiskParams() FundRiskParams {
	return FundRiskParams{
		StressReturnS2:         [2]Dec64{MustDec("-0.5"), MustDec("0.2")},
		StressReturnS3:         [2]Dec64{MustDec("-0.2"), MustDec("0.1")},
		DFCoverNRate:           MustDec("0.05"),
		DFLambda:               [2]Dec64{MustDec("0.999"), MustDec("0.25")},
		AMMTargetDD:            [2]Dec64{MustDec("-2.59"), MustDec("-2.053")},
		AMMMinSizeCC:           MustDec("0.25"),
		MinimalTraderExposure:  MustDec("0.01"),
		MinimalAMMExposure:     MustDec("1"),
		MaximalTradeSizeBumpUp: MustDec("1.25"),
	}
}

// S2 returns the cached base index price.
func (p *Perpetual) S2() Dec64 { return p.IndexS2.Price }

// S3 returns the cached quanto index price, or zero for non-quanto
// perpetuals.
func (p *Perpetual) S3() Dec64 { return p.IndexS3.Price }

// AMMAccount returns the AMM's own margin account, creating it on first use.
func (p *Perpetual) AMMAccount() *MarginAccount {
	return p.Account(AMMTrader)
}

// Account returns the margin account for trader, creating an empty one if
// it does not exist yet.
func (p *Perpetual) Account(trader string) *MarginAccount {
	if p.Accounts == nil {
		p.Accounts = make(map[string]*MarginAccount)
	}
	acc := p.Accounts[trader]
	if acc == nil {
		acc = &MarginAccount{}
		p.Accounts[trader] = acc
	}
	return acc
}

// MarkOpen adds trader to the active-account set and assigns a position id.
// The AMM account never joins the set.
func (p *Perpetual) MarkOpen(trader string) {
	if trader == AMMTrader {
		return
	}
	acc := p.Account(trader)
	if acc.PositionID != 0 {
		return
	}
	p.nextPositionID++
	acc.PositionID = p.nextPositionID
	p.Active = append(p.Active, trader)
}

// MarkClosed removes trader from the active-account set.
func (p *Perpetual) MarkClosed(trader string) {
	acc := p.Accounts[trader]
	if acc == nil || acc.PositionID == 0 {
		return
	}
	acc.PositionID = 0
	for i, t := range p.Active {
		if t == trader {
			p.Active = append(p.Active[:i], p.Active[i+1:]...)
			break
		}
	}
}

// ActiveAccounts returns active trader addresses in [from, to), the chunked
// accessor for restartable sweeps.
func (p *Perpetual) ActiveAccounts(from, to int) []string {
	if from < 0 {
		from = 0
	}
	if to > len(p.Active) {
		to = len(p.Active)
	}
	if from >= to {
		return nil
	}
	return p.Active[from:to]
}

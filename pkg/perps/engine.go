package perps

import (
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
)

// Oracle supplies index price samples.
type Oracle interface {
	Latest(symbol string) (OracleSample, error)
}

// Ledger moves collateral tokens in and out of the engine's custody. Both
// calls are all-or-nothing.
type Ledger interface {
	TransferIn(token, from string, amount decimal.Decimal) error
	TransferOut(token, to string, amount decimal.Decimal) error
}

// WhitelistChecker gates order submission when active.
type WhitelistChecker interface {
	IsWhitelisted(addr string) bool
	IsWhitelistActive() bool
}

// OrderVerifier authenticates signed orders and tracks their lifecycle.
type OrderVerifier interface {
	Verify(o *Order, sig []byte) (string, error)
	IsExecuted(digest [32]byte) bool
	IsCanceled(digest [32]byte) bool
	MarkExecuted(digest [32]byte)
}

// EventType labels engine events published to feeds.
type EventType string

const (
	EventTrade       EventType = "trade"
	EventLiquidation EventType = "liquidation"
	EventFunding     EventType = "funding"
	EventMarkPrice   EventType = "markprice"
	EventEmergency   EventType = "emergency"
	EventSettlement  EventType = "settlement"
)

// Event is one observable engine occurrence.
type Event struct {
	Type   EventType `json:"type"`
	PoolID uint32    `json:"poolId"`
	PerpID uint32    `json:"perpId"`
	Trader string    `json:"trader,omitempty"`
	Amount Dec64     `json:"amount,omitempty"`
	Price  Dec64     `json:"price,omitempty"`
	Rate   Dec64     `json:"rate,omitempty"`
	Time   time.Time `json:"time"`
}

// EngineConfig tunes the engine's periodic behavior.
type EngineConfig struct {
	PriceUpdateInterval time.Duration
	WithdrawDust        Dec64
}

// DefaultEngineConfig returns the standard configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PriceUpdateInterval: 5 * time.Second,
		WithdrawDust:        MustDec("0.0000000001"),
	}
}

// TradeResult reports an executed trade.
type TradeResult struct {
	Trader      string `json:"trader"`
	PerpID      uint32 `json:"perpId"`
	Amount      Dec64  `json:"amount"`
	Price       Dec64  `json:"price"`
	PnLFee      Dec64  `json:"pnlFee"`
	TreasuryFee Dec64  `json:"treasuryFee"`
	Rebate      Dec64  `json:"rebate"`
	NewPosition Dec64  `json:"newPosition"`
}

// Engine owns the pools, perpetuals and margin accounts and serializes all
// mutations behind one lock, matching the transactional one-call-at-a-time
// execution model.
type Engine struct {
	mu sync.RWMutex

	config    EngineConfig
	oracle    Oracle
	ledger    Ledger
	whitelist WhitelistChecker
	verifier  OrderVerifier

	pools map[uint32]*LiquidityPool
	perps map[uint32]*Perpetual

	nextPoolID uint32
	nextPerpID uint32

	sink    func(Event)
	metrics *Metrics
	logger  log.Logger
	now     func() time.Time
}

// NewEngine wires the engine with its collaborators. Oracle and ledger are
// required; verifier and whitelist may be nil to disable signed orders and
// whitelisting.
func NewEngine(cfg EngineConfig, oracle Oracle, ledger Ledger, verifier OrderVerifier, wl WhitelistChecker) *Engine {
	return &Engine{
		config:    cfg,
		oracle:    oracle,
		ledger:    ledger,
		verifier:  verifier,
		whitelist: wl,
		pools:     make(map[uint32]*LiquidityPool),
		perps:     make(map[uint32]*Perpetual),
		metrics:   NewMetrics(),
		logger:    log.Root().New("module", "perps"),
		now:       time.Now,
	}
}

// SetEventSink installs the event callback. Events are emitted while the
// engine lock is held; sinks must not call back into the engine.
func (e *Engine) SetEventSink(sink func(Event)) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// Metrics exposes the engine's Prometheus registry.
func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) notify(ev Event) {
	if e.sink != nil {
		ev.Time = e.now()
		e.sink(ev)
	}
}

// CreatePool registers a new liquidity pool.
func (e *Engine) CreatePool(collateralToken, treasury string) *LiquidityPool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextPoolID++
	pool := &LiquidityPool{
		ID:              e.nextPoolID,
		CollateralToken: collateralToken,
		Treasury:        treasury,
	}
	e.pools[pool.ID] = pool
	e.logger.Info("pool created", "pool", pool.ID, "token", collateralToken)
	return pool
}

// CreatePerpetual adds a perpetual to a pool in INITIALIZING state. The
// exposure EMAs start at their configured floors.
func (e *Engine) CreatePerpetual(poolID uint32, kind CollateralKind, s2Symbol, s3Symbol string, params PerpParams, risk RiskParams, fundRisk FundRiskParams) (*Perpetual, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[poolID]
	if !ok {
		return nil, ErrUnknownPool
	}
	e.nextPerpID++
	p := &Perpetual{
		ID:                e.nextPerpID,
		PoolID:            poolID,
		State:             StateInitializing,
		CollateralKind:    kind,
		Params:            params,
		Risk:              risk,
		FundRisk:          fundRisk,
		TraderExposureEMA: fundRisk.MinimalTraderExposure,
		AMMExposureEMA: [2]Dec64{
			fundRisk.MinimalAMMExposure.Neg(),
			fundRisk.MinimalAMMExposure,
		},
		Accounts: make(map[string]*MarginAccount),
	}
	p.IndexS2.SymbolS2S = s2Symbol
	p.IndexS3.SymbolS2S = s3Symbol
	e.perps[p.ID] = p
	pool.PerpIDs = append(pool.PerpIDs, p.ID)
	e.logger.Info("perpetual created", "perp", p.ID, "pool", poolID, "collateral", kind.String())
	return p, nil
}

// RunPool activates a pool: member perpetuals with a funded index price
// move from INITIALIZING to NORMAL and trading opens.
func (e *Engine) RunPool(poolID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[poolID]
	if !ok {
		return ErrUnknownPool
	}
	if len(pool.PerpIDs) == 0 {
		return ErrNoPerpInPool
	}
	for _, id := range pool.PerpIDs {
		p := e.perps[id]
		if p.State != StateInitializing {
			continue
		}
		if err := e.refreshPricesLocked(pool, p); err != nil {
			return err
		}
		p.State = StateNormal
		p.UpdateTime = e.now()
		UpdateKStar(pool, p)
		UpdateTargetAMMFundSize(pool, p)
		UpdateTargetDFSize(pool, p, len(p.Active))
	}
	pool.IsRunning = true
	e.recomputePoolTargetsLocked(pool)
	e.logger.Info("pool running", "pool", poolID, "perpetuals", len(pool.PerpIDs))
	return nil
}

func (e *Engine) poolPerp(perpID uint32) (*LiquidityPool, *Perpetual, error) {
	p, ok := e.perps[perpID]
	if !ok {
		return nil, nil, ErrUnknownPerpetual
	}
	pool, ok := e.pools[p.PoolID]
	if !ok {
		return nil, nil, ErrUnknownPool
	}
	return pool, p, nil
}

// Pool returns the pool by id.
func (e *Engine) Pool(id uint32) (*LiquidityPool, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pool, ok := e.pools[id]
	return pool, ok
}

// Perpetual returns the perpetual by id.
func (e *Engine) Perpetual(id uint32) (*Perpetual, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.perps[id]
	return p, ok
}

// Deposit moves collateral from the trader's external balance into the
// margin account.
func (e *Engine) Deposit(perpID uint32, trader string, amount Dec64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, p, err := e.poolPerp(perpID)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if p.State != StateNormal {
		return ErrWrongState
	}
	if err := e.ledger.TransferIn(pool.CollateralToken, trader, amount.Decimal()); err != nil {
		return err
	}
	acc := p.Account(trader)
	settleAccountFunding(p, acc)
	acc.CashCC = acc.CashCC.Add(amount)
	return nil
}

// Withdraw moves collateral back to the trader's external balance, bounded
// by the account's available initial margin.
func (e *Engine) Withdraw(perpID uint32, trader string, amount Dec64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, p, err := e.poolPerp(perpID)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if p.State == StateEmergency {
		return ErrWithdrawEmergency
	}
	if p.State != StateNormal {
		return ErrWrongState
	}
	acc := p.Accounts[trader]
	if acc == nil {
		return ErrUnknownAccount
	}
	settleAccountFunding(p, acc)
	if amount.Gt(AvailableMargin(p, acc, true)) {
		return ErrWithdrawExceeds
	}
	acc.CashCC = acc.CashCC.Sub(amount)
	// A dust remainder left on a flat account is swept into the payout so a
	// deposit-withdraw round trip lands on exactly zero.
	if !acc.HasPosition() && acc.CashCC.Sign() > 0 && acc.CashCC.Lte(e.config.WithdrawDust) {
		amount = amount.Add(acc.CashCC)
		acc.CashCC = Dec64{}
	}
	return e.ledger.TransferOut(pool.CollateralToken, trader, amount.Decimal())
}

// AddLiquidity deposits PnL-participant capital into a running pool; the
// amount is split between the participant and AMM buckets.
func (e *Engine) AddLiquidity(poolID uint32, from string, amount Dec64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[poolID]
	if !ok {
		return ErrUnknownPool
	}
	if !pool.IsRunning {
		return ErrPoolNotRunning
	}
	if len(pool.PerpIDs) == 0 {
		return ErrNoPerpInPool
	}
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := e.ledger.TransferIn(pool.CollateralToken, from, amount.Decimal()); err != nil {
		return err
	}
	pool.ParticipantCashCC = pool.ParticipantCashCC.Add(amount)
	return nil
}

// RemoveLiquidity withdraws PnL-participant capital. Withdrawal is blocked
// while any member perpetual is in EMERGENCY; it reopens once cleared.
func (e *Engine) RemoveLiquidity(poolID uint32, to string, amount Dec64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[poolID]
	if !ok {
		return ErrUnknownPool
	}
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	for _, id := range pool.PerpIDs {
		if e.perps[id].State == StateEmergency {
			return ErrWithdrawEmergency
		}
	}
	if amount.Gt(pool.ParticipantCashCC) {
		return ErrPoolCashExceeded
	}
	pool.ParticipantCashCC = pool.ParticipantCashCC.Sub(amount)
	return e.ledger.TransferOut(pool.CollateralToken, to, amount.Decimal())
}

// AddAMMLiquidity funds a perpetual's AMM cushion. While the pool is not
// running the cash goes straight to the perpetual's bucket; afterwards it
// routes through the target-aware fund flow.
func (e *Engine) AddAMMLiquidity(perpID uint32, from string, amount Dec64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, p, err := e.poolPerp(perpID)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := e.ledger.TransferIn(pool.CollateralToken, from, amount.Decimal()); err != nil {
		return err
	}
	if !pool.IsRunning {
		p.AMMFundCashCC = p.AMMFundCashCC.Add(amount)
		pool.AMMFundCashCC = pool.AMMFundCashCC.Add(amount)
		return nil
	}
	IncreaseAMMFundCash(pool, p, amount)
	return nil
}

// DepositToDefaultFund adds loss-absorption capital to the pool.
func (e *Engine) DepositToDefaultFund(poolID uint32, from string, amount Dec64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[poolID]
	if !ok {
		return ErrUnknownPool
	}
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := e.ledger.TransferIn(pool.CollateralToken, from, amount.Decimal()); err != nil {
		return err
	}
	pool.DefaultFundCashCC = pool.DefaultFundCashCC.Add(amount)
	return nil
}

// TransferEarningsToTreasury sweeps default-fund surplus above target to
// the pool treasury, clamped so the fund never drops below its target.
func (e *Engine) TransferEarningsToTreasury(poolID uint32, amount Dec64) (Dec64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[poolID]
	if !ok {
		return Dec64{}, ErrUnknownPool
	}
	surplus := pool.DefaultFundCashCC.Sub(pool.TargetDFSize)
	if surplus.Sign() <= 0 {
		return Dec64{}, nil
	}
	swept := amount.Min(surplus)
	if swept.Sign() <= 0 {
		return Dec64{}, nil
	}
	pool.DefaultFundCashCC = pool.DefaultFundCashCC.Sub(swept)
	if err := e.ledger.TransferOut(pool.CollateralToken, pool.Treasury, swept.Decimal()); err != nil {
		return Dec64{}, err
	}
	return swept, nil
}

// tradeSnapshot captures everything a trade mutates so a late precondition
// failure can restore it, preserving the no-state-change-on-error rule.
type tradeSnapshot struct {
	acc, amm          MarginAccount
	openInterest      Dec64
	traderEMA         Dec64
	ammEMA            [2]Dec64
	kStar             Dec64
	kStarSide         int
	perpAMMCash       Dec64
	nextPositionID    uint64
	active            []string
	poolAMM           Dec64
	poolParticipant   Dec64
	poolDF            Dec64
}

func takeTradeSnapshot(pool *LiquidityPool, p *Perpetual, acc *MarginAccount) tradeSnapshot {
	return tradeSnapshot{
		acc:             *acc,
		amm:             *p.AMMAccount(),
		openInterest:    p.OpenInterest,
		traderEMA:       p.TraderExposureEMA,
		ammEMA:          p.AMMExposureEMA,
		kStar:           p.KStar,
		kStarSide:       p.KStarSide,
		perpAMMCash:     p.AMMFundCashCC,
		nextPositionID:  p.nextPositionID,
		active:          append([]string(nil), p.Active...),
		poolAMM:         pool.AMMFundCashCC,
		poolParticipant: pool.ParticipantCashCC,
		poolDF:          pool.DefaultFundCashCC,
	}
}

func (s *tradeSnapshot) restore(pool *LiquidityPool, p *Perpetual, acc *MarginAccount) {
	*acc = s.acc
	*p.AMMAccount() = s.amm
	p.OpenInterest = s.openInterest
	p.TraderExposureEMA = s.traderEMA
	p.AMMExposureEMA = s.ammEMA
	p.KStar = s.kStar
	p.KStarSide = s.kStarSide
	p.AMMFundCashCC = s.perpAMMCash
	p.nextPositionID = s.nextPositionID
	p.Active = s.active
	pool.AMMFundCashCC = s.poolAMM
	pool.ParticipantCashCC = s.poolParticipant
	pool.DefaultFundCashCC = s.poolDF
}

// Trade validates and executes an order against the AMM.
func (e *Engine) Trade(o *Order) (*TradeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tradeLocked(o)
}

func (e *Engine) tradeLocked(o *Order) (*TradeResult, error) {
	pool, p, err := e.poolPerp(o.PerpID)
	if err != nil {
		return nil, err
	}
	if err := ValidateOrder(p, o, e.now(), e.whitelist); err != nil {
		return nil, err
	}
	price, amount, err := PreTrade(pool, p, o)
	if err != nil {
		return nil, err
	}

	acc := p.Account(o.Trader)
	oldPos := acc.PositionBC
	newPos := oldPos.Add(amount)
	hasOpened := newPos.Abs().Gt(oldPos.Abs()) || newPos.Sign()*oldPos.Sign() < 0

	snap := takeTradeSnapshot(pool, p, acc)
	if err := ExecuteTrade(pool, p, o.Trader, amount, price, o.IsCloseOnly()); err != nil {
		return nil, err
	}
	if o.UseTargetLeverage() && o.Leverage.Sign() > 0 && hasOpened {
		if err := e.topUpToLeverageLocked(pool, p, acc, o); err != nil {
			snap.restore(pool, p, acc)
			return nil, err
		}
	}
	pnlFee, treasuryFee, rebate, err := CalculateFees(p, acc, amount.Abs(), o.Referrer != "", hasOpened)
	if err != nil {
		snap.restore(pool, p, acc)
		return nil, err
	}
	if hasOpened && !IsInitialMarginSafe(p, acc) {
		snap.restore(pool, p, acc)
		return nil, ErrMarginNotEnough
	}
	if err := TransferFee(pool, p, o.Trader, o.Referrer, pnlFee, treasuryFee, rebate, e.ledger); err != nil {
		snap.restore(pool, p, acc)
		return nil, err
	}
	RebalanceAMM(pool, p)

	e.metrics.TradesExecuted.Inc()
	e.metrics.TradeVolume.Add(amount.Abs().Float64())
	e.logger.Info("trade executed",
		"perp", p.ID, "trader", o.Trader,
		"amount", amount.String(), "price", price.String())
	e.notify(Event{
		Type: EventTrade, PoolID: pool.ID, PerpID: p.ID,
		Trader: o.Trader, Amount: amount, Price: price,
	})
	return &TradeResult{
		Trader:      o.Trader,
		PerpID:      p.ID,
		Amount:      amount,
		Price:       price,
		PnLFee:      pnlFee,
		TreasuryFee: treasuryFee,
		Rebate:      rebate,
		NewPosition: acc.PositionBC,
	}, nil
}

// topUpToLeverageLocked deposits the cash needed to bring the account to
// the order's target leverage.
func (e *Engine) topUpToLeverageLocked(pool *LiquidityPool, p *Perpetual, acc *MarginAccount, o *Order) error {
	target := acc.PositionBC.Abs().Mul(BaseToCollateral(p, false)).Div(o.Leverage)
	shortfall := target.Sub(MarginBalance(p, acc))
	if shortfall.Sign() <= 0 {
		return nil
	}
	if err := e.ledger.TransferIn(pool.CollateralToken, o.Trader, shortfall.Decimal()); err != nil {
		return err
	}
	acc.CashCC = acc.CashCC.Add(shortfall)
	return nil
}

// TradeSignedOrder authenticates a signed order, enforces one-shot
// execution, then trades it.
func (e *Engine) TradeSignedOrder(o *Order, sig []byte) (*TradeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.verifier == nil {
		return nil, ErrBadSignature
	}
	trader, err := e.verifier.Verify(o, sig)
	if err != nil || trader == "" || trader != o.Trader {
		return nil, ErrBadSignature
	}
	digest := OrderDigest(o)
	if e.verifier.IsExecuted(digest) {
		return nil, ErrOrderExecuted
	}
	if e.verifier.IsCanceled(digest) {
		return nil, ErrOrderCanceled
	}
	res, err := e.tradeLocked(o)
	if err != nil {
		return nil, err
	}
	e.verifier.MarkExecuted(digest)
	return res, nil
}

// Liquidate closes the unsafe part of a trader's position. The liquidator
// is recorded for the event stream only; the penalty flows to the pool
// funds.
func (e *Engine) Liquidate(perpID uint32, trader, liquidator string) (*LiquidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, p, err := e.poolPerp(perpID)
	if err != nil {
		return nil, err
	}
	res, err := LiquidatePosition(pool, p, trader, e.ledger)
	if err != nil {
		return nil, err
	}
	RebalanceAMM(pool, p)
	e.metrics.Liquidations.Inc()
	e.logger.Info("position liquidated",
		"perp", perpID, "trader", trader, "liquidator", liquidator,
		"amount", res.LiquidatedAmount.String())
	e.notify(Event{
		Type: EventLiquidation, PoolID: pool.ID, PerpID: perpID,
		Trader: trader, Amount: res.LiquidatedAmount,
	})
	return res, nil
}

// refreshPricesLocked pulls fresh oracle samples into the perpetual's
// feeds. A terminated feed freezes the perpetual.
func (e *Engine) refreshPricesLocked(pool *LiquidityPool, p *Perpetual) error {
	s2, err := e.oracle.Latest(p.IndexS2.SymbolS2S)
	if err != nil {
		return err
	}
	if p.ApplyIndexSample(&p.IndexS2, s2, e.config.PriceUpdateInterval) == PriceEmergency {
		e.setEmergencyLocked(pool, p)
		return nil
	}
	if p.CollateralKind == CollateralQuanto {
		s3, err := e.oracle.Latest(p.IndexS3.SymbolS2S)
		if err != nil {
			return err
		}
		if p.ApplyIndexSample(&p.IndexS3, s3, e.config.PriceUpdateInterval) == PriceEmergency {
			e.setEmergencyLocked(pool, p)
			return nil
		}
	}
	return nil
}

// UpdateMarkPrice refreshes the index feeds and folds the AMM's current
// premium into the mark-price EMA.
func (e *Engine) UpdateMarkPrice(perpID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, p, err := e.poolPerp(perpID)
	if err != nil {
		return err
	}
	if p.State != StateNormal {
		return ErrWrongState
	}
	if err := e.refreshPricesLocked(pool, p); err != nil {
		return err
	}
	if p.State != StateNormal {
		return nil
	}
	v := GetAMMVariables(pool, p)
	mid := CalcPerpetualPrice(v, Dec64{}, p.Risk, p.KStar, Dec64{})
	premium := mid.Sub(p.S2()).Div(p.S2())
	p.UpdateMarkPremium(premium)
	e.notify(Event{
		Type: EventMarkPrice, PoolID: pool.ID, PerpID: p.ID,
		Price: p.MarkPrice(),
	})
	return nil
}

// UpdateFunding accrues funding since the last update and recomputes the
// rate.
func (e *Engine) UpdateFunding(perpID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, p, err := e.poolPerp(perpID)
	if err != nil {
		return err
	}
	if p.State != StateNormal {
		return ErrWrongState
	}
	AccrueFunding(p, e.now())
	UpdateFundingRate(p)
	e.metrics.FundingUpdates.Inc()
	e.notify(Event{
		Type: EventFunding, PoolID: pool.ID, PerpID: p.ID,
		Rate: p.FundingRate,
	})
	return nil
}

// UpdateTargetSizes recomputes the perpetual's fund targets and the pool
// aggregates.
func (e *Engine) UpdateTargetSizes(perpID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, p, err := e.poolPerp(perpID)
	if err != nil {
		return err
	}
	UpdateKStar(pool, p)
	UpdateTargetAMMFundSize(pool, p)
	UpdateTargetDFSize(pool, p, len(p.Active))
	e.recomputePoolTargetsLocked(pool)
	return nil
}

func (e *Engine) recomputePoolTargetsLocked(pool *LiquidityPool) {
	ammTarget, dfTarget := Dec64{}, Dec64{}
	for _, id := range pool.PerpIDs {
		p := e.perps[id]
		ammTarget = ammTarget.Add(p.TargetAMMFundSize)
		dfTarget = dfTarget.Add(p.TargetDFSize)
	}
	pool.TargetAMMFundSize = ammTarget
	pool.TargetDFSize = dfTarget
	e.metrics.ObservePool(pool)
}

// MaintenanceTick runs the periodic work for every NORMAL perpetual of
// every running pool: price refresh, mark premium, funding, target sizes
// and AMM rebalancing.
func (e *Engine) MaintenanceTick() {
	e.mu.Lock()
	ids := make([]uint32, 0, len(e.perps))
	for id, p := range e.perps {
		if p.State == StateNormal && e.pools[p.PoolID] != nil && e.pools[p.PoolID].IsRunning {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.UpdateMarkPrice(id); err != nil {
			e.logger.Warn("mark price update failed", "perp", id, "err", err)
			continue
		}
		if err := e.UpdateFunding(id); err != nil && err != ErrWrongState {
			e.logger.Warn("funding update failed", "perp", id, "err", err)
		}
		if err := e.UpdateTargetSizes(id); err != nil {
			e.logger.Warn("target size update failed", "perp", id, "err", err)
		}
		e.mu.Lock()
		if pool, p, err := e.poolPerp(id); err == nil && p.State == StateNormal {
			RebalanceAMM(pool, p)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) setEmergencyLocked(pool *LiquidityPool, p *Perpetual) {
	if p.State == StateEmergency || p.State == StateCleared {
		return
	}
	SetEmergencyState(pool, p)
	e.metrics.EmergencyTransitions.Inc()
	e.logger.Warn("perpetual entered emergency state", "perp", p.ID, "pool", pool.ID)
	e.notify(Event{Type: EventEmergency, PoolID: pool.ID, PerpID: p.ID})
}

// SetEmergency freezes a perpetual by operator action.
func (e *Engine) SetEmergency(perpID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, p, err := e.poolPerp(perpID)
	if err != nil {
		return err
	}
	e.setEmergencyLocked(pool, p)
	return nil
}

// SettleNext advances pool settlement by one bounded step. It returns true
// while clearing work remains.
func (e *Engine) SettleNext(poolID uint32) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[poolID]
	if !ok {
		return false, ErrUnknownPool
	}
	perps := make([]*Perpetual, 0, len(pool.PerpIDs))
	for _, id := range pool.PerpIDs {
		perps = append(perps, e.perps[id])
	}
	more, err := SettleNextTraderInPool(pool, perps)
	if err != nil {
		return false, err
	}
	e.metrics.SettlementSteps.Inc()
	e.notify(Event{Type: EventSettlement, PoolID: pool.ID})
	return more, nil
}

// SettleAccount pays out a cleared trader's redemption claim.
func (e *Engine) SettleAccount(perpID uint32, trader string) (Dec64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, p, err := e.poolPerp(perpID)
	if err != nil {
		return Dec64{}, err
	}
	claim, err := Settle(pool, p, trader, e.ledger)
	if err != nil {
		return Dec64{}, err
	}
	if claim.Sign() > 0 {
		e.logger.Info("account settled", "perp", perpID, "trader", trader, "claim", claim.String())
		e.notify(Event{
			Type: EventSettlement, PoolID: pool.ID, PerpID: perpID,
			Trader: trader, Amount: claim,
		})
	}
	return claim, nil
}

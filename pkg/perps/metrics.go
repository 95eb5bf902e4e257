package perps

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects engine counters and pool gauges on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TradesExecuted       prometheus.Counter
	TradeVolume          prometheus.Counter
	Liquidations         prometheus.Counter
	FundingUpdates       prometheus.Counter
	SettlementSteps      prometheus.Counter
	EmergencyTransitions prometheus.Counter

	poolAMMCash         *prometheus.GaugeVec
	poolParticipantCash *prometheus.GaugeVec
	poolDefaultFund     *prometheus.GaugeVec
}

// NewMetrics builds the metric set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perp_trades_executed_total",
			Help: "Total number of executed trades",
		}),
		TradeVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perp_trade_volume_base_total",
			Help: "Cumulative traded volume in base currency",
		}),
		Liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Total number of liquidations",
		}),
		FundingUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perp_funding_updates_total",
			Help: "Total number of funding rate updates",
		}),
		SettlementSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perp_settlement_steps_total",
			Help: "Total number of settlement clearing steps",
		}),
		EmergencyTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perp_emergency_transitions_total",
			Help: "Total number of transitions into emergency state",
		}),
		poolAMMCash: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_amm_fund_cash",
			Help: "AMM fund cash per pool",
		}, []string{"pool"}),
		poolParticipantCash: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_participant_cash",
			Help: "PnL participant cash per pool",
		}, []string{"pool"}),
		poolDefaultFund: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_pool_default_fund_cash",
			Help: "Default fund cash per pool",
		}, []string{"pool"}),
	}
	m.registry.MustRegister(
		m.TradesExecuted, m.TradeVolume, m.Liquidations,
		m.FundingUpdates, m.SettlementSteps, m.EmergencyTransitions,
		m.poolAMMCash, m.poolParticipantCash, m.poolDefaultFund,
	)
	return m
}

// ObservePool updates the cash gauges for one pool.
func (m *Metrics) ObservePool(pool *LiquidityPool) {
	id := poolLabel(pool.ID)
	m.poolAMMCash.WithLabelValues(id).Set(pool.AMMFundCashCC.Float64())
	m.poolParticipantCash.WithLabelValues(id).Set(pool.ParticipantCashCC.Float64())
	m.poolDefaultFund.WithLabelValues(id).Set(pool.DefaultFundCashCC.Float64())
}

func poolLabel(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

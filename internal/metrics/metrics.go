// Package metrics exposes the engine's Prometheus collectors:
//
//	oracle_cycles_total{action,path}        cycles settled
//	oracle_cycle_score                      final score of the last closed cycle
//	oracle_signals_total{result}            signals admitted|duplicate|rejected
//	oracle_wagers_total{result}             wagers placed|won|lost|refunded|rejected
//	oracle_settlement_attempts_total{outcome}  external ledger calls success|failure
//	oracle_commits_total{status}            committed|abandoned
//	oracle_payouts_total                    tokens credited to winners
//	oracle_house_take_total                 tokens retained by the house
//	oracle_settlement_seconds               close to settled latency
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
)

// Metrics bundles the collectors registered on one registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	cycles     *prometheus.CounterVec
	score      prometheus.Gauge
	signals    *prometheus.CounterVec
	wagers     *prometheus.CounterVec
	attempts   *prometheus.CounterVec
	commits    *prometheus.CounterVec
	payouts    prometheus.Counter
	houseTake  prometheus.Counter
	settleTime prometheus.Histogram
}

// New creates the collectors and registers them on reg. If reg is also a
// Gatherer it backs Handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_cycles_total",
				Help: "Cycles settled by action and settlement path.",
			},
			[]string{"action", "path"},
		),
		score: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "oracle_cycle_score",
				Help: "Final score of the most recently closed cycle.",
			},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_signals_total",
				Help: "Signals seen by the scheduler.",
			},
			[]string{"result"},
		),
		wagers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_wagers_total",
				Help: "Wagers by lifecycle result.",
			},
			[]string{"result"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_settlement_attempts_total",
				Help: "External ledger commit attempts.",
			},
			[]string{"outcome"},
		),
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_commits_total",
				Help: "Terminal commit outcomes.",
			},
			[]string{"status"},
		),
		payouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "oracle_payouts_total",
				Help: "Tokens credited to winning wagers.",
			},
		),
		houseTake: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "oracle_house_take_total",
				Help: "Tokens retained from real stakes.",
			},
		),
		settleTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "oracle_settlement_seconds",
				Help:    "Time from cycle close to settled.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
	}

	reg.MustRegister(m.cycles, m.score, m.signals, m.wagers, m.attempts,
		m.commits, m.payouts, m.houseTake, m.settleTime)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SignalAdmitted() {
	if m == nil {
		return
	}
	m.signals.WithLabelValues("admitted").Inc()
}

func (m *Metrics) SignalDropped(reason string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(reason).Inc()
}

func (m *Metrics) WagerPlaced() {
	if m == nil {
		return
	}
	m.wagers.WithLabelValues("placed").Inc()
}

func (m *Metrics) WagerRejected() {
	if m == nil {
		return
	}
	m.wagers.WithLabelValues("rejected").Inc()
}

// WagerResolved counts a terminal wager result.
func (m *Metrics) WagerResolved(result domain.WagerResult) {
	if m == nil {
		return
	}
	m.wagers.WithLabelValues(string(result)).Inc()
}

// CycleClosed records the final score.
func (m *Metrics) CycleClosed(score float64) {
	if m == nil {
		return
	}
	m.score.Set(score)
}

// SettlementAttempt counts one external ledger call.
func (m *Metrics) SettlementAttempt(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.attempts.WithLabelValues(outcome).Inc()
}

// CommitFinished counts a terminal commit status.
func (m *Metrics) CommitFinished(status domain.CommitStatus) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(string(status)).Inc()
}

// CycleSettled records a settled cycle and its economics.
func (m *Metrics) CycleSettled(c domain.Cycle, seconds float64) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(c.Action.String(), string(c.Settlement.Path)).Inc()
	m.payouts.Add(float64(c.Settlement.TotalPaid))
	if c.Settlement.HouseTake > 0 {
		m.houseTake.Add(float64(c.Settlement.HouseTake))
	}
	m.settleTime.Observe(seconds)
}

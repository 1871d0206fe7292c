package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romankoyan-pixel/scandal-oracle/internal/domain"
	"github.com/romankoyan-pixel/scandal-oracle/internal/metrics"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.SignalAdmitted()
		m.WagerPlaced()
		m.SettlementAttempt(false)
		m.CommitFinished(domain.CommitAbandoned)
		m.CycleSettled(domain.Cycle{}, 1)
	})
}

func TestHandlerExposesRecordedSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.SettlementAttempt(false)
	m.SettlementAttempt(true)
	m.CommitFinished(domain.CommitCommitted)
	m.CycleSettled(domain.Cycle{
		Action:     domain.ActionBurn,
		Settlement: domain.SettlementSummary{Path: domain.PathPayout, TotalPaid: 570, HouseTake: 30},
	}, 2.5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `oracle_settlement_attempts_total{outcome="failure"} 1`)
	assert.Contains(t, text, `oracle_commits_total{status="committed"} 1`)
	assert.Contains(t, text, `oracle_cycles_total{action="BURN",path="payout"} 1`)
	assert.Contains(t, text, "oracle_payouts_total 570")
}

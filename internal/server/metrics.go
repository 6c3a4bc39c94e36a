package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payoutdesk/internal/reconcile"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	payoutsTotal     *prometheus.CounterVec
	settlementsTotal *prometheus.CounterVec
	connectsTotal    *prometheus.CounterVec
	refreshRuns      *prometheus.CounterVec
	reconciliation   *prometheus.GaugeVec
}

func newMetricsRegistry() *metricsRegistry {
	payouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payoutdesk_payouts_total",
		Help: "Payout attempts by outcome",
	}, []string{"outcome"})

	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payoutdesk_settlements_total",
		Help: "Settlement reports by source and result",
	}, []string{"source", "result"})

	connects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payoutdesk_wallet_connects_total",
		Help: "Wallet connection attempts by outcome",
	}, []string{"outcome"})

	refreshRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payoutdesk_refresh_runs_total",
		Help: "Background refresh runs",
	}, []string{"loop", "result"})

	reconciliation := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payoutdesk_reconciliation_status",
		Help: "1 for the current wallet reconciliation status",
	}, []string{"status"})

	r := prometheus.NewRegistry()
	r.MustRegister(payouts, settlements, connects, refreshRuns, reconciliation)

	return &metricsRegistry{
		registry:         r,
		payoutsTotal:     payouts,
		settlementsTotal: settlements,
		connectsTotal:    connects,
		refreshRuns:      refreshRuns,
		reconciliation:   reconciliation,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// outcomeQuoted counts pay requests answered with a quote and no transfer.
const outcomeQuoted = "quoted"

func (m *metricsRegistry) incPayout(outcome string) {
	m.payoutsTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incSettlement(source, result string) {
	m.settlementsTotal.WithLabelValues(source, result).Inc()
}

func (m *metricsRegistry) incConnect(outcome string) {
	m.connectsTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) observeRefresh(loop string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.refreshRuns.WithLabelValues(loop, result).Inc()
}

func (m *metricsRegistry) setReconciliation(status reconcile.Status) {
	for _, s := range []reconcile.Status{reconcile.Matched, reconcile.Mismatched, reconcile.Unknown} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.reconciliation.WithLabelValues(string(s)).Set(v)
	}
}

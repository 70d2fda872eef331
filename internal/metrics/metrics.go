// Package metrics registers the daemon's prometheus collectors: round
// outcome counters, per-circuit health gauges, ledger size, and teardown
// counts. The auditor (C11) holds the registry itself; the round, health
// and ledger-size collectors are updated by cmd/eltord from payment-loop
// outcomes, probe results and ledger row counts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every collector this daemon exposes, constructed once
// at startup and passed by reference into the components that update it.
type Registry struct {
	RoundsPaid     prometheus.Counter
	RoundsFailed   prometheus.Counter
	CircuitHealthy *prometheus.GaugeVec // labeled by circuit name (primary/backup)
	LedgerRows     prometheus.Gauge
	Teardowns      prometheus.Counter
}

// New constructs and registers a Registry against reg.
func New(reg *prometheus.Registry) *Registry {
	r := &Registry{
		RoundsPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eltord",
			Name:      "rounds_paid_total",
			Help:      "Total number of hop payments that settled successfully.",
		}),
		RoundsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eltord",
			Name:      "rounds_failed_total",
			Help:      "Total number of hop payments that failed (including retries).",
		}),
		CircuitHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eltord",
			Name:      "circuit_healthy",
			Help:      "1 if the named circuit's last probe was healthy, else 0.",
		}, []string{"circuit"}),
		LedgerRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eltord",
			Name:      "ledger_rows",
			Help:      "Current number of live ledger rows across all tracked circuits.",
		}),
		Teardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eltord",
			Name:      "circuit_teardowns_total",
			Help:      "Total number of circuits torn down by the auditor.",
		}),
	}
	reg.MustRegister(r.RoundsPaid, r.RoundsFailed, r.CircuitHealthy, r.LedgerRows, r.Teardowns)
	return r
}

// ObserveHealth records a circuit's latest probe result.
func (r *Registry) ObserveHealth(circuit string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.CircuitHealthy.WithLabelValues(circuit).Set(v)
}

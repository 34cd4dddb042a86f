package protocol

import (
	"github.com/prometheus/client_golang/prometheus"

	"arbiter-escrow/internal/protoerr"
)

const namespace = "arbiter"

type metrics struct {
	operations *prometheus.CounterVec
	claims     *prometheus.CounterVec
	slashed    prometheus.Counter
	withdrawn  prometheus.Counter
	systemFees prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Protocol operations by name and outcome. Outcome is ok or the rejection reason.",
		}, []string{"op", "outcome"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Compensation claims created, by claim type.",
		}, []string{"type"}),
		slashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slashed_stake_total",
			Help:      "Total stake value captured by slashing claims, in the smallest coin unit.",
		}),
		withdrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_paid_total",
			Help:      "Coin paid to claim receivers on withdrawal, in the smallest coin unit.",
		}),
		systemFees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "system_compensation_fees_total",
			Help:      "System compensation fees withheld on withdrawal.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.claims, m.slashed, m.withdrawn, m.systemFees)
	}
	return m
}

func (m *metrics) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = protoerr.ReasonOf(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

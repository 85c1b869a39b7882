package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the domain collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	lockClaims   prometheus.Counter
	rejections   *prometheus.CounterVec
	storeRetries *prometheus.CounterVec
	transitions  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		lockClaims: f.NewCounter(prometheus.CounterOpts{
			Namespace: "cashbook",
			Name:      "lock_claims_total",
			Help:      "Transactions claimed by lock requests.",
		}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashbook",
			Name:      "rejections_total",
			Help:      "Requests rejected by operation and reason.",
		}, []string{"operation", "reason"}),
		storeRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashbook",
			Name:      "store_retries_total",
			Help:      "Store operations retried after contention.",
		}, []string{"operation"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cashbook",
			Name:      "transitions_total",
			Help:      "Committed transaction state changes by action.",
		}, []string{"action"}),
	}
}

func (m *Metrics) LockClaims(n int) {
	if m == nil {
		return
	}
	m.lockClaims.Add(float64(n))
}

func (m *Metrics) Rejected(operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}

func (m *Metrics) StoreRetry(operation string) {
	if m == nil {
		return
	}
	m.storeRetries.WithLabelValues(operation).Inc()
}

func (m *Metrics) Transitions(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.transitions.WithLabelValues(action).Add(float64(n))
}

package txrunner

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts transaction attempts per operation. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	attempts  *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	exhausted *prometheus.CounterVec
}

// NewMetrics registers the runner collectors with reg, reusing collectors
// that are already registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamforge",
			Subsystem: "tx",
			Name:      "attempts_total",
			Help:      "Transaction attempts started",
		}, []string{"op"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamforge",
			Subsystem: "tx",
			Name:      "conflicts_total",
			Help:      "Attempts aborted by a serialization conflict",
		}, []string{"op"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamforge",
			Subsystem: "tx",
			Name:      "retry_exhausted_total",
			Help:      "Units of work that ran out of attempts",
		}, []string{"op"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, target := range []**prometheus.CounterVec{&m.attempts, &m.conflicts, &m.exhausted} {
		if err := reg.Register(*target); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				return nil, err
			}
			*target = existing
		}
	}
	return m, nil
}

func (m *Metrics) observeAttempt(op string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(op).Inc()
}

func (m *Metrics) observeConflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) observeExhausted(op string) {
	if m == nil {
		return
	}
	m.exhausted.WithLabelValues(op).Inc()
}

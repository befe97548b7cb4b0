package lifecycle

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/choreboard/storage"
)

// Operation outcomes recorded by Metrics.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

// Metrics counts lifecycle operations by outcome.
type Metrics struct {
	operations *prometheus.CounterVec
}

// NewMetrics creates the lifecycle counters and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "choreboard",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Task lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations)
	}
	return m
}

// Observe records one operation. It is safe on a nil receiver.
func (m *Metrics) Observe(operation string, found bool, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome(found, err)).Inc()
}

// Counter returns the counter for one operation/outcome pair.
func (m *Metrics) Counter(operation, outcome string) prometheus.Counter {
	return m.operations.WithLabelValues(operation, outcome)
}

func outcome(found bool, err error) string {
	switch {
	case err == nil && !found:
		return OutcomeNotFound
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrInvalidTransition), storage.IsValidation(err):
		return OutcomeInvalid
	default:
		return OutcomeError
	}
}

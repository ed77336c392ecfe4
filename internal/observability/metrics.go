package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects core counters used by the coordinator.
type Metrics struct {
	allocations  *prometheus.CounterVec
	reservations *prometheus.CounterVec
	leases       *prometheus.CounterVec
	ledger       *prometheus.CounterVec
	batches      *prometheus.CounterVec
	outcomes     *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_alias_allocations_total",
		Help: "Alias allocations by source (reuse, gap, mint, exhausted).",
	}, []string{"source"})
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_reservations_total",
		Help: "Reservation registry operations by result.",
	}, []string{"result"})
	leases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_phone_leases_total",
		Help: "Phone lease queue events by result.",
	}, []string{"result"})
	ledger := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_ledger_operations_total",
		Help: "Ledger mutations by operation.",
	}, []string{"op"})
	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_batches_total",
		Help: "Batches by lifecycle state.",
	}, []string{"state"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_attempt_outcomes_total",
		Help: "Attempt outcomes accepted by the coordinator.",
	}, []string{"outcome"})

	return &Metrics{
		allocations:  registerCounterVec(registerer, allocations),
		reservations: registerCounterVec(registerer, reservations),
		leases:       registerCounterVec(registerer, leases),
		ledger:       registerCounterVec(registerer, ledger),
		batches:      registerCounterVec(registerer, batches),
		outcomes:     registerCounterVec(registerer, outcomes),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) IncAllocation(source string) {
	if m == nil || m.allocations == nil {
		return
	}
	m.allocations.WithLabelValues(source).Inc()
}

func (m *Metrics) IncReservation(result string) {
	if m == nil || m.reservations == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) AddReservation(result string, n int) {
	if m == nil || m.reservations == nil || n <= 0 {
		return
	}
	m.reservations.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) IncLease(result string) {
	if m == nil || m.leases == nil {
		return
	}
	m.leases.WithLabelValues(result).Inc()
}

func (m *Metrics) IncLedger(op string) {
	if m == nil || m.ledger == nil {
		return
	}
	m.ledger.WithLabelValues(op).Inc()
}

func (m *Metrics) IncBatch(state string) {
	if m == nil || m.batches == nil {
		return
	}
	m.batches.WithLabelValues(state).Inc()
}

func (m *Metrics) AddOutcome(outcome string, n int) {
	if m == nil || m.outcomes == nil || n <= 0 {
		return
	}
	m.outcomes.WithLabelValues(outcome).Add(float64(n))
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}

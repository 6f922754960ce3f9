package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for rule evaluation and bill conversion.
type Metrics struct {
	// Conversion outcomes per health facility
	Conversions *prometheus.CounterVec

	// Calculation latency by execution context
	CalculationDuration *prometheus.HistogramVec

	// Applicability gate decisions
	ApplicabilityChecks *prometheus.CounterVec
}

// New creates a Metrics instance registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Conversions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calcrule_conversions_total",
			Help: "Bill conversions by outcome",
		}, []string{"outcome"}), // outcome: "converted", "already_converted", "no_payments", "failed"

		CalculationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calcrule_calculation_duration_seconds",
			Help:    "Duration of a rule calculation including conversions",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"context"}),

		ApplicabilityChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "calcrule_applicability_checks_total",
			Help: "Applicability gate decisions",
		}, []string{"result"}),
	}
}

// IncConversion records one facility conversion outcome.
func (m *Metrics) IncConversion(outcome string) {
	if m != nil {
		m.Conversions.WithLabelValues(outcome).Inc()
	}
}

// ObserveCalculation records the duration of a calculation.
func (m *Metrics) ObserveCalculation(context string, d time.Duration) {
	if m != nil {
		m.CalculationDuration.WithLabelValues(context).Observe(d.Seconds())
	}
}

// IncApplicability records a gate decision.
func (m *Metrics) IncApplicability(applies bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if applies {
		result = "applies"
	}
	m.ApplicabilityChecks.WithLabelValues(result).Inc()
}

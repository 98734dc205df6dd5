package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
)

// Monitor holds the orchestrator's Prometheus collectors.
type Monitor struct {
	// Finished operations by kind and result code.
	operations *prometheus.CounterVec
	// How long each operation kind takes, success or not.
	duration *prometheus.HistogramVec
	// Placement attempts needed by successful starts.
	startAttempts prometheus.Histogram
	// VMs handed to HA by recovery and the stuck work scan.
	handoffs *prometheus.CounterVec
}

// NewMonitor creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmconductor_operations_total",
			Help: "Finished VM lifecycle operations by kind and result",
		}, []string{"operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vmconductor_operation_duration_seconds",
			Help:    "Duration of VM lifecycle operations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 18), // 10ms to ~22min
		}, []string{"operation"}),
		startAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vmconductor_start_attempts",
			Help:    "Placement attempts taken by successful VM starts",
			Buckets: []float64{1, 2, 3, 5, 10},
		}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmconductor_ha_handoffs_total",
			Help: "Abandoned or stuck work handed to HA, by HA work type",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.startAttempts, m.handoffs)
	}
	return m
}

func (m *Monitor) observe(kind domain.OperationKind, started time.Time, err error) {
	result := "success"
	if err != nil {
		result = apperrors.CodeOf(err)
		if result == "" {
			result = apperrors.CodeInternal
		}
	}
	m.operations.WithLabelValues(string(kind), result).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(time.Since(started).Seconds())
}

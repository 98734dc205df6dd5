package reconciler

import "github.com/prometheus/client_golang/prometheus"

// Reconciliation actions, the label values of the actions counter.
const (
	ActionPowerOnSync        = "power_on_sync"
	ActionPowerOffSync       = "power_off_sync"
	ActionMigratedOutOfBand  = "migrated_out_of_band"
	ActionHARestart          = "ha_restart"
	ActionAlertOnly          = "alert_only"
	ActionStallSynthesized   = "stall_synthesized"
	ActionStalledUnreachable = "stalled_unreachable"
)

// Monitor holds the reconciler's Prometheus collectors.
type Monitor struct {
	reports          *prometheus.CounterVec
	actions          *prometheus.CounterVec
	deferrals        prometheus.Counter
	unknownInstances prometheus.Counter
}

// NewMonitor creates the collectors and registers them with reg, if any.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmconductor_power_reports_total",
			Help: "Power reports received, by source (host or vm)",
		}, []string{"source"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmconductor_reconcile_actions_total",
			Help: "Repairs and alerts made by the power-state reconciler",
		}, []string{"action"}),
		deferrals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmconductor_reconcile_deferrals_total",
			Help: "Power reports deferred because work was pending for the VM",
		}),
		unknownInstances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vmconductor_unknown_instances_total",
			Help: "Reported instance names that match no VM",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reports, m.actions, m.deferrals, m.unknownInstances)
	}
	return m
}

// Package statemachine holds the VM transition table and applies
// transitions through an optimistic compare-and-set on the VM record.
package statemachine

import "vmconductor.io/conductor/internal/domain"

type edges map[domain.Event]domain.State

var table = map[domain.State]edges{
	domain.StateStopped: {
		domain.EventStartRequested:            domain.StateStarting,
		domain.EventStopRequested:             domain.StateStopped,
		domain.EventDestroyRequested:          domain.StateDestroyed,
		domain.EventOperationFailed:           domain.StateError,
		domain.EventExpungeOperation:          domain.StateExpunging,
		domain.EventAgentReportStopped:        domain.StateStopped,
		domain.EventAgentReportShutdowned:     domain.StateStopped,
		domain.EventStorageMigrationRequested: domain.StateMigrating,
		domain.EventFollowAgentPowerOnReport:  domain.StateRunning,
		domain.EventFollowAgentPowerOffReport: domain.StateStopped,
	},
	domain.StateStarting: {
		domain.EventOperationRetry:            domain.StateStarting,
		domain.EventOperationSucceeded:        domain.StateRunning,
		domain.EventOperationFailed:           domain.StateStopped,
		domain.EventOperationFailedToError:    domain.StateError,
		domain.EventAgentReportRunning:        domain.StateRunning,
		domain.EventAgentReportStopped:        domain.StateStopped,
		domain.EventAgentReportShutdowned:     domain.StateStopped,
		domain.EventFollowAgentPowerOnReport:  domain.StateRunning,
		domain.EventFollowAgentPowerOffReport: domain.StateStopped,
	},
	domain.StateRunning: {
		domain.EventMigrationRequested:        domain.StateMigrating,
		domain.EventStopRequested:             domain.StateStopping,
		domain.EventOperationSucceeded:        domain.StateRunning,
		domain.EventAgentReportRunning:        domain.StateRunning,
		domain.EventAgentReportStopped:        domain.StateStopped,
		domain.EventAgentReportShutdowned:     domain.StateStopped,
		domain.EventAgentReportMigrated:       domain.StateRunning,
		domain.EventFollowAgentPowerOnReport:  domain.StateRunning,
		domain.EventFollowAgentPowerOffReport: domain.StateStopped,
	},
	domain.StateMigrating: {
		domain.EventMigrationRequested:        domain.StateMigrating,
		domain.EventOperationSucceeded:        domain.StateRunning,
		domain.EventOperationFailed:           domain.StateRunning,
		domain.EventAgentReportRunning:        domain.StateRunning,
		domain.EventAgentReportStopped:        domain.StateStopped,
		domain.EventAgentReportShutdowned:     domain.StateStopped,
		domain.EventFollowAgentPowerOnReport:  domain.StateRunning,
		domain.EventFollowAgentPowerOffReport: domain.StateStopped,
	},
	domain.StateStopping: {
		domain.EventOperationSucceeded:        domain.StateStopped,
		domain.EventOperationFailed:           domain.StateRunning,
		domain.EventStopRequested:             domain.StateStopping,
		domain.EventAgentReportRunning:        domain.StateRunning,
		domain.EventAgentReportStopped:        domain.StateStopped,
		domain.EventAgentReportShutdowned:     domain.StateStopped,
		domain.EventFollowAgentPowerOnReport:  domain.StateRunning,
		domain.EventFollowAgentPowerOffReport: domain.StateStopped,
	},
	domain.StateDestroyed: {
		domain.EventDestroyRequested: domain.StateDestroyed,
		domain.EventExpungeOperation: domain.StateExpunging,
		domain.EventRecoveryRequested: domain.StateStopped,
	},
	domain.StateExpunging: {
		domain.EventOperationFailed:  domain.StateExpunging,
		domain.EventExpungeOperation: domain.StateExpunging,
	},
	domain.StateError: {
		domain.EventDestroyRequested: domain.StateExpunging,
		domain.EventExpungeOperation: domain.StateExpunging,
	},
}

// NextState looks up the edge for (from, event).
func NextState(from domain.State, event domain.Event) (domain.State, bool) {
	next, ok := table[from][event]
	return next, ok
}

// PossibleEvents lists the events with an edge out of from.
func PossibleEvents(from domain.State) []domain.Event {
	out := make([]domain.Event, 0, len(table[from]))
	for _, e := range domain.AllEvents {
		if _, ok := table[from][e]; ok {
			out = append(out, e)
		}
	}
	return out
}

// hostChange computes the new (hostID, lastHostID) pair for a transition.
// target is the host supplied by the caller (destination, reporting host,
// or source on migration failure).
func hostChange(vm *domain.VM, event domain.Event, next domain.State, target *int64) (host, last *int64) {
	host, last = vm.HostID, vm.LastHostID
	from := vm.State

	switch {
	case next == domain.StateStopped:
		// A failed start never ran on its destination.
		if vm.HostID != nil && from != domain.StateStarting {
			last = vm.HostID
		}
		host = nil
	case next.IsTerminal():
		host = nil
	case from == domain.StateStopped && event == domain.EventStartRequested:
		host = nil
	case event == domain.EventMigrationRequested && from == domain.StateRunning:
		last = vm.HostID
		host = target
	case from == domain.StateMigrating && event == domain.EventOperationFailed:
		if target != nil {
			host = target
		} else if vm.LastHostID != nil {
			host = vm.LastHostID
		}
	case target != nil:
		host = target
	}
	return host, last
}

// Package modules holds the dependency units the composition root wires
// together. Each module owns one slice of the service and exposes it
// through the optional contributor interfaces below.
package modules

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"vmconductor.io/conductor/internal/api/handlers"
	"vmconductor.io/conductor/internal/jobs"
)

// Module represents a domain-specific dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging.
	Name() string

	// RegisterWorkers registers module workers into a shared River worker registry.
	RegisterWorkers(*river.Workers)

	// Start runs once the River client exists and before it starts working jobs.
	Start(context.Context) error

	// Shutdown performs module-local graceful cleanup.
	Shutdown(context.Context) error
}

// ServerDepsContributor injects module-owned dependencies into the HTTP server deps.
type ServerDepsContributor interface {
	ContributeServerDeps(*handlers.ServerDeps)
}

// MaintenanceContributor supplies periodic sweeps for the shared
// maintenance worker.
type MaintenanceContributor interface {
	MaintenanceTasks() []jobs.MaintenanceTask
}

// RiverClientUser receives the River client once every worker is registered.
type RiverClientUser interface {
	UseRiverClient(*river.Client[pgx.Tx])
}

// JobExhaustionHandler is told about jobs River discards after their
// final attempt.
type JobExhaustionHandler interface {
	OnJobExhausted(ctx context.Context, job *rivertype.JobRow, cause error)
}

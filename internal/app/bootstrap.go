// Package app is the composition root. Bootstrap only wires modules; the
// behavior lives in the packages they assemble.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"vmconductor.io/conductor/internal/api/handlers"
	"vmconductor.io/conductor/internal/app/modules"
	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/infrastructure"
	"vmconductor.io/conductor/internal/jobs"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	Infra   *modules.Infrastructure
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	mods, err := newModules(infra)
	if err != nil {
		infra.Close()
		return nil, err
	}

	workers := river.NewWorkers()
	var (
		tasks       []jobs.MaintenanceTask
		onExhausted []infrastructure.ExhaustedFunc
	)
	for _, mod := range mods {
		mod.RegisterWorkers(workers)
		if c, ok := mod.(modules.MaintenanceContributor); ok {
			tasks = append(tasks, c.MaintenanceTasks()...)
		}
		if h, ok := mod.(modules.JobExhaustionHandler); ok {
			onExhausted = append(onExhausted, h.OnJobExhausted)
		}
	}
	maintenance := jobs.NewMaintenanceWorker(infra.Locker, cfg.Orchestrator.LockTimeout, tasks...)
	river.AddWorker(workers, maintenance)

	if err := infra.InitRiver(workers, maintenance.PeriodicJobs(), onExhausted...); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}
	for _, mod := range mods {
		if u, ok := mod.(modules.RiverClientUser); ok {
			u.UseRiverClient(infra.RiverClient())
		}
	}

	server := handlers.NewServer(modules.NewServerDeps(mods))
	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg, server, infra.DB.Pool, infra.Registry),
		Infra:   infra,
		Modules: mods,
	}, nil
}

func newModules(infra *modules.Infrastructure) ([]modules.Module, error) {
	vm, err := modules.NewVMModule(infra)
	if err != nil {
		return nil, fmt.Errorf("init vm module: %w", err)
	}
	rec, err := modules.NewReconcilerModule(infra)
	if err != nil {
		return nil, fmt.Errorf("init reconciler module: %w", err)
	}
	return []modules.Module{vm, rec}, nil
}

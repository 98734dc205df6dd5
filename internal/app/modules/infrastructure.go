package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/eventbus"
	"vmconductor.io/conductor/internal/infrastructure"
	"vmconductor.io/conductor/internal/lock"
	"vmconductor.io/conductor/internal/notification"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/pkg/worker"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/provider/simulator"
	"vmconductor.io/conductor/internal/repository/postgres"
	"vmconductor.io/conductor/internal/statemachine"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config   *config.Config
	DB       *infrastructure.DatabaseClients
	Pools    *worker.Pools
	Store    *postgres.Store
	Bus      *eventbus.Postgres
	Locker   lock.Locker
	Machine  *statemachine.Machine
	Registry *prometheus.Registry

	// Simulator backs Collaborators until real host agents are wired in.
	Simulator     *simulator.Simulator
	Collaborators provider.Collaborators

	stopBus context.CancelFunc
}

// NewInfrastructure connects to the database and builds the shared services.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	pools, err := worker.NewPools(worker.PoolConfig{
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		AgentPoolSize:   cfg.Worker.AgentPoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	store := postgres.New(db.Pool)
	sim := simulator.New(store)
	collab := sim.Collaborators()
	collab.Alerts = notification.NewStoreSender(store)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		pools,
	)

	return &Infrastructure{
		Config:        cfg,
		DB:            db,
		Pools:         pools,
		Store:         store,
		Bus:           eventbus.NewPostgres(db.Pool, domain.TopicPowerState, domain.TopicJobDone),
		Locker:        lock.NewPostgres(db.Pool),
		Machine:       statemachine.New(store),
		Registry:      reg,
		Simulator:     sim,
		Collaborators: collab,
	}, nil
}

// InitRiver creates the River client on top of a prepared worker registry.
func (i *Infrastructure) InitRiver(workers *river.Workers, periodic []*river.PeriodicJob, onExhausted ...infrastructure.ExhaustedFunc) error {
	if i == nil || i.DB == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if err := i.DB.InitRiverClient(workers, periodic, i.Config.River, onExhausted...); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	return nil
}

// RiverClient returns the River client, nil before InitRiver.
func (i *Infrastructure) RiverClient() *river.Client[pgx.Tx] {
	if i == nil || i.DB == nil {
		return nil
	}
	return i.DB.RiverClient
}

// StartBus starts the LISTEN loop that feeds local bus subscribers.
func (i *Infrastructure) StartBus() {
	if i == nil || i.Bus == nil || i.stopBus != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	i.stopBus = cancel
	go i.Bus.Run(ctx)
	logger.Info("Event bus listener started",
		zap.Strings("topics", []string{domain.TopicPowerState, domain.TopicJobDone}))
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.stopBus != nil {
		i.stopBus()
		i.stopBus = nil
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.DB != nil {
		i.DB.Close()
	}
}

// Package infrastructure provides database and connection pool setup.
//
// One pgxpool backs the stores, the advisory locks, the LISTEN/NOTIFY
// event bus and River, so a work job and the rows it touches can share a
// transaction.
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/jobqueue"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository/postgres"
)

// DatabaseClients contains all database-related clients.
type DatabaseClients struct {
	// Pool is the shared connection pool.
	Pool *pgxpool.Pool

	// RiverClient is the River job queue client backed by the shared pool.
	// It is nil until InitRiverClient runs.
	RiverClient *river.Client[pgx.Tx]
}

// NewDatabaseClients creates the shared connection pool.
func NewDatabaseClients(ctx context.Context, cfg config.DatabaseConfig) (*DatabaseClients, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute

	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Database connection pool created",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns),
	)
	return &DatabaseClients{Pool: pool}, nil
}

// Migrate applies the conductor schema and River's queue tables.
func (c *DatabaseClients) Migrate(ctx context.Context) error {
	logger.Info("Applying conductor schema...")
	if err := postgres.Migrate(ctx, c.Pool); err != nil {
		return err
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(c.Pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	if len(res.Versions) > 0 {
		logger.Info("River migration completed", zap.Int("versions_applied", len(res.Versions)))
	} else {
		logger.Info("River migration: already up-to-date")
	}
	return nil
}

// InitRiverClient creates the River client. Work jobs get their own queue
// so a backlog of sweeps never delays a lifecycle operation. onExhausted
// runs for every job that failed its final attempt.
func (c *DatabaseClients) InitRiverClient(workers *river.Workers, periodic []*river.PeriodicJob, cfg config.RiverConfig, onExhausted ...ExhaustedFunc) error {
	riverClient, err := river.NewClient(riverpgxv5.New(c.Pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault:   {MaxWorkers: cfg.MaxWorkers},
			jobqueue.QueueVMWork: {MaxWorkers: cfg.VMWorkWorkers},
		},
		Workers:                     workers,
		PeriodicJobs:                periodic,
		CompletedJobRetentionPeriod: cfg.CompletedJobRetentionPeriod,
		ErrorHandler:                jobErrorHandler{onExhausted: onExhausted},
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	c.RiverClient = riverClient
	logger.Info("River client initialized",
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("vm_work_workers", cfg.VMWorkWorkers),
		zap.Int("periodic_jobs", len(periodic)),
	)
	return nil
}

// ExhaustedFunc is told about a job River is about to discard.
type ExhaustedFunc func(ctx context.Context, job *rivertype.JobRow, cause error)

// jobErrorHandler logs job failures and reports exhausted jobs. Retry
// policy is left to River.
type jobErrorHandler struct {
	onExhausted []ExhaustedFunc
}

func (h jobErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	logger.Warn("River job failed",
		zap.Int64("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.String("queue", job.Queue),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Error(err),
	)
	h.exhausted(ctx, job, err)
	return nil
}

func (h jobErrorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	logger.Error("River job panicked",
		zap.Int64("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Any("panic", panicVal),
		zap.String("trace", trace),
	)
	h.exhausted(ctx, job, fmt.Errorf("panic: %v", panicVal))
	return nil
}

func (h jobErrorHandler) exhausted(ctx context.Context, job *rivertype.JobRow, cause error) {
	if job.Attempt < job.MaxAttempts {
		return
	}
	for _, fn := range h.onExhausted {
		fn(ctx, job, cause)
	}
}

// Close closes the pool.
func (c *DatabaseClients) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

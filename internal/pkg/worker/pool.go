// Package worker provides goroutine pool management.
//
// Background concurrency goes through these pools so panics are recovered
// and shutdown can wait for in-flight tasks.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool names, used as the metric label.
const (
	PoolGeneral = "general"
	PoolAgent   = "agent"
)

const shutdownTimeout = 30 * time.Second

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the worker pool collection.
//
// General runs reconciliation handlers and sweeps. Agent runs work that
// talks to hosts (host report processing, cleanup command fan-out).
type Pools struct {
	General *Pool
	Agent   *Pool
}

// PoolConfig contains worker pool configuration.
type PoolConfig struct {
	GeneralPoolSize int
	AgentPoolSize   int
}

func newPool(name string, size int, expiry time.Duration) (*Pool, error) {
	p, err := ants.NewPool(size,
		ants.WithPanicHandler(func(v any) {
			logger.Error("Worker panic recovered",
				zap.String("pool", name),
				zap.Any("panic", v),
				zap.Stack("stack"),
			)
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(expiry),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p, name: name}, nil
}

// NewPools creates the worker pool collection.
func NewPools(cfg PoolConfig) (*Pools, error) {
	general, err := newPool(PoolGeneral, cfg.GeneralPoolSize, 10*time.Second)
	if err != nil {
		return nil, err
	}
	agent, err := newPool(PoolAgent, cfg.AgentPoolSize, 30*time.Second)
	if err != nil {
		general.pool.Release()
		return nil, err
	}
	return &Pools{General: general, Agent: agent}, nil
}

// Submit submits a context-aware task. A task whose ctx is cancelled
// before it starts is skipped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := p.pool.Submit(func() {
		if ctx.Err() != nil {
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		}
		task(ctx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// FanOut runs fn(ctx, i) for i in [0, n) on the pool and waits for all of
// them. Items that could not be submitted run on the caller's goroutine.
func (p *Pool) FanOut(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		err := p.Submit(ctx, func(ctx context.Context) {
			defer wg.Done()
			fn(ctx, i)
		})
		if err != nil {
			wg.Done()
			if ctx.Err() != nil {
				break
			}
			fn(ctx, i)
		}
	}
	wg.Wait()
}

// Shutdown waits up to 30s per pool for running tasks.
func (p *Pools) Shutdown() {
	for _, pool := range p.all() {
		if err := pool.pool.ReleaseTimeout(shutdownTimeout); err != nil {
			logger.Warn("Worker pool shutdown timeout", zap.String("pool", pool.name), zap.Error(err))
		}
	}
}

func (p *Pools) all() []*Pool { return []*Pool{p.General, p.Agent} }

var (
	runningDesc = prometheus.NewDesc("conductor_worker_pool_running",
		"Goroutines currently running tasks.", []string{"pool"}, nil)
	freeDesc = prometheus.NewDesc("conductor_worker_pool_free",
		"Idle goroutine slots.", []string{"pool"}, nil)
	capDesc = prometheus.NewDesc("conductor_worker_pool_capacity",
		"Configured pool size.", []string{"pool"}, nil)
)

// Describe implements prometheus.Collector.
func (p *Pools) Describe(ch chan<- *prometheus.Desc) {
	ch <- runningDesc
	ch <- freeDesc
	ch <- capDesc
}

// Collect implements prometheus.Collector.
func (p *Pools) Collect(ch chan<- prometheus.Metric) {
	for _, pool := range p.all() {
		ch <- prometheus.MustNewConstMetric(runningDesc, prometheus.GaugeValue, float64(pool.pool.Running()), pool.name)
		ch <- prometheus.MustNewConstMetric(freeDesc, prometheus.GaugeValue, float64(pool.pool.Free()), pool.name)
		ch <- prometheus.MustNewConstMetric(capDesc, prometheus.GaugeValue, float64(pool.pool.Cap()), pool.name)
	}
}

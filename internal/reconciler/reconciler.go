// Package reconciler repairs drift between the recorded VM state and the
// power state hosts report.
//
// Reports update the stored power state and publish a power-state-changed
// notification. A rate-limited work queue feeds those notifications to a
// handler that applies the power-on and power-off rules, unless a work job,
// work item or HA task is pending for the VM. Pending work defers the
// report: power tracking is reset so the next report publishes again, and
// the VM is re-queued with exponential backoff.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/util/workqueue"

	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/eventbus"
	"vmconductor.io/conductor/internal/notification"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/pkg/worker"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/repository"
	"vmconductor.io/conductor/internal/statemachine"
)

// Config tunes reconciliation.
type Config struct {
	// ReportInterval is how often hosts are expected to report.
	ReportInterval time.Duration
	// MissingReportGrace is how long a VM may be absent from its host's
	// reports before it is marked PowerReportMissing.
	MissingReportGrace time.Duration
	// UnreachableStallThreshold is how long a transitional VM may sit on an
	// unreachable host before an operator alert is raised.
	UnreachableStallThreshold time.Duration
	// Workers is the number of queue consumers.
	Workers        int
	DeferBaseDelay time.Duration
	DeferMaxDelay  time.Duration
	// MaxDefers bounds re-queues of one VM before its report is dropped.
	MaxDefers int
	// DisableHARestart stops HA-enabled VMs found powered off instead of
	// scheduling a restart.
	DisableHARestart bool
}

// ConfigFrom maps the reconciler configuration section.
func ConfigFrom(rc config.ReconcilerConfig, o config.OrchestratorConfig) Config {
	return Config{
		ReportInterval:            rc.ReportInterval,
		MissingReportGrace:        rc.MissingReportGrace,
		UnreachableStallThreshold: rc.UnreachableStallThreshold,
		Workers:                   rc.Workers,
		DeferBaseDelay:            rc.DeferBaseDelay,
		DeferMaxDelay:             rc.DeferMaxDelay,
		MaxDefers:                 rc.MaxDefers,
		DisableHARestart:          !o.HARestartOnHostUp,
	}
}

// StallThreshold is the age after which a transitional VM on a reachable
// host is considered to have missed its report.
func (c Config) StallThreshold() time.Duration {
	return c.ReportInterval + c.ReportInterval/2
}

// Deps are the reconciler's collaborators.
type Deps struct {
	Config  Config
	Store   repository.Store
	Machine *statemachine.Machine
	Bus     eventbus.Bus
	Pools   *worker.Pools
	// Agent, Capacity, HA and Alerts are used.
	Collaborators provider.Collaborators
	Monitor       *Monitor
}

// Reconciler consumes host power reports and repairs VM state.
type Reconciler struct {
	cfg     Config
	store   repository.Store
	machine *statemachine.Machine
	bus     eventbus.Bus
	pools   *worker.Pools
	c       provider.Collaborators
	alerts  *notification.Triggers
	monitor *Monitor
	queue   workqueue.TypedRateLimitingInterface[int64]
	now     func() time.Time

	mu          sync.Mutex
	unsubscribe func()
	// VMs already alerted as stalled on an unreachable host.
	alerted sets.Set[int64]
}

// New creates a Reconciler. Call Start to begin consuming notifications.
func New(d Deps) (*Reconciler, error) {
	switch {
	case d.Store == nil || d.Machine == nil:
		return nil, errors.New("reconciler: store and state machine are required")
	case d.Bus == nil || d.Pools == nil:
		return nil, errors.New("reconciler: event bus and worker pools are required")
	case d.Collaborators.Agent == nil || d.Collaborators.Capacity == nil ||
		d.Collaborators.HA == nil || d.Collaborators.Alerts == nil:
		return nil, errors.New("reconciler: agent, capacity, HA and alert collaborators are required")
	}
	cfg := d.Config
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DeferBaseDelay <= 0 {
		cfg.DeferBaseDelay = 5 * time.Second
	}
	if cfg.DeferMaxDelay < cfg.DeferBaseDelay {
		cfg.DeferMaxDelay = cfg.DeferBaseDelay
	}
	monitor := d.Monitor
	if monitor == nil {
		monitor = NewMonitor(nil)
	}
	limiter := workqueue.NewTypedItemExponentialFailureRateLimiter[int64](cfg.DeferBaseDelay, cfg.DeferMaxDelay)
	return &Reconciler{
		cfg:     cfg,
		store:   d.Store,
		machine: d.Machine,
		bus:     d.Bus,
		pools:   d.Pools,
		c:       d.Collaborators,
		alerts:  notification.NewTriggers(d.Collaborators.Alerts),
		monitor: monitor,
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(limiter,
			workqueue.TypedRateLimitingQueueConfig[int64]{Name: "vm_power_reconcile"}),
		now:     time.Now,
		alerted: sets.New[int64](),
	}, nil
}

// Start subscribes to power-state notifications and starts the queue
// consumers on the general pool.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	r.unsubscribe = r.bus.Subscribe(domain.TopicPowerState, r.onPowerStateChanged)
	r.mu.Unlock()

	for i := 0; i < r.cfg.Workers; i++ {
		err := r.pools.General.Submit(ctx, func(ctx context.Context) {
			for r.processNext(ctx) {
			}
		})
		if err != nil {
			r.Stop()
			return err
		}
	}
	logger.Info("Power-state reconciler started", zap.Int("workers", r.cfg.Workers))
	return nil
}

// Stop unsubscribes and shuts the queue down; consumers exit once their
// current item is handled.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.mu.Unlock()
	r.queue.ShutDown()
}

func (r *Reconciler) onPowerStateChanged(_ context.Context, payload []byte) {
	var ev domain.PowerStateChanged
	if err := json.Unmarshal(payload, &ev); err != nil || ev.VMID == 0 {
		logger.Warn("Ignoring malformed power-state notification", zap.ByteString("payload", payload), zap.Error(err))
		return
	}
	r.queue.Add(ev.VMID)
}

func (r *Reconciler) processNext(ctx context.Context) bool {
	vmID, shutdown := r.queue.Get()
	if shutdown {
		return false
	}
	defer r.queue.Done(vmID)

	deferred, err := r.Reconcile(ctx, vmID)
	switch {
	case err != nil:
		logger.Error("Power-state reconciliation failed", zap.Int64("vm_id", vmID), zap.Error(err))
		r.requeue(ctx, vmID)
	case deferred:
		r.monitor.deferrals.Inc()
		r.requeue(ctx, vmID)
	default:
		r.queue.Forget(vmID)
	}
	return true
}

// requeue re-arms power tracking for vmID and schedules it again with
// backoff, up to MaxDefers times.
func (r *Reconciler) requeue(ctx context.Context, vmID int64) {
	if r.cfg.MaxDefers > 0 && r.queue.NumRequeues(vmID) >= r.cfg.MaxDefers {
		logger.Warn("Dropping power report after repeated deferrals",
			zap.Int64("vm_id", vmID),
			zap.Int("defers", r.queue.NumRequeues(vmID)),
		)
		r.queue.Forget(vmID)
		return
	}
	if err := r.store.ResetPowerTracking(ctx, vmID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Warn("Failed to reset power tracking", zap.Int64("vm_id", vmID), zap.Error(err))
	}
	r.queue.AddRateLimited(vmID)
}

// publish tells subscribers vmID's power state changed.
func (r *Reconciler) publish(ctx context.Context, vmID int64) {
	if err := r.bus.Publish(ctx, domain.TopicPowerState, domain.Encode(domain.PowerStateChanged{VMID: vmID})); err != nil {
		logger.Warn("Failed to publish power-state change", zap.Int64("vm_id", vmID), zap.Error(err))
	}
}

func logVM(vm *domain.VM) []zap.Field {
	fields := []zap.Field{
		zap.Int64("vm_id", vm.ID),
		zap.String("vm_uuid", vm.UUID),
		zap.String("state", string(vm.State)),
		zap.String("power_state", string(vm.PowerState)),
	}
	if vm.HostID != nil {
		fields = append(fields, zap.Int64("host_id", *vm.HostID))
	}
	return fields
}

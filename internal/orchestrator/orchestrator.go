// Package orchestrator runs the VM lifecycle sagas.
//
// Every operation has two entry paths. The public methods (Start, Stop,
// Migrate, ...) submit a work command through the job queue and wait on
// its outcome. HandleWork is the dispatcher path: it runs the matching
// orchestrate* function for a dequeued command. Both share the same
// private saga code; a public method called from inside a dispatched job
// runs the saga inline under a placeholder job.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/eventbus"
	"vmconductor.io/conductor/internal/jobqueue"
	"vmconductor.io/conductor/internal/lock"
	"vmconductor.io/conductor/internal/notification"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/repository"
	"vmconductor.io/conductor/internal/statemachine"
	"vmconductor.io/conductor/internal/workledger"
)

// NicLockTable names the row locks guarding NIC removal.
const NicLockTable = "nics"

// Config tunes the sagas.
type Config struct {
	NodeID               int64
	StartRetry           int
	MigrateRetry         int
	LockStateRetry       int
	TransitionalLiveness time.Duration
	LockTimeout          time.Duration
	DestroyForceStop     bool
}

// ConfigFrom maps the orchestrator config section.
func ConfigFrom(node config.NodeConfig, o config.OrchestratorConfig) Config {
	return Config{
		NodeID:               node.ID,
		StartRetry:           o.StartRetry,
		MigrateRetry:         o.MigrateRetry,
		LockStateRetry:       o.LockStateRetry,
		TransitionalLiveness: o.TransitionalLiveness,
		LockTimeout:          o.LockTimeout,
		DestroyForceStop:     o.DestroyForceStop,
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Config        Config
	Store         repository.Store
	Machine       *statemachine.Machine
	Ledger        *workledger.Ledger
	Queue         *jobqueue.Queue
	Bus           eventbus.Bus
	Locker        lock.Locker
	Gurus         *provider.GuruRegistry
	Hypervisors   *provider.HypervisorRegistry
	Collaborators provider.Collaborators
	Monitor       *Monitor
}

// Orchestrator sequences VM lifecycle operations.
type Orchestrator struct {
	cfg         Config
	store       repository.Store
	machine     *statemachine.Machine
	ledger      *workledger.Ledger
	queue       *jobqueue.Queue
	bus         eventbus.Bus
	locker      lock.Locker
	gurus       *provider.GuruRegistry
	hypervisors *provider.HypervisorRegistry
	c           provider.Collaborators
	alerts      *notification.Triggers
	monitor     *Monitor
	now         func() time.Time
}

// New creates an Orchestrator.
func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case d.Machine == nil || d.Ledger == nil || d.Queue == nil:
		return nil, errors.New("orchestrator: state machine, ledger and queue are required")
	case d.Bus == nil || d.Locker == nil:
		return nil, errors.New("orchestrator: event bus and locker are required")
	case d.Gurus == nil || d.Hypervisors == nil:
		return nil, errors.New("orchestrator: guru registries are required")
	}
	c := d.Collaborators
	if c.Planner == nil || c.Network == nil || c.Volumes == nil || c.Capacity == nil ||
		c.Snapshot == nil || c.HA == nil || c.Alerts == nil || c.Agent == nil {
		return nil, errors.New("orchestrator: every collaborator is required")
	}
	monitor := d.Monitor
	if monitor == nil {
		monitor = NewMonitor(nil)
	}
	return &Orchestrator{
		cfg:         d.Config,
		store:       d.Store,
		machine:     d.Machine,
		ledger:      d.Ledger,
		queue:       d.Queue,
		bus:         d.Bus,
		locker:      d.Locker,
		gurus:       d.Gurus,
		hypervisors: d.Hypervisors,
		c:           c,
		alerts:      notification.NewTriggers(c.Alerts),
		monitor:     monitor,
		now:         time.Now,
	}, nil
}

var _ jobqueue.Handler = (*Orchestrator)(nil)

// HandleWork runs a dequeued work command.
func (o *Orchestrator) HandleWork(ctx context.Context, job *domain.WorkJob, cmd domain.WorkCommand) ([]byte, error) {
	logger.Info("Executing VM work",
		zap.String("job_id", job.ID),
		zap.Int64("vm_id", cmd.VMID),
		zap.String("operation", string(cmd.Kind)),
	)
	return o.orchestrate(ctx, cmd)
}

func (o *Orchestrator) orchestrate(ctx context.Context, cmd domain.WorkCommand) (result []byte, err error) {
	started := o.now()
	defer func() { o.monitor.observe(cmd.Kind, started, err) }()

	switch cmd.Kind {
	case domain.OpStart:
		err = o.orchestrateStart(ctx, cmd.VMID, *cmd.Start)
	case domain.OpStop:
		err = o.orchestrateStop(ctx, cmd.VMID, cmd.Stop.Forced)
	case domain.OpMigrate:
		err = o.orchestrateMigrate(ctx, cmd.VMID, cmd.Migrate.SrcHostID, cmd.Migrate.Dest)
	case domain.OpMigrateWithStorage:
		p := cmd.MigrateWithStorage
		err = o.orchestrateMigrateWithStorage(ctx, cmd.VMID, p.SrcHostID, p.DestHostID, p.VolumeToPool)
	case domain.OpMigrateForScale:
		p := cmd.MigrateForScale
		err = o.orchestrateMigrateForScale(ctx, cmd.VMID, p.SrcHostID, p.Dest, p.NewOfferingID)
	case domain.OpMigrateAway:
		err = o.orchestrateMigrateAway(ctx, cmd.VMID, cmd.MigrateAway.SrcHostID)
	case domain.OpReboot:
		err = o.orchestrateReboot(ctx, cmd.VMID, cmd.Reboot.Params)
	case domain.OpAddNic:
		var nic *domain.Nic
		nic, err = o.orchestrateAddNic(ctx, cmd.VMID, cmd.AddNic.NetworkID, cmd.AddNic.IPAddress)
		if err == nil {
			result, err = json.Marshal(nic)
		}
	case domain.OpRemoveNic:
		err = o.orchestrateRemoveNic(ctx, cmd.VMID, cmd.RemoveNic.NicID)
	case domain.OpReconfigure:
		err = o.orchestrateReconfigure(ctx, cmd.VMID, cmd.Reconfigure.NewOfferingID, cmd.Reconfigure.SameHost)
	case domain.OpStorageMigration:
		err = o.orchestrateStorageMigration(ctx, cmd.VMID, cmd.StorageMigration.PoolID)
	default:
		err = apperrors.BadRequest(apperrors.CodeUnknownOperation,
			(&domain.ErrUnknownOperation{Kind: cmd.Kind}).Error())
	}
	return result, err
}

// submit is the public entry path. From inside a dispatched job the saga
// runs inline; otherwise the command is queued and awaited.
func (o *Orchestrator) submit(ctx context.Context, cmd domain.WorkCommand, caller domain.Caller) ([]byte, error) {
	if jobqueue.InDispatcher(ctx) {
		var result []byte
		err := o.queue.RunInline(ctx, cmd, caller, func(ctx context.Context) error {
			r, err := o.orchestrate(ctx, cmd)
			result = r
			return err
		})
		return result, err
	}
	out, err := o.queue.SubmitOrJoin(ctx, cmd, caller)
	if err != nil {
		return nil, err
	}
	if out.Joined {
		logger.Debug("Joined pending VM work",
			zap.String("job_id", out.JobID),
			zap.Int64("vm_id", cmd.VMID),
			zap.String("operation", string(cmd.Kind)),
		)
	}
	return out.Wait(ctx)
}

// submitVM submits cmd and returns the VM as stored afterwards.
func (o *Orchestrator) submitVM(ctx context.Context, cmd domain.WorkCommand, caller domain.Caller) (*domain.VM, error) {
	if _, err := o.submit(ctx, cmd, caller); err != nil {
		return nil, err
	}
	return o.loadVM(ctx, cmd.VMID)
}

// Start boots a stopped VM.
func (o *Orchestrator) Start(ctx context.Context, vmID int64, params domain.StartParams, caller domain.Caller) (*domain.VM, error) {
	return o.submitVM(ctx, domain.WorkCommand{Kind: domain.OpStart, VMID: vmID, Start: &params}, caller)
}

// Stop powers a VM off. A forced stop proceeds past agent failures.
func (o *Orchestrator) Stop(ctx context.Context, vmID int64, forced bool, caller domain.Caller) (*domain.VM, error) {
	return o.submitVM(ctx, domain.WorkCommand{Kind: domain.OpStop, VMID: vmID, Stop: &domain.StopParams{Forced: forced}}, caller)
}

// Migrate live-migrates a running VM to dest.
func (o *Orchestrator) Migrate(ctx context.Context, vmID, srcHostID int64, dest domain.DeployDestination, caller domain.Caller) (*domain.VM, error) {
	return o.submitVM(ctx, domain.WorkCommand{
		Kind: domain.OpMigrate, VMID: vmID,
		Migrate: &domain.MigrateParams{SrcHostID: srcHostID, Dest: dest},
	}, caller)
}

// MigrateWithStorage migrates a VM together with its volumes.
func (o *Orchestrator) MigrateWithStorage(ctx context.Context, vmID, srcHostID, destHostID int64, volumeToPool map[int64]int64, caller domain.Caller) (*domain.VM, error) {
	return o.submitVM(ctx, domain.WorkCommand{
		Kind: domain.OpMigrateWithStorage, VMID: vmID,
		MigrateWithStorage: &domain.MigrateWithStorageParams{SrcHostID: srcHostID, DestHostID: destHostID, VolumeToPool: volumeToPool},
	}, caller)
}

// MigrateForScale migrates a VM to dest and resizes it there.
func (o *Orchestrator) MigrateForScale(ctx context.Context, vmID, srcHostID int64, dest domain.DeployDestination, newOfferingID int64, caller domain.Caller) (*domain.VM, error) {
	return o.submitVM(ctx, domain.WorkCommand{
		Kind: domain.OpMigrateForScale, VMID: vmID,
		MigrateForScale: &domain.MigrateForScaleParams{SrcHostID: srcHostID, Dest: dest, NewOfferingID: newOfferingID},
	}, caller)
}

// MigrateAway moves a VM off srcHostID to any host the planner finds.
func (o *Orchestrator) MigrateAway(ctx context.Context, vmID, srcHostID int64, caller domain.Caller) (*domain.VM, error) {
	return o.submitVM(ctx, domain.WorkCommand{
		Kind: domain.OpMigrateAway, VMID: vmID,
		MigrateAway: &domain.MigrateAwayParams{SrcHostID: srcHostID},
	}, caller)
}

// Reboot restarts a running VM in place.
func (o *Orchestrator) Reboot(ctx context.Context, vmID int64, params map[string]string, caller domain.Caller) (*domain.VM, error) {
	return o.submitVM(ctx, domain.WorkCommand{Kind: domain.OpReboot, VMID: vmID, Reboot: &domain.RebootParams{Params: params}}, caller)
}

// Reconfigure changes a VM's service offering.
func (o *Orchestrator) Reconfigure(ctx context.Context, vmID, newOfferingID int64, sameHost bool, caller domain.Caller) (*domain.VM, error) {
	return o.submitVM(ctx, domain.WorkCommand{
		Kind: domain.OpReconfigure, VMID: vmID,
		Reconfigure: &domain.ReconfigureParams{NewOfferingID: newOfferingID, SameHost: sameHost},
	}, caller)
}

// StorageMigration moves a stopped VM's volumes to poolID.
func (o *Orchestrator) StorageMigration(ctx context.Context, vmID, poolID int64, caller domain.Caller) (*domain.VM, error) {
	return o.submitVM(ctx, domain.WorkCommand{
		Kind: domain.OpStorageMigration, VMID: vmID,
		StorageMigration: &domain.StorageMigrationParams{PoolID: poolID},
	}, caller)
}

// AddNic plugs a NIC on networkID into the VM.
func (o *Orchestrator) AddNic(ctx context.Context, vmID, networkID int64, ipAddress string, caller domain.Caller) (*domain.Nic, error) {
	result, err := o.submit(ctx, domain.WorkCommand{
		Kind: domain.OpAddNic, VMID: vmID,
		AddNic: &domain.AddNicParams{NetworkID: networkID, IPAddress: ipAddress},
	}, caller)
	if err != nil {
		return nil, err
	}
	var nic domain.Nic
	if err := json.Unmarshal(result, &nic); err != nil {
		return nil, apperrors.OperationFailed("undecodable add-nic result").WithCause(err)
	}
	return &nic, nil
}

// RemoveNic unplugs and releases a NIC.
func (o *Orchestrator) RemoveNic(ctx context.Context, vmID, nicID int64, caller domain.Caller) error {
	_, err := o.submit(ctx, domain.WorkCommand{
		Kind: domain.OpRemoveNic, VMID: vmID,
		RemoveNic: &domain.RemoveNicParams{NicID: nicID},
	}, caller)
	return err
}

// ---- shared helpers ----

func (o *Orchestrator) loadVM(ctx context.Context, vmID int64) (*domain.VM, error) {
	vm, err := o.store.GetVM(ctx, vmID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.VMNotFound(fmt.Sprint(vmID))
	}
	if err != nil {
		return nil, fmt.Errorf("load vm %d: %w", vmID, err)
	}
	if vm.Removed != nil {
		return nil, apperrors.VMNotFound(vm.UUID)
	}
	return vm, nil
}

// profile assembles the saga view of vm with the given offering.
func (o *Orchestrator) profile(ctx context.Context, vm *domain.VM, offering *domain.ServiceOffering) (*domain.VMProfile, error) {
	p := domain.NewVMProfile(vm, offering)
	nics, err := o.store.ListNics(ctx, vm.ID)
	if err != nil {
		return nil, fmt.Errorf("list nics of vm %d: %w", vm.ID, err)
	}
	vols, err := o.store.ListVolumes(ctx, vm.ID)
	if err != nil {
		return nil, fmt.Errorf("list volumes of vm %d: %w", vm.ID, err)
	}
	p.Nics, p.Volumes = nics, vols
	return p, nil
}

func (o *Orchestrator) offering(ctx context.Context, id int64) (*domain.ServiceOffering, error) {
	off, err := o.store.GetOffering(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidRequestField,
			fmt.Sprintf("service offering %d does not exist", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load service offering %d: %w", id, err)
	}
	return off, nil
}

func (o *Orchestrator) host(ctx context.Context, id int64) (*domain.Host, error) {
	h, err := o.store.GetHost(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound(apperrors.CodeHostNotFound, fmt.Sprintf("host %d not found", id)).
			WithParam(apperrors.ParamHostID, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load host %d: %w", id, err)
	}
	return h, nil
}

// transit applies event and turns a lost compare-and-set into a
// CONCURRENT_OPERATION error.
func (o *Orchestrator) transit(ctx context.Context, vm *domain.VM, event domain.Event, hostID *int64) error {
	ok, err := o.machine.Transition(ctx, vm, event, hostID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ConcurrentOperation(
			fmt.Sprintf("vm %s changed state concurrently while applying %s", vm.UUID, event)).
			WithParams(vmParams(vm))
	}
	return nil
}

// send dispatches cmd and folds a negative answer into an error. The
// answer is returned either way.
func (o *Orchestrator) send(ctx context.Context, hostID int64, cmd provider.Command) (*provider.Answer, error) {
	answer, err := o.c.Agent.Send(ctx, hostID, cmd)
	if err != nil {
		return nil, err
	}
	if answer == nil || !answer.Result {
		details := "no answer"
		if answer != nil && answer.Details != "" {
			details = answer.Details
		}
		return answer, apperrors.OperationFailed(
			fmt.Sprintf("%s failed on host %d: %s", cmd.CommandName(), hostID, details)).
			WithParam(apperrors.ParamHostID, hostID)
	}
	return answer, nil
}

// stopCommand builds the stop for vm. cleanupOnly releases host artifacts
// of an instance that should not be running.
func stopCommand(vm *domain.VM, forced, cleanupOnly bool) provider.StopCommand {
	return provider.StopCommand{VMID: vm.ID, InstanceName: vm.InstanceName, Forced: forced, CleanupOnly: cleanupOnly}
}

func vmParams(vm *domain.VM) map[string]interface{} {
	p := map[string]interface{}{
		apperrors.ParamVMUUID: vm.UUID,
		apperrors.ParamState:  string(vm.State),
	}
	if vm.HostID != nil {
		p[apperrors.ParamHostID] = *vm.HostID
	}
	return p
}

// annotate attaches VM context to an AppError, or wraps a foreign error
// into OPERATION_FAILED carrying it.
func annotate(err error, vm *domain.VM, msg string) error {
	if err == nil {
		return nil
	}
	if appErr, ok := apperrors.IsAppError(err); ok {
		for k, v := range vmParams(vm) {
			if appErr.Param(k) == nil {
				appErr.WithParam(k, v)
			}
		}
		return appErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.OperationFailed(msg).WithParams(vmParams(vm)).WithCause(err)
}

func logVM(vm *domain.VM) []zap.Field {
	return []zap.Field{
		zap.Int64("vm_id", vm.ID),
		zap.String("vm_uuid", vm.UUID),
		zap.String("state", string(vm.State)),
		zap.Int64("host_id", vm.HostIDValue()),
	}
}

package notification

import (
	"context"
	"fmt"
	"time"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/provider"
)

// Triggers builds the alerts raised by the lifecycle core.
type Triggers struct {
	sender provider.AlertManager
}

// NewTriggers creates the trigger set.
func NewTriggers(sender provider.AlertManager) *Triggers {
	return &Triggers{sender: sender}
}

// OnMigrationFailed fires when a live migration was rolled back.
func (t *Triggers) OnMigrationFailed(ctx context.Context, vm *domain.VM, srcHostID, destHostID int64, cause error) {
	t.sender.SendAlert(ctx, &domain.Alert{
		Type:         domain.AlertMigration,
		DataCenterID: vm.DataCenterID,
		PodID:        vm.PodID,
		VMID:         &vm.ID,
		Subject:      fmt.Sprintf("Unable to migrate vm %s from host %d to host %d", vm.InstanceName, srcHostID, destHostID),
		Body:         errText(cause),
	})
}

// OnStateOutOfSync fires when a report left a VM in a state the
// reconciler could not repair on its own.
func (t *Triggers) OnStateOutOfSync(ctx context.Context, vm *domain.VM, hostID int64, detail string) {
	t.sender.SendAlert(ctx, &domain.Alert{
		Type:         domain.AlertSync,
		DataCenterID: vm.DataCenterID,
		PodID:        vm.PodID,
		VMID:         &vm.ID,
		Subject:      fmt.Sprintf("VM %s is out of sync with host %d", vm.InstanceName, hostID),
		Body:         detail,
	})
}

// OnStalledOnUnreachableHost fires when a transitional VM sits on a host
// that stopped reporting.
func (t *Triggers) OnStalledOnUnreachableHost(ctx context.Context, vm *domain.VM, host *domain.Host, since time.Duration) {
	t.sender.SendAlert(ctx, &domain.Alert{
		Type:         domain.AlertSync,
		DataCenterID: vm.DataCenterID,
		PodID:        vm.PodID,
		VMID:         &vm.ID,
		Subject:      fmt.Sprintf("VM %s stuck in %s on unreachable host %s", vm.InstanceName, vm.State, host.Name),
		Body:         fmt.Sprintf("host %d status %s, no progress for %s", host.ID, host.Status, since.Truncate(time.Second)),
	})
}

// OnHAFailed fires when HA work could not be scheduled for a VM.
func (t *Triggers) OnHAFailed(ctx context.Context, vm *domain.VM, kind provider.HAWorkType, cause error) {
	t.sender.SendAlert(ctx, &domain.Alert{
		Type:         domain.AlertHA,
		DataCenterID: vm.DataCenterID,
		PodID:        vm.PodID,
		VMID:         &vm.ID,
		Subject:      fmt.Sprintf("HA %s could not be scheduled for vm %s", kind, vm.InstanceName),
		Body:         errText(cause),
	})
}

// OnExpungeCleanupFailed fires when hypervisor cleanup refused an expunge.
func (t *Triggers) OnExpungeCleanupFailed(ctx context.Context, vm *domain.VM, detail string) {
	t.sender.SendAlert(ctx, &domain.Alert{
		Type:         domain.AlertExpunge,
		DataCenterID: vm.DataCenterID,
		PodID:        vm.PodID,
		VMID:         &vm.ID,
		Subject:      fmt.Sprintf("Expunge of vm %s failed on hypervisor cleanup", vm.InstanceName),
		Body:         detail,
	})
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

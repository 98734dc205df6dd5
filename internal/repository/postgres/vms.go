package postgres

import (
	"context"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/repository"
)

const (
	vmTable     = "vm_instances"
	detailTable = "vm_details"
)

var vmColumns = []string{
	"id", "uuid", "name", "instance_name", "type", "hypervisor", "state",
	"host_id", "last_host_id",
	"power_state", "power_host_id", "power_state_updated_at", "power_state_update_count",
	"data_center_id", "pod_id", "cluster_id", "service_offering_id", "ha_enabled",
	"created_at", "updated_at", "removed",
}

func scanVM(row pgx.CollectableRow) (*domain.VM, error) {
	var vm domain.VM
	err := row.Scan(
		&vm.ID, &vm.UUID, &vm.Name, &vm.InstanceName, &vm.Type, &vm.Hypervisor, &vm.State,
		&vm.HostID, &vm.LastHostID,
		&vm.PowerState, &vm.PowerHostID, &vm.PowerStateUpdatedAt, &vm.PowerStateUpdateCount,
		&vm.DataCenterID, &vm.PodID, &vm.ClusterID, &vm.ServiceOfferingID, &vm.HAEnabled,
		&vm.CreatedAt, &vm.UpdatedAt, &vm.Removed,
	)
	return &vm, err
}

func selectVMs() *entsql.Selector {
	return psql.Select(vmColumns...).From(entsql.Table(vmTable))
}

func (s *Store) CreateVM(ctx context.Context, vm *domain.VM) error {
	if vm.UUID == "" {
		vm.UUID = uuid.NewString()
	}
	if vm.State == "" {
		vm.State = domain.StateStopped
	}
	if vm.PowerState == "" {
		vm.PowerState = domain.PowerOff
	}
	now := stamp(time.Now())
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = now
	}
	vm.UpdatedAt = now

	cols := vmColumns[1:]
	vals := []any{
		vm.UUID, vm.Name, vm.InstanceName, vm.Type, vm.Hypervisor, vm.State,
		vm.HostID, vm.LastHostID,
		vm.PowerState, vm.PowerHostID, vm.PowerStateUpdatedAt, vm.PowerStateUpdateCount,
		vm.DataCenterID, vm.PodID, vm.ClusterID, vm.ServiceOfferingID, vm.HAEnabled,
		vm.CreatedAt, vm.UpdatedAt, vm.Removed,
	}
	explicitID := vm.ID != 0
	if explicitID {
		cols = vmColumns
		vals = append([]any{vm.ID}, vals...)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		id, err := one(ctx, tx, psql.Insert(vmTable).Columns(cols...).Values(vals...).Returning("id"), pgx.RowTo[int64])
		if err != nil {
			if pgCode(err) == pgUniqueViolation {
				return repository.ErrAlreadyExists
			}
			return fmt.Errorf("insert vm: %w", err)
		}
		vm.ID = id
		if explicitID {
			if err := syncSequence(ctx, tx, vmTable); err != nil {
				return fmt.Errorf("sync vm sequence: %w", err)
			}
		}
		for k, v := range vm.Details {
			if err := upsertDetail(ctx, tx, vm.ID, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetVM(ctx context.Context, id int64) (*domain.VM, error) {
	return s.getVM(ctx, entsql.EQ("id", id))
}

func (s *Store) GetVMByUUID(ctx context.Context, id string) (*domain.VM, error) {
	return s.getVM(ctx, entsql.EQ("uuid", id))
}

func (s *Store) getVM(ctx context.Context, p *entsql.Predicate) (*domain.VM, error) {
	vm, err := one(ctx, s.pool, selectVMs().Where(p), scanVM)
	if err != nil {
		return nil, err
	}
	if err := s.attachDetails(ctx, []*domain.VM{vm}); err != nil {
		return nil, err
	}
	return vm, nil
}

func (s *Store) FindVMsByInstanceNames(ctx context.Context, names []string) (map[string]*domain.VM, error) {
	out := make(map[string]*domain.VM, len(names))
	if len(names) == 0 {
		return out, nil
	}
	vms, err := s.listVMs(ctx, entsql.And(entsql.In("instance_name", anys(names)...), entsql.IsNull("removed")))
	if err != nil {
		return nil, err
	}
	for _, vm := range vms {
		out[vm.InstanceName] = vm
	}
	return out, nil
}

func (s *Store) ListVMsByHost(ctx context.Context, hostID int64, states ...domain.State) ([]*domain.VM, error) {
	preds := []*entsql.Predicate{entsql.EQ("host_id", hostID), entsql.IsNull("removed")}
	if len(states) > 0 {
		preds = append(preds, entsql.In("state", anys(states)...))
	}
	return s.listVMs(ctx, entsql.And(preds...))
}

func (s *Store) ListVMsInStates(ctx context.Context, states ...domain.State) ([]*domain.VM, error) {
	if len(states) == 0 {
		return nil, nil
	}
	return s.listVMs(ctx, entsql.And(entsql.In("state", anys(states)...), entsql.IsNull("removed")))
}

func (s *Store) listVMs(ctx context.Context, p *entsql.Predicate) ([]*domain.VM, error) {
	vms, err := collect(ctx, s.pool, selectVMs().Where(p).OrderBy("id"), scanVM)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	if err := s.attachDetails(ctx, vms); err != nil {
		return nil, err
	}
	return vms, nil
}

func (s *Store) attachDetails(ctx context.Context, vms []*domain.VM) error {
	if len(vms) == 0 {
		return nil
	}
	byID := make(map[int64]*domain.VM, len(vms))
	ids := make([]any, 0, len(vms))
	for _, vm := range vms {
		byID[vm.ID] = vm
		ids = append(ids, vm.ID)
	}
	type detail struct {
		vmID        int64
		name, value string
	}
	details, err := collect(ctx, s.pool,
		psql.Select("vm_id", "name", "value").From(entsql.Table(detailTable)).Where(entsql.In("vm_id", ids...)),
		func(row pgx.CollectableRow) (detail, error) {
			var d detail
			err := row.Scan(&d.vmID, &d.name, &d.value)
			return d, err
		})
	if err != nil {
		return fmt.Errorf("load vm details: %w", err)
	}
	for _, d := range details {
		vm := byID[d.vmID]
		if vm.Details == nil {
			vm.Details = make(map[string]string)
		}
		vm.Details[d.name] = d.value
	}
	return nil
}

// UpdateState is a conditional UPDATE on (id, state, host_id); a
// concurrent writer that got there first leaves zero rows affected.
func (s *Store) UpdateState(ctx context.Context, c repository.StateChange) (bool, error) {
	n, err := exec(ctx, s.pool, psql.Update(vmTable).
		Set("state", c.ToState).
		Set("host_id", c.HostID).
		Set("last_host_id", c.LastHostID).
		Set("updated_at", stamp(c.At)).
		Where(entsql.And(
			entsql.EQ("id", c.VMID),
			entsql.EQ("state", c.FromState),
			idIs("host_id", c.FromHostID),
		)))
	if err != nil {
		return false, fmt.Errorf("update vm %d state: %w", c.VMID, err)
	}
	if n > 0 {
		return true, nil
	}
	ok, err := exists(ctx, s.pool, vmTable, c.VMID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, repository.ErrNotFound
	}
	return false, nil
}

// updatePowerSQL restarts the counter when the state or reporting host
// changes, and skips the write once an unchanged state has been counted
// MaxSamePowerStateUpdates times.
const updatePowerSQL = `
UPDATE vm_instances SET
    power_state_update_count = CASE
        WHEN power_state = $1 AND power_host_id IS NOT DISTINCT FROM $2 THEN power_state_update_count + 1
        ELSE 1
    END,
    power_state = $1,
    power_host_id = $2,
    power_state_updated_at = $3
WHERE id = $4
  AND NOT (power_state = $1 AND power_host_id IS NOT DISTINCT FROM $2 AND power_state_update_count >= $5)`

func (s *Store) UpdatePowerState(ctx context.Context, vmID, hostID int64, state domain.PowerState, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, updatePowerSQL, string(state), hostID, stamp(at), vmID, repository.MaxSamePowerStateUpdates)
	if err != nil {
		return false, fmt.Errorf("update vm %d power state: %w", vmID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	ok, err := exists(ctx, s.pool, vmTable, vmID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, repository.ErrNotFound
	}
	return false, nil
}

func (s *Store) ResetPowerTracking(ctx context.Context, vmID int64) error {
	return affectedOrNotFound(exec(ctx, s.pool,
		psql.Update(vmTable).Set("power_state_update_count", 0).Where(entsql.EQ("id", vmID))))
}

func (s *Store) UpdateOffering(ctx context.Context, vmID, offeringID int64) error {
	return s.touchVM(ctx, s.pool, vmID, map[string]any{"service_offering_id": offeringID})
}

func (s *Store) UpdatePlacement(ctx context.Context, vmID int64, podID, clusterID *int64) error {
	return s.touchVM(ctx, s.pool, vmID, map[string]any{"pod_id": podID, "cluster_id": clusterID})
}

func (s *Store) SetDetail(ctx context.Context, vmID int64, key, value string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.touchVM(ctx, tx, vmID, nil); err != nil {
			return err
		}
		return upsertDetail(ctx, tx, vmID, key, value)
	})
}

func (s *Store) MarkRemoved(ctx context.Context, vmID int64, at time.Time) error {
	return s.touchVM(ctx, s.pool, vmID, map[string]any{"removed": stamp(at)})
}

// touchVM sets cols and bumps updated_at.
func (s *Store) touchVM(ctx context.Context, db dbtx, vmID int64, cols map[string]any) error {
	u := psql.Update(vmTable).Set("updated_at", stamp(time.Now()))
	for col, v := range cols {
		u.Set(col, v)
	}
	return affectedOrNotFound(exec(ctx, db, u.Where(entsql.EQ("id", vmID))))
}

func upsertDetail(ctx context.Context, db dbtx, vmID int64, key, value string) error {
	_, err := exec(ctx, db, psql.Insert(detailTable).
		Columns("vm_id", "name", "value").
		Values(vmID, key, value).
		OnConflict(entsql.ConflictColumns("vm_id", "name"), entsql.ResolveWithNewValues()))
	switch {
	case pgCode(err) == pgForeignKeyViolation:
		return repository.ErrNotFound
	case err != nil:
		return fmt.Errorf("set vm %d detail %q: %w", vmID, key, err)
	}
	return nil
}

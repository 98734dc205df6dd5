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
	hostTable     = "hosts"
	offeringTable = "service_offerings"
	nicTable      = "nics"
	volumeTable   = "volumes"
	alertTable    = "alerts"
)

// insertWithID inserts a row into a serial-keyed table, honoring an
// explicit id when one is given.
func (s *Store) insertWithID(ctx context.Context, table string, id int64, cols []string, vals []any) (int64, error) {
	if id == 0 {
		return one(ctx, s.pool, psql.Insert(table).Columns(cols...).Values(vals...).Returning("id"), pgx.RowTo[int64])
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := exec(ctx, tx, psql.Insert(table).
			Columns(append([]string{"id"}, cols...)...).
			Values(append([]any{id}, vals...)...))
		if err != nil {
			return err
		}
		return syncSequence(ctx, tx, table)
	})
	if pgCode(err) == pgUniqueViolation {
		return 0, repository.ErrAlreadyExists
	}
	return id, err
}

// ---- hosts ----

var hostColumns = []string{
	"id", "name", "data_center_id", "pod_id", "cluster_id", "hypervisor",
	"status", "resource_state", "last_ping_at",
}

func scanHost(row pgx.CollectableRow) (*domain.Host, error) {
	var h domain.Host
	err := row.Scan(&h.ID, &h.Name, &h.DataCenterID, &h.PodID, &h.ClusterID, &h.Hypervisor,
		&h.Status, &h.ResourceState, &h.LastPingAt)
	return &h, err
}

func (s *Store) CreateHost(ctx context.Context, h *domain.Host) error {
	if h.Status == "" {
		h.Status = domain.HostUp
	}
	if h.ResourceState == "" {
		h.ResourceState = domain.ResourceEnabled
	}
	id, err := s.insertWithID(ctx, hostTable, h.ID, hostColumns[1:], []any{
		h.Name, h.DataCenterID, h.PodID, h.ClusterID, h.Hypervisor, h.Status, h.ResourceState, h.LastPingAt,
	})
	if err != nil {
		return fmt.Errorf("insert host: %w", err)
	}
	h.ID = id
	return nil
}

func (s *Store) GetHost(ctx context.Context, id int64) (*domain.Host, error) {
	return one(ctx, s.pool, psql.Select(hostColumns...).From(entsql.Table(hostTable)).Where(entsql.EQ("id", id)), scanHost)
}

func (s *Store) ListHosts(ctx context.Context, f repository.HostFilter) ([]*domain.Host, error) {
	sel := psql.Select(hostColumns...).From(entsql.Table(hostTable)).OrderBy("id")
	var preds []*entsql.Predicate
	if f.DataCenterID != 0 {
		preds = append(preds, entsql.EQ("data_center_id", f.DataCenterID))
	}
	if f.Hypervisor != "" {
		preds = append(preds, entsql.EQ("hypervisor", f.Hypervisor))
	}
	if len(f.Statuses) > 0 {
		preds = append(preds, entsql.In("status", anys(f.Statuses)...))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	hosts, err := collect(ctx, s.pool, sel, scanHost)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	return hosts, nil
}

func (s *Store) UpdateHostStatus(ctx context.Context, id int64, status domain.HostStatus, at time.Time) error {
	return affectedOrNotFound(exec(ctx, s.pool, psql.Update(hostTable).
		Set("status", status).
		Set("last_ping_at", stamp(at)).
		Where(entsql.EQ("id", id))))
}

// ---- offerings ----

func (s *Store) CreateOffering(ctx context.Context, o *domain.ServiceOffering) error {
	id, err := s.insertWithID(ctx, offeringTable, o.ID, []string{"cpu", "speed_mhz", "memory_mb"},
		[]any{o.CPU, o.SpeedMHz, o.MemoryMB})
	if err != nil {
		return fmt.Errorf("insert offering: %w", err)
	}
	o.ID = id
	return nil
}

func (s *Store) GetOffering(ctx context.Context, id int64) (*domain.ServiceOffering, error) {
	return one(ctx, s.pool,
		psql.Select("id", "cpu", "speed_mhz", "memory_mb").From(entsql.Table(offeringTable)).Where(entsql.EQ("id", id)),
		func(row pgx.CollectableRow) (*domain.ServiceOffering, error) {
			var o domain.ServiceOffering
			err := row.Scan(&o.ID, &o.CPU, &o.SpeedMHz, &o.MemoryMB)
			return &o, err
		})
}

// ---- nics ----

var nicColumns = []string{"id", "vm_id", "network_id", "mac_address", "ip_address", "device_id", "is_default"}

func scanNic(row pgx.CollectableRow) (*domain.Nic, error) {
	var n domain.Nic
	err := row.Scan(&n.ID, &n.VMID, &n.NetworkID, &n.MACAddress, &n.IPAddress, &n.DeviceID, &n.Default)
	return &n, err
}

func (s *Store) CreateNic(ctx context.Context, nic *domain.Nic) error {
	id, err := one(ctx, s.pool, psql.Insert(nicTable).
		Columns(nicColumns[1:]...).
		Values(nic.VMID, nic.NetworkID, nic.MACAddress, nic.IPAddress, nic.DeviceID, nic.Default).
		Returning("id"), pgx.RowTo[int64])
	if err != nil {
		return fmt.Errorf("insert nic: %w", err)
	}
	nic.ID = id
	return nil
}

func (s *Store) GetNic(ctx context.Context, id int64) (*domain.Nic, error) {
	return one(ctx, s.pool, psql.Select(nicColumns...).From(entsql.Table(nicTable)).Where(entsql.EQ("id", id)), scanNic)
}

func (s *Store) ListNics(ctx context.Context, vmID int64) ([]*domain.Nic, error) {
	return collect(ctx, s.pool,
		psql.Select(nicColumns...).From(entsql.Table(nicTable)).Where(entsql.EQ("vm_id", vmID)).OrderBy("device_id"),
		scanNic)
}

func (s *Store) DeleteNic(ctx context.Context, id int64) error {
	return affectedOrNotFound(exec(ctx, s.pool, psql.Delete(nicTable).Where(entsql.EQ("id", id))))
}

// ---- volumes ----

var volumeColumns = []string{"id", "vm_id", "pool_id", "root", "ready"}

func (s *Store) CreateVolume(ctx context.Context, v *domain.Volume) error {
	id, err := one(ctx, s.pool, psql.Insert(volumeTable).
		Columns(volumeColumns[1:]...).
		Values(v.VMID, v.PoolID, v.Root, v.Ready).
		Returning("id"), pgx.RowTo[int64])
	if err != nil {
		return fmt.Errorf("insert volume: %w", err)
	}
	v.ID = id
	return nil
}

func (s *Store) ListVolumes(ctx context.Context, vmID int64) ([]*domain.Volume, error) {
	return collect(ctx, s.pool,
		psql.Select(volumeColumns...).From(entsql.Table(volumeTable)).Where(entsql.EQ("vm_id", vmID)).OrderBy("id"),
		func(row pgx.CollectableRow) (*domain.Volume, error) {
			var v domain.Volume
			err := row.Scan(&v.ID, &v.VMID, &v.PoolID, &v.Root, &v.Ready)
			return &v, err
		})
}

func (s *Store) UpdateVolumePool(ctx context.Context, id, poolID int64) error {
	return affectedOrNotFound(exec(ctx, s.pool,
		psql.Update(volumeTable).Set("pool_id", poolID).Where(entsql.EQ("id", id))))
}

func (s *Store) DeleteVolumes(ctx context.Context, vmID int64) error {
	_, err := exec(ctx, s.pool, psql.Delete(volumeTable).Where(entsql.EQ("vm_id", vmID)))
	return err
}

// ---- alerts ----

var alertColumns = []string{"id", "type", "data_center_id", "pod_id", "vm_id", "subject", "body", "created_at"}

func (s *Store) CreateAlert(ctx context.Context, a *domain.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = stamp(time.Now())
	}
	_, err := exec(ctx, s.pool, psql.Insert(alertTable).
		Columns(alertColumns...).
		Values(a.ID, a.Type, a.DataCenterID, a.PodID, a.VMID, a.Subject, a.Body, a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, limit int) ([]*domain.Alert, error) {
	sel := psql.Select(alertColumns...).From(entsql.Table(alertTable)).OrderBy(entsql.Desc("created_at"), entsql.Desc("id"))
	if limit > 0 {
		sel.Limit(limit)
	}
	return collect(ctx, s.pool, sel, func(row pgx.CollectableRow) (*domain.Alert, error) {
		var a domain.Alert
		err := row.Scan(&a.ID, &a.Type, &a.DataCenterID, &a.PodID, &a.VMID, &a.Subject, &a.Body, &a.CreatedAt)
		return &a, err
	})
}
